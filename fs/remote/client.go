// Package remote implements the HTTP client for the assets API. It provides
// two backend variants (DAM and JCR) behind a single Client interface; the
// overlay and its processor never care which one they are talking to.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client is the tree contract against the remote side. Paths are
// forward-slash paths relative to the share root, always starting with "/".
type Client interface {
	// List fetches the immediate children of a folder. Returns ErrNotFound
	// if the folder does not exist remotely.
	List(ctx context.Context, path string) ([]Entry, error)
	// Head returns the content length of a file.
	Head(ctx context.Context, path string) (int64, error)
	// Download returns the body stream of a file. The caller closes it.
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	// CreateFile creates a new file with the given content.
	CreateFile(ctx context.Context, path string, body io.Reader, size int64) error
	// UpdateFile replaces the content of an existing file.
	UpdateFile(ctx context.Context, path string, body io.Reader, size int64) error
	// CreateDirectory creates a new folder.
	CreateDirectory(ctx context.Context, path string) error
	// Delete removes a file or folder (recursively).
	Delete(ctx context.Context, path string) error
	// Move renames src to dst, refusing to overwrite an existing item.
	Move(ctx context.Context, src string, dst string) error
}

// Header is an additional header passed to request.
type Header struct {
	key, value string
}

// core holds what both backends share: the endpoint, the root path on the
// server, and the HTTP client itself.
type core struct {
	base string // e.g. "http://localhost:4502"
	root string // e.g. "/api/assets" or "/crx/server/crx.default/jcr:root/content/dam"
	http *http.Client
}

func newCore(host string, port int, root string) core {
	return core{
		base: fmt.Sprintf("http://%s:%d", host, port),
		root: strings.TrimSuffix(root, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// href builds the request URL for a share path, escaping each segment.
func (c *core) href(path string, suffix string) string {
	var b strings.Builder
	b.WriteString(c.base)
	b.WriteString(c.root)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	b.WriteString(suffix)
	return b.String()
}

// request performs an HTTP request and hands back the raw response. A
// bodyless request that gets a 5xx answer is sent once more. Transport failures come back as-is so the processor can tell "the server
// said no" apart from "we never reached the server".
func (c *core) request(ctx context.Context, method, href string, body io.Reader, size int64, headers ...Header) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, href, body)
	if err != nil {
		return nil, err
	}
	if size >= 0 {
		request.ContentLength = size
	}
	for _, header := range headers {
		request.Header.Add(header.key, header.value)
	}

	log.Debug().Str("method", method).Str("url", href).Msg("Remote request.")
	response, err := c.http.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if response.StatusCode >= 500 && body == nil {
		// the server is having issues; bodyless requests are safe to retry
		// once before reporting the failure upstream
		log.Debug().Str("method", method).Str("url", href).
			Int("status", response.StatusCode).Msg("Server error, retrying once.")
		drain(response)
		retried, rerr := c.http.Do(request)
		if rerr != nil {
			return nil, rerr
		}
		return retried, nil
	}
	return response, nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(response *http.Response) {
	io.Copy(io.Discard, response.Body)
	response.Body.Close()
}

// check closes the response and converts an unexpected status into a
// *StatusError. expected lists the statuses treated as success.
func check(response *http.Response, method, path string, expected ...int) error {
	drain(response)
	for _, status := range expected {
		if response.StatusCode == status {
			return nil
		}
	}
	return &StatusError{Method: method, Path: path, Status: response.StatusCode}
}

// head implements the shared HEAD-for-length operation.
func (c *core) head(ctx context.Context, path string) (int64, error) {
	response, err := c.request(ctx, "HEAD", c.href(path, ""), nil, -1)
	if err != nil {
		return 0, err
	}
	drain(response)
	if response.StatusCode != 200 {
		return 0, &StatusError{Method: "HEAD", Path: path, Status: response.StatusCode}
	}
	length, err := strconv.ParseInt(response.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		// some servers omit the header; fall back to the response field
		length = response.ContentLength
		if length < 0 {
			length = 0
		}
	}
	return length, nil
}

// download implements the shared GET-body operation.
func (c *core) download(ctx context.Context, path string) (io.ReadCloser, error) {
	response, err := c.request(ctx, "GET", c.href(path, ""), nil, -1)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != 200 {
		drain(response)
		return nil, &StatusError{Method: "GET", Path: path, Status: response.StatusCode}
	}
	return response.Body, nil
}

// move implements the shared MOVE operation. The destination goes in the
// X-Destination header as a server path; overwrites are refused so that a
// lost local rename cannot silently clobber a remote item.
func (c *core) move(ctx context.Context, src, dst string) error {
	response, err := c.request(ctx, "MOVE", c.href(src, ""), nil, -1,
		Header{"X-Destination", c.root + dst},
		Header{"X-Depth", "infinity"},
		Header{"X-Overwrite", "F"})
	if err != nil {
		return err
	}
	return check(response, "MOVE", src, 201)
}

// mkdir implements the shared folder-create operation: a form POST of
// name=<n> against the parent's "*" resource.
func (c *core) mkdir(ctx context.Context, path string, expected ...int) error {
	parent, name := splitPath(path)
	form := url.Values{"name": {name}}
	body := strings.NewReader(form.Encode())
	response, err := c.request(ctx, "POST", c.href(parent, "/*"), body, int64(body.Len()),
		Header{"Content-Type", "application/x-www-form-urlencoded"})
	if err != nil {
		return err
	}
	return check(response, "POST", path, expected...)
}

// splitPath splits "/a/b/c" into ("/a/b", "c"). The root splits into
// ("/", "").
func splitPath(path string) (parent string, name string) {
	path = strings.TrimSuffix(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/", strings.TrimPrefix(path, "/")
	}
	return path[:i], path[i+1:]
}
