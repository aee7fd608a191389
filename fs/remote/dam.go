package remote

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"
)

// DAMClient talks to the assets HTTP API rooted at /api/assets. Listings are
// entity documents; files are created with POST and updated with PUT.
type DAMClient struct {
	core
}

// NewDAMClient returns a Client for the assets API on the given endpoint.
// root is the API prefix, normally "/api/assets".
func NewDAMClient(host string, port int, root string) *DAMClient {
	if root == "" {
		root = "/api/assets"
	}
	return &DAMClient{core: newCore(host, port, root)}
}

// damEntity is one element of a DAM listing document.
type damEntity struct {
	Class      []string               `json:"class"`
	Properties map[string]interface{} `json:"properties"`
}

type damListing struct {
	Entities []damEntity `json:"entities"`
}

func (e *damEntity) toEntry() (Entry, bool) {
	name, _ := e.Properties["name"].(string)
	if name == "" {
		return Entry{}, false
	}
	var dir bool
	for _, class := range e.Class {
		switch class {
		case "assets/folder":
			dir = true
		case "assets/asset":
			dir = false
		}
	}
	entry := Entry{
		Name:         name,
		Dir:          dir,
		Created:      parseTime(e.Properties["jcr:created"]),
		LastModified: parseTime(e.Properties["jcr:lastModified"]),
		ReadOnly:     parseBool(e.Properties["jcr:isReadOnly"]),
	}
	if !dir {
		entry.Size = parseSize(e.Properties["asset:size"])
	}
	return entry, true
}

// List fetches the listing document for a folder.
func (c *DAMClient) List(ctx context.Context, path string) ([]Entry, error) {
	response, err := c.request(ctx, "GET", c.href(path, ".json"), nil, -1)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != 200 {
		drain(response)
		return nil, &StatusError{Method: "GET", Path: path, Status: response.StatusCode}
	}

	var listing damListing
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(listing.Entities))
	for _, entity := range listing.Entities {
		if entry, ok := entity.toEntry(); ok {
			entries = append(entries, entry)
		}
	}
	log.Debug().Str("path", path).Int("count", len(entries)).Msg("Fetched folder listing.")
	return entries, nil
}

// Head returns the content length of a file.
func (c *DAMClient) Head(ctx context.Context, path string) (int64, error) {
	return c.head(ctx, path)
}

// Download returns the body stream of a file.
func (c *DAMClient) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	return c.download(ctx, path)
}

// CreateFile creates a new asset with a POST carrying the given content. The
// API also accepts an empty body.
func (c *DAMClient) CreateFile(ctx context.Context, path string, body io.Reader, size int64) error {
	response, err := c.request(ctx, "POST", c.href(path, ""), body, size,
		Header{"Content-Type", "application/octet-stream"})
	if err != nil {
		return err
	}
	return check(response, "POST", path, 200, 201)
}

// UpdateFile replaces the content of an existing asset.
func (c *DAMClient) UpdateFile(ctx context.Context, path string, body io.Reader, size int64) error {
	response, err := c.request(ctx, "PUT", c.href(path, ""), body, size,
		Header{"Content-Type", "application/octet-stream"})
	if err != nil {
		return err
	}
	return check(response, "PUT", path, 200)
}

// CreateDirectory creates a new folder under the parent.
func (c *DAMClient) CreateDirectory(ctx context.Context, path string) error {
	return c.mkdir(ctx, path, 200, 201)
}

// Delete removes an asset or folder.
func (c *DAMClient) Delete(ctx context.Context, path string) error {
	response, err := c.request(ctx, "DELETE", c.href(path, ""), nil, -1)
	if err != nil {
		return err
	}
	return check(response, "DELETE", path, 200)
}

// Move renames an asset or folder.
func (c *DAMClient) Move(ctx context.Context, src string, dst string) error {
	return c.move(ctx, src, dst)
}

var _ Client = (*DAMClient)(nil)
