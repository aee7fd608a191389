package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// JCRClient talks directly to the sling servlet tree. Listings come from the
// ".<depth>.json" rendering; files are created and updated with PUT.
type JCRClient struct {
	core
}

// NewJCRClient returns a Client for a JCR-backed share. root is the servlet
// path joined with the share path, e.g. "/crx/server/crx.default/jcr:root" +
// "/content/dam".
func NewJCRClient(host string, port int, root string) *JCRClient {
	return &JCRClient{core: newCore(host, port, root)}
}

// jcrDirTypes are the primary types rendered as folders.
var jcrDirTypes = map[string]bool{
	"nt:folder":           true,
	"sling:Folder":        true,
	"sling:OrderedFolder": true,
}

// List fetches the depth-1 JSON rendering of a node and converts its object
// children into entries. Scalar properties are skipped.
func (c *JCRClient) List(ctx context.Context, path string) ([]Entry, error) {
	response, err := c.request(ctx, "GET", c.href(path, ".1.json"), nil, -1)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != 200 {
		drain(response)
		return nil, &StatusError{Method: "GET", Path: path, Status: response.StatusCode}
	}

	var node map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&node); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(node))
	for name, raw := range node {
		child, ok := raw.(map[string]interface{})
		if !ok {
			continue // a property, not a child node
		}
		primaryType, _ := child["jcr:primaryType"].(string)
		if primaryType == "" || name == "jcr:content" {
			continue
		}
		entry := Entry{
			Name:    name,
			Dir:     jcrDirTypes[primaryType],
			Created: parseTime(child["jcr:created"]),
		}
		if !entry.Dir && primaryType != "nt:file" && primaryType != "dam:Asset" {
			continue
		}
		// last modification lives on the content subnode for files
		if content, ok := child["jcr:content"].(map[string]interface{}); ok {
			entry.LastModified = parseTime(content["jcr:lastModified"])
			entry.ReadOnly = parseBool(content["jcr:isReadOnly"])
		}
		if entry.LastModified == 0 {
			entry.LastModified = parseTime(child["jcr:lastModified"])
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Head returns the content length of a file.
func (c *JCRClient) Head(ctx context.Context, path string) (int64, error) {
	return c.head(ctx, path)
}

// Download returns the body stream of a file.
func (c *JCRClient) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	return c.download(ctx, path)
}

// CreateFile creates a file node. Sling answers 200, 201 or 204 depending on
// version, all of which mean the PUT took.
func (c *JCRClient) CreateFile(ctx context.Context, path string, body io.Reader, size int64) error {
	return c.put(ctx, path, body, size)
}

// UpdateFile replaces the content of a file node.
func (c *JCRClient) UpdateFile(ctx context.Context, path string, body io.Reader, size int64) error {
	return c.put(ctx, path, body, size)
}

func (c *JCRClient) put(ctx context.Context, path string, body io.Reader, size int64) error {
	response, err := c.request(ctx, "PUT", c.href(path, ""), body, size,
		Header{"Content-Type", "application/octet-stream"})
	if err != nil {
		return err
	}
	return check(response, "PUT", path, 200, 201, 204)
}

// CreateDirectory creates a folder node under the parent.
func (c *JCRClient) CreateDirectory(ctx context.Context, path string) error {
	return c.mkdir(ctx, path, 200, 201)
}

// Delete removes a node.
func (c *JCRClient) Delete(ctx context.Context, path string) error {
	response, err := c.request(ctx, "DELETE", c.href(path, ""), nil, -1)
	if err != nil {
		return err
	}
	return check(response, "DELETE", path, 200, 204)
}

// Move renames a node.
func (c *JCRClient) Move(ctx context.Context, src string, dst string) error {
	return c.move(ctx, src, dst)
}

var _ Client = (*JCRClient)(nil)

// String identifies the backend in logs.
func (c *JCRClient) String() string {
	return fmt.Sprintf("jcr(%s%s)", c.base, c.root)
}
