package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostPort splits an httptest server URL into what the client constructors
// want.
func hostPort(t *testing.T, server *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestDAMListParsesEntities(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/assets/docs.json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"entities": [
				{
					"class": ["assets/asset"],
					"properties": {
						"name": "report.pdf",
						"asset:size": 2048,
						"jcr:created": "2024-03-01T10:00:00Z",
						"jcr:lastModified": "2024-03-02T12:30:00Z"
					}
				},
				{
					"class": ["assets/folder"],
					"properties": {"name": "images"}
				}
			]
		}`)
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewDAMClient(host, port, "/api/assets")

	entries, err := client.List(context.Background(), "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var file, folder *Entry
	for i := range entries {
		if entries[i].Dir {
			folder = &entries[i]
		} else {
			file = &entries[i]
		}
	}
	require.NotNil(t, file)
	require.NotNil(t, folder)

	assert.Equal(t, "report.pdf", file.Name)
	assert.EqualValues(t, 2048, file.Size)
	assert.NotZero(t, file.Created)
	assert.Greater(t, file.LastModified, file.Created)
	assert.Equal(t, "images", folder.Name)
	assert.Zero(t, folder.Size, "folders have size 0")
}

func TestJCRListParsesNodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/content/dam/docs.1.json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"jcr:primaryType": "sling:Folder",
			"jcr:created": "2024-01-01T00:00:00Z",
			"report.txt": {
				"jcr:primaryType": "nt:file",
				"jcr:created": "2024-03-01T10:00:00Z",
				"jcr:content": {"jcr:lastModified": "2024-03-02T12:30:00Z"}
			},
			"images": {"jcr:primaryType": "sling:Folder"},
			"sling:resourceType": "ignored/property"
		}`)
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewJCRClient(host, port, "/content/dam")

	entries, err := client.List(context.Background(), "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := make(map[string]Entry)
	for _, entry := range entries {
		byName[entry.Name] = entry
	}
	assert.False(t, byName["report.txt"].Dir)
	assert.NotZero(t, byName["report.txt"].LastModified)
	assert.True(t, byName["images"].Dir)
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		status int
		verify func(t *testing.T, err error)
	}{
		{404, func(t *testing.T, err error) { assert.True(t, IsNotFound(err)) }},
		{409, func(t *testing.T, err error) { assert.True(t, IsNameCollision(err)) }},
		{401, func(t *testing.T, err error) { assert.True(t, IsAccessDenied(err)) }},
		{403, func(t *testing.T, err error) { assert.True(t, IsAccessDenied(err)) }},
		{500, func(t *testing.T, err error) {
			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, 500, statusErr.Status)
			assert.True(t, IsTransient(err))
		}},
	}

	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			host, port := hostPort(t, server)
			client := NewDAMClient(host, port, "/api/assets")
			err := client.Delete(context.Background(), "/whatever")
			require.Error(t, err)
			tc.verify(t, err)
		})
	}
}

func TestDefinitiveErrorsAreNotTransient(t *testing.T) {
	assert.False(t, IsTransient(&StatusError{Status: 404}))
	assert.False(t, IsTransient(&StatusError{Status: 409}))
	assert.False(t, IsTransient(&StatusError{Status: 403}))
	assert.True(t, IsTransient(errors.New("connection refused")))
	assert.False(t, IsTransient(nil))
}

func TestCreateAndUpdateFile(t *testing.T) {
	var createMethod, updateMethod, createBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/api/assets/new.txt":
			createMethod = r.Method
			createBody = string(body)
			w.WriteHeader(201)
		case "/api/assets/old.txt":
			updateMethod = r.Method
			w.WriteHeader(200)
		default:
			w.WriteHeader(404)
		}
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewDAMClient(host, port, "/api/assets")

	err := client.CreateFile(context.Background(), "/new.txt", strings.NewReader("fresh"), 5)
	require.NoError(t, err)
	assert.Equal(t, "POST", createMethod, "DAM creates files with POST")
	assert.Equal(t, "fresh", createBody)

	err = client.UpdateFile(context.Background(), "/old.txt", strings.NewReader("update"), 6)
	require.NoError(t, err)
	assert.Equal(t, "PUT", updateMethod, "DAM updates files with PUT")
}

func TestJCRPutAcceptsNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PUT", r.Method)
		w.WriteHeader(204)
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewJCRClient(host, port, "/content/dam")
	err := client.CreateFile(context.Background(), "/f.txt", strings.NewReader("x"), 1)
	assert.NoError(t, err)
}

func TestMoveHeaders(t *testing.T) {
	var gotMethod, destination, depth, overwrite string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		destination = r.Header.Get("X-Destination")
		depth = r.Header.Get("X-Depth")
		overwrite = r.Header.Get("X-Overwrite")
		w.WriteHeader(201)
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewDAMClient(host, port, "/api/assets")

	err := client.Move(context.Background(), "/a/old.txt", "/b/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "MOVE", gotMethod)
	assert.Equal(t, "/api/assets/b/new.txt", destination)
	assert.Equal(t, "infinity", depth)
	assert.Equal(t, "F", overwrite)
}

func TestCreateDirectoryPostsNameForm(t *testing.T) {
	var formName, target string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target = r.URL.Path
		require.NoError(t, r.ParseForm())
		formName = r.PostForm.Get("name")
		w.WriteHeader(201)
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewDAMClient(host, port, "/api/assets")

	err := client.CreateDirectory(context.Background(), "/docs/newdir")
	require.NoError(t, err)
	assert.Equal(t, "/api/assets/docs/*", target)
	assert.Equal(t, "newdir", formName)
}

func TestHeadReturnsContentLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "HEAD", r.Method)
		w.Header().Set("Content-Length", "1234")
		w.WriteHeader(200)
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewDAMClient(host, port, "/api/assets")

	length, err := client.Head(context.Background(), "/big.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 1234, length)
}

func TestDownloadStreamsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "file body")
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewDAMClient(host, port, "/api/assets")

	body, err := client.Download(context.Background(), "/f.txt")
	require.NoError(t, err)
	defer body.Close()
	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "file body", string(content))
}

func TestPathEscaping(t *testing.T) {
	var rawPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawPath = r.URL.EscapedPath()
		w.WriteHeader(200)
	}))
	defer server.Close()

	host, port := hostPort(t, server)
	client := NewDAMClient(host, port, "/api/assets")

	_, err := client.Head(context.Background(), "/dir with spaces/file name.txt")
	require.NoError(t, err)
	assert.Equal(t, "/api/assets/dir%20with%20spaces/file%20name.txt", rawPath)
}
