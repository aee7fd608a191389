package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adobe/aemfs/fs/remote"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// mockFile is one entry in the fake remote store.
type mockFile struct {
	content      []byte
	dir          bool
	created      int64
	lastModified int64
}

// mockRemote is an in-memory stand-in for the assets API. Every call is
// recorded so tests can assert exactly which remote traffic an operation
// produced; failures can be injected per call signature.
type mockRemote struct {
	mu       sync.Mutex
	files    map[string]*mockFile
	calls    []string
	failures map[string]int // call signature prefix -> status to fail with

	// downloadDelay stretches GETs so coalescing windows can be observed
	downloadDelay time.Duration
	clock         int64
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		files:    map[string]*mockFile{"/": {dir: true}},
		failures: make(map[string]int),
		clock:    1000,
	}
}

func (m *mockRemote) tick() int64 {
	m.clock += 1000
	return m.clock
}

// addFile seeds a file without recording a call.
func (m *mockRemote) addFile(path string, content []byte, lastModified int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = &mockFile{content: content, created: lastModified, lastModified: lastModified}
}

// addDir seeds a folder without recording a call.
func (m *mockRemote) addDir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = &mockFile{dir: true, created: m.clock, lastModified: m.clock}
}

// failWith makes calls whose signature starts with prefix fail with status.
func (m *mockRemote) failWith(prefix string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[prefix] = status
}

func (m *mockRemote) clearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]int)
}

// record logs a call and returns an injected failure, if any matches.
// Status 0 simulates a transport failure rather than a remote response.
func (m *mockRemote) record(sig string, method, path string) error {
	m.calls = append(m.calls, sig)
	for prefix, status := range m.failures {
		if strings.HasPrefix(sig, prefix) {
			if status == 0 {
				return errors.New("dial tcp: connect: connection refused")
			}
			return &remote.StatusError{Method: method, Path: path, Status: status}
		}
	}
	return nil
}

// countCalls counts recorded calls starting with prefix.
func (m *mockRemote) countCalls(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

// mutationCalls returns all recorded calls that change remote state.
func (m *mockRemote) mutationCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, call := range m.calls {
		switch {
		case strings.HasPrefix(call, "LIST"),
			strings.HasPrefix(call, "HEAD"),
			strings.HasPrefix(call, "GET"):
		default:
			out = append(out, call)
		}
	}
	return out
}

func (m *mockRemote) get(path string) *mockFile {
	return m.files[path]
}

// getFile is the locked variant for tests racing a live processor.
func (m *mockRemote) getFile(path string) *mockFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	file := m.files[path]
	if file == nil {
		return nil
	}
	copied := *file
	copied.content = append([]byte(nil), file.content...)
	return &copied
}

func (m *mockRemote) List(ctx context.Context, path string) ([]remote.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("LIST "+path, "GET", path); err != nil {
		return nil, err
	}
	folder := m.get(normPath(path))
	if folder == nil || !folder.dir {
		return nil, &remote.StatusError{Method: "GET", Path: path, Status: 404}
	}
	var entries []remote.Entry
	for p, file := range m.files {
		parent, name := splitPath(p)
		if parent != normPath(path) || name == "" {
			continue
		}
		entries = append(entries, remote.Entry{
			Name:         name,
			Dir:          file.dir,
			Size:         int64(len(file.content)),
			Created:      file.created,
			LastModified: file.lastModified,
		})
	}
	return entries, nil
}

func (m *mockRemote) Head(ctx context.Context, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("HEAD "+path, "HEAD", path); err != nil {
		return 0, err
	}
	file := m.get(path)
	if file == nil || file.dir {
		return 0, &remote.StatusError{Method: "HEAD", Path: path, Status: 404}
	}
	return int64(len(file.content)), nil
}

func (m *mockRemote) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	err := m.record("GET "+path, "GET", path)
	var content []byte
	if file := m.get(path); file != nil && !file.dir {
		content = append([]byte(nil), file.content...)
	} else if err == nil {
		err = &remote.StatusError{Method: "GET", Path: path, Status: 404}
	}
	delay := m.downloadDelay
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *mockRemote) CreateFile(ctx context.Context, path string, body io.Reader, size int64) error {
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rerr := m.record(fmt.Sprintf("CREATE %s %s", path, content), "POST", path); rerr != nil {
		return rerr
	}
	if existing := m.get(path); existing != nil {
		return &remote.StatusError{Method: "POST", Path: path, Status: 409}
	}
	now := m.tick()
	m.files[path] = &mockFile{content: content, created: now, lastModified: now}
	return nil
}

func (m *mockRemote) UpdateFile(ctx context.Context, path string, body io.Reader, size int64) error {
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rerr := m.record(fmt.Sprintf("UPDATE %s %s", path, content), "PUT", path); rerr != nil {
		return rerr
	}
	file := m.get(path)
	if file == nil || file.dir {
		return &remote.StatusError{Method: "PUT", Path: path, Status: 404}
	}
	file.content = content
	file.lastModified = m.tick()
	return nil
}

func (m *mockRemote) CreateDirectory(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("MKDIR "+path, "POST", path); err != nil {
		return err
	}
	if m.get(path) != nil {
		return &remote.StatusError{Method: "POST", Path: path, Status: 409}
	}
	now := m.tick()
	m.files[path] = &mockFile{dir: true, created: now, lastModified: now}
	return nil
}

func (m *mockRemote) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DELETE "+path, "DELETE", path); err != nil {
		return err
	}
	if m.get(path) == nil {
		return &remote.StatusError{Method: "DELETE", Path: path, Status: 404}
	}
	for p := range m.files {
		if hasPathPrefix(p, path) {
			delete(m.files, p)
		}
	}
	return nil
}

func (m *mockRemote) Move(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(fmt.Sprintf("MOVE %s %s", src, dst), "MOVE", src); err != nil {
		return err
	}
	if m.get(src) == nil {
		return &remote.StatusError{Method: "MOVE", Path: src, Status: 404}
	}
	if m.get(dst) != nil {
		return &remote.StatusError{Method: "MOVE", Path: src, Status: 409}
	}
	moved := make(map[string]*mockFile)
	for p, file := range m.files {
		if hasPathPrefix(p, src) {
			moved[rewritePrefix(p, src, dst)] = file
			delete(m.files, p)
		}
	}
	for p, file := range moved {
		m.files[p] = file
	}
	return nil
}

var _ remote.Client = (*mockRemote)(nil)

// harness wires the overlay components directly, leaving draining to the
// test instead of a background loop.
type harness struct {
	remote    *mockRemote
	cache     *LocalCache
	queue     *RequestQueue
	events    *Events
	downloads *DownloadCoordinator
	temp      *TempTree
	tree      *OverlayTree
	processor *Processor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.LocalPath == "" {
		opts.LocalPath = t.TempDir()
	}
	opts.fillDefaults()

	require.NoError(t, os.MkdirAll(filepath.Join(opts.LocalPath, infoDirName), 0700))
	db, err := bolt.Open(filepath.Join(opts.LocalPath, infoDirName, queueDBName), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache, err := NewLocalCache(opts.LocalPath)
	require.NoError(t, err)
	queue, err := NewRequestQueue(db)
	require.NoError(t, err)
	temp, err := NewTempTree(filepath.Join(opts.LocalPath, tempDirName))
	require.NoError(t, err)

	h := &harness{
		remote:    newMockRemote(),
		cache:     cache,
		queue:     queue,
		events:    NewEvents(),
		downloads: NewDownloadCoordinator(),
		temp:      temp,
	}
	h.tree = newOverlayTree(nil, h.remote, cache, queue, h.downloads, h.events, temp, opts)
	h.processor = NewProcessor(queue, cache, h.remote, h.events, h.tree, opts)
	return h
}

// drain runs the processor over everything currently eligible.
func (h *harness) drain() int {
	return h.processor.DrainDue(context.Background())
}

// bytesReader is shorthand for seeding cache content in tests.
func bytesReader(s string) io.Reader {
	return bytes.NewReader([]byte(s))
}
