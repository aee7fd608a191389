package fs

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LocalEntry describes a file currently present in the local cache.
type LocalEntry struct {
	Path    string
	Dir     bool
	Size    int64
	ModTime int64 // unix ms
	// Info is the sidecar record. Nil means the sidecar is missing, which
	// makes the entry dangling.
	Info *CacheInfo
}

// LocalCache owns the on-disk mirror of the share and the cache-info sidecars
// that go with it. Content lives under the cache root using the remote
// namespace; sidecars live under <root>/.aem/<path>.json.
type LocalCache struct {
	root string
	fds  sync.Map

	// per-path locks serializing concurrent writers
	locksM sync.Mutex
	locks  map[string]*sync.Mutex

	nowFn func() time.Time
}

// NewLocalCache creates the cache directories if needed and returns the
// cache.
func NewLocalCache(root string) (*LocalCache, error) {
	if err := os.MkdirAll(filepath.Join(root, infoDirName), 0700); err != nil {
		return nil, err
	}
	return &LocalCache{
		root:  root,
		locks: make(map[string]*sync.Mutex),
		nowFn: time.Now,
	}, nil
}

// Root returns the local cache root directory.
func (l *LocalCache) Root() string {
	return l.root
}

func (l *LocalCache) contentPath(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(normPath(p), "/")))
}

func (l *LocalCache) infoPath(p string) string {
	return filepath.Join(l.root, infoDirName,
		filepath.FromSlash(strings.TrimPrefix(normPath(p), "/"))+".json")
}

// PathLock returns the mutex serializing writers for a single path.
func (l *LocalCache) PathLock(p string) *sync.Mutex {
	l.locksM.Lock()
	defer l.locksM.Unlock()
	mu, ok := l.locks[p]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[p] = mu
	}
	return mu
}

// Open returns the local entry for a path, or nil if nothing is cached.
func (l *LocalCache) Open(p string) (*LocalEntry, error) {
	fi, err := os.Stat(l.contentPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entry := &LocalEntry{
		Path:    normPath(p),
		Dir:     fi.IsDir(),
		Size:    fi.Size(),
		ModTime: fi.ModTime().UnixMilli(),
	}
	if !entry.Dir {
		info, err := readCacheInfo(l.infoPath(p))
		if err != nil {
			return nil, err
		}
		entry.Info = info
	}
	return entry, nil
}

// Info returns just the sidecar for a path, nil if none exists.
func (l *LocalCache) Info(p string) *CacheInfo {
	info, err := readCacheInfo(l.infoPath(p))
	if err != nil {
		log.Warn().Err(err).Str("path", p).Msg("Could not read cache info.")
		return nil
	}
	return info
}

// HasContent reports whether the path has cached content on disk.
func (l *LocalCache) HasContent(p string) bool {
	if _, ok := l.fds.Load(normPath(p)); ok {
		return true
	}
	_, err := os.Stat(l.contentPath(p))
	return err == nil
}

// OpenFile returns an open handle for the cached content, creating the file
// if necessary. Handles are shared per path until CloseFile.
func (l *LocalCache) OpenFile(p string) (*os.File, error) {
	key := normPath(p)
	if fd, ok := l.fds.Load(key); ok {
		return fd.(*os.File), nil
	}
	if err := os.MkdirAll(filepath.Dir(l.contentPath(p)), 0700); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(l.contentPath(p), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	// keep the GC from closing files behind our backs
	runtime.SetFinalizer(fd, nil)
	l.fds.Store(key, fd)
	return fd, nil
}

// CloseFile syncs and closes the shared handle for a path.
func (l *LocalCache) CloseFile(p string) error {
	key := normPath(p)
	if fd, ok := l.fds.Load(key); ok {
		file := fd.(*os.File)
		syncErr := file.Sync()
		closeErr := file.Close()
		l.fds.Delete(key)
		if syncErr != nil {
			return syncErr
		}
		return closeErr
	}
	return nil
}

// CreateLocal creates an empty file plus a sidecar marked createdLocally.
// The file exists only locally until the queued upload succeeds.
func (l *LocalCache) CreateLocal(p string) error {
	content := l.contentPath(p)
	if err := os.MkdirAll(filepath.Dir(content), 0700); err != nil {
		return err
	}
	fd, err := os.OpenFile(content, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fd.Close()
	fi, err := os.Stat(content)
	if err != nil {
		return err
	}
	return writeCacheInfo(l.infoPath(p), &CacheInfo{
		CreatedLocally: true,
		Local:          snapshotOf(fi),
	})
}

// StoreDownloaded writes a freshly fetched body into the cache and records
// the observed remote modification time in the sidecar. The body is staged
// next to the target and renamed into place so a failed fetch never leaves a
// torn file behind.
func (l *LocalCache) StoreDownloaded(p string, remoteLastModified int64, body io.Reader) error {
	l.CloseFile(p)

	content := l.contentPath(p)
	if err := os.MkdirAll(filepath.Dir(content), 0700); err != nil {
		return err
	}
	staging := content + ".part-" + uuid.NewString()
	fd, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fd, body); err != nil {
		fd.Close()
		os.Remove(staging)
		return err
	}
	if err := fd.Close(); err != nil {
		os.Remove(staging)
		return err
	}
	if err := os.Rename(staging, content); err != nil {
		os.Remove(staging)
		return err
	}

	fi, err := os.Stat(content)
	if err != nil {
		return err
	}
	return writeCacheInfo(l.infoPath(p), &CacheInfo{
		CreatedLocally:               false,
		SyncedAt:                     l.nowFn().UnixMilli(),
		DownloadedRemoteLastModified: remoteLastModified,
		Local:                        snapshotOf(fi),
	})
}

// MarkSynced refreshes the sidecar after a successful upload: the local
// snapshot catches up to the file, createdLocally clears, and the remote
// modification time observed after the upload is recorded.
func (l *LocalCache) MarkSynced(p string, remoteLastModified int64) error {
	fi, err := os.Stat(l.contentPath(p))
	if err != nil {
		return err
	}
	return writeCacheInfo(l.infoPath(p), &CacheInfo{
		CreatedLocally:               false,
		SyncedAt:                     l.nowFn().UnixMilli(),
		DownloadedRemoteLastModified: remoteLastModified,
		Local:                        snapshotOf(fi),
	})
}

// Discard removes the cached content and its sidecar.
func (l *LocalCache) Discard(p string) error {
	l.CloseFile(p)
	if err := os.Remove(l.contentPath(p)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(l.infoPath(p)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DiscardTree removes a whole cached subtree and its sidecars.
func (l *LocalCache) DiscardTree(prefix string) error {
	l.fds.Range(func(key, _ interface{}) bool {
		if hasPathPrefix(key.(string), normPath(prefix)) {
			l.CloseFile(key.(string))
		}
		return true
	})
	if err := os.RemoveAll(l.contentPath(prefix)); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(l.root, infoDirName,
		filepath.FromSlash(strings.TrimPrefix(normPath(prefix), "/")))); err != nil {
		return err
	}
	// a file sidecar is <path>.json rather than a directory
	if err := os.Remove(l.infoPath(prefix)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Move renames cached content and sidecar from one path to another.
func (l *LocalCache) Move(oldPath, newPath string) error {
	l.CloseFile(oldPath)
	l.CloseFile(newPath)

	oldContent, newContent := l.contentPath(oldPath), l.contentPath(newPath)
	if _, err := os.Stat(oldContent); os.IsNotExist(err) {
		return nil // nothing cached, nothing to move
	}
	if err := os.MkdirAll(filepath.Dir(newContent), 0700); err != nil {
		return err
	}
	os.Remove(newContent)
	if err := os.Rename(oldContent, newContent); err != nil {
		return err
	}

	oldInfo, newInfo := l.infoPath(oldPath), l.infoPath(newPath)
	if _, err := os.Stat(oldInfo); err == nil {
		if err := os.MkdirAll(filepath.Dir(newInfo), 0700); err != nil {
			return err
		}
		os.Remove(newInfo)
		if err := os.Rename(oldInfo, newInfo); err != nil {
			return err
		}
	}

	// folder moves carry a whole sidecar directory along
	oldInfoDir := filepath.Join(l.root, infoDirName,
		filepath.FromSlash(strings.TrimPrefix(normPath(oldPath), "/")))
	if fi, err := os.Stat(oldInfoDir); err == nil && fi.IsDir() {
		newInfoDir := filepath.Join(l.root, infoDirName,
			filepath.FromSlash(strings.TrimPrefix(normPath(newPath), "/")))
		if err := os.MkdirAll(filepath.Dir(newInfoDir), 0700); err != nil {
			return err
		}
		os.RemoveAll(newInfoDir)
		return os.Rename(oldInfoDir, newInfoDir)
	}
	return nil
}

// IsModified reports whether the local file changed since the last sync:
// its modification time is newer than the snapshot's.
func (l *LocalCache) IsModified(p string) bool {
	entry, err := l.Open(p)
	if err != nil || entry == nil || entry.Dir {
		return false
	}
	if entry.Info == nil {
		return false
	}
	return entry.ModTime > entry.Info.Local.LastModified
}

// IsStale reports whether the remote has moved past what we downloaded.
func (l *LocalCache) IsStale(p string, remoteLastModified int64) bool {
	info := l.Info(p)
	if info == nil {
		return true
	}
	return remoteLastModified > info.DownloadedRemoteLastModified
}

// CanDelete reports whether the cached copy may be thrown away without losing
// anything. Directories always can; files cannot when they carry unsynced
// local state: modified, created locally, a temp name, or dangling (cached
// but with no recorded remote modification time).
func (l *LocalCache) CanDelete(p string) bool {
	entry, err := l.Open(p)
	if err != nil || entry == nil {
		return true
	}
	if entry.Dir {
		return true
	}
	if IsTempPath(p) {
		return false
	}
	if entry.Info == nil {
		// dangling: sidecar lost, we no longer know what this is
		return false
	}
	if entry.Info.CreatedLocally {
		return false
	}
	if entry.Info.DownloadedRemoteLastModified == 0 {
		return false
	}
	return entry.ModTime <= entry.Info.Local.LastModified
}

// chtimes stamps a file's access and modification times.
func chtimes(path string, t time.Time) error {
	return os.Chtimes(path, t, t)
}

// ContentBytes reads the full cached content of a path.
func (l *LocalCache) ContentBytes(p string) ([]byte, error) {
	if fd, ok := l.fds.Load(normPath(p)); ok {
		fd.(*os.File).Sync()
	}
	return os.ReadFile(l.contentPath(p))
}
