package fs

import (
	"os"
	"path/filepath"

	"github.com/adobe/aemfs/fs/remote"
	"github.com/rs/zerolog/log"
)

// TempTree is the local-only tree holding OS-generated hidden and lock
// files. Nothing in here is ever synchronized; operations are best-effort
// and swallow errors where losing a .DS_Store costs nobody anything.
type TempTree struct {
	cache *LocalCache
}

// NewTempTree creates a temp tree rooted at the given directory.
func NewTempTree(root string) (*TempTree, error) {
	cache, err := NewLocalCache(root)
	if err != nil {
		return nil, err
	}
	return &TempTree{cache: cache}, nil
}

// Exists reports whether a temp path is present.
func (t *TempTree) Exists(p string) (bool, error) {
	return t.cache.HasContent(p), nil
}

// Open returns a handle for an existing temp file.
func (t *TempTree) Open(p string) (*File, error) {
	entry, err := t.cache.Open(p)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, remote.ErrNotFound
	}
	return &File{
		cache: t.cache, path: normPath(p), temp: true,
		dir: entry.Dir, size: entry.Size,
		created: entry.ModTime, lastModified: entry.ModTime,
	}, nil
}

// List returns the temp files directly under a folder.
func (t *TempTree) List(p string) ([]*File, error) {
	entries, err := os.ReadDir(t.cache.contentPath(p))
	if err != nil {
		// an absent folder just has no temp files
		return nil, nil
	}
	var files []*File
	for _, entry := range entries {
		if entry.Name() == infoDirName || !IsTempName(entry.Name()) {
			continue
		}
		if file, err := t.Open(joinPath(normPath(p), entry.Name())); err == nil {
			files = append(files, file)
		}
	}
	return files, nil
}

// CreateFile creates an empty temp file.
func (t *TempTree) CreateFile(p string) (*File, error) {
	if err := t.cache.CreateLocal(p); err != nil {
		return nil, err
	}
	return t.Open(p)
}

// CreateDirectory creates a folder inside the temp tree.
func (t *TempTree) CreateDirectory(p string) error {
	return os.MkdirAll(t.cache.contentPath(p), 0700)
}

// Delete removes a temp file or folder. Best-effort.
func (t *TempTree) Delete(p string) error {
	entry, err := t.cache.Open(p)
	if err != nil || entry == nil {
		return nil
	}
	if entry.Dir {
		err = t.cache.DiscardTree(p)
	} else {
		err = t.cache.Discard(p)
	}
	if err != nil {
		log.Warn().Err(err).Str("path", p).Msg("Could not remove temp file.")
	}
	return nil
}

// Rename moves a temp file within the temp tree. Best-effort.
func (t *TempTree) Rename(oldPath, newPath string) error {
	if err := t.cache.Move(oldPath, newPath); err != nil {
		log.Warn().Err(err).Str("old", oldPath).Str("new", newPath).
			Msg("Could not rename temp file.")
	}
	return nil
}

// Disconnect is a no-op; the temp tree has nothing to drain.
func (t *TempTree) Disconnect() error {
	return nil
}

// contentBytes reads a temp file's content, empty on any error.
func (t *TempTree) contentBytes(p string) []byte {
	content, err := t.cache.ContentBytes(p)
	if err != nil {
		return nil
	}
	return content
}

// writeBytes stores content at a temp path, creating it if needed.
func (t *TempTree) writeBytes(p string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(t.cache.contentPath(p)), 0700); err != nil {
		return err
	}
	return os.WriteFile(t.cache.contentPath(p), content, 0600)
}

var _ Tree = (*TempTree)(nil)
