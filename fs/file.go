package fs

import (
	"fmt"
	"sync"
	"time"

	"github.com/adobe/aemfs/fs/remote"
	"github.com/rs/zerolog/log"
)

// File is a handle onto one path of the overlay: the merged view of the
// remote entry (if any) and the locally cached copy (if any). Reads fault
// content in through the download coordinator; writes land locally and are
// turned into queued requests when the handle closes.
type File struct {
	tree  *OverlayTree // nil for files of the temp tree
	cache *LocalCache
	path  string
	temp  bool

	mu             sync.Mutex
	dir            bool
	size           int64
	created        int64 // unix ms
	lastModified   int64 // unix ms
	readOnly       bool
	remote         *remote.Entry
	createdLocally bool
	written        bool
	closed         bool
}

// Path returns the share path of the file.
func (f *File) Path() string {
	return f.path
}

// Name returns the last path component.
func (f *File) Name() string {
	return baseName(f.path)
}

// IsDir reports whether this is a folder.
func (f *File) IsDir() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dir
}

// Size returns the best known content length: the local one once cached,
// the remote one otherwise.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, _ := f.cache.Open(f.path); entry != nil {
		return entry.Size
	}
	return f.size
}

// Created returns the creation time in unix milliseconds.
func (f *File) Created() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// LastModified returns the modification time in unix milliseconds.
func (f *File) LastModified() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, _ := f.cache.Open(f.path); entry != nil && !entry.Dir {
		return entry.ModTime
	}
	return f.lastModified
}

// ReadOnly reports whether the remote marked this item read-only.
func (f *File) ReadOnly() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readOnly
}

// CreatedLocally reports whether the file exists only locally so far.
func (f *File) CreatedLocally() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createdLocally
}

// ReadAt reads from the file at the given offset, faulting the content in
// from the remote first if needed.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if f.IsDir() {
		return 0, fmt.Errorf("%s is a directory", f.path)
	}
	if err := f.ensureCached(); err != nil {
		return 0, err
	}
	fd, err := f.cache.OpenFile(f.path)
	if err != nil {
		return 0, err
	}
	return fd.ReadAt(b, off)
}

// WriteAt writes to the file at the given offset. The content is cached
// first so a partial write never clobbers bytes we have not yet seen.
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	if f.IsDir() {
		return 0, fmt.Errorf("%s is a directory", f.path)
	}
	if f.ReadOnly() {
		return 0, remote.ErrAccessDenied
	}
	if err := f.ensureCached(); err != nil {
		return 0, err
	}

	mu := f.cache.PathLock(f.path)
	mu.Lock()
	defer mu.Unlock()

	fd, err := f.cache.OpenFile(f.path)
	if err != nil {
		return 0, err
	}
	n, err := fd.WriteAt(b, off)

	f.mu.Lock()
	f.written = true
	if off+int64(n) > f.size {
		f.size = off + int64(n)
	}
	f.lastModified = time.Now().UnixMilli()
	f.mu.Unlock()
	return n, err
}

// Truncate resizes the file. Truncating an uncached file to zero skips the
// download entirely; there is nothing worth fetching.
func (f *File) Truncate(size int64) error {
	if f.IsDir() {
		return fmt.Errorf("%s is a directory", f.path)
	}
	if f.ReadOnly() {
		return remote.ErrAccessDenied
	}
	if size > 0 || f.cache.HasContent(f.path) {
		if err := f.ensureCached(); err != nil {
			return err
		}
	}

	mu := f.cache.PathLock(f.path)
	mu.Lock()
	defer mu.Unlock()

	fd, err := f.cache.OpenFile(f.path)
	if err != nil {
		return err
	}
	if err := fd.Truncate(size); err != nil {
		return err
	}

	f.mu.Lock()
	f.written = true
	f.size = size
	f.lastModified = time.Now().UnixMilli()
	f.mu.Unlock()
	return nil
}

// SetLastModified stamps the local copy with an explicit modification time.
func (f *File) SetLastModified(ms int64) error {
	if err := f.ensureCached(); err != nil {
		return err
	}
	t := time.UnixMilli(ms)
	if err := chtimes(f.cache.contentPath(f.path), t); err != nil {
		return err
	}
	f.mu.Lock()
	f.written = true
	f.lastModified = ms
	f.mu.Unlock()
	return nil
}

// Close releases the handle. A handle that wrote anything enqueues the
// upload: PUT for files that exist only locally, POST for files the remote
// already has. Pending download waiters for this path are cancelled.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	written := f.written
	createdLocally := f.createdLocally
	f.mu.Unlock()

	if f.tree != nil {
		f.tree.downloads.Cancel(f.path)
	}
	err := f.cache.CloseFile(f.path)

	if written && !f.temp && !f.dir && f.tree != nil {
		method := MethodPost
		if createdLocally {
			method = MethodPut
		}
		if qerr := f.tree.queue.Enqueue(method, f.path, false); qerr != nil {
			log.Error().Err(qerr).Str("path", f.path).Msg("Could not enqueue upload.")
			if err == nil {
				err = qerr
			}
		}
		parent, _ := splitPath(f.path)
		f.tree.invalidateListing(parent)
	}
	return err
}

// ensureCached makes sure the local cache holds usable content for this
// file: present and either fresh or deliberately kept (modified locally).
// At most one caller per path performs the actual fetch; everyone else
// waits on the coordinator.
func (f *File) ensureCached() error {
	if f.temp || f.IsDir() {
		return nil
	}

	for {
		entry, err := f.cache.Open(f.path)
		if err != nil {
			return err
		}

		f.mu.Lock()
		remoteEntry := f.remote
		createdLocally := f.createdLocally
		f.mu.Unlock()

		if entry != nil {
			if remoteEntry == nil || !f.cache.IsStale(f.path, remoteEntry.LastModified) {
				return nil
			}
			// the remote moved past what we downloaded
			if f.cache.IsModified(f.path) {
				if f.tree != nil && f.tree.queue.Get(f.path) != nil {
					// a queued mutation wins over the stale remote
					return nil
				}
				if f.tree != nil {
					f.tree.events.Emit(Event{Type: EventSyncConflict, Path: f.path})
				}
				log.Warn().Str("path", f.path).
					Msg("Local copy modified and remote changed, keeping local.")
				return nil
			}
			if !f.cache.CanDelete(f.path) {
				// dangling or otherwise unaccounted for; keep what we have
				return nil
			}
			// unmodified and stale: replace with a fresh download
		} else if remoteEntry == nil {
			if createdLocally {
				// our own empty file went missing; recreate it
				return f.cache.CreateLocal(f.path)
			}
			return remote.ErrNotFound
		}

		if f.tree == nil {
			return remote.ErrNotFound
		}
		if f.tree.downloads.Begin(f.path) {
			err := f.tree.fetch(f.path, remoteEntry)
			f.tree.downloads.End(f.path, err)
			return err
		}
		if err := <-f.tree.downloads.Wait(f.path); err != nil {
			return err
		}
		// the other downloader finished; re-check the cache
	}
}
