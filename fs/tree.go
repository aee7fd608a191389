package fs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adobe/aemfs/fs/remote"
	"github.com/rs/zerolog/log"
)

// Tree is the capability contract a share exposes. The overlay implements it
// by composing the remote backend with the local cache; the temp tree
// implements it over local disk alone. Peer backends (other IPC transports)
// would sit behind the same interface.
type Tree interface {
	Exists(path string) (bool, error)
	Open(path string) (*File, error)
	List(path string) ([]*File, error)
	CreateFile(path string) (*File, error)
	CreateDirectory(path string) error
	Delete(path string) error
	Rename(oldPath, newPath string) error
	Disconnect() error
}

// cachedListing is one parent's remote listing plus when we fetched it.
type cachedListing struct {
	entries   []remote.Entry
	fetchedAt time.Time
	missing   bool // remote answered 404
}

// OverlayTree merges the remote tree with the local cache and routes
// mutations into the request queue. Temp-named paths are diverted to the
// temp tree and never interact with the remote at all.
type OverlayTree struct {
	share     *Share
	remote    remote.Client
	cache     *LocalCache
	queue     *RequestQueue
	downloads *DownloadCoordinator
	events    *Events
	temp      *TempTree
	opts      Options

	listingsM sync.Mutex
	listings  map[string]*cachedListing

	nowFn func() time.Time
}

func newOverlayTree(share *Share, client remote.Client, cache *LocalCache,
	queue *RequestQueue, downloads *DownloadCoordinator, events *Events,
	temp *TempTree, opts Options) *OverlayTree {
	t := &OverlayTree{
		share:     share,
		remote:    client,
		cache:     cache,
		queue:     queue,
		downloads: downloads,
		events:    events,
		temp:      temp,
		opts:      opts,
		listings:  make(map[string]*cachedListing),
		nowFn:     time.Now,
	}
	return t
}

func (t *OverlayTree) ctx() context.Context {
	if t.share != nil {
		return t.share.ctx
	}
	return context.Background()
}

// listParent returns the remote listing for a parent, served from the
// in-memory cache while younger than maxAge. A 404 is remembered as
// "missing" rather than treated as an error. On a transient remote failure
// an expired cached listing is better than nothing.
func (t *OverlayTree) listParent(parent string, maxAge time.Duration) (*cachedListing, error) {
	parent = normPath(parent)

	t.listingsM.Lock()
	cached, ok := t.listings[parent]
	if ok && t.nowFn().Sub(cached.fetchedAt) < maxAge {
		t.listingsM.Unlock()
		return cached, nil
	}
	t.listingsM.Unlock()

	entries, err := t.remote.List(t.ctx(), parent)
	listing := &cachedListing{fetchedAt: t.nowFn()}
	switch {
	case err == nil:
		listing.entries = entries
	case remote.IsNotFound(err):
		listing.missing = true
	default:
		if cached != nil {
			log.Warn().Err(err).Str("parent", parent).
				Msg("Listing refresh failed, serving cached listing.")
			return cached, nil
		}
		return nil, err
	}

	t.listingsM.Lock()
	t.listings[parent] = listing
	t.listingsM.Unlock()
	return listing, nil
}

// invalidateListing drops the cached listing for a parent.
func (t *OverlayTree) invalidateListing(parent string) {
	t.listingsM.Lock()
	delete(t.listings, normPath(parent))
	t.listingsM.Unlock()
}

// remoteEntry looks a single child up in the parent's listing. Metadata
// lookups tolerate a listing as old as cacheTTL.
func (t *OverlayTree) remoteEntry(p string) (*remote.Entry, error) {
	parent, name := splitPath(p)
	listing, err := t.listParent(parent, t.opts.CacheTTL)
	if err != nil {
		return nil, err
	}
	if listing.missing {
		return nil, nil
	}
	for i := range listing.entries {
		if listing.entries[i].Name == name {
			return &listing.entries[i], nil
		}
	}
	return nil, nil
}

// Exists reports whether a path is visible through the overlay: present
// locally, pending creation, or present remotely and not pending deletion.
func (t *OverlayTree) Exists(p string) (bool, error) {
	p = normPath(p)
	if IsTempPath(p) {
		return t.temp.Exists(p)
	}
	if p == "/" {
		return true, nil
	}

	if pending := t.queue.Get(p); pending != nil {
		return pending.Method != MethodDelete, nil
	}
	if t.cache.HasContent(p) {
		return true, nil
	}
	entry, err := t.remoteEntry(p)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Open returns a handle for an existing path.
func (t *OverlayTree) Open(p string) (*File, error) {
	p = normPath(p)
	if IsTempPath(p) {
		return t.temp.Open(p)
	}

	pending := t.queue.Get(p)
	if pending != nil && pending.Method == MethodDelete {
		return nil, remote.ErrNotFound
	}

	if p == "/" {
		return &File{tree: t, cache: t.cache, path: p, dir: true}, nil
	}

	remoteEntry, err := t.remoteEntry(p)
	if err != nil && !remote.IsTransient(err) {
		return nil, err
	}
	local, err := t.cache.Open(p)
	if err != nil {
		return nil, err
	}

	if remoteEntry == nil && local == nil && pending == nil {
		return nil, remote.ErrNotFound
	}

	file := &File{tree: t, cache: t.cache, path: p}
	switch {
	case remoteEntry != nil:
		file.remote = remoteEntry
		file.dir = remoteEntry.Dir
		file.size = remoteEntry.Size
		file.created = remoteEntry.Created
		file.lastModified = remoteEntry.LastModified
		file.readOnly = remoteEntry.ReadOnly
	case local != nil:
		file.dir = local.Dir
		file.size = local.Size
		file.created = local.ModTime
		file.lastModified = local.ModTime
	default:
		// pending create that has not materialized locally (a directory)
		file.dir = pending.Dir
	}
	if local != nil && local.Info != nil && local.Info.CreatedLocally {
		file.createdLocally = true
	}
	return file, nil
}

// List returns the merged children of a folder: the remote listing first
// (minus temp names and entries pending deletion), then local-only extras
// (pending creations from the queue), then the folder's temp files.
func (t *OverlayTree) List(p string) ([]*File, error) {
	p = normPath(p)
	if IsTempPath(p) {
		return t.temp.List(p)
	}

	listing, err := t.listParent(p, t.opts.ContentCacheTTL)
	if err != nil {
		return nil, err
	}
	pending := t.queue.ListForParent(p)

	if listing.missing && len(pending) == 0 && t.queue.Get(p) == nil {
		return nil, remote.ErrNotFound
	}

	seen := make(map[string]bool)
	files := make([]*File, 0, len(listing.entries)+len(pending))
	for i := range listing.entries {
		entry := listing.entries[i]
		if IsTempName(entry.Name) {
			continue
		}
		if pending[entry.Name] == MethodDelete {
			continue
		}
		seen[entry.Name] = true
		childPath := joinPath(p, entry.Name)
		file := &File{
			tree: t, cache: t.cache, path: childPath,
			dir: entry.Dir, size: entry.Size,
			created: entry.Created, lastModified: entry.LastModified,
			readOnly: entry.ReadOnly,
		}
		file.remote = &listing.entries[i]
		files = append(files, file)
	}

	// locally created children the remote has not seen yet
	for name, method := range pending {
		if method == MethodDelete || seen[name] {
			continue
		}
		childPath := joinPath(p, name)
		file, err := t.Open(childPath)
		if err != nil {
			log.Warn().Err(err).Str("path", childPath).Msg("Skipping pending child in listing.")
			continue
		}
		seen[name] = true
		files = append(files, file)
	}

	// OS-generated temp files live only in the temp tree
	tempFiles, err := t.temp.List(p)
	if err == nil {
		files = append(files, tempFiles...)
	}

	names := make([]string, len(files))
	for i, file := range files {
		names[i] = file.Name()
	}
	t.events.Emit(Event{Type: EventFolderList, Path: p, Files: names})
	return files, nil
}

// CreateFile creates a new empty file. Temp names land in the temp tree;
// everything else is created locally and queued for upload.
func (t *OverlayTree) CreateFile(p string) (*File, error) {
	p = normPath(p)
	if IsTempPath(p) {
		return t.temp.CreateFile(p)
	}

	exists, err := t.Exists(p)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, remote.ErrNameCollision
	}

	if err := t.cache.CreateLocal(p); err != nil {
		return nil, err
	}
	if err := t.queue.Enqueue(MethodPut, p, false); err != nil {
		return nil, err
	}
	parent, _ := splitPath(p)
	t.invalidateListing(parent)

	now := t.nowFn().UnixMilli()
	return &File{
		tree: t, cache: t.cache, path: p,
		created: now, lastModified: now,
		createdLocally: true,
	}, nil
}

// CreateDirectory queues a folder creation. Directories are not
// content-cached locally; until the remote confirms, the folder is visible
// through its queue entry.
func (t *OverlayTree) CreateDirectory(p string) error {
	p = normPath(p)
	if IsTempPath(p) {
		return t.temp.CreateDirectory(p)
	}

	exists, err := t.Exists(p)
	if err != nil {
		return err
	}
	if exists {
		return remote.ErrNameCollision
	}

	if err := t.queue.Enqueue(MethodPut, p, true); err != nil {
		return err
	}
	parent, _ := splitPath(p)
	t.invalidateListing(parent)
	return nil
}

// Delete removes a path from the overlay. The local copy is discarded
// immediately; the remote deletion is queued, where fusion cancels it
// against a pending creation.
func (t *OverlayTree) Delete(p string) error {
	p = normPath(p)
	if IsTempPath(p) {
		return t.temp.Delete(p)
	}

	file, err := t.Open(p)
	if err != nil {
		return err
	}
	dir := file.IsDir()

	t.downloads.Cancel(p)
	if dir {
		// drop everything pending inside the folder, then fuse the folder's
		// own deletion
		if err := t.queue.RemovePath(p); err != nil {
			return err
		}
		if err := t.cache.DiscardTree(p); err != nil {
			return err
		}
	} else {
		if err := t.cache.Discard(p); err != nil {
			return err
		}
	}
	if err := t.queue.Enqueue(MethodDelete, p, dir); err != nil {
		return err
	}

	parent, _ := splitPath(p)
	t.invalidateListing(parent)
	if dir {
		t.invalidateListing(p)
	}
	return nil
}

// Rename moves a path. Within the main tree this becomes a queued move;
// renames crossing the temp boundary copy content across and delete the
// source, since temp files must never produce remote traffic.
func (t *OverlayTree) Rename(oldPath, newPath string) error {
	oldPath, newPath = normPath(oldPath), normPath(newPath)
	oldTemp, newTemp := IsTempPath(oldPath), IsTempPath(newPath)

	switch {
	case oldTemp && newTemp:
		return t.temp.Rename(oldPath, newPath)
	case oldTemp != newTemp:
		return t.renameAcrossBoundary(oldPath, newPath, oldTemp)
	}

	file, err := t.Open(oldPath)
	if err != nil {
		return err
	}
	dir := file.IsDir()

	if err := t.cache.Move(oldPath, newPath); err != nil {
		return err
	}
	if err := t.queue.EnqueueMove(oldPath, newPath, dir); err != nil {
		return err
	}
	if dir {
		if err := t.queue.RenamePath(oldPath, newPath); err != nil {
			return err
		}
		t.invalidateListing(oldPath)
	}
	t.downloads.Cancel(oldPath)

	oldParent, _ := splitPath(oldPath)
	newParent, _ := splitPath(newPath)
	t.invalidateListing(oldParent)
	t.invalidateListing(newParent)
	return nil
}

// renameAcrossBoundary moves content between the main tree and the temp
// tree. Exactly one side of the rename talks to the queue.
func (t *OverlayTree) renameAcrossBoundary(oldPath, newPath string, fromTemp bool) error {
	if fromTemp {
		// a temp file becomes real: create it properly and copy the bytes
		content := t.temp.contentBytes(oldPath)
		file, err := t.CreateFile(newPath)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			if _, err := file.WriteAt(content, 0); err != nil {
				file.Close()
				return err
			}
		}
		if err := file.Close(); err != nil {
			return err
		}
		return t.temp.Delete(oldPath)
	}

	// a real file becomes temp: stash the bytes away, then delete for real
	content, err := t.cache.ContentBytes(oldPath)
	if err != nil {
		if file, oerr := t.Open(oldPath); oerr == nil {
			// not cached yet; fault it in so no bytes are lost
			buf := make([]byte, file.Size())
			if _, rerr := file.ReadAt(buf, 0); rerr == nil {
				content = buf
			}
			file.Close()
		}
	}
	if err := t.temp.writeBytes(newPath, content); err != nil {
		return err
	}
	return t.Delete(oldPath)
}

// Disconnect drains and shuts down the owning share.
func (t *OverlayTree) Disconnect() error {
	if t.share == nil {
		return nil
	}
	return t.share.Disconnect()
}

// fetch downloads a file into the local cache: HEAD for the length, GET for
// the body, then the sidecar records the remote modification time observed.
func (t *OverlayTree) fetch(p string, entry *remote.Entry) error {
	t.events.Emit(Event{Type: EventDownloadStart, Path: p})
	defer t.events.Emit(Event{Type: EventDownloadEnd, Path: p})

	if entry == nil {
		fetched, err := t.remoteEntry(p)
		if err != nil {
			return err
		}
		if fetched == nil {
			return remote.ErrNotFound
		}
		entry = fetched
	}

	size, err := t.remote.Head(t.ctx(), p)
	if err != nil {
		return err
	}
	body, err := t.remote.Download(t.ctx(), p)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := t.cache.StoreDownloaded(p, entry.LastModified, body); err != nil {
		return err
	}
	if stored, _ := t.cache.Open(p); stored != nil && size > 0 && stored.Size != size {
		// a torn or truncated transfer; throw it away rather than serve it
		t.cache.Discard(p)
		return fmt.Errorf("download of %s truncated: got %d of %d bytes", p, stored.Size, size)
	}
	log.Info().Str("path", p).Int64("size", size).Msg("Downloaded file into cache.")
	return nil
}

var _ Tree = (*OverlayTree)(nil)
