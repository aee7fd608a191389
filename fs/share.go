package fs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/adobe/aemfs/fs/remote"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// Options carries the tunables of a share. Zero values are filled in with
// the defaults below.
type Options struct {
	// LocalPath is the local cache root.
	LocalPath string
	// ContentCacheTTL bounds how long an in-memory folder listing is served.
	ContentCacheTTL time.Duration
	// CacheTTL bounds how long remote metadata is trusted without a refresh.
	CacheTTL time.Duration
	// ModifiedThreshold is the coalescing window: queued requests younger
	// than this are not yet eligible, so in-flight edits can settle.
	ModifiedThreshold time.Duration
	// MaxRetries is the per-request retry budget.
	MaxRetries int
	// TickInterval is how often the processor wakes without notifications.
	TickInterval time.Duration
	// RetryInterval seeds the exponential backoff after a failure.
	RetryInterval time.Duration
}

func (o *Options) fillDefaults() {
	if o.ContentCacheTTL == 0 {
		o.ContentCacheTTL = 30 * time.Second
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.TickInterval == 0 {
		o.TickInterval = 2 * time.Second
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = time.Second
	}
}

// queueDBName is the file under the cache root holding the request queue.
const queueDBName = "requests.db"

// tempDirName is the directory under the cache root backing the temp tree.
const tempDirName = ".aemtmp"

// Share is one mounted view of a remote tree: the overlay, its local cache,
// the persistent request queue and the background processor, wired together.
type Share struct {
	opts      Options
	remote    remote.Client
	db        *bolt.DB
	cache     *LocalCache
	queue     *RequestQueue
	downloads *DownloadCoordinator
	events    *Events
	temp      *TempTree
	tree      *OverlayTree
	processor *Processor

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewShare builds a share over the given remote backend and starts its
// processor. Queued requests persisted by a previous run resume draining on
// the processor's first tick or the next enqueue, whichever comes first.
func NewShare(client remote.Client, opts Options) (*Share, error) {
	opts.fillDefaults()

	if err := os.MkdirAll(filepath.Join(opts.LocalPath, infoDirName), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(
		filepath.Join(opts.LocalPath, infoDirName, queueDBName),
		0600,
		&bolt.Options{Timeout: 5 * time.Second},
	)
	if err != nil {
		log.Error().Err(err).Msg("Could not open queue DB. Is the share mounted twice?")
		return nil, err
	}

	cache, err := NewLocalCache(opts.LocalPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	queue, err := NewRequestQueue(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	temp, err := NewTempTree(filepath.Join(opts.LocalPath, tempDirName))
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	share := &Share{
		opts:      opts,
		remote:    client,
		db:        db,
		cache:     cache,
		queue:     queue,
		downloads: NewDownloadCoordinator(),
		events:    NewEvents(),
		temp:      temp,
		ctx:       ctx,
		cancel:    cancel,
	}
	share.tree = newOverlayTree(share, client, cache, queue, share.downloads,
		share.events, temp, opts)
	share.processor = NewProcessor(queue, cache, client, share.events, share.tree, opts)

	group, groupCtx := errgroup.WithContext(ctx)
	share.group = group
	group.Go(func() error {
		return share.processor.Run(groupCtx)
	})

	log.Info().Str("localPath", opts.LocalPath).Msg("Share connected.")
	return share, nil
}

// Tree returns the share's overlay tree.
func (s *Share) Tree() *OverlayTree {
	return s.tree
}

// Events returns the share's event hub.
func (s *Share) Events() *Events {
	return s.events
}

// Queue exposes the request queue, mainly for inspection.
func (s *Share) Queue() *RequestQueue {
	return s.queue
}

// IsOffline reports whether the last remote attempt failed at the transport
// level.
func (s *Share) IsOffline() bool {
	return s.processor.Offline()
}

// Disconnect drains what it can, stops the processor, cancels outstanding
// download waiters and closes the queue database. Requests that did not
// drain survive on disk and resume on the next connect.
func (s *Share) Disconnect() error {
	log.Info().Msg("Disconnecting share.")

	// one last chance for eligible requests before we go
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	s.processor.DrainDue(drainCtx)
	drainCancel()

	return s.Close()
}

// Close shuts the share down without attempting a final drain. Pending
// requests stay queued for the next connect.
func (s *Share) Close() error {
	s.cancel()
	if err := s.group.Wait(); err != nil && err != context.Canceled {
		log.Warn().Err(err).Msg("Processor exited with error.")
	}

	s.downloads.CancelAll()
	s.events.Close()

	if remaining := s.queue.Len(); remaining > 0 {
		log.Info().Int("pending", remaining).
			Msg("Pending requests preserved for next connect.")
	}
	return s.db.Close()
}
