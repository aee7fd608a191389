package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/adobe/aemfs/fs/remote"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Processor is the background drainer: one loop per share popping eligible
// requests off the queue and replaying them against the remote. Callers
// never see its errors; failures retry with exponential backoff and surface
// as syncerror events once the budget runs out.
type Processor struct {
	queue  *RequestQueue
	cache  *LocalCache
	remote remote.Client
	events *Events
	tree   *OverlayTree
	opts   Options

	mu         sync.Mutex
	inProgress map[string]bool
	backoffs   map[string]*backoff.ExponentialBackOff
	offline    bool

	nowFn func() time.Time
}

// NewProcessor wires a processor over the share's queue, cache and remote.
func NewProcessor(queue *RequestQueue, cache *LocalCache, client remote.Client,
	events *Events, tree *OverlayTree, opts Options) *Processor {
	return &Processor{
		queue:      queue,
		cache:      cache,
		remote:     client,
		events:     events,
		tree:       tree,
		opts:       opts,
		inProgress: make(map[string]bool),
		backoffs:   make(map[string]*backoff.ExponentialBackOff),
		nowFn:      time.Now,
	}
}

// Run drains the queue until the context is cancelled. It wakes on the tick
// interval and immediately on enqueue notifications.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.queue.Notify():
		}
		p.DrainDue(ctx)
	}
}

// DrainDue processes every request currently eligible. Returns the number of
// requests attempted.
func (p *Processor) DrainDue(ctx context.Context) int {
	attempted := 0
	for {
		if ctx.Err() != nil {
			return attempted
		}
		request := p.nextDue()
		if request == nil {
			return attempted
		}
		attempted++
		p.process(ctx, request)
	}
}

// nextDue picks the oldest request past the coalescing window, under the
// retry budget, past its backoff delay, and not already being processed.
func (p *Processor) nextDue() *Request {
	now := p.nowFn().UnixMilli()
	cutoff := now - p.opts.ModifiedThreshold.Milliseconds()
	return p.queue.NextDueProcess(cutoff, now, p.opts.MaxRetries, p.isInProgress)
}

func (p *Processor) isInProgress(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inProgress[path]
}

func (p *Processor) setInProgress(path string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v {
		p.inProgress[path] = true
	} else {
		delete(p.inProgress, path)
	}
}

// Offline reports whether the last remote attempt failed at the transport
// level. Purely informational; requests keep retrying on their backoff
// schedule and the flag clears on the first successful call.
func (p *Processor) Offline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offline
}

func (p *Processor) setOffline(offline bool) {
	p.mu.Lock()
	changed := p.offline != offline
	p.offline = offline
	p.mu.Unlock()
	if !changed {
		return
	}
	if offline {
		log.Warn().Msg("Network unreachable, requests will retry on their backoff schedule.")
	} else {
		log.Info().Msg("Network reachable again.")
	}
}

// claim atomically marks a path in progress, failing if another drain beat
// us to it.
func (p *Processor) claim(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inProgress[path] {
		return false
	}
	p.inProgress[path] = true
	return true
}

// process executes one request against the remote and settles the queue
// accordingly.
func (p *Processor) process(ctx context.Context, request *Request) {
	path := request.Path()
	if !p.claim(path) {
		return
	}
	defer p.setInProgress(path, false)

	// a DELETE that is the source half of a pending move is handled through
	// the destination's PUT as a single MOVE call
	if request.Method == MethodDelete {
		if dst := p.movePartner(path); dst != nil {
			if !p.claim(dst.Path()) {
				return
			}
			defer p.setInProgress(dst.Path(), false)
			request = dst
			path = request.Path()
		}
	}

	log.Debug().Str("method", string(request.Method)).Str("path", path).
		Int("retries", request.Retries).Msg("Processing queued request.")

	err := p.execute(ctx, request)
	if err != nil {
		p.fail(request, err)
		return
	}
	p.setOffline(false)
	p.succeed(request)
}

// movePartner finds a PUT whose move source is the given path.
func (p *Processor) movePartner(src string) *Request {
	for _, request := range p.queue.All() {
		if request.Method == MethodPut && request.Link == LinkMove && request.SourcePath() == src {
			return request
		}
	}
	return nil
}

// execute performs the remote call for a request.
func (p *Processor) execute(ctx context.Context, request *Request) error {
	path := request.Path()

	switch request.Method {
	case MethodDelete:
		err := p.remote.Delete(ctx, path)
		if err != nil && remote.IsNotFound(err) {
			err = nil // already gone is as deleted as it gets
		}
		return err

	case MethodPut:
		if request.Dir {
			err := p.remote.CreateDirectory(ctx, path)
			if err != nil && remote.IsNameCollision(err) {
				err = nil // the folder beat us there
			}
			return err
		}
		if request.Link == LinkMove {
			if partner := p.queue.Get(request.SourcePath()); partner != nil && partner.Method == MethodDelete {
				return p.executeMove(ctx, request)
			}
			// the pair broke somewhere; fall back to a plain upload
		}
		content, err := p.contentFor(ctx, request)
		if err != nil {
			return err
		}
		err = p.remote.CreateFile(ctx, path, bytes.NewReader(content), int64(len(content)))
		if err != nil && remote.IsNameCollision(err) {
			// it exists after all, update it in place
			err = p.remote.UpdateFile(ctx, path, bytes.NewReader(content), int64(len(content)))
		}
		return err

	case MethodPost:
		content, err := p.cache.ContentBytes(path)
		if err != nil {
			return err
		}
		err = p.remote.UpdateFile(ctx, path, bytes.NewReader(content), int64(len(content)))
		if err != nil && remote.IsNotFound(err) {
			// deleted out from under us; re-create with our content
			err = p.remote.CreateFile(ctx, path, bytes.NewReader(content), int64(len(content)))
		}
		return err
	}
	return errors.New("unknown request method " + string(request.Method))
}

// executeMove issues a single MOVE covering both halves of a queued move.
func (p *Processor) executeMove(ctx context.Context, request *Request) error {
	src, dst := request.SourcePath(), request.Path()
	if err := p.remote.Move(ctx, src, dst); err != nil {
		return err
	}
	p.queue.Remove(src)
	return nil
}

// contentFor returns the bytes to upload for a PUT. Plain uploads read the
// local cache; copy destinations read the copy source, downloading it if it
// was never cached.
func (p *Processor) contentFor(ctx context.Context, request *Request) ([]byte, error) {
	path := request.Path()
	if request.Link == LinkCopy {
		src := request.SourcePath()
		if p.cache.HasContent(src) {
			return p.cache.ContentBytes(src)
		}
		body, err := p.remote.Download(ctx, src)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		return io.ReadAll(body)
	}
	return p.cache.ContentBytes(path)
}

// succeed settles a completed request: sidecar bookkeeping, queue removal,
// cache invalidation.
func (p *Processor) succeed(request *Request) {
	path := request.Path()

	if !request.Dir && request.Method != MethodDelete {
		p.markSynced(path)
	}
	p.queue.Remove(path)

	p.mu.Lock()
	delete(p.backoffs, path)
	p.mu.Unlock()

	if p.tree != nil {
		p.tree.invalidateListing(request.Parent)
		if src := request.SourcePath(); src != "" {
			parent, _ := splitPath(src)
			p.tree.invalidateListing(parent)
		}
	}
	log.Info().Str("method", string(request.Method)).Str("path", path).
		Msg("Request processed.")
}

// markSynced records the remote modification time the upload produced, so a
// subsequent cache refresh does not re-download our own bytes. The time
// comes from a fresh parent listing; if that fails we fall back to the local
// clock, which only risks one redundant refresh.
func (p *Processor) markSynced(path string) {
	if !p.cache.HasContent(path) {
		// moves of never-cached files have no local copy to annotate
		return
	}
	remoteLastModified := p.nowFn().UnixMilli()
	parent, name := splitPath(path)
	if entries, err := p.remote.List(context.Background(), parent); err == nil {
		for _, entry := range entries {
			if entry.Name == name {
				remoteLastModified = entry.LastModified
				break
			}
		}
	}
	if err := p.cache.MarkSynced(path, remoteLastModified); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Could not update cache info after upload.")
	}
}

// fail counts a retry and either reschedules the request with backoff or,
// once the budget is spent, emits syncerror and drops it. The local copy
// stays put either way; nothing is lost except the automatic push.
func (p *Processor) fail(request *Request, err error) {
	path := request.Path()

	if remote.IsOffline(err) {
		// a network outage is nobody's fault; reschedule without burning
		// the retry budget
		p.setOffline(true)
		p.queue.SetRetries(path, request.Retries,
			p.nowFn().Add(p.nextDelay(path)).UnixMilli())
		return
	}
	p.setOffline(false)
	retries := request.Retries + 1

	status := 0
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.Status
	}

	if retries >= p.opts.MaxRetries {
		log.Error().Err(err).Str("method", string(request.Method)).Str("path", path).
			Int("retries", retries).Msg("Request failed too many times, giving up.")
		p.events.Emit(Event{
			Type:   EventSyncError,
			Path:   path,
			Method: request.Method,
			Status: status,
		})
		p.queue.Remove(path)
		p.mu.Lock()
		delete(p.backoffs, path)
		p.mu.Unlock()
		return
	}

	delay := p.nextDelay(path)
	log.Warn().Err(err).Str("method", string(request.Method)).Str("path", path).
		Int("retries", retries).Dur("delay", delay).Msg("Request failed, will retry.")
	p.queue.SetRetries(path, retries, p.nowFn().Add(delay).UnixMilli())
}

// nextDelay advances the per-path exponential backoff.
func (p *Processor) nextDelay(path string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	bo, ok := p.backoffs[path]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = p.opts.RetryInterval
		bo.Reset()
		p.backoffs[path] = bo
	}
	return bo.NextBackOff()
}
