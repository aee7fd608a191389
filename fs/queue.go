package fs

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// Method is the kind of remote mutation a queued request stands for.
// PUT creates, POST updates in place, DELETE removes. Moves and copies are
// expanded at enqueue time into PUT/DELETE pairs carrying provenance, which
// keeps fusion with later operations trivial.
type Method string

const (
	// MethodPut creates the item remotely with the local content.
	MethodPut Method = "PUT"
	// MethodPost updates the existing remote item in place.
	MethodPost Method = "POST"
	// MethodDelete removes the remote item.
	MethodDelete Method = "DELETE"
)

// Link records why a PUT exists at a destination other than where the
// content was originally written.
type Link string

const (
	// LinkNone is a plain content upload.
	LinkNone Link = ""
	// LinkMove marks a PUT standing for the destination half of a move.
	LinkMove Link = "move"
	// LinkCopy marks a PUT standing for the destination of a copy; content
	// comes from the source path at drain time.
	LinkCopy Link = "copy"
)

// Request is one pending mutation. At most one request exists per
// (parent, name) source key.
type Request struct {
	ID     string `json:"id"`
	Method Method `json:"method"`
	Parent string `json:"parent"`
	Name   string `json:"name"`
	// Dir marks creations of folders rather than files.
	Dir bool `json:"dir,omitempty"`
	// Link plus SourceParent/SourceName carry move/copy provenance.
	Link         Link   `json:"link,omitempty"`
	SourceParent string `json:"sourceParent,omitempty"`
	SourceName   string `json:"sourceName,omitempty"`

	EnqueuedAt  int64 `json:"enqueuedAt"`
	NextAttempt int64 `json:"nextAttempt"`
	Retries     int   `json:"retries"`
}

// Path returns the request's source path.
func (r *Request) Path() string {
	return joinPath(r.Parent, r.Name)
}

// SourcePath returns the move/copy origin path, or "" for plain requests.
func (r *Request) SourcePath() string {
	if r.Link == LinkNone {
		return ""
	}
	return joinPath(r.SourceParent, r.SourceName)
}

func (r *Request) key() []byte {
	return requestKey(r.Parent, r.Name)
}

func requestKey(parent, name string) []byte {
	return []byte(parent + "\x00" + name)
}

var bucketRequests = []byte("requests")

// RequestQueue is the persistent store of pending mutations. All operations
// take the queue mutex so fusion's read-modify-write is atomic with respect
// to concurrent overlay writers.
type RequestQueue struct {
	db     *bolt.DB
	mu     sync.Mutex
	notify chan struct{}
	nowFn  func() time.Time
}

// NewRequestQueue opens the queue over an already opened database. Requests
// persisted by a previous run survive and resume draining.
func NewRequestQueue(db *bolt.DB) (*RequestQueue, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRequests)
		return err
	})
	if err != nil {
		return nil, err
	}
	q := &RequestQueue{
		db:     db,
		notify: make(chan struct{}, 1),
		nowFn:  time.Now,
	}
	if n := q.Len(); n > 0 {
		log.Info().Int("pending", n).Msg("Restored pending requests from disk.")
	}
	return q, nil
}

// Notify returns a channel signaled whenever a request is enqueued. The
// processor selects on it to wake up early.
func (q *RequestQueue) Notify() <-chan struct{} {
	return q.notify
}

func (q *RequestQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// get reads a single request inside a transaction-less helper. Callers hold
// q.mu.
func (q *RequestQueue) get(parent, name string) *Request {
	var request *Request
	q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get(requestKey(parent, name))
		if data != nil {
			request = &Request{}
			if err := json.Unmarshal(data, request); err != nil {
				log.Error().Err(err).Str("parent", parent).Str("name", name).
					Msg("Corrupt queue record, dropping.")
				request = nil
			}
		}
		return nil
	})
	return request
}

func (q *RequestQueue) put(request *Request) error {
	data, err := json.Marshal(request)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Put(request.key(), data)
	})
}

func (q *RequestQueue) del(parent, name string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Delete(requestKey(parent, name))
	})
}

// Get returns the pending request for a path, nil if none.
func (q *RequestQueue) Get(p string) *Request {
	parent, name := splitPath(p)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(parent, name)
}

// fresh builds a new request record for the given key.
func (q *RequestQueue) fresh(method Method, parent, name string, dir bool) *Request {
	now := q.nowFn().UnixMilli()
	return &Request{
		ID:          uuid.NewString(),
		Method:      method,
		Parent:      parent,
		Name:        name,
		Dir:         dir,
		EnqueuedAt:  now,
		NextAttempt: now,
	}
}

// fuse applies the single-key fusion rules: the result of layering a new
// PUT/POST/DELETE over whatever already sits at the key. A nil result with
// drop=true means the key ends empty (create-then-delete cancels out).
func fuse(existing *Request, method Method) (result *Request, drop bool) {
	if existing == nil {
		return nil, false // caller creates a fresh record
	}
	switch method {
	case MethodPut, MethodPost:
		switch existing.Method {
		case MethodPut:
			// content written after a pending create, move or copy: the
			// local bytes are now authoritative, so this becomes a plain
			// upload
			existing.Link = LinkNone
			existing.SourceParent, existing.SourceName = "", ""
			return existing, false
		case MethodPost:
			return existing, false
		case MethodDelete:
			// re-creating what was deleted: the remote item still exists,
			// update it in place
			existing.Method = MethodPost
			return existing, false
		}
	case MethodDelete:
		switch existing.Method {
		case MethodPut:
			// create-then-delete is a no-op remotely
			return nil, true
		case MethodPost:
			existing.Method = MethodDelete
			existing.Link = LinkNone
			existing.SourceParent, existing.SourceName = "", ""
			return existing, false
		case MethodDelete:
			return existing, false
		}
	}
	return existing, false
}

// Enqueue applies the fusion rules for a plain PUT/POST/DELETE at the path
// and persists the outcome.
func (q *RequestQueue) Enqueue(method Method, p string, dir bool) error {
	if IsTempPath(p) {
		// temp files never reach the queue
		return nil
	}
	parent, name := splitPath(p)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.enqueueLocked(method, parent, name, dir); err != nil {
		return err
	}
	q.wake()
	return nil
}

func (q *RequestQueue) enqueueLocked(method Method, parent, name string, dir bool) error {
	existing := q.get(parent, name)
	result, drop := fuse(existing, method)
	if drop {
		log.Debug().Str("path", joinPath(parent, name)).
			Msg("Create cancelled by delete, queue entry dropped.")
		return q.del(parent, name)
	}
	if result == nil {
		result = q.fresh(method, parent, name, dir)
	}
	return q.put(result)
}

// EnqueueMove records a rename: a PUT at the destination plus a DELETE at
// the source, fused against whatever both keys already hold. The destination
// entry and the source rewrite are applied under one lock so the processor
// never observes half a move.
func (q *RequestQueue) EnqueueMove(src, dst string, dir bool) error {
	srcParent, srcName := splitPath(src)
	dstParent, dstName := splitPath(dst)

	q.mu.Lock()
	defer q.mu.Unlock()

	srcReq := q.get(srcParent, srcName)
	dstExisting := q.get(dstParent, dstName)

	// what the destination PUT should link back to, if anything
	moveOrigin := src
	copyOrigin := ""
	switch {
	case srcReq == nil:
		// a real remote item moves; DELETE the source
		if err := q.enqueueLocked(MethodDelete, srcParent, srcName, dir); err != nil {
			return err
		}
	case srcReq.Method == MethodPut && srcReq.Link == LinkMove:
		// chained move: collapse toward the original source, whose DELETE
		// is already queued
		moveOrigin = srcReq.SourcePath()
		if err := q.del(srcParent, srcName); err != nil {
			return err
		}
	case srcReq.Method == MethodPut && srcReq.Link == LinkCopy:
		// moving a pending copy destination just relocates the copy
		moveOrigin = ""
		copyOrigin = srcReq.SourcePath()
		if err := q.del(srcParent, srcName); err != nil {
			return err
		}
	case srcReq.Method == MethodPut:
		// locally created, nothing remote to move; the upload simply
		// retargets
		moveOrigin = ""
		if err := q.del(srcParent, srcName); err != nil {
			return err
		}
	default:
		// a pending POST or DELETE at the source stays put
		moveOrigin = ""
	}

	result, _ := fuse(dstExisting, MethodPut)
	if result == nil {
		result = q.fresh(MethodPut, dstParent, dstName, dir)
		if moveOrigin != "" {
			result.Link = LinkMove
			result.SourceParent, result.SourceName = splitPath(moveOrigin)
		} else if copyOrigin != "" {
			result.Link = LinkCopy
			result.SourceParent, result.SourceName = splitPath(copyOrigin)
		}
	}
	if err := q.put(result); err != nil {
		return err
	}
	q.wake()
	return nil
}

// EnqueueCopy records a copy: a PUT at the destination whose content comes
// from the source path at drain time. The source's own pending request, if
// any, is left untouched.
func (q *RequestQueue) EnqueueCopy(src, dst string, dir bool) error {
	dstParent, dstName := splitPath(dst)

	q.mu.Lock()
	defer q.mu.Unlock()

	result, _ := fuse(q.get(dstParent, dstName), MethodPut)
	if result == nil {
		result = q.fresh(MethodPut, dstParent, dstName, dir)
		result.Link = LinkCopy
		result.SourceParent, result.SourceName = splitPath(src)
	}
	if err := q.put(result); err != nil {
		return err
	}
	q.wake()
	return nil
}

// ListForParent returns the pending method per child name for a parent path.
func (q *RequestQueue) ListForParent(parent string) map[string]Method {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make(map[string]Method)
	q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			request := &Request{}
			if err := json.Unmarshal(v, request); err != nil {
				return nil
			}
			if request.Parent == normPath(parent) {
				result[request.Name] = request.Method
			}
			return nil
		})
	})
	return result
}

// All returns every pending request, oldest first.
func (q *RequestQueue) All() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.all()
}

func (q *RequestQueue) all() []*Request {
	var requests []*Request
	q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			request := &Request{}
			if err := json.Unmarshal(v, request); err != nil {
				return nil
			}
			requests = append(requests, request)
			return nil
		})
	})
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].EnqueuedAt < requests[j].EnqueuedAt
	})
	return requests
}

// Len returns the number of pending requests.
func (q *RequestQueue) Len() int {
	n := 0
	q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRequests).Stats().KeyN
		return nil
	})
	return n
}

// NextDueProcess returns the oldest request that is old enough to process
// (enqueuedAt at or before the cutoff, so the caller's coalescing window has
// passed), has retry budget left, is not waiting on a backoff delay, and is
// not already being processed. Returns nil when nothing is eligible.
func (q *RequestQueue) NextDueProcess(cutoff int64, now int64, maxRetries int, skip func(path string) bool) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, request := range q.all() {
		if request.EnqueuedAt > cutoff {
			continue
		}
		if request.Retries >= maxRetries {
			continue
		}
		if request.NextAttempt > now {
			continue
		}
		if skip != nil && skip(request.Path()) {
			continue
		}
		return request
	}
	return nil
}

// Remove drops the request at a path, if any.
func (q *RequestQueue) Remove(p string) error {
	parent, name := splitPath(p)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.del(parent, name)
}

// SetRetries updates the retry counter and the earliest next attempt time
// for the request at a path.
func (q *RequestQueue) SetRetries(p string, retries int, nextAttempt int64) error {
	parent, name := splitPath(p)
	q.mu.Lock()
	defer q.mu.Unlock()

	request := q.get(parent, name)
	if request == nil {
		return nil
	}
	request.Retries = retries
	request.NextAttempt = nextAttempt
	return q.put(request)
}

// RenamePath rewrites every request whose parent is oldPrefix or lives under
// it to the corresponding path under newPrefix. The entry at oldPrefix
// itself, if any, is not touched; that one is the business of EnqueueMove.
// Used for directory renames.
func (q *RequestQueue) RenamePath(oldPrefix, newPrefix string) error {
	oldPrefix, newPrefix = normPath(oldPrefix), normPath(newPrefix)
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, request := range q.all() {
		changed := false
		if hasPathPrefix(request.Parent, oldPrefix) {
			if err := q.del(request.Parent, request.Name); err != nil {
				return err
			}
			request.Parent = rewritePrefix(request.Parent, oldPrefix, newPrefix)
			changed = true
		}
		if src := request.SourcePath(); src != "" && hasPathPrefix(request.SourceParent, oldPrefix) {
			request.SourceParent = rewritePrefix(request.SourceParent, oldPrefix, newPrefix)
			changed = true
		}
		if changed {
			if err := q.put(request); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemovePath drops every request whose parent is the prefix or lives under
// it. The entry at the prefix itself stays; deleting that one goes through
// Enqueue so the fusion rules apply.
func (q *RequestQueue) RemovePath(prefix string) error {
	prefix = normPath(prefix)
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, request := range q.all() {
		if hasPathPrefix(request.Parent, prefix) {
			if err := q.del(request.Parent, request.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyPath duplicates every request inside srcPrefix into dstPrefix. Used
// for directory copies so pending creations inside the source subtree also
// materialize at the destination.
func (q *RequestQueue) CopyPath(srcPrefix, dstPrefix string) error {
	srcPrefix, dstPrefix = normPath(srcPrefix), normPath(dstPrefix)
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, request := range q.all() {
		if !hasPathPrefix(request.Parent, srcPrefix) {
			continue
		}
		dup := *request
		dup.ID = uuid.NewString()
		dup.Parent = rewritePrefix(request.Parent, srcPrefix, dstPrefix)
		if err := q.put(&dup); err != nil {
			return err
		}
	}
	q.wake()
	return nil
}
