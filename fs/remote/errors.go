package remote

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the remote status codes callers care about. A
// *StatusError matches these through errors.Is, so call sites can use the
// stdlib helpers without caring whether the error came from a status code or
// was produced locally.
var (
	// ErrNotFound corresponds to a remote 404.
	ErrNotFound = errors.New("no such file or folder")
	// ErrNameCollision corresponds to a remote 409 on create.
	ErrNameCollision = errors.New("name collision")
	// ErrAccessDenied corresponds to a remote 401/403 or a read-only item.
	ErrAccessDenied = errors.New("access denied")
)

// StatusError is returned for any remote response with an unexpected status
// code. It matches the corresponding sentinel error through errors.Is where
// one exists.
type StatusError struct {
	Method string
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Status)
}

// Is maps well-known status codes onto their sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == 404
	case ErrNameCollision:
		return e.Status == 409
	case ErrAccessDenied:
		return e.Status == 401 || e.Status == 403
	}
	return false
}

// IsNotFound reports whether err represents a missing remote item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNameCollision reports whether err represents a remote 409.
func IsNameCollision(err error) bool {
	return errors.Is(err, ErrNameCollision)
}

// IsAccessDenied reports whether err represents a remote 401/403.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsOffline reports whether err means we never reached the server at all: a
// transport failure rather than an HTTP response. Cancellation does not
// count; that is the caller giving up, not the network.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	return !errors.As(err, &statusErr)
}

// IsTransient reports whether err is worth retrying: a transport failure or a
// 5xx server response. Definitive remote answers like 404 or 409 are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		// server errors tend to clear up on their own
		return statusErr.Status >= 500
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrNameCollision) &&
		!errors.Is(err, ErrAccessDenied)
}
