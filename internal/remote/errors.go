package remote

import (
	"context"
	"errors"
	"fmt"
)

// Write failures fall into three classes: transient ones are retried with
// backoff, permanent ones surface immediately, and conflicts require the
// caller to re-read the document and reapply its change.

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("remote store unavailable")
	ErrDeadlineExceeded = errors.New("remote deadline exceeded")
	ErrConflict         = errors.New("concurrent write conflict")
	ErrNotFound         = errors.New("document not found")
)

// Retryable reports whether an error is worth another attempt. Conflicts
// are not retryable as-is: the caller must re-read first.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrDeadlineExceeded)
}

// Permanent reports whether retrying can never help.
func Permanent(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrPermissionDenied)
}

// classify maps transport-level failures onto the error taxonomy.
func classify(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w", op, path, ErrDeadlineExceeded)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%s %s: %w: %v", op, path, ErrUnavailable, err)
	}
}
