// Package messenger defines the messaging-platform collaborator: the
// interface the bridge drives, the error taxonomy it classifies responses
// into, and an HTTP client for a Telegram-style bot API with forum threads.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Messenger is the thread surface of the messaging platform. Every call is
// context-aware; implementations must honor cancellation and carry their
// own request timeout.
type Messenger interface {
	// CreateThread opens a named conversation thread and returns its id.
	CreateThread(ctx context.Context, name string) (int64, error)

	// PostMessage posts text into a thread.
	PostMessage(ctx context.Context, threadID int64, text string) error

	// EditThreadName renames a thread. Setting the current name again is a
	// harmless idempotent edit and doubles as the existence probe: a
	// thread-not-found error means the thread was deleted.
	EditThreadName(ctx context.Context, threadID int64, name string) error

	// ReactTo attaches an emoji reaction to a message in a thread.
	ReactTo(ctx context.Context, threadID int64, messageID int64, emoji string) error
}

// ErrThreadNotFound signals that the target thread no longer exists and
// must be recreated.
var ErrThreadNotFound = errors.New("thread not found")

// BackpressureError is the platform's explicit rate-limit signal: further
// requests of the same class must wait RetryAfter. It is not a failure from
// the caller's perspective; it becomes a cooldown window and a queued item.
type BackpressureError struct {
	RetryAfter time.Duration
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PermanentError marks a failure that retrying cannot fix, such as revoked
// credentials or a forbidden chat.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return "permanent: " + e.Reason }

// RetryAfter extracts the wait duration from a backpressure error, or 0.
func RetryAfter(err error) time.Duration {
	var bp *BackpressureError
	if errors.As(err, &bp) {
		return bp.RetryAfter
	}
	return 0
}

// IsBackpressure reports whether err is the platform's rate-limit signal.
func IsBackpressure(err error) bool {
	var bp *BackpressureError
	return errors.As(err, &bp)
}

// IsThreadNotFound reports whether err means the thread was deleted.
func IsThreadNotFound(err error) bool {
	return errors.Is(err, ErrThreadNotFound)
}

// IsPermanent reports whether err is beyond retry.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
