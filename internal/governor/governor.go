// Package governor enforces the messenger's rate discipline: per-operation
// flood-control windows fed by backpressure responses, a steady pacing
// limiter on sends, durable queues for deferred work, and per-invoice
// failure cooldowns that keep a broken purchase from being retried hot.
package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkarpov/go-sales-bridge/internal/config"
	"github.com/dkarpov/go-sales-bridge/internal/messenger"
)

// Op classifies governed operations. Thread creation and message sending
// are throttled independently because the messenger rate-limits them
// independently.
type Op int

const (
	OpThreadCreate Op = iota
	OpMessageSend
)

func (o Op) String() string {
	if o == OpThreadCreate {
		return "thread_create"
	}
	return "message_send"
}

// ErrThrottled is returned by Attempt when the operation's flood-control
// window is still open. Callers queue the work and move on.
var ErrThrottled = errors.New("operation throttled by flood control")

// window is one flood-control window. Zero value is open.
type window struct {
	mu    sync.Mutex
	until time.Time
}

func (w *window) active(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.until.IsZero() {
		return false
	}
	if now.Before(w.until) {
		return true
	}
	w.until = time.Time{}
	return false
}

func (w *window) block(until time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if until.After(w.until) {
		w.until = until
	}
}

// Governor coordinates all throttled access to the messenger.
type Governor struct {
	cfg   config.SchedulerConfig
	queue *Queue

	threadWindow window
	sendWindow   window

	// pace spreads message sends out so a burst of deliveries does not
	// trip the messenger's per-chat limit in the first place.
	pace *rate.Limiter

	mu       sync.Mutex
	failures map[int64]time.Time
}

// New builds a Governor around the durable queue.
func New(cfg config.SchedulerConfig, queue *Queue) *Governor {
	return &Governor{
		cfg:      cfg,
		queue:    queue,
		pace:     rate.NewLimiter(rate.Every(cfg.SendDelay), 1),
		failures: make(map[int64]time.Time),
	}
}

// Queue exposes the durable pending-work queue.
func (g *Governor) Queue() *Queue { return g.queue }

func (g *Governor) windowFor(op Op) *window {
	if op == OpThreadCreate {
		return &g.threadWindow
	}
	return &g.sendWindow
}

// Throttled reports whether op's flood-control window is open.
func (g *Governor) Throttled(op Op) bool {
	return g.windowFor(op).active(time.Now())
}

// Attempt runs fn under op's flood-control discipline. When the window is
// open it returns ErrThrottled without calling fn. A backpressure error
// from fn opens the window for the advertised retry-after plus a safety
// margin; the error is returned so the caller can queue the work.
func (g *Governor) Attempt(ctx context.Context, op Op, fn func(ctx context.Context) error) error {
	w := g.windowFor(op)
	if w.active(time.Now()) {
		return ErrThrottled
	}

	if op == OpMessageSend {
		if err := g.pace.Wait(ctx); err != nil {
			return err
		}
	}

	err := fn(ctx)
	if messenger.IsBackpressure(err) {
		delay := messenger.RetryAfter(err) + g.cfg.CooldownMargin
		w.block(time.Now().Add(delay))
		log.Warn().Str("op", op.String()).Dur("retry_after", delay).Msg("flood control engaged")
	}
	return err
}

// RecordFailure starts the failure cooldown for an invoice after a
// retryable error, so the next ticks skip it instead of hammering.
func (g *Governor) RecordFailure(invoiceID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[invoiceID] = time.Now().Add(g.cfg.FailureCooldown)
}

// InFailureCooldown reports whether an invoice is still cooling down.
func (g *Governor) InFailureCooldown(invoiceID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.failures[invoiceID]
	if !ok {
		return false
	}
	if time.Now().Before(until) {
		return true
	}
	delete(g.failures, invoiceID)
	return false
}

// ClearFailure forgets an invoice's failure cooldown, typically after a
// successful retry.
func (g *Governor) ClearFailure(invoiceID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, invoiceID)
}

// Mature reports whether a queued item has aged past the retry grace
// period. Fresh items are skipped for one round so a failure burst does
// not loop instantly.
func (g *Governor) Mature(queuedAt time.Time) bool {
	return time.Since(queuedAt) >= g.cfg.RetryGrace
}
