package governor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkarpov/go-sales-bridge/internal/domain"
)

// ThreadItem is a deferred thread-creation request. It carries the full
// purchase so the work survives restarts without another marketplace fetch.
type ThreadItem struct {
	ID           string          `json:"id"`
	Purchase     domain.Purchase `json:"purchase"`
	SkipGreeting bool            `json:"skip_greeting"`
	QueuedAt     time.Time       `json:"queued_at"`
}

// SendItem is a deferred message post into a thread. ChannelID and
// MessageID identify the inbound message being relayed, when any, so the
// delivery flag can be set once the post lands.
type SendItem struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	ThreadID  int64     `json:"thread_id"`
	ChannelID int64     `json:"channel_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

type queueFile struct {
	Threads []ThreadItem `json:"threads"`
	Sends   []SendItem   `json:"sends"`
}

// Queue is the durable pending-work store. Every mutation rewrites the
// backing JSON file atomically (temp file + rename) so an abrupt stop
// never loses queued work or leaves a torn file.
type Queue struct {
	path string

	mu      sync.Mutex
	threads []ThreadItem
	sends   []SendItem
}

// OpenQueue loads the queue file at path. A missing or unreadable file
// starts an empty queue; pending work is best-effort across corruption.
func OpenQueue(path string) *Queue {
	q := &Queue{path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("pending queue unreadable, starting empty")
		}
		return q
	}

	var f queueFile
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("pending queue malformed, starting empty")
		return q
	}
	q.threads = f.Threads
	q.sends = f.Sends
	if len(q.threads) > 0 || len(q.sends) > 0 {
		log.Info().Int("threads", len(q.threads)).Int("sends", len(q.sends)).Msg("loaded pending work")
	}
	return q
}

// persistLocked writes the current state. Caller holds q.mu.
func (q *Queue) persistLocked() {
	raw, err := json.MarshalIndent(queueFile{Threads: q.threads, Sends: q.sends}, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("encode pending queue")
		return
	}
	tmp := q.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		log.Error().Err(err).Msg("create pending queue dir")
		return
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Error().Err(err).Msg("write pending queue")
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		log.Error().Err(err).Msg("replace pending queue")
	}
}

// EnqueueThread queues a thread creation, dropping duplicates of an
// invoice already waiting.
func (q *Queue) EnqueueThread(purchase domain.Purchase, skipGreeting bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.threads {
		if it.Purchase.InvoiceID == purchase.InvoiceID {
			return
		}
	}
	q.threads = append(q.threads, ThreadItem{
		ID:           uuid.NewString(),
		Purchase:     purchase,
		SkipGreeting: skipGreeting,
		QueuedAt:     time.Now().UTC(),
	})
	q.persistLocked()
}

// EnqueueSend queues a message post.
func (q *Queue) EnqueueSend(item SendItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now().UTC()
	}
	q.sends = append(q.sends, item)
	q.persistLocked()
}

// TakeThreads drains the thread queue and returns the items for
// processing. Unfinished items must be handed back with RequeueThreads.
func (q *Queue) TakeThreads() []ThreadItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.threads
	q.threads = nil
	if len(items) > 0 {
		q.persistLocked()
	}
	return items
}

// RequeueThreads returns unprocessed items to the queue, skipping
// invoices that were re-queued in the meantime.
func (q *Queue) RequeueThreads(items []ThreadItem) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range items {
		dup := false
		for _, have := range q.threads {
			if have.Purchase.InvoiceID == it.Purchase.InvoiceID {
				dup = true
				break
			}
		}
		if !dup {
			q.threads = append(q.threads, it)
		}
	}
	q.persistLocked()
}

// TakeSends drains the send queue.
func (q *Queue) TakeSends() []SendItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.sends
	q.sends = nil
	if len(items) > 0 {
		q.persistLocked()
	}
	return items
}

// RequeueSends returns unprocessed send items to the queue.
func (q *Queue) RequeueSends(items []SendItem) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sends = append(q.sends, items...)
	q.persistLocked()
}

// Depth reports queued thread and send counts.
func (q *Queue) Depth() (threads, sends int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.threads), len(q.sends)
}
