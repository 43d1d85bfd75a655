package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dkarpov/go-sales-bridge/internal/domain"
	"github.com/dkarpov/go-sales-bridge/internal/repo"
)

// DedupLedger enforces at-most-once posting: every delivered message
// identity (channel_id, message_id) is recorded before its side effects
// run, and the delivery flags only ever transition false -> true. Channel
// id domain.GlobalChannel is the cross-channel sentinel for sources that
// cannot disambiguate.
type DedupLedger struct {
	db *gorm.DB

	mu      sync.RWMutex
	records map[string]*domain.DedupRecord
}

func dedupKey(channelID int64, messageID string) string {
	return fmt.Sprintf("%d_%s", channelID, messageID)
}

// LoadDedupLedger reads the full ledger into memory. A missing or empty
// table is treated as an empty ledger.
func LoadDedupLedger(ctx context.Context, db *gorm.DB) (*DedupLedger, error) {
	rows, err := repo.ListDedupRecords(ctx, db)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*domain.DedupRecord, len(rows))
	for i := range rows {
		r := rows[i]
		m[dedupKey(r.ChannelID, r.MessageID)] = &r
	}
	if len(m) > 0 {
		log.Info().Int("messages", len(m)).Msg("dedup ledger loaded")
	}
	return &DedupLedger{db: db, records: m}, nil
}

// Seen reports whether the identity has ever been observed.
func (l *DedupLedger) Seen(channelID int64, messageID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[dedupKey(channelID, messageID)]
	return ok
}

// Delivered reports whether the identity was already posted to the platform.
func (l *DedupLedger) Delivered(channelID int64, messageID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[dedupKey(channelID, messageID)]
	return ok && r.Delivered
}

// Observe records a message identity with its content and reports whether
// the identity is new. Observing a known identity never overwrites content
// or timestamps; they are immutable once written.
func (l *DedupLedger) Observe(ctx context.Context, channelID int64, messageID, content string, ts time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := dedupKey(channelID, messageID)
	if _, ok := l.records[key]; ok {
		return false
	}

	now := time.Now().UTC()
	r := &domain.DedupRecord{
		ChannelID:   channelID,
		MessageID:   messageID,
		Content:     content,
		Timestamp:   ts,
		ProcessedAt: now,
		Stored:      true,
		StoredAt:    &now,
	}
	if err := repo.InsertDedupRecord(ctx, l.db, r); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			l.records[key] = r
			return false
		}
		log.Error().Err(err).
			Int64("channel_id", channelID).Str("message_id", messageID).
			Msg("dedup insert failed")
		return false
	}
	l.records[key] = r
	return true
}

// MarkDelivered flips the delivered-to-platform flag, false -> true only.
// Marking an unknown identity is a no-op.
func (l *DedupLedger) MarkDelivered(ctx context.Context, channelID int64, messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[dedupKey(channelID, messageID)]
	if !ok || r.Delivered {
		return
	}
	now := time.Now().UTC()
	if err := repo.MarkDedupDelivered(ctx, l.db, channelID, messageID, now); err != nil {
		log.Error().Err(err).
			Int64("channel_id", channelID).Str("message_id", messageID).
			Msg("dedup delivered mark failed")
		return
	}
	r.Delivered = true
	r.DeliveredAt = &now
}

// Len returns the ledger size.
func (l *DedupLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
