package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dkarpov/go-sales-bridge/internal/domain"
	"github.com/dkarpov/go-sales-bridge/internal/repo"
)

// ThreadDirectory is the routing table from purchase to platform thread,
// keyed by "purchase_<invoice>". Keying by invoice id rather than buyer
// identity is deliberate: a buyer may hold several purchases and each gets
// its own thread. Identity lookup is a scan, not a stored index.
type ThreadDirectory struct {
	db *gorm.DB

	mu      sync.RWMutex
	entries map[string]*domain.ThreadEntry
}

// LoadThreadDirectory reads the full routing table into memory. A missing
// or empty table is treated as an empty directory.
func LoadThreadDirectory(ctx context.Context, db *gorm.DB) (*ThreadDirectory, error) {
	rows, err := repo.ListThreadEntries(ctx, db)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*domain.ThreadEntry, len(rows))
	for i := range rows {
		e := rows[i]
		if e.Key == "" || e.InvoiceID == 0 {
			// Legacy-shaped row; skip rather than crash.
			log.Warn().Str("key", e.Key).Msg("skipping malformed thread entry")
			continue
		}
		m[e.Key] = &e
	}
	if len(m) > 0 {
		log.Info().Int("threads", len(m)).Msg("thread directory loaded")
	}
	return &ThreadDirectory{db: db, entries: m}, nil
}

// Lookup returns a copy of the entry for an invoice id, or nil.
func (d *ThreadDirectory) Lookup(invoiceID int64) *domain.ThreadEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[domain.ThreadKey(invoiceID)]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// Create records the routing entry for a freshly opened thread. Creating
// over an existing key is a logical bug; callers must Lookup first. The
// entry is persisted before it becomes visible in memory.
func (d *ThreadDirectory) Create(ctx context.Context, p *domain.Purchase, threadID int64, name string, channelIDs []int64) error {
	e := &domain.ThreadEntry{
		Key:        domain.ThreadKey(p.InvoiceID),
		InvoiceID:  p.InvoiceID,
		CustomerID: p.BuyerIdentity(),
		Email:      p.BuyerEmail,
		Account:    p.BuyerAccount,
		ThreadID:   threadID,
		ThreadName: name,
		CreatedAt:  time.Now().UTC(),
	}
	e.SetChannels(channelIDs)

	if err := repo.InsertThreadEntry(ctx, d.db, e); err != nil {
		return err
	}

	d.mu.Lock()
	d.entries[e.Key] = e
	d.mu.Unlock()
	return nil
}

// UpdateChannelIDs replaces the linked channel list of an entry.
func (d *ThreadDirectory) UpdateChannelIDs(ctx context.Context, key string, ids []int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok {
		return repo.ErrNotFound
	}
	e.SetChannels(ids)
	return repo.UpdateThreadChannels(ctx, d.db, key, e.ChannelIDs)
}

// TouchSearch records when channels were last searched for an entry.
func (d *ThreadDirectory) TouchSearch(ctx context.Context, key string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok {
		return repo.ErrNotFound
	}
	e.LastSearchAt = &at
	return repo.UpdateThreadSearchTime(ctx, d.db, key, at)
}

// Remove deletes an entry. Used when the platform reports the thread gone;
// the entry is recreated with a new thread id afterwards.
func (d *ThreadDirectory) Remove(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[key]; !ok {
		return nil
	}
	if err := repo.DeleteThreadEntry(ctx, d.db, key); err != nil {
		return err
	}
	delete(d.entries, key)
	return nil
}

// All returns a snapshot copy of every entry, most recently created first.
func (d *ThreadDirectory) All() []domain.ThreadEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.ThreadEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ByThreadID scans for the entry owning a platform thread id, or nil.
func (d *ThreadDirectory) ByThreadID(threadID int64) *domain.ThreadEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if e.ThreadID == threadID {
			cp := *e
			return &cp
		}
	}
	return nil
}

// ByIdentity scans for the first entry matching a buyer email, account, or
// synthetic customer id, or nil. Secondary index computed on demand.
func (d *ThreadDirectory) ByIdentity(identity string) *domain.ThreadEntry {
	if identity == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if e.Email == identity || e.Account == identity || e.CustomerID == identity {
			cp := *e
			return &cp
		}
	}
	return nil
}

// Len returns the number of routing entries.
func (d *ThreadDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
