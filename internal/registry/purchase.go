// Package registry implements the durable in-memory registries owning the
// bridge's state: processed purchases, the purchase -> thread routing table,
// and the at-most-once delivery ledger. Each registry loads its full record
// set at startup, serves reads from memory, and persists every mutation
// through the repo layer. All durable records are owned exclusively by their
// registry; no other component touches the backing store directly.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dkarpov/go-sales-bridge/internal/domain"
	"github.com/dkarpov/go-sales-bridge/internal/repo"
)

// PurchaseRegistry answers "have I already processed this purchase?" and
// stores the immutable purchase record set. History is append-only: there
// is no update or delete operation.
type PurchaseRegistry struct {
	db *gorm.DB

	mu        sync.RWMutex
	purchases map[int64]*domain.Purchase
}

// LoadPurchaseRegistry reads the full purchase table into memory. A missing
// or empty table is treated as an empty registry.
func LoadPurchaseRegistry(ctx context.Context, db *gorm.DB) (*PurchaseRegistry, error) {
	rows, err := repo.ListPurchases(ctx, db)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]*domain.Purchase, len(rows))
	for i := range rows {
		p := rows[i]
		m[p.InvoiceID] = &p
	}
	if len(m) > 0 {
		log.Info().Int("purchases", len(m)).Msg("purchase registry loaded")
	}
	return &PurchaseRegistry{db: db, purchases: m}, nil
}

// IsKnown reports whether the invoice id has already been recorded.
func (r *PurchaseRegistry) IsKnown(invoiceID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.purchases[invoiceID]
	return ok
}

// Record persists a purchase and reports whether it was newly created.
// Recording an invoice id that already exists is a silent no-op returning
// false: the insert is idempotent by contract.
func (r *PurchaseRegistry) Record(ctx context.Context, p *domain.Purchase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.purchases[p.InvoiceID]; ok {
		return false
	}
	if err := repo.InsertPurchase(ctx, r.db, p); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// Row exists but was not cached; adopt it.
			r.purchases[p.InvoiceID] = p
			return false
		}
		log.Error().Err(err).Int64("invoice_id", p.InvoiceID).Msg("purchase insert failed")
		return false
	}
	r.purchases[p.InvoiceID] = p
	return true
}

// Get returns a copy of the recorded purchase for an invoice id, or nil.
// Purchases are immutable once recorded; callers never see internal state.
func (r *PurchaseRegistry) Get(invoiceID int64) *domain.Purchase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.purchases[invoiceID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// InvoiceIDs returns the set of all recorded invoice ids. Used for
// reconciliation against the upstream sales feed.
func (r *PurchaseRegistry) InvoiceIDs() map[int64]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]struct{}, len(r.purchases))
	for id := range r.purchases {
		out[id] = struct{}{}
	}
	return out
}

// Len returns the number of recorded purchases.
func (r *PurchaseRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.purchases)
}
