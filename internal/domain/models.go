// Package domain defines the persistence models for purchases, thread
// entries, and the delivery dedup ledger. These types are mapped with GORM
// and form the durable data layer of the bridge.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// GlobalChannel is the sentinel channel id used for dedup records whose
// source cannot be attributed to a specific marketplace channel.
const GlobalChannel int64 = 0

// Purchase represents one completed marketplace transaction. Records are
// append-only: a purchase is written once when first sighted and never
// updated afterwards.
//
// Fields:
//   - InvoiceID: marketplace invoice number, globally unique primary key.
//   - ItemID / ContentID: identifiers of the sold item and its content.
//   - Name: item display name.
//   - Amount / Currency: paid amount and ISO currency code.
//   - PurchaseDate / DatePay: marketplace-side timestamps (verbatim strings,
//     the upstream format varies by payment provider).
//   - BuyerEmail / BuyerAccount / BuyerPhone / BuyerIP: buyer identity,
//     any of which may be empty.
//   - Partial: set when the detail fetch failed and only the invoice id is
//     known; such records exist solely to stop reattempt storms.
//   - ProcessedAt: when the bridge first recorded the purchase.
type Purchase struct {
	InvoiceID     int64     `json:"invoice_id"     gorm:"primaryKey;autoIncrement:false"`
	ItemID        int64     `json:"item_id"        gorm:"not null;default:0"`
	ContentID     int64     `json:"content_id"     gorm:"not null;default:0"`
	CartUID       string    `json:"cart_uid"       gorm:"type:varchar(64)"`
	Name          string    `json:"name"           gorm:"type:varchar(255)"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"       gorm:"type:varchar(8)"`
	InvoiceState  int       `json:"invoice_state"`
	PurchaseDate  string    `json:"purchase_date"  gorm:"type:varchar(64)"`
	DatePay       string    `json:"date_pay"       gorm:"type:varchar(64)"`
	BuyerEmail    string    `json:"buyer_email"    gorm:"type:varchar(255);index"`
	BuyerAccount  string    `json:"buyer_account"  gorm:"type:varchar(255)"`
	BuyerPhone    string    `json:"buyer_phone"    gorm:"type:varchar(64)"`
	BuyerIP       string    `json:"buyer_ip"       gorm:"type:varchar(64)"`
	PaymentMethod string    `json:"payment_method" gorm:"type:varchar(64)"`
	Partial       bool      `json:"partial"        gorm:"not null;default:false"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// TableName returns the database table name for Purchase.
func (Purchase) TableName() string { return "purchases" }

// PartialPurchase builds a placeholder record carrying only the invoice id.
// Used when the detail fetch failed permanently so the invoice is still
// marked as seen.
func PartialPurchase(invoiceID int64) *Purchase {
	return &Purchase{
		InvoiceID:   invoiceID,
		Name:        "Unknown",
		Currency:    "USD",
		Partial:     true,
		ProcessedAt: time.Now().UTC(),
	}
}

// BuyerIdentity returns the best available identity for display and channel
// search: email first, then account handle, then a synthetic fallback.
func (p *Purchase) BuyerIdentity() string {
	if p.BuyerEmail != "" {
		return p.BuyerEmail
	}
	if p.BuyerAccount != "" {
		return p.BuyerAccount
	}
	return fmt.Sprintf("customer_%d", p.InvoiceID)
}

// ThreadEntry maps one purchase to its platform conversation thread. There
// is at most one entry per invoice id, keyed by "purchase_<invoice>"; thread
// ids are unique across entries (the platform guarantees this). Only the
// channel list, name, and search timestamp mutate in place; recreation after
// thread loss deletes and re-inserts the row with a new thread id.
type ThreadEntry struct {
	Key          string     `json:"key"           gorm:"type:varchar(64);primaryKey"`
	InvoiceID    int64      `json:"invoice_id"    gorm:"not null;uniqueIndex"`
	CustomerID   string     `json:"customer_id"   gorm:"type:varchar(255)"`
	Email        string     `json:"email"         gorm:"type:varchar(255)"`
	Account      string     `json:"account"       gorm:"type:varchar(255)"`
	ThreadID     int64      `json:"thread_id"     gorm:"not null;uniqueIndex"`
	ThreadName   string     `json:"thread_name"   gorm:"type:varchar(255)"`
	ChannelIDs   string     `json:"channel_ids"   gorm:"type:text"` // JSON-encoded []int64
	CreatedAt    time.Time  `json:"created_at"`
	LastSearchAt *time.Time `json:"last_search_at,omitempty"`
}

// TableName returns the database table name for ThreadEntry.
func (ThreadEntry) TableName() string { return "thread_entries" }

// ThreadKey builds the directory key for an invoice id.
func ThreadKey(invoiceID int64) string {
	return fmt.Sprintf("purchase_%d", invoiceID)
}

// Channels decodes the linked channel-id list. A malformed or empty column
// yields nil rather than an error; the list is advisory.
func (e *ThreadEntry) Channels() []int64 {
	if e.ChannelIDs == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(e.ChannelIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// SetChannels encodes the linked channel-id list.
func (e *ThreadEntry) SetChannels(ids []int64) {
	if len(ids) == 0 {
		e.ChannelIDs = ""
		return
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return
	}
	e.ChannelIDs = string(b)
}

// DedupRecord is the at-most-once ledger entry for one delivered message
// identity (channel_id, message_id). Content and timestamps are immutable
// once written; the two delivery flags only ever transition false -> true.
//
//   - StoredAt/Stored: the message content was persisted for audit.
//   - DeliveredAt/Delivered: the message was posted to the platform thread.
type DedupRecord struct {
	ID          uint       `json:"-"            gorm:"primaryKey"`
	ChannelID   int64      `json:"channel_id"   gorm:"not null;uniqueIndex:ux_channel_message,priority:1"`
	MessageID   string     `json:"message_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_channel_message,priority:2"`
	Content     string     `json:"content"      gorm:"type:text"`
	Timestamp   time.Time  `json:"timestamp"`
	ProcessedAt time.Time  `json:"processed_at"`
	Stored      bool       `json:"stored"       gorm:"not null;default:false"`
	StoredAt    *time.Time `json:"stored_at,omitempty"`
	Delivered   bool       `json:"delivered"    gorm:"not null;default:false"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// TableName returns the database table name for DedupRecord.
func (DedupRecord) TableName() string { return "dedup_records" }
