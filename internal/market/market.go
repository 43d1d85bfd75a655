// Package market defines the purchase-source collaborator: the marketplace
// seller API the bridge polls for sales, buyer chat messages, and reviews,
// plus an HTTP client implementing it.
package market

import (
	"context"
	"time"
)

// Sale is one row of the recent-sales feed.
type Sale struct {
	InvoiceID int64 `json:"invoice_id"`
}

// Option is one configurable purchase option chosen by the buyer.
type Option struct {
	Name     string `json:"name"`
	UserData string `json:"user_data"`
}

// Detail is the full purchase record as returned by the marketplace,
// including buyer identity and chosen options.
type Detail struct {
	InvoiceID     int64
	ItemID        int64
	ContentID     int64
	CartUID       string
	Name          string
	Amount        float64
	Currency      string
	InvoiceState  int
	PurchaseDate  string
	DatePay       string
	BuyerEmail    string
	BuyerAccount  string
	BuyerPhone    string
	BuyerIP       string
	PaymentMethod string
	Options       []Option
}

// ChannelMessage is one message in a marketplace buyer-seller channel.
type ChannelMessage struct {
	ID        string
	Content   string
	Timestamp time.Time
}

// Review is one buyer review. Kind is "good" or "bad".
type Review struct {
	ID        int64
	InvoiceID int64
	Kind      string
	ItemName  string
	Date      string
	Text      string
}

// Source is the marketplace seller API surface the bridge consumes. Every
// method is context-aware and must carry its own request timeout.
type Source interface {
	// Authenticate refreshes the cached API token. Safe to call eagerly;
	// implementations decide whether the cached token is still fresh.
	Authenticate(ctx context.Context) error

	// ListRecentSales returns the newest sales, most recent first.
	ListRecentSales(ctx context.Context, limit int) ([]Sale, error)

	// GetPurchaseDetail fetches the full record for one invoice.
	GetPurchaseDetail(ctx context.Context, invoiceID int64) (*Detail, error)

	// SendBuyerMessage delivers text into the buyer chat of an invoice.
	SendBuyerMessage(ctx context.Context, invoiceID int64, text string) error

	// ListChannelMessages returns all messages of one channel.
	ListChannelMessages(ctx context.Context, channelID int64) ([]ChannelMessage, error)

	// FindChannelsByIdentity searches channels by buyer email or handle.
	FindChannelsByIdentity(ctx context.Context, identity string) ([]int64, error)

	// ListReviews returns one page of seller reviews.
	ListReviews(ctx context.Context, limit, page int) ([]Review, error)

	// ReviewByInvoice finds the review left for one invoice, or nil.
	ReviewByInvoice(ctx context.Context, invoiceID int64) (*Review, error)
}
