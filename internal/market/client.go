package market

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/dkarpov/go-sales-bridge/internal/config"
)

// maxBuyerMessageLen caps outbound chat messages; the marketplace rejects
// longer payloads.
const maxBuyerMessageLen = 4000

// reviewSearchPages bounds the paginated scan in ReviewByInvoice.
const reviewSearchPages = 20

// ErrAuthFailed is returned when the marketplace rejects the login
// signature. Treated as permanent by callers until credentials change.
var ErrAuthFailed = errors.New("marketplace authentication failed")

// Client is the HTTP implementation of Source. Authentication uses a
// SHA-256 signature over api-key+timestamp; the resulting token is cached
// for the configured validity window and refreshed on demand. Failed calls
// are retried once after a forced re-login, mirroring the marketplace's
// habit of invalidating tokens early.
type Client struct {
	cfg  config.MarketConfig
	http *http.Client

	mu       sync.Mutex
	token    string
	tokenAge time.Time
}

// NewClient builds a marketplace client from configuration.
func NewClient(cfg config.MarketConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// sign computes the hex SHA-256 of apiKey+timestamp.
func (c *Client) sign(timestamp string) string {
	sum := sha256.Sum256([]byte(c.cfg.APIKey + timestamp))
	return hex.EncodeToString(sum[:])
}

// Authenticate refreshes the cached token when it has aged past the
// validity window. Concurrent callers share one login round-trip.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Since(c.tokenAge) < c.cfg.AuthTTL {
		return nil
	}
	return c.loginLocked(ctx)
}

// loginLocked performs the signed login call. Caller holds c.mu.
func (c *Client) loginLocked(ctx context.Context) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	payload := map[string]any{
		"seller_id": c.cfg.SellerID,
		"timestamp": ts,
		"sign":      c.sign(ts),
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/apilogin", nil, payload, &out); err != nil {
		return fmt.Errorf("apilogin: %w", err)
	}
	if out.Token == "" {
		return ErrAuthFailed
	}
	c.token = out.Token
	c.tokenAge = time.Now()
	log.Debug().Msg("marketplace token refreshed")
	return nil
}

// currentToken returns the cached token, logging in first if absent.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

// forceLogin discards the cached token and logs in again.
func (c *Client) forceLogin(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

// getJSON performs a GET with query params and decodes the body.
func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	u := rawURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

// postJSON performs a POST with query params and a JSON body.
func (c *Client) postJSON(ctx context.Context, rawURL string, params url.Values, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	u := rawURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// withRetry runs fn with the cached token and retries once with a fresh
// token on failure.
func (c *Client) withRetry(ctx context.Context, fn func(token string) error) error {
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}
	if err := fn(token); err == nil {
		return nil
	}
	token, err = c.forceLogin(ctx)
	if err != nil {
		return err
	}
	return fn(token)
}

// salesEnvelope mirrors the seller-last-sales response shape.
type salesEnvelope struct {
	Retval int `json:"retval"`
	Sales  []struct {
		InvoiceID int64 `json:"invoice_id"`
	} `json:"sales"`
}

// ListRecentSales returns the newest sales, most recent first.
func (c *Client) ListRecentSales(ctx context.Context, limit int) ([]Sale, error) {
	var env salesEnvelope
	err := c.withRetry(ctx, func(token string) error {
		params := url.Values{"token": {token}, "top": {strconv.Itoa(limit)}}
		return c.getJSON(ctx, c.cfg.BaseURL+"/seller-last-sales", params, &env)
	})
	if err != nil {
		return nil, err
	}
	if env.Retval != 0 {
		return nil, fmt.Errorf("seller-last-sales: retval %d", env.Retval)
	}
	out := make([]Sale, 0, len(env.Sales))
	for _, s := range env.Sales {
		if s.InvoiceID != 0 {
			out = append(out, Sale{InvoiceID: s.InvoiceID})
		}
	}
	return out, nil
}

// detailEnvelope mirrors the purchase/info response shape.
type detailEnvelope struct {
	Retval  int `json:"retval"`
	Content struct {
		ItemID       int64       `json:"item_id"`
		ContentID    int64       `json:"content_id"`
		CartUID      string      `json:"cart_uid"`
		Name         string      `json:"name"`
		Amount       json.Number `json:"amount"`
		CurrencyType string      `json:"currency_type"`
		InvoiceState int         `json:"invoice_state"`
		PurchaseDate string      `json:"purchase_date"`
		DatePay      string      `json:"date_pay"`
		BuyerInfo    struct {
			Email         string `json:"email"`
			Account       string `json:"account"`
			Phone         string `json:"phone"`
			IPAddress     string `json:"ip_address"`
			PaymentMethod string `json:"payment_method"`
		} `json:"buyer_info"`
		Options []Option `json:"options"`
	} `json:"content"`
}

// GetPurchaseDetail fetches the full record for one invoice.
func (c *Client) GetPurchaseDetail(ctx context.Context, invoiceID int64) (*Detail, error) {
	var env detailEnvelope
	err := c.withRetry(ctx, func(token string) error {
		u := fmt.Sprintf("%s/purchase/info/%d", c.cfg.BaseURL, invoiceID)
		return c.getJSON(ctx, u, url.Values{"token": {token}}, &env)
	})
	if err != nil {
		return nil, err
	}
	if env.Retval != 0 {
		return nil, fmt.Errorf("purchase/info/%d: retval %d", invoiceID, env.Retval)
	}

	ct := env.Content
	amount, _ := ct.Amount.Float64()
	currency := ct.CurrencyType
	if currency == "" {
		currency = "USD"
	}
	return &Detail{
		InvoiceID:     invoiceID,
		ItemID:        ct.ItemID,
		ContentID:     ct.ContentID,
		CartUID:       ct.CartUID,
		Name:          ct.Name,
		Amount:        amount,
		Currency:      currency,
		InvoiceState:  ct.InvoiceState,
		PurchaseDate:  ct.PurchaseDate,
		DatePay:       ct.DatePay,
		BuyerEmail:    ct.BuyerInfo.Email,
		BuyerAccount:  ct.BuyerInfo.Account,
		BuyerPhone:    ct.BuyerInfo.Phone,
		BuyerIP:       ct.BuyerInfo.IPAddress,
		PaymentMethod: ct.BuyerInfo.PaymentMethod,
		Options:       ct.Options,
	}, nil
}

// SendBuyerMessage delivers text into the buyer chat of an invoice.
func (c *Client) SendBuyerMessage(ctx context.Context, invoiceID int64, text string) error {
	if utf8.RuneCountInString(text) > maxBuyerMessageLen {
		text = string([]rune(text)[:maxBuyerMessageLen])
	}

	var env struct {
		Retval int `json:"retval"`
	}
	err := c.withRetry(ctx, func(token string) error {
		params := url.Values{"token": {token}, "id_i": {strconv.FormatInt(invoiceID, 10)}}
		return c.postJSON(ctx, c.cfg.BaseURL+"/debates/v2", params, map[string]string{"message": text}, &env)
	})
	if err != nil {
		return err
	}
	if env.Retval != 0 {
		return fmt.Errorf("debates/v2 send: retval %d", env.Retval)
	}
	return nil
}

// ListChannelMessages returns all messages of one channel. The upstream
// payload shape varies; both a bare array and a {"messages": [...]} wrapper
// are accepted, and several timestamp field names and formats are tried.
func (c *Client) ListChannelMessages(ctx context.Context, channelID int64) ([]ChannelMessage, error) {
	var raw json.RawMessage
	err := c.withRetry(ctx, func(token string) error {
		params := url.Values{"token": {token}, "id_i": {strconv.FormatInt(channelID, 10)}}
		return c.getJSON(ctx, c.cfg.BaseURL+"/debates/v2", params, &raw)
	})
	if err != nil {
		return nil, err
	}

	type wireMessage struct {
		ID        json.Number `json:"id"`
		Message   string      `json:"message"`
		Text      string      `json:"text"`
		Content   string      `json:"content"`
		Timestamp string      `json:"timestamp"`
		CreatedAt string      `json:"created_at"`
		Date      string      `json:"date"`
	}

	var items []wireMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var wrapper struct {
			Messages []wireMessage `json:"messages"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("debates/v2: malformed response: %w", err)
		}
		items = wrapper.Messages
	}

	out := make([]ChannelMessage, 0, len(items))
	for _, m := range items {
		content := m.Message
		if content == "" {
			content = m.Text
		}
		if content == "" {
			content = m.Content
		}
		id := m.ID.String()
		if id == "" || content == "" {
			continue
		}
		ts := m.Timestamp
		if ts == "" {
			ts = m.CreatedAt
		}
		if ts == "" {
			ts = m.Date
		}
		out = append(out, ChannelMessage{ID: id, Content: content, Timestamp: parseUpstreamTime(ts)})
	}
	return out, nil
}

// parseUpstreamTime parses the marketplace's assorted timestamp formats,
// falling back to now for unparseable values.
func parseUpstreamTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	s = strings.Replace(s, "Z", "+00:00", 1)
	for _, layout := range []string{
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// FindChannelsByIdentity searches buyer-seller channels by email or handle.
func (c *Client) FindChannelsByIdentity(ctx context.Context, identity string) ([]int64, error) {
	var env struct {
		Items []struct {
			IDI int64 `json:"id_i"`
		} `json:"items"`
	}
	err := c.withRetry(ctx, func(token string) error {
		params := url.Values{
			"token":    {token},
			"email":    {identity},
			"pagesize": {"100"},
			"page":     {"1"},
		}
		return c.getJSON(ctx, c.cfg.BaseURL+"/debates/v2/chats", params, &env)
	})
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(env.Items))
	for _, it := range env.Items {
		if it.IDI != 0 {
			out = append(out, it.IDI)
		}
	}
	return out, nil
}

// reviewsEnvelope mirrors the reviews response shape.
type reviewsEnvelope struct {
	Retval  int `json:"retval"`
	Reviews []struct {
		ID        int64  `json:"id"`
		InvoiceID int64  `json:"invoice_id"`
		Type      string `json:"type"`
		Name      string `json:"name"`
		Date      string `json:"date"`
		Info      string `json:"info"`
		Text      string `json:"text"`
	} `json:"reviews"`
}

// ListReviews returns one page of seller reviews.
func (c *Client) ListReviews(ctx context.Context, limit, page int) ([]Review, error) {
	var env reviewsEnvelope
	err := c.withRetry(ctx, func(token string) error {
		params := url.Values{
			"token": {token},
			"type":  {"all"},
			"count": {strconv.Itoa(limit)},
			"page":  {strconv.Itoa(page)},
		}
		return c.getJSON(ctx, c.cfg.BaseURL+"/reviews", params, &env)
	})
	if err != nil {
		return nil, err
	}
	if env.Retval != 0 {
		return nil, fmt.Errorf("reviews: retval %d", env.Retval)
	}

	out := make([]Review, 0, len(env.Reviews))
	for _, r := range env.Reviews {
		kind := r.Type
		if kind == "" {
			kind = "good"
		}
		text := r.Info
		if text == "" {
			text = r.Text
		}
		out = append(out, Review{
			ID:        r.ID,
			InvoiceID: r.InvoiceID,
			Kind:      kind,
			ItemName:  r.Name,
			Date:      r.Date,
			Text:      text,
		})
	}
	return out, nil
}

// ReviewByInvoice scans review pages for the review of one invoice.
func (c *Client) ReviewByInvoice(ctx context.Context, invoiceID int64) (*Review, error) {
	for page := 1; page <= reviewSearchPages; page++ {
		reviews, err := c.ListReviews(ctx, 50, page)
		if err != nil {
			return nil, err
		}
		if len(reviews) == 0 {
			return nil, nil
		}
		for i := range reviews {
			if reviews[i].InvoiceID == invoiceID {
				return &reviews[i], nil
			}
		}
	}
	return nil, nil
}
