// Package pipeline implements the delivery operations that move purchases
// and messages between the marketplace and the messaging platform: thread
// creation with the purchase summary, inbound message delivery under the
// at-most-once ledger, outbound operator relays, and review notes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkarpov/go-sales-bridge/internal/config"
	"github.com/dkarpov/go-sales-bridge/internal/domain"
	"github.com/dkarpov/go-sales-bridge/internal/governor"
	"github.com/dkarpov/go-sales-bridge/internal/market"
	"github.com/dkarpov/go-sales-bridge/internal/messenger"
	"github.com/dkarpov/go-sales-bridge/internal/observability"
	"github.com/dkarpov/go-sales-bridge/internal/registry"
	"github.com/dkarpov/go-sales-bridge/internal/rules"
)

// Pipeline wires the collaborators for delivery operations. All methods
// are safe for concurrent use; persistence and throttling are delegated to
// the registries and the Governor.
type Pipeline struct {
	cfg       config.MessengerConfig
	source    market.Source
	bot       messenger.Messenger
	purchases *registry.PurchaseRegistry
	threads   *registry.ThreadDirectory
	ledger    *registry.DedupLedger
	rules     *rules.Set
	gov       *governor.Governor
}

// New builds a Pipeline.
func New(
	cfg config.MessengerConfig,
	source market.Source,
	bot messenger.Messenger,
	purchases *registry.PurchaseRegistry,
	threads *registry.ThreadDirectory,
	ledger *registry.DedupLedger,
	ruleSet *rules.Set,
	gov *governor.Governor,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		source:    source,
		bot:       bot,
		purchases: purchases,
		threads:   threads,
		ledger:    ledger,
		rules:     ruleSet,
		gov:       gov,
	}
}

// threadName builds the display name "<invoice> | <identity>", clipped to
// the platform limit.
func (p *Pipeline) threadName(purchase *domain.Purchase) string {
	name := fmt.Sprintf("💬 %d | %s", purchase.InvoiceID, purchase.BuyerIdentity())
	runes := []rune(name)
	if len(runes) > p.cfg.NameMaxLen {
		name = string(runes[:p.cfg.NameMaxLen])
	}
	return name
}

// CreateThreadForPurchase opens the conversation thread for a purchase and
// posts the summary. Throttled or backpressured attempts are queued for a
// later tick; failures start the invoice's failure cooldown. Recreation
// after thread loss passes skipGreeting so the buyer is not greeted twice.
func (p *Pipeline) CreateThreadForPurchase(ctx context.Context, purchase *domain.Purchase, skipGreeting bool) error {
	if p.gov.InFailureCooldown(purchase.InvoiceID) {
		return nil
	}
	if p.threads.Lookup(purchase.InvoiceID) != nil {
		return nil
	}

	name := p.threadName(purchase)

	var threadID int64
	err := p.gov.Attempt(ctx, governor.OpThreadCreate, func(ctx context.Context) error {
		id, err := p.bot.CreateThread(ctx, name)
		threadID = id
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, governor.ErrThrottled) || messenger.IsBackpressure(err):
		if messenger.IsBackpressure(err) {
			observability.BackpressureEvents.WithLabelValues(governor.OpThreadCreate.String()).Inc()
		}
		p.gov.Queue().EnqueueThread(*purchase, skipGreeting)
		log.Info().Int64("invoice_id", purchase.InvoiceID).Msg("thread creation deferred")
		return nil
	default:
		p.gov.RecordFailure(purchase.InvoiceID)
		return fmt.Errorf("create thread for invoice %d: %w", purchase.InvoiceID, err)
	}

	// The buyer chat's channel id equals the invoice id upstream, so the
	// entry is linked immediately without an identity search.
	if err := p.threads.Create(ctx, purchase, threadID, name, []int64{purchase.InvoiceID}); err != nil {
		return fmt.Errorf("record thread entry for invoice %d: %w", purchase.InvoiceID, err)
	}
	observability.ThreadsCreated.Inc()
	p.gov.ClearFailure(purchase.InvoiceID)
	log.Info().Int64("invoice_id", purchase.InvoiceID).Int64("thread_id", threadID).Msg("thread created")

	p.postSummary(ctx, threadID, purchase, skipGreeting)

	if !skipGreeting {
		p.runOptionRules(ctx, purchase, threadID)
		p.sendGreeting(ctx, purchase.InvoiceID, threadID)
	}
	return nil
}

// postSummary posts the purchase summary as the thread's first message.
func (p *Pipeline) postSummary(ctx context.Context, threadID int64, purchase *domain.Purchase, recreated bool) {
	header := "🛒 Новая покупка"
	if recreated {
		header = "🛒 Восстановлен топик"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", header)
	fmt.Fprintf(&b, "🧾 Invoice: %d\n", purchase.InvoiceID)
	fmt.Fprintf(&b, "📦 %s\n", purchase.Name)
	fmt.Fprintf(&b, "💰 %v %s\n", purchase.Amount, purchase.Currency)
	email := purchase.BuyerEmail
	if email == "" {
		email = "N/A"
	}
	fmt.Fprintf(&b, "📧 %s\n", email)
	if purchase.BuyerAccount != "" {
		fmt.Fprintf(&b, "👤 %s\n", purchase.BuyerAccount)
	}
	if purchase.PaymentMethod != "" {
		fmt.Fprintf(&b, "💳 %s\n", purchase.PaymentMethod)
	}
	if ds := formatPurchaseDate(purchase.PurchaseDate); ds != "" {
		fmt.Fprintf(&b, "📅 %s\n", ds)
	}

	if detail, err := p.source.GetPurchaseDetail(ctx, purchase.InvoiceID); err == nil && len(detail.Options) > 0 {
		b.WriteString("\n⚙️ Опции:\n")
		for _, opt := range detail.Options {
			fmt.Fprintf(&b, "• %s: %s\n", opt.Name, opt.UserData)
		}
	}

	p.postToThread(ctx, threadID, b.String())
}

// formatPurchaseDate renders an upstream timestamp as dd.mm.yyyy hh:mm,
// passing unparseable values through verbatim.
func formatPurchaseDate(raw string) string {
	if raw == "" {
		return ""
	}
	s := strings.TrimSuffix(raw, "+03:00")
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("02.01.2006 15:04")
		}
	}
	return raw
}

// runOptionRules fires configured option rules for a fresh purchase.
func (p *Pipeline) runOptionRules(ctx context.Context, purchase *domain.Purchase, threadID int64) {
	detail, err := p.source.GetPurchaseDetail(ctx, purchase.InvoiceID)
	if err != nil || len(detail.Options) == 0 {
		return
	}
	opts := make([]rules.PurchaseOption, 0, len(detail.Options))
	for _, o := range detail.Options {
		opts = append(opts, rules.PurchaseOption{Name: o.Name, Value: o.UserData})
	}

	for _, action := range p.rules.MatchOptions(opts) {
		if action.SendToThread && action.ThreadMessage != "" {
			p.postToThread(ctx, threadID, "🎯 "+action.ThreadMessage)
		}
		if action.SendToBuyer && action.BuyerMessage != "" {
			if err := p.source.SendBuyerMessage(ctx, purchase.InvoiceID, action.BuyerMessage); err != nil {
				log.Error().Err(err).Int64("invoice_id", purchase.InvoiceID).Msg("option rule buyer message failed")
				continue
			}
			p.postToThread(ctx, threadID, "📤 "+action.BuyerMessage)
		}
	}
}

// sendGreeting greets the buyer and mirrors the greeting into the thread.
func (p *Pipeline) sendGreeting(ctx context.Context, invoiceID, threadID int64) {
	greeting, ok := p.rules.Greeting()
	if !ok {
		return
	}
	if err := p.source.SendBuyerMessage(ctx, invoiceID, greeting); err != nil {
		log.Error().Err(err).Int64("invoice_id", invoiceID).Msg("greeting failed")
		return
	}
	p.postToThread(ctx, threadID, "📤 "+greeting)
}

// DeliverInbound relays one buyer message into the thread. Returns true
// when the message was new. Delivery is at-most-once: the ledger is
// checked first, and the delivered flag is set before any trigger side
// effects run, so a crash can drop a trigger reply but never duplicate the
// relayed message.
func (p *Pipeline) DeliverInbound(ctx context.Context, channelID int64, threadID int64, msg market.ChannelMessage) bool {
	if msg.ID == "" || msg.Content == "" {
		return false
	}
	if p.ledger.Seen(channelID, msg.ID) {
		observability.DedupHits.Inc()
		return false
	}
	if !p.ledger.Observe(ctx, channelID, msg.ID, msg.Content, msg.Timestamp) {
		return false
	}

	log.Info().Int64("channel_id", channelID).Str("message_id", msg.ID).Msg("new buyer message")

	if !p.sendTracked(ctx, threadID, msg.Content, channelID, msg.ID) {
		result := "retryable"
		if p.ledger.Delivered(channelID, msg.ID) {
			// Permanently dropped: marked processed without a post.
			result = "permanent"
		}
		observability.Deliveries.WithLabelValues("inbound", result).Inc()
		return true
	}
	observability.Deliveries.WithLabelValues("inbound", "ok").Inc()

	p.runTriggers(ctx, channelID, threadID, msg.Content)
	return true
}

// runTriggers applies phrase triggers to a delivered buyer message.
func (p *Pipeline) runTriggers(ctx context.Context, channelID, threadID int64, content string) {
	reply := p.rules.Match(content)
	if reply == nil {
		return
	}

	if reply.Response != "" {
		if err := p.source.SendBuyerMessage(ctx, channelID, reply.Response); err != nil {
			log.Error().Err(err).Int64("channel_id", channelID).Msg("trigger reply failed")
		} else {
			p.postToThread(ctx, threadID, reply.Response)
		}
	}

	if reply.Notify {
		note := reply.NotifyText
		if note == "" {
			note = "🔔 Требуется ответ!"
		}
		if entry := p.threads.ByThreadID(threadID); entry != nil {
			email := entry.Email
			if email == "" {
				email = "N/A"
			}
			note += fmt.Sprintf("\n📧 %s\n🆔 %d", email, entry.InvoiceID)
		}
		p.postToThread(ctx, threadID, note)
	}
}

// DeliverOutbound relays an operator message from the thread to the buyer
// chat. Success is acknowledged with a reaction on the operator's message;
// failure is posted back into the thread.
func (p *Pipeline) DeliverOutbound(ctx context.Context, invoiceID, threadID, messageID int64, text string) error {
	if err := p.source.SendBuyerMessage(ctx, invoiceID, text); err != nil {
		observability.Deliveries.WithLabelValues("outbound", "retryable").Inc()
		p.postToThread(ctx, threadID, "❌ Ошибка отправки")
		return fmt.Errorf("relay to buyer chat %d: %w", invoiceID, err)
	}
	observability.Deliveries.WithLabelValues("outbound", "ok").Inc()

	if err := p.bot.ReactTo(ctx, threadID, messageID, "🔥"); err != nil {
		log.Debug().Err(err).Int64("thread_id", threadID).Msg("ack reaction failed")
	}
	return nil
}

// PostReview posts a review note into the purchase's thread and, when
// configured, auto-responds to the buyer.
func (p *Pipeline) PostReview(ctx context.Context, entry *domain.ThreadEntry, review market.Review, updated bool) {
	emoji, typeText := "👍", "Положительный"
	if review.Kind == "bad" {
		emoji, typeText = "👎", "Отрицательный"
	}

	prefix := emoji + " Новый отзыв!"
	if updated {
		prefix = "✏️ Отзыв изменён! " + emoji
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n📊 Тип: %s\n", prefix, typeText)
	if review.ItemName != "" {
		fmt.Fprintf(&b, "📦 %s\n", review.ItemName)
	}
	if review.Date != "" {
		fmt.Fprintf(&b, "📅 %s\n", review.Date)
	}
	if review.Text != "" {
		fmt.Fprintf(&b, "\n💬 %s", review.Text)
	}
	p.postToThread(ctx, entry.ThreadID, b.String())
	observability.ReviewsRelayed.WithLabelValues(review.Kind).Inc()

	if response := p.rules.ReviewReply(review.Kind); response != "" {
		if err := p.source.SendBuyerMessage(ctx, entry.InvoiceID, response); err != nil {
			log.Error().Err(err).Int64("invoice_id", entry.InvoiceID).Msg("review auto-response failed")
			return
		}
		p.postToThread(ctx, entry.ThreadID, "📤 "+response)
	}
}

// postToThread posts text into a thread under the Governor. Throttled or
// backpressured posts are queued for replay.
func (p *Pipeline) postToThread(ctx context.Context, threadID int64, text string) bool {
	return p.sendTracked(ctx, threadID, text, domain.GlobalChannel, "")
}

// sendTracked posts text into a thread and, when the post carries an
// inbound message identity, marks the ledger delivered on success.
func (p *Pipeline) sendTracked(ctx context.Context, threadID int64, text string, channelID int64, messageID string) bool {
	if messageID != "" && p.ledger.Delivered(channelID, messageID) {
		return true
	}

	err := p.gov.Attempt(ctx, governor.OpMessageSend, func(ctx context.Context) error {
		return p.bot.PostMessage(ctx, threadID, text)
	})
	if err == nil {
		if messageID != "" {
			p.ledger.MarkDelivered(ctx, channelID, messageID)
		}
		return true
	}

	if errors.Is(err, governor.ErrThrottled) || messenger.IsBackpressure(err) {
		if messenger.IsBackpressure(err) {
			observability.BackpressureEvents.WithLabelValues(governor.OpMessageSend.String()).Inc()
		}
		p.gov.Queue().EnqueueSend(governor.SendItem{
			Text:      text,
			ThreadID:  threadID,
			ChannelID: channelID,
			MessageID: messageID,
		})
		return false
	}

	if messenger.IsPermanent(err) {
		// Retrying cannot fix this. Mark the identity processed so the
		// message is not reattempted every sweep.
		if messageID != "" {
			p.ledger.MarkDelivered(ctx, channelID, messageID)
		}
		log.Error().Err(err).Int64("thread_id", threadID).Msg("permanent post failure, dropping message")
		return false
	}

	// Transient failure. The identity is already in the ledger, so a later
	// sweep will not redeliver it; queue the post for the next drain
	// instead of dropping it.
	log.Error().Err(err).Int64("thread_id", threadID).Msg("thread post failed, queued for retry")
	p.gov.Queue().EnqueueSend(governor.SendItem{
		Text:      text,
		ThreadID:  threadID,
		ChannelID: channelID,
		MessageID: messageID,
	})
	return false
}

// ReplaySend retries one queued send item. Used by the queue drain step.
func (p *Pipeline) ReplaySend(ctx context.Context, item governor.SendItem) bool {
	return p.sendTracked(ctx, item.ThreadID, item.Text, item.ChannelID, item.MessageID)
}
