// Package reconcile runs the periodic reconciliation loop that keeps the
// messaging platform in step with the marketplace: replaying deferred
// work, discovering new purchases, polling buyer channels for messages,
// verifying thread existence, and relaying reviews.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dkarpov/go-sales-bridge/internal/config"
	"github.com/dkarpov/go-sales-bridge/internal/domain"
	"github.com/dkarpov/go-sales-bridge/internal/governor"
	"github.com/dkarpov/go-sales-bridge/internal/market"
	"github.com/dkarpov/go-sales-bridge/internal/messenger"
	"github.com/dkarpov/go-sales-bridge/internal/observability"
	"github.com/dkarpov/go-sales-bridge/internal/pipeline"
	"github.com/dkarpov/go-sales-bridge/internal/registry"
)

// salesPollInterval is how often the recent-sales feed is polled; the
// cadence is expressed in ticks at runtime.
const salesPollInterval = 30 * time.Second

// detailSkipWindow is how long an invoice is skipped after a failed
// detail fetch before the poller reattempts it.
const detailSkipWindow = 10 * time.Minute

// probeDelay spaces out thread-existence probes.
const probeDelay = 500 * time.Millisecond

// channelSearchInterval bounds how often one entry's buyer identity is
// searched for additional chat channels.
const channelSearchInterval = 6 * time.Hour

// reviewPages bounds the paginated review scan per poll.
const reviewPages = 5

// Reconciler drives the tick loop. One instance runs per process.
type Reconciler struct {
	cfg    config.SchedulerConfig
	market config.MarketConfig

	source    market.Source
	bot       messenger.Messenger
	purchases *registry.PurchaseRegistry
	threads   *registry.ThreadDirectory
	pipe      *pipeline.Pipeline
	gov       *governor.Governor

	sem     *semaphore.Weighted
	reviews *reviewTracker
	tracer  trace.Tracer

	chanMu    sync.Mutex
	chanLocks map[int64]*sync.Mutex

	skipMu    sync.Mutex
	skipUntil map[int64]time.Time

	// consecutive detail-fetch failures per invoice; two in a row record
	// a placeholder purchase to stop the reattempt storm.
	failCounts map[int64]int

	tick int
}

// New builds a Reconciler.
func New(
	cfg config.SchedulerConfig,
	marketCfg config.MarketConfig,
	reviewsPath string,
	source market.Source,
	bot messenger.Messenger,
	purchases *registry.PurchaseRegistry,
	threads *registry.ThreadDirectory,
	pipe *pipeline.Pipeline,
	gov *governor.Governor,
) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		market:     marketCfg,
		source:     source,
		bot:        bot,
		purchases:  purchases,
		threads:    threads,
		pipe:       pipe,
		gov:        gov,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		reviews:    newReviewTracker(reviewsPath),
		tracer:     otel.Tracer("reconcile"),
		chanLocks:  make(map[int64]*sync.Mutex),
		skipUntil:  make(map[int64]time.Time),
		failCounts: make(map[int64]int),
	}
}

// Run executes the tick loop until ctx is cancelled. Ticks run to
// completion; cancellation is honored between ticks so in-flight work
// finishes inside its own bounded deadlines.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Info().
		Dur("tick", r.cfg.TickInterval).
		Int("threads", r.threads.Len()).
		Int("purchases", r.purchases.Len()).
		Msg("reconciliation loop starting")

	// Prime state before the first tick: verify threads against the
	// platform and catch up on purchases missed while down.
	r.fullSync(ctx)
	r.checkReviews(ctx)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciliation loop stopped")
			return nil
		case <-ticker.C:
			r.runTick(ctx)
		}
	}
}

// runTick executes one reconciliation tick. Step failures are logged and
// never abort the tick; the next tick retries.
func (r *Reconciler) runTick(ctx context.Context) {
	r.tick++
	tickCtx, span := r.tracer.Start(ctx, "tick", trace.WithAttributes(attribute.Int("tick", r.tick)))
	defer span.End()
	defer observability.Ticks.Inc()
	defer r.publishQueueDepth()

	r.drainSends(tickCtx)
	r.drainThreads(tickCtx)

	if err := r.source.Authenticate(tickCtx); err != nil {
		log.Error().Err(err).Msg("marketplace auth failed, skipping tick")
		return
	}

	if r.every(r.ticksFor(salesPollInterval)) {
		r.pollSales(tickCtx)
	}

	cold := r.every(r.cfg.ColdEvery)
	r.checkMessages(tickCtx, cold)
	if cold {
		r.searchChannels(tickCtx)
	}

	if r.every(r.cfg.VerifyEvery) {
		r.verifyThreads(tickCtx)
	}
	if r.every(r.cfg.ReviewEvery) {
		r.checkReviews(tickCtx)
	}
	if r.every(r.cfg.FullSyncEvery) {
		r.fullSync(tickCtx)
	}
}

func (r *Reconciler) every(n int) bool {
	if n < 1 {
		n = 1
	}
	return r.tick%n == 0
}

// ticksFor converts a wall-clock cadence into a tick count.
func (r *Reconciler) ticksFor(d time.Duration) int {
	n := int(d / r.cfg.TickInterval)
	if n < 1 {
		n = 1
	}
	return n
}

func (r *Reconciler) publishQueueDepth() {
	threads, sends := r.gov.Queue().Depth()
	observability.QueueDepth.WithLabelValues("threads").Set(float64(threads))
	observability.QueueDepth.WithLabelValues("sends").Set(float64(sends))
}

// drainSends replays queued message posts. Items younger than the retry
// grace go back untouched; the drain stops as soon as flood control
// re-engages.
func (r *Reconciler) drainSends(ctx context.Context) {
	if r.gov.Throttled(governor.OpMessageSend) {
		return
	}
	items := r.gov.Queue().TakeSends()
	if len(items) == 0 {
		return
	}
	log.Info().Int("count", len(items)).Msg("replaying queued sends")

	for i, item := range items {
		if !r.gov.Mature(item.QueuedAt) {
			r.gov.Queue().RequeueSends(items[i : i+1])
			continue
		}
		r.pipe.ReplaySend(ctx, item)
		if r.gov.Throttled(governor.OpMessageSend) {
			r.gov.Queue().RequeueSends(items[i+1:])
			return
		}
	}
}

// drainThreads replays queued thread creations with inter-item pacing.
func (r *Reconciler) drainThreads(ctx context.Context) {
	if r.gov.Throttled(governor.OpThreadCreate) {
		return
	}
	items := r.gov.Queue().TakeThreads()
	if len(items) == 0 {
		return
	}
	log.Info().Int("count", len(items)).Msg("replaying queued thread creations")

	for i, item := range items {
		if !r.gov.Mature(item.QueuedAt) {
			r.gov.Queue().RequeueThreads(items[i : i+1])
			continue
		}
		purchase := item.Purchase
		if err := r.pipe.CreateThreadForPurchase(ctx, &purchase, item.SkipGreeting); err != nil {
			log.Error().Err(err).Int64("invoice_id", purchase.InvoiceID).Msg("queued thread creation failed")
		}
		if r.gov.Throttled(governor.OpThreadCreate) {
			r.gov.Queue().RequeueThreads(items[i+1:])
			return
		}
		if i < len(items)-1 && !sleepCtx(ctx, r.cfg.ItemDelay) {
			r.gov.Queue().RequeueThreads(items[i+1:])
			return
		}
	}
}

// pollSales fetches the recent-sales feed and processes unknown invoices.
func (r *Reconciler) pollSales(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "poll_sales")
	defer span.End()

	sales, err := r.source.ListRecentSales(ctx, r.market.SalesPage)
	if err != nil {
		log.Debug().Err(err).Msg("sales poll failed")
		return
	}
	for _, sale := range sales {
		if r.purchases.IsKnown(sale.InvoiceID) || r.skipped(sale.InvoiceID) {
			continue
		}
		r.adoptPurchase(ctx, sale.InvoiceID)
	}
}

func (r *Reconciler) skipped(invoiceID int64) bool {
	r.skipMu.Lock()
	defer r.skipMu.Unlock()
	until, ok := r.skipUntil[invoiceID]
	if !ok {
		return false
	}
	if time.Now().Before(until) {
		return true
	}
	delete(r.skipUntil, invoiceID)
	return false
}

// adoptPurchase makes sure the invoice has a recorded purchase and an
// open thread. Known purchases skip the detail fetch, but thread creation
// runs regardless: a purchase recorded just before a crash, or whose
// thread creation failed transiently, is recovered here instead of being
// stranded behind the registry. A failed fetch skips the invoice for a
// while; a second consecutive failure records a placeholder so the invoice
// stops churning.
func (r *Reconciler) adoptPurchase(ctx context.Context, invoiceID int64) {
	p := r.purchases.Get(invoiceID)
	if p == nil {
		detail, err := r.source.GetPurchaseDetail(ctx, invoiceID)
		if err != nil {
			r.skipMu.Lock()
			r.skipUntil[invoiceID] = time.Now().Add(detailSkipWindow)
			r.failCounts[invoiceID]++
			giveUp := r.failCounts[invoiceID] >= 2
			r.skipMu.Unlock()

			log.Error().Err(err).Int64("invoice_id", invoiceID).Msg("purchase detail fetch failed")
			if giveUp {
				r.purchases.Record(ctx, domain.PartialPurchase(invoiceID))
			}
			return
		}
		r.skipMu.Lock()
		delete(r.failCounts, invoiceID)
		r.skipMu.Unlock()

		p = purchaseFromDetail(detail)
		if r.purchases.Record(ctx, p) {
			log.Info().Int64("invoice_id", p.InvoiceID).Str("buyer", p.BuyerIdentity()).Msg("new purchase")
		}
	}
	if err := r.pipe.CreateThreadForPurchase(ctx, p, false); err != nil {
		log.Error().Err(err).Int64("invoice_id", p.InvoiceID).Msg("thread creation failed")
	}
}

func purchaseFromDetail(d *market.Detail) *domain.Purchase {
	return &domain.Purchase{
		InvoiceID:     d.InvoiceID,
		ItemID:        d.ItemID,
		ContentID:     d.ContentID,
		CartUID:       d.CartUID,
		Name:          d.Name,
		Amount:        d.Amount,
		Currency:      d.Currency,
		InvoiceState:  d.InvoiceState,
		PurchaseDate:  d.PurchaseDate,
		DatePay:       d.DatePay,
		BuyerEmail:    d.BuyerEmail,
		BuyerAccount:  d.BuyerAccount,
		BuyerPhone:    d.BuyerPhone,
		BuyerIP:       d.BuyerIP,
		PaymentMethod: d.PaymentMethod,
		ProcessedAt:   time.Now().UTC(),
	}
}

// checkMessages polls buyer channels for new messages. The hot set (the
// newest threads) is checked every tick; the full directory only on cold
// sweeps. Checks run concurrently under the semaphore with a per-channel
// lock so one slow channel is never polled twice at once.
func (r *Reconciler) checkMessages(ctx context.Context, cold bool) {
	ctx, span := r.tracer.Start(ctx, "check_messages", trace.WithAttributes(attribute.Bool("cold", cold)))
	defer span.End()

	entries := r.threads.All()
	if !cold && len(entries) > r.cfg.HotSetSize {
		entries = entries[:r.cfg.HotSetSize]
	}
	if len(entries) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i := range entries {
		entry := entries[i]
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			r.checkThread(ctx, &entry)
		}()
	}
	wg.Wait()
}

func (r *Reconciler) channelLock(channelID int64) *sync.Mutex {
	r.chanMu.Lock()
	defer r.chanMu.Unlock()
	mu, ok := r.chanLocks[channelID]
	if !ok {
		mu = &sync.Mutex{}
		r.chanLocks[channelID] = mu
	}
	return mu
}

// checkThread polls every channel linked to one thread entry.
func (r *Reconciler) checkThread(ctx context.Context, entry *domain.ThreadEntry) {
	for _, channelID := range entry.Channels() {
		mu := r.channelLock(channelID)
		mu.Lock()
		msgs, err := r.source.ListChannelMessages(ctx, channelID)
		if err != nil {
			mu.Unlock()
			log.Debug().Err(err).Int64("channel_id", channelID).Msg("channel poll failed")
			continue
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
		for _, msg := range msgs {
			r.pipe.DeliverInbound(ctx, channelID, entry.ThreadID, msg)
		}
		mu.Unlock()
	}
}

// searchChannels links additional buyer chat channels discovered by
// identity search. A purchase's primary channel shares its invoice id, but
// buyers sometimes write from a separate chat found only by email search.
// Entries searched recently are left alone.
func (r *Reconciler) searchChannels(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "search_channels")
	defer span.End()

	now := time.Now().UTC()
	for _, entry := range r.threads.All() {
		if entry.Email == "" {
			continue
		}
		if entry.LastSearchAt != nil && now.Sub(*entry.LastSearchAt) < channelSearchInterval {
			continue
		}
		ids, err := r.source.FindChannelsByIdentity(ctx, entry.Email)
		if err != nil {
			log.Debug().Err(err).Int64("invoice_id", entry.InvoiceID).Msg("channel search failed")
			continue
		}
		merged := mergeChannels(entry.Channels(), ids)
		if len(merged) > len(entry.Channels()) {
			if err := r.threads.UpdateChannelIDs(ctx, entry.Key, merged); err != nil {
				log.Error().Err(err).Str("key", entry.Key).Msg("channel link update failed")
				continue
			}
			log.Info().Int64("invoice_id", entry.InvoiceID).Int("channels", len(merged)).Msg("linked additional buyer channels")
		}
		if err := r.threads.TouchSearch(ctx, entry.Key, now); err != nil {
			log.Debug().Err(err).Str("key", entry.Key).Msg("search timestamp update failed")
		}
	}
}

// mergeChannels appends ids not already present, preserving order.
func mergeChannels(have, found []int64) []int64 {
	seen := make(map[int64]struct{}, len(have))
	merged := append([]int64(nil), have...)
	for _, id := range have {
		seen[id] = struct{}{}
	}
	for _, id := range found {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	return merged
}

// verifyThreads probes every thread with a self-identical rename. Probes
// classified as missing rebuild the thread without a greeting.
func (r *Reconciler) verifyThreads(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "verify_threads")
	defer span.End()

	var missing, recreated int
	for _, entry := range r.threads.All() {
		if ctx.Err() != nil {
			return
		}
		err := r.bot.EditThreadName(ctx, entry.ThreadID, entry.ThreadName)
		switch {
		case err == nil:
		case messenger.IsThreadNotFound(err):
			missing++
			log.Info().Int64("thread_id", entry.ThreadID).Int64("invoice_id", entry.InvoiceID).Msg("thread deleted on platform, rebuilding")
			if r.rebuildThread(ctx, &entry) {
				recreated++
			}
			if r.gov.Throttled(governor.OpThreadCreate) {
				return
			}
		case messenger.IsBackpressure(err):
			return
		default:
			log.Debug().Err(err).Int64("thread_id", entry.ThreadID).Msg("thread probe inconclusive")
		}
		if !sleepCtx(ctx, probeDelay) {
			return
		}
	}
	if missing > 0 {
		log.Info().Int("missing", missing).Int("recreated", recreated).Msg("thread verification finished")
	}
}

// rebuildThread removes a stale entry and recreates its thread.
func (r *Reconciler) rebuildThread(ctx context.Context, entry *domain.ThreadEntry) bool {
	if err := r.threads.Remove(ctx, entry.Key); err != nil {
		log.Error().Err(err).Str("key", entry.Key).Msg("stale entry removal failed")
		return false
	}

	purchase := r.purchases.Get(entry.InvoiceID)
	if purchase == nil {
		detail, err := r.source.GetPurchaseDetail(ctx, entry.InvoiceID)
		if err != nil {
			log.Error().Err(err).Int64("invoice_id", entry.InvoiceID).Msg("rebuild detail fetch failed")
			return false
		}
		purchase = purchaseFromDetail(detail)
		r.purchases.Record(ctx, purchase)
	}

	if err := r.pipe.CreateThreadForPurchase(ctx, purchase, true); err != nil {
		log.Error().Err(err).Int64("invoice_id", entry.InvoiceID).Msg("thread rebuild failed")
		return false
	}
	observability.ThreadsRecreated.Inc()
	return true
}

// checkReviews runs both review probes: the paginated feed for anything
// new, and a per-thread lookup so old threads still pick up late reviews.
func (r *Reconciler) checkReviews(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "check_reviews")
	defer span.End()

	r.checkReviewFeed(ctx)
	r.checkReviewsByThread(ctx)
}

func (r *Reconciler) checkReviewFeed(ctx context.Context) {
	for page := 1; page <= reviewPages; page++ {
		reviews, err := r.source.ListReviews(ctx, 50, page)
		if err != nil {
			log.Debug().Err(err).Msg("review feed poll failed")
			return
		}
		if len(reviews) == 0 {
			return
		}
		seenAll := true
		for _, review := range reviews {
			if r.handleReview(ctx, review) {
				seenAll = false
			}
		}
		if seenAll {
			return
		}
	}
}

func (r *Reconciler) checkReviewsByThread(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, entry := range r.threads.All() {
		invoiceID := entry.InvoiceID
		g.Go(func() error {
			review, err := r.source.ReviewByInvoice(ctx, invoiceID)
			if err != nil || review == nil {
				return nil
			}
			r.handleReview(ctx, *review)
			return nil
		})
	}
	g.Wait()
}

// handleReview posts a new or edited review into its thread. Returns true
// when the review changed state.
func (r *Reconciler) handleReview(ctx context.Context, review market.Review) bool {
	if review.ID == 0 || review.InvoiceID == 0 {
		return false
	}
	entry := r.threads.Lookup(review.InvoiceID)
	if entry == nil {
		return false
	}
	isNew, isUpdated := r.reviews.observe(review.ID, review.Kind, review.Text)
	if !isNew && !isUpdated {
		return false
	}
	r.pipe.PostReview(ctx, entry, review, isUpdated)
	return true
}

// fullSync reconciles the platform against the marketplace: verifies
// thread existence, then opens threads for any recent sale the directory
// missed (the recovery path for purchases made while the bridge was down).
func (r *Reconciler) fullSync(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "full_sync")
	defer span.End()

	if err := r.source.Authenticate(ctx); err != nil {
		log.Error().Err(err).Msg("full sync auth failed")
		return
	}
	log.Info().Msg("full reconciliation starting")

	r.verifyThreads(ctx)

	sales, err := r.source.ListRecentSales(ctx, 3*r.market.SalesPage)
	if err != nil {
		log.Warn().Err(err).Msg("full sync sales fetch failed")
		return
	}

	// Difference the feed against the recorded invoices: entries left in
	// the set afterwards are recorded but no longer in the recent feed.
	recorded := r.purchases.InvoiceIDs()

	var created int
	for _, sale := range sales {
		_, known := recorded[sale.InvoiceID]
		delete(recorded, sale.InvoiceID)
		if known && r.threads.Lookup(sale.InvoiceID) != nil {
			continue
		}
		r.adoptPurchase(ctx, sale.InvoiceID)
		created++
		if r.gov.Throttled(governor.OpThreadCreate) {
			break
		}
		if !sleepCtx(ctx, r.cfg.ItemDelay) {
			return
		}
	}
	if created > 0 {
		log.Info().Int("created", created).Msg("full reconciliation opened threads")
	}
	if len(recorded) > 0 {
		log.Debug().Int("count", len(recorded)).Msg("recorded purchases older than the recent feed")
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
