package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkarpov/go-sales-bridge/internal/config"
	"github.com/dkarpov/go-sales-bridge/internal/domain"
	"github.com/dkarpov/go-sales-bridge/internal/governor"
	"github.com/dkarpov/go-sales-bridge/internal/market"
	"github.com/dkarpov/go-sales-bridge/internal/messenger"
	"github.com/dkarpov/go-sales-bridge/internal/pipeline"
	"github.com/dkarpov/go-sales-bridge/internal/registry"
	"github.com/dkarpov/go-sales-bridge/internal/rules"
)

type fakeSource struct {
	mu          sync.Mutex
	sales       []market.Sale
	details     map[int64]*market.Detail
	detailErrs  map[int64]error
	channels    map[int64][]market.ChannelMessage
	polled      []int64
	feedPages   map[int][]market.Review
	pagesAsked  []int
	byInvoice   map[int64]*market.Review
	identity    map[string][]int64
	searches    int
	authErr     error
	detailCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		details:    make(map[int64]*market.Detail),
		detailErrs: make(map[int64]error),
		channels:   make(map[int64][]market.ChannelMessage),
		feedPages:  make(map[int][]market.Review),
		byInvoice:  make(map[int64]*market.Review),
		identity:   make(map[string][]int64),
	}
}

func (f *fakeSource) Authenticate(context.Context) error { return f.authErr }

func (f *fakeSource) ListRecentSales(context.Context, int) ([]market.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]market.Sale(nil), f.sales...), nil
}

func (f *fakeSource) GetPurchaseDetail(_ context.Context, invoiceID int64) (*market.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if err := f.detailErrs[invoiceID]; err != nil {
		return nil, err
	}
	if d, ok := f.details[invoiceID]; ok {
		return d, nil
	}
	return &market.Detail{InvoiceID: invoiceID, Name: "Item", Currency: "USD"}, nil
}

func (f *fakeSource) SendBuyerMessage(context.Context, int64, string) error { return nil }

func (f *fakeSource) ListChannelMessages(_ context.Context, channelID int64) ([]market.ChannelMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, channelID)
	return append([]market.ChannelMessage(nil), f.channels[channelID]...), nil
}

func (f *fakeSource) FindChannelsByIdentity(_ context.Context, identity string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	return append([]int64(nil), f.identity[identity]...), nil
}

func (f *fakeSource) ListReviews(_ context.Context, _ int, page int) ([]market.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pagesAsked = append(f.pagesAsked, page)
	return append([]market.Review(nil), f.feedPages[page]...), nil
}

func (f *fakeSource) ReviewByInvoice(_ context.Context, invoiceID int64) (*market.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.byInvoice[invoiceID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeSource) polledChannels() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.polled...)
}

type fakeBot struct {
	mu           sync.Mutex
	nextThreadID int64
	deadThreads  map[int64]bool
	posts        []string
}

func newFakeBot() *fakeBot {
	return &fakeBot{nextThreadID: 100, deadThreads: make(map[int64]bool)}
}

func (f *fakeBot) CreateThread(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextThreadID++
	return f.nextThreadID, nil
}

func (f *fakeBot) PostMessage(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return nil
}

func (f *fakeBot) EditThreadName(_ context.Context, threadID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deadThreads[threadID] {
		return messenger.ErrThreadNotFound
	}
	return nil
}

func (f *fakeBot) ReactTo(context.Context, int64, int64, string) error { return nil }

func (f *fakeBot) allPosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

type fixture struct {
	rec       *Reconciler
	source    *fakeSource
	bot       *fakeBot
	purchases *registry.PurchaseRegistry
	threads   *registry.ThreadDirectory
	ledger    *registry.DedupLedger
	gov       *governor.Governor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("reconcile_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Purchase{}, &domain.ThreadEntry{}, &domain.DedupRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	ctx := context.Background()
	purchases, err := registry.LoadPurchaseRegistry(ctx, db)
	if err != nil {
		t.Fatalf("purchases: %v", err)
	}
	threads, err := registry.LoadThreadDirectory(ctx, db)
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	ledger, err := registry.LoadDedupLedger(ctx, db)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	schedCfg := config.SchedulerConfig{
		TickInterval:    50 * time.Millisecond,
		ItemDelay:       0,
		SendDelay:       0,
		RetryGrace:      0,
		FailureCooldown: 5 * time.Minute,
		HotSetSize:      1,
		Concurrency:     4,
	}
	marketCfg := config.MarketConfig{SalesPage: 10}

	queue := governor.OpenQueue(filepath.Join(t.TempDir(), "pending.json"))
	gov := governor.New(schedCfg, queue)

	source := newFakeSource()
	bot := newFakeBot()
	set := rules.Default()
	set.GreetingEnabled = false
	pipe := pipeline.New(config.MessengerConfig{NameMaxLen: 128}, source, bot, purchases, threads, ledger, set, gov)
	rec := New(schedCfg, marketCfg, filepath.Join(t.TempDir(), "reviews.json"), source, bot, purchases, threads, pipe, gov)

	return &fixture{rec: rec, source: source, bot: bot, purchases: purchases, threads: threads, ledger: ledger, gov: gov}
}

func TestPollSales_AdoptsNewInvoice(t *testing.T) {
	fx := newFixture(t)
	fx.source.sales = []market.Sale{{InvoiceID: 2001}}
	fx.source.details[2001] = &market.Detail{
		InvoiceID:  2001,
		Name:       "Steam Key",
		Amount:     4.5,
		Currency:   "USD",
		BuyerEmail: "a@b.c",
	}

	fx.rec.pollSales(context.Background())

	if !fx.purchases.IsKnown(2001) {
		t.Fatal("purchase not recorded")
	}
	entry := fx.threads.Lookup(2001)
	if entry == nil {
		t.Fatal("thread not opened")
	}
	posts := fx.bot.allPosts()
	if len(posts) == 0 || !strings.Contains(posts[0], "Steam Key") {
		t.Fatalf("summary not posted: %+v", posts)
	}

	// A second poll with the same feed does nothing.
	before := len(posts)
	fx.rec.pollSales(context.Background())
	if got := len(fx.bot.allPosts()); got != before {
		t.Fatalf("known invoice reprocessed: %d -> %d", before, got)
	}
}

func TestAdoptPurchase_FailureSkipsThenPlaceholder(t *testing.T) {
	fx := newFixture(t)
	fx.source.detailErrs[2002] = errors.New("upstream 500")
	ctx := context.Background()

	fx.rec.adoptPurchase(ctx, 2002)
	if fx.purchases.IsKnown(2002) {
		t.Fatal("placeholder recorded after a single failure")
	}
	if !fx.rec.skipped(2002) {
		t.Fatal("skip window not engaged")
	}

	// The skip window keeps pollSales away from the invoice.
	fx.source.sales = []market.Sale{{InvoiceID: 2002}}
	calls := fx.source.detailCalls
	fx.rec.pollSales(ctx)
	if fx.source.detailCalls != calls {
		t.Fatal("skipped invoice was re-fetched")
	}

	// The second consecutive failure records a placeholder.
	fx.rec.adoptPurchase(ctx, 2002)
	p := fx.purchases.Get(2002)
	if p == nil {
		t.Fatal("placeholder not recorded")
	}
	if p.BuyerEmail != "" {
		t.Fatalf("placeholder carries buyer data: %+v", p)
	}
}

func TestDrainSends_GraceAndStopOnThrottle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// RetryGrace 0 in the fixture: rebuild the governor with a real grace
	// so young items stay queued.
	queue := governor.OpenQueue(filepath.Join(t.TempDir(), "pending.json"))
	gov := governor.New(config.SchedulerConfig{RetryGrace: time.Minute}, queue)
	fx.rec.gov = gov
	fx.rec.pipe = pipeline.New(config.MessengerConfig{NameMaxLen: 128}, fx.source, fx.bot, fx.purchases, fx.threads, fx.ledger, rules.Default(), gov)

	queue.EnqueueSend(governor.SendItem{Text: "young", ThreadID: 1, ChannelID: domain.GlobalChannel})
	queue.EnqueueSend(governor.SendItem{Text: "mature", ThreadID: 1, ChannelID: domain.GlobalChannel, QueuedAt: time.Now().Add(-2 * time.Minute)})

	fx.rec.drainSends(ctx)

	posts := fx.bot.allPosts()
	if len(posts) != 1 || posts[0] != "mature" {
		t.Fatalf("expected only the mature item replayed: %+v", posts)
	}
	_, sends := queue.Depth()
	if sends != 1 {
		t.Fatalf("young item must stay queued: depth=%d", sends)
	}
}

func TestDrainThreads_ReplaysQueuedCreation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.gov.Queue().EnqueueThread(domain.Purchase{
		InvoiceID:  2003,
		Name:       "Gift Card",
		BuyerEmail: "x@y.z",
	}, false)

	fx.rec.drainThreads(ctx)

	if fx.threads.Lookup(2003) == nil {
		t.Fatal("queued thread not created")
	}
	threads, _ := fx.gov.Queue().Depth()
	if threads != 0 {
		t.Fatalf("queue not drained: %d", threads)
	}
}

func TestVerifyThreads_RebuildsDeleted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	p := &domain.Purchase{InvoiceID: 2004, Name: "DLC", BuyerEmail: "q@w.e", ProcessedAt: time.Now().UTC()}
	fx.purchases.Record(ctx, p)
	if err := fx.rec.pipe.CreateThreadForPurchase(ctx, p, false); err != nil {
		t.Fatalf("setup thread: %v", err)
	}
	old := fx.threads.Lookup(2004)
	fx.bot.deadThreads[old.ThreadID] = true

	fx.rec.verifyThreads(ctx)

	rebuilt := fx.threads.Lookup(2004)
	if rebuilt == nil {
		t.Fatal("thread not rebuilt")
	}
	if rebuilt.ThreadID == old.ThreadID {
		t.Fatal("entry still points at the deleted thread")
	}

	var sawRecreated bool
	for _, post := range fx.bot.allPosts() {
		if strings.Contains(post, "Восстановлен") {
			sawRecreated = true
		}
	}
	if !sawRecreated {
		t.Fatal("recreated summary not posted")
	}
}

func TestCheckMessages_HotAndColdSets(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, id := range []int64{3001, 3002, 3003} {
		p := &domain.Purchase{InvoiceID: id, Name: "Item", BuyerEmail: "b@c.d", ProcessedAt: time.Now().UTC()}
		if err := fx.rec.pipe.CreateThreadForPurchase(ctx, p, true); err != nil {
			t.Fatalf("setup thread %d: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct creation order
	}

	// HotSetSize is 1: a hot sweep polls only the newest entry's channel.
	fx.rec.checkMessages(ctx, false)
	hot := fx.source.polledChannels()
	if len(hot) != 1 || hot[0] != 3003 {
		t.Fatalf("hot sweep polled %v, want [3003]", hot)
	}

	fx.source.mu.Lock()
	fx.source.polled = nil
	fx.source.mu.Unlock()

	fx.rec.checkMessages(ctx, true)
	cold := fx.source.polledChannels()
	if len(cold) != 3 {
		t.Fatalf("cold sweep polled %d channels, want 3", len(cold))
	}
}

func TestCheckThread_DeliversInOrder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	p := &domain.Purchase{InvoiceID: 3004, Name: "Item", BuyerEmail: "b@c.d", ProcessedAt: time.Now().UTC()}
	if err := fx.rec.pipe.CreateThreadForPurchase(ctx, p, true); err != nil {
		t.Fatalf("setup thread: %v", err)
	}
	base := time.Now().UTC()
	fx.source.channels[3004] = []market.ChannelMessage{
		{ID: "b", Content: "second", Timestamp: base.Add(time.Second)},
		{ID: "a", Content: "first", Timestamp: base},
	}

	entry := fx.threads.Lookup(3004)
	fx.rec.checkThread(ctx, entry)

	posts := fx.bot.allPosts()
	if len(posts) < 3 {
		t.Fatalf("messages not delivered: %+v", posts)
	}
	if posts[len(posts)-2] != "first" || posts[len(posts)-1] != "second" {
		t.Fatalf("delivery order wrong: %+v", posts[len(posts)-2:])
	}
	if !fx.ledger.Delivered(3004, "a") || !fx.ledger.Delivered(3004, "b") {
		t.Fatal("ledger not marked")
	}
}

func TestSearchChannels_LinksDiscoveredChats(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	p := &domain.Purchase{InvoiceID: 3005, Name: "Item", BuyerEmail: "find@me.io", ProcessedAt: time.Now().UTC()}
	if err := fx.rec.pipe.CreateThreadForPurchase(ctx, p, true); err != nil {
		t.Fatalf("setup thread: %v", err)
	}
	fx.source.identity["find@me.io"] = []int64{3005, 77001}

	fx.rec.searchChannels(ctx)

	entry := fx.threads.Lookup(3005)
	ch := entry.Channels()
	if len(ch) != 2 || ch[0] != 3005 || ch[1] != 77001 {
		t.Fatalf("channels not merged: %v", ch)
	}
	if entry.LastSearchAt == nil {
		t.Fatal("search timestamp not recorded")
	}

	// A fresh search timestamp suppresses the next sweep.
	searches := fx.source.searches
	fx.rec.searchChannels(ctx)
	if fx.source.searches != searches {
		t.Fatal("recently searched entry was searched again")
	}
}

func TestMergeChannels(t *testing.T) {
	got := mergeChannels([]int64{1, 2}, []int64{2, 3, 3, 4})
	want := []int64{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("mergeChannels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mergeChannels = %v, want %v", got, want)
		}
	}
}

func TestCheckReviewFeed_StopsWhenPageFullySeen(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	p := &domain.Purchase{InvoiceID: 4001, Name: "Item", BuyerEmail: "b@c.d", ProcessedAt: time.Now().UTC()}
	if err := fx.rec.pipe.CreateThreadForPurchase(ctx, p, true); err != nil {
		t.Fatalf("setup thread: %v", err)
	}
	fx.source.feedPages[1] = []market.Review{{ID: 9, InvoiceID: 4001, Kind: "good", Text: "great"}}

	fx.rec.checkReviewFeed(ctx)
	if got := len(fx.source.pagesAsked); got != 2 {
		// Page 1 had a new review, so page 2 is probed and comes back empty.
		t.Fatalf("pages asked: %v", fx.source.pagesAsked)
	}

	fx.source.mu.Lock()
	fx.source.pagesAsked = nil
	fx.source.mu.Unlock()

	// Nothing new: the scan stops after page 1.
	fx.rec.checkReviewFeed(ctx)
	if got := fx.source.pagesAsked; len(got) != 1 {
		t.Fatalf("fully-seen page rescanned: %v", got)
	}
}

func TestHandleReview_NewUpdatedUnchanged(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	p := &domain.Purchase{InvoiceID: 4002, Name: "Item", BuyerEmail: "b@c.d", ProcessedAt: time.Now().UTC()}
	if err := fx.rec.pipe.CreateThreadForPurchase(ctx, p, true); err != nil {
		t.Fatalf("setup thread: %v", err)
	}

	review := market.Review{ID: 11, InvoiceID: 4002, Kind: "good", Text: "nice"}
	if !fx.rec.handleReview(ctx, review) {
		t.Fatal("new review not handled")
	}
	if fx.rec.handleReview(ctx, review) {
		t.Fatal("unchanged review handled twice")
	}

	review.Text = "actually bad"
	review.Kind = "bad"
	if !fx.rec.handleReview(ctx, review) {
		t.Fatal("edited review not handled")
	}
	var sawEdit bool
	for _, post := range fx.bot.allPosts() {
		if strings.Contains(post, "Отзыв изменён") {
			sawEdit = true
		}
	}
	if !sawEdit {
		t.Fatal("edit note missing")
	}

	// Reviews without a matching thread are ignored.
	if fx.rec.handleReview(ctx, market.Review{ID: 12, InvoiceID: 9999, Kind: "good"}) {
		t.Fatal("orphan review handled")
	}
}

func TestCheckReviewsByThread(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	p := &domain.Purchase{InvoiceID: 4003, Name: "Item", BuyerEmail: "b@c.d", ProcessedAt: time.Now().UTC()}
	if err := fx.rec.pipe.CreateThreadForPurchase(ctx, p, true); err != nil {
		t.Fatalf("setup thread: %v", err)
	}
	fx.source.byInvoice[4003] = &market.Review{ID: 21, InvoiceID: 4003, Kind: "good", Text: "late review"}

	fx.rec.checkReviewsByThread(ctx)

	var sawReview bool
	for _, post := range fx.bot.allPosts() {
		if strings.Contains(post, "late review") {
			sawReview = true
		}
	}
	if !sawReview {
		t.Fatal("per-thread review probe missed the review")
	}
}

func TestFullSync_OpensMissingThreads(t *testing.T) {
	fx := newFixture(t)
	fx.source.sales = []market.Sale{{InvoiceID: 5001}}

	fx.rec.fullSync(context.Background())

	if fx.threads.Lookup(5001) == nil {
		t.Fatal("full sync did not open the missing thread")
	}

	// Authentication failure aborts the sync before any work.
	fx.source.authErr = errors.New("denied")
	fx.source.sales = []market.Sale{{InvoiceID: 5002}}
	fx.rec.fullSync(context.Background())
	if fx.threads.Lookup(5002) != nil {
		t.Fatal("sync proceeded without auth")
	}
}

func TestFullSync_OpensThreadForRecordedPurchase(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// The purchase was recorded but the process died before its thread
	// existed. Full sync must finish the job instead of skipping the
	// invoice as already known.
	p := &domain.Purchase{InvoiceID: 3001, Name: "Gift Card", BuyerEmail: "b@c.d", ProcessedAt: time.Now().UTC()}
	fx.purchases.Record(ctx, p)
	fx.source.sales = []market.Sale{{InvoiceID: 3001}}

	fx.rec.fullSync(ctx)

	if fx.threads.Lookup(3001) == nil {
		t.Fatal("recorded purchase without a thread was not recovered")
	}
}

func TestReviewTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reviews.json")
	tr := newReviewTracker(path)

	isNew, isUpdated := tr.observe(1, "good", "fine")
	if !isNew || isUpdated {
		t.Fatalf("first observe: new=%v updated=%v", isNew, isUpdated)
	}
	isNew, isUpdated = tr.observe(1, "good", "fine")
	if isNew || isUpdated {
		t.Fatalf("repeat observe: new=%v updated=%v", isNew, isUpdated)
	}
	isNew, isUpdated = tr.observe(1, "bad", "fine")
	if isNew || !isUpdated {
		t.Fatalf("kind change: new=%v updated=%v", isNew, isUpdated)
	}

	// State survives a restart.
	tr2 := newReviewTracker(path)
	if isNew, _ := tr2.observe(1, "bad", "fine"); isNew {
		t.Fatal("tracker state not persisted")
	}

	// A missing file starts empty.
	tr3 := newReviewTracker(filepath.Join(t.TempDir(), "nope.json"))
	if isNew, _ := tr3.observe(2, "good", "x"); !isNew {
		t.Fatal("fresh tracker should see new reviews")
	}
}
