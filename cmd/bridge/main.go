// Command bridge runs the purchase-to-thread reconciliation engine: it
// polls the marketplace for sales, buyer messages, and reviews, and keeps
// the messaging platform's threaded conversations in step, alongside a
// small operational HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/dkarpov/go-sales-bridge/internal/config"
	"github.com/dkarpov/go-sales-bridge/internal/governor"
	"github.com/dkarpov/go-sales-bridge/internal/market"
	"github.com/dkarpov/go-sales-bridge/internal/messenger"
	"github.com/dkarpov/go-sales-bridge/internal/observability"
	"github.com/dkarpov/go-sales-bridge/internal/ops"
	"github.com/dkarpov/go-sales-bridge/internal/pipeline"
	"github.com/dkarpov/go-sales-bridge/internal/reconcile"
	"github.com/dkarpov/go-sales-bridge/internal/registry"
	"github.com/dkarpov/go-sales-bridge/internal/repo"
	"github.com/dkarpov/go-sales-bridge/internal/rules"
	"github.com/dkarpov/go-sales-bridge/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		sysutil.UsePrettyConsole()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Error().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	purchases, err := registry.LoadPurchaseRegistry(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("purchase registry load failed")
	}
	threads, err := registry.LoadThreadDirectory(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("thread directory load failed")
	}
	ledger, err := registry.LoadDedupLedger(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("dedup ledger load failed")
	}

	ruleSet, err := rules.Load(cfg.RulesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RulesPath).Msg("rules load failed")
	}

	source := market.NewClient(cfg.Market)
	bot := messenger.NewBotClient(cfg.Messenger)

	queue := governor.OpenQueue(cfg.QueuePath)
	gov := governor.New(cfg.Scheduler, queue)

	pipe := pipeline.New(cfg.Messenger, source, bot, purchases, threads, ledger, ruleSet, gov)
	rec := reconcile.New(cfg.Scheduler, cfg.Market, cfg.ReviewsPath, source, bot, purchases, threads, pipe, gov)

	router := ops.NewRouter(cfg, ops.State{
		Purchases: purchases,
		Threads:   threads,
		Ledger:    ledger,
		Queue:     queue,
	})
	srv := ops.NewServer(cfg, router)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
			stop()
		}
	}()

	if err := rec.Run(ctx); err != nil {
		log.Error().Err(err).Msg("reconciliation loop failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown failed")
	}
	log.Info().Msg("bridge stopped")
}
