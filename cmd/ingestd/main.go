// cararth-ingest-service
//
// Scheduled ingestion core for the used-vehicle marketplace. At each
// configured civil-time slot it scrapes the configured portals, screens
// candidate images through the deterministic authenticity gate, assembles
// canonical listings, runs the trust screen, persists certified listings
// with their ranking score and writes the full audit trail.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"cararth/ingest-service/internal/api"
	"cararth/ingest-service/internal/config"
	"cararth/ingest-service/internal/db"
	"cararth/ingest-service/internal/extract"
	"cararth/ingest-service/internal/fetch"
	"cararth/ingest-service/internal/gate"
	"cararth/ingest-service/internal/logging"
	"cararth/ingest-service/internal/market"
	"cararth/ingest-service/internal/pipeline"
	"cararth/ingest-service/internal/scheduler"
	"cararth/ingest-service/internal/store"
	"cararth/ingest-service/internal/trust"
)

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	_ = godotenv.Load() // optional .env for local runs

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[ingest-service] Config error: %v", err)
	}

	logger, err := logging.New(os.Getenv("APP_ENV"))
	if err != nil {
		log.Fatalf("[ingest-service] Logger error: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("postgres connected")

	// ── Redis ────────────────────────────────────────────────────────────────
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer rdb.Close()
	logger.Info("redis connected")

	// ── Pipeline ─────────────────────────────────────────────────────────────
	registry := extract.NewRegistry()
	if cfg.SelectorFile != "" {
		if err := registry.LoadFile(cfg.SelectorFile); err != nil {
			logger.Fatal("selector file load failed", zap.String("path", cfg.SelectorFile), zap.Error(err))
		}
		logger.Info("selector overlay loaded", zap.String("path", cfg.SelectorFile))
	}

	fetcher := fetch.New(cfg.FetchTimeout, logger)
	listingStore := store.New(pool)
	provider := market.NewCachedProvider(market.NewPostgresProvider(pool), rdb, time.Hour)

	var scrapers []pipeline.PortalScraper
	for _, pc := range pipeline.DefaultPortals() {
		scrapers = append(scrapers, pipeline.NewSearchPageScraper(pc, fetcher, logger))
	}

	runner := pipeline.NewRunner(
		fetcher,
		extract.New(registry, logger),
		gate.New(logger),
		trust.New(logger),
		listingStore,
		provider,
		scrapers,
		cfg.PortalConcurrency,
		cfg.HostDelay,
		logger,
	)

	// ── Scheduler ────────────────────────────────────────────────────────────
	slots := scheduler.ParseSlots(cfg.Slots, logger)
	sched := scheduler.New(func(runCtx context.Context) error {
		return runner.RunBatch(runCtx, cfg.Cities)
	}, slots, cfg.Location(), logger)

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer sched.Stop()

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      (&api.Server{Scheduler: sched, Store: listingStore, Log: logger}).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	logger.Info("stopped")
}
