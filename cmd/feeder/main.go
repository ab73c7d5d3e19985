package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tumblr-pipeline/internal/broker"
	"tumblr-pipeline/internal/catalog"
	"tumblr-pipeline/internal/config"
	"tumblr-pipeline/internal/feeder"
	"tumblr-pipeline/internal/reaper"
	"tumblr-pipeline/internal/tumblr"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load(4)

	// ── Infrastructure ─────────────────────────────────────────────────────────

	queue, err := broker.New(cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", "component", "feeder", "error", err)
		os.Exit(1)
	}

	db, err := catalog.Connect(cfg.PostgresURL, nil)
	if err != nil {
		slog.Error("postgres connect failed", "component", "feeder", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.EnsureSchema(ctx); err != nil {
		slog.Error("schema setup failed", "component", "feeder", "error", err)
		os.Exit(1)
	}

	// ── Reaper ─────────────────────────────────────────────────────────────────
	//
	// The reaper rides along in the feeder process, the same pairing the
	// pipeline has always deployed with: one process owns queue production
	// and lease recycling.

	reapCron, err := reaper.New(queue, cfg.LeaseTimeout).Start(ctx)
	if err != nil {
		slog.Error("reaper start failed", "component", "feeder", "error", err)
		os.Exit(1)
	}

	// ── Workers ────────────────────────────────────────────────────────────────

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		api := tumblr.New(cfg.APIBaseURL, cfg.ConsumerKey, cfg.APIMinInterval)
		f := feeder.New(queue, db, api, cfg.ImportHighWater)
		g.Go(func() error { return f.Run(ctx) })
	}

	err = g.Wait()

	// ── Graceful shutdown ──────────────────────────────────────────────────────

	<-reapCron.Stop().Done()
	queue.Close()
	db.Close()

	if err != nil {
		slog.Error("feeder worker died", "error", err)
		os.Exit(1)
	}
	slog.Info("feeder stopped cleanly")
}
