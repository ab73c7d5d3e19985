package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tumblr-pipeline/internal/broker"
	"tumblr-pipeline/internal/config"
	"tumblr-pipeline/internal/fetcher"
	"tumblr-pipeline/internal/tumblr"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load(2)

	if cfg.WorkerName == "" {
		// The accounting hash needs some identity; a short random one beats
		// every unnamed host colliding on "".
		cfg.WorkerName = fmt.Sprintf("fetcher-%.8s", uuid.NewString())
	}

	// ── Infrastructure ─────────────────────────────────────────────────────────

	queue, err := broker.New(cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", "component", "fetcher", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Workers ────────────────────────────────────────────────────────────────
	//
	// All workers share one Fetcher: the API client's pacing clock then
	// bounds the whole process to one call per interval, and every worker
	// benefits from what the others learned about a blog's bad counter.

	api := tumblr.New(cfg.APIBaseURL, cfg.ConsumerKey, cfg.APIMinInterval)
	f := fetcher.New(queue, api, cfg.WorkerName, cfg.StageHighWater, cfg.FetcherBadLimit)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error { return f.Run(ctx) })
	}

	err = g.Wait()
	queue.Close()

	if err != nil {
		slog.Error("fetcher worker died", "error", err)
		os.Exit(1)
	}
	slog.Info("fetcher stopped cleanly")
}
