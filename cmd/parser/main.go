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
	"tumblr-pipeline/internal/parser"
	"tumblr-pipeline/internal/search"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load(3)

	// ── Infrastructure ─────────────────────────────────────────────────────────

	queue, err := broker.New(cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", "component", "parser", "error", err)
		os.Exit(1)
	}

	var indexer parser.Indexer
	if cfg.ElasticsearchURL != "" {
		searchClient, err := search.New(cfg.ElasticsearchURL)
		if err != nil {
			slog.Error("elasticsearch init failed", "component", "parser", "error", err)
			os.Exit(1)
		}
		indexer = searchClient
		slog.Info("search projection enabled", "component", "parser")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Workers ────────────────────────────────────────────────────────────────
	//
	// Each parser worker opens its own relational session so batch
	// transactions never interleave.

	g, ctx := errgroup.WithContext(ctx)
	dbs := make([]*catalog.Catalog, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		db, err := catalog.Connect(cfg.PostgresURL, queue)
		if err != nil {
			slog.Error("postgres connect failed", "component", "parser", "error", err)
			os.Exit(1)
		}
		dbs = append(dbs, db)

		if i == 0 {
			if err := db.EnsureSchema(ctx); err != nil {
				slog.Error("schema setup failed", "component", "parser", "error", err)
				os.Exit(1)
			}
		}

		p := parser.New(queue, db, indexer, cfg.BulkSize)
		g.Go(func() error { return p.Run(ctx) })
	}

	err = g.Wait()

	for _, db := range dbs {
		db.Close()
	}
	queue.Close()

	if err != nil {
		slog.Error("parser worker died", "error", err)
		os.Exit(1)
	}
	slog.Info("parser stopped cleanly")
}
