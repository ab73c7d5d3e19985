// The stats exporter serves Prometheus gauges for the pipeline's queue
// depths and per-worker record counts. It is the system's only HTTP surface;
// everything else is monitored through these broker-derived metrics.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tumblr-pipeline/internal/broker"
	"tumblr-pipeline/internal/config"
	"tumblr-pipeline/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

// queueKeys are the broker sets the exporter tracks, labelled by key name so
// dashboards built against the old exporter keep working.
var queueKeys = []string{
	broker.KeyPostsQueue,
	broker.KeyBlogsQueue,
	broker.KeyImportQueue,
	broker.KeyWorkingSet,
	broker.KeyManualQueue,
}

func main() {
	cfg := config.Load(1)

	queue, err := broker.New(cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", "component", "stats", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Gauge refresh ──────────────────────────────────────────────────────────

	refresh := func() {
		if err := updateGauges(ctx, queue); err != nil && ctx.Err() == nil {
			slog.Error("gauge update failed", "component", "stats", "error", err)
		}
	}
	refresh()

	c := cron.New()
	if _, err := c.AddFunc("@every 15s", refresh); err != nil {
		slog.Error("invalid refresh schedule", "component", "stats", "error", err)
		os.Exit(1)
	}
	c.Start()

	// ── HTTP server ────────────────────────────────────────────────────────────

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.StatsPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("stats exporter started", "component", "stats", "port", cfg.StatsPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "stats", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "component", "stats", "error", err)
	}

	<-c.Stop().Done()
	queue.Close()
	slog.Info("stats exporter stopped")
}

func updateGauges(ctx context.Context, queue *broker.Broker) error {
	for _, key := range queueKeys {
		depth, err := queue.SCard(ctx, key)
		if err != nil {
			return err
		}
		metrics.QueueSize.WithLabelValues(key).Set(float64(depth))
	}

	stats, err := queue.HGetAll(ctx, broker.KeyWorkStats)
	if err != nil {
		return err
	}
	for worker, raw := range stats {
		count, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		metrics.WorkerPosts.WithLabelValues(worker).Set(count)
	}
	return nil
}
