// The bootstrap command seeds broker state around an existing catalogue.
//
// Two modes:
//
//	bootstrap done   — mark every catalogued blog in the done set, so info
//	                   loading over a URL dump skips what is already archived.
//	bootstrap info   — walk the urls set minus the done set, fetch blog info
//	                   for each member, and stage the results for the parser.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tumblr-pipeline/internal/broker"
	"tumblr-pipeline/internal/catalog"
	"tumblr-pipeline/internal/config"
	"tumblr-pipeline/internal/tumblr"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) < 2 {
		slog.Error("usage: bootstrap <done|info>")
		os.Exit(2)
	}
	mode := os.Args[1]

	cfg := config.Load(4)

	queue, err := broker.New(cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "done":
		err = loadDone(ctx, cfg, queue)
	case "info":
		err = loadInfo(ctx, cfg, queue)
	default:
		slog.Error("unknown mode", "mode", mode)
		os.Exit(2)
	}

	if err != nil && ctx.Err() == nil {
		slog.Error("bootstrap failed", "mode", mode, "error", err)
		os.Exit(1)
	}
	slog.Info("bootstrap finished", "mode", mode)
}

// loadDone streams every catalogued blog name into the done set.
func loadDone(ctx context.Context, cfg *config.Config, queue *broker.Broker) error {
	db, err := catalog.Connect(cfg.PostgresURL, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	count := 0
	return db.EachBlogName(ctx, func(name string) error {
		if err := queue.SAdd(ctx, broker.KeyDoneSet, name+".tumblr.com"); err != nil {
			return err
		}
		count++
		if count%500 == 0 {
			slog.Info("done set progress", "count", count)
		}
		return nil
	})
}

// errRateLimited drives the 429 backoff inside the retry operation.
var errRateLimited = errors.New("bootstrap: rate limited")

// loadInfo fetches blog info for every member of urls not yet done, staging
// successful payloads for the parser and sorting failures into the 404 and
// badinfo sets.
func loadInfo(ctx context.Context, cfg *config.Config, queue *broker.Broker) error {
	urls, err := queue.SDiff(ctx, broker.KeyURLsSet, broker.KeyDoneSet)
	if err != nil {
		return err
	}
	slog.Info("info load starting", "remaining", len(urls), "workers", cfg.Workers)

	work := make(chan string)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		for _, u := range urls {
			select {
			case work <- u:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < cfg.Workers; i++ {
		api := tumblr.New(cfg.APIBaseURL, cfg.ConsumerKey, cfg.APIMinInterval)
		g.Go(func() error {
			for u := range work {
				if err := processURL(ctx, queue, api, u); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func processURL(ctx context.Context, queue *broker.Broker, api *tumblr.Client, url string) error {
	// Another worker, or a previous run, may have finished this one already.
	done, err := queue.SIsMember(ctx, broker.KeyDoneSet, url)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	// 429s back off exponentially from 2 s up to 2 min, resetting once a
	// request gets through.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 120 * time.Second
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		info, err := api.BlogInfo(ctx, url)
		if err != nil {
			return err
		}

		switch {
		case info.Meta.Status == 404:
			slog.Info("blog gone", "url", url)
			if err := queue.SAdd(ctx, broker.KeyDoneSet, url); err != nil {
				return backoff.Permanent(err)
			}
			return permanentIfErr(queue.SAdd(ctx, broker.Key404Set, url))

		case info.Meta.Status == 429:
			slog.Warn("rate limited, backing off", "url", url)
			return errRateLimited

		case info.Blog == nil:
			slog.Warn("unparseable blog info", "url", url, "status", info.Meta.Status)
			if err := queue.SAdd(ctx, broker.KeyDoneSet, url); err != nil {
				return backoff.Permanent(err)
			}
			return permanentIfErr(queue.SAdd(ctx, broker.KeyBadInfoSet, url))
		}

		payload, err := json.Marshal(map[string]interface{}{
			"meta": map[string]interface{}{"status": info.Meta.Status, "msg": info.Meta.Msg},
			"blog": info.Blog,
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := queue.SAdd(ctx, broker.KeyBlogsQueue, string(payload)); err != nil {
			return backoff.Permanent(err)
		}

		posts, _ := info.BlogPosts()
		slog.Info("blog staged", "url", url, "posts", posts)
		return nil
	}, backoff.WithContext(bo, ctx))
}

func permanentIfErr(err error) error {
	if err != nil {
		return backoff.Permanent(err)
	}
	return nil
}
