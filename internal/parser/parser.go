// Package parser drains the staging queues, normalizes raw records, and
// commits them to the catalogue in large idempotent batches.
//
// Commit strategy: try one multi-row insert per batch (the fast path); when
// that trips a uniqueness constraint, roll back and replay the same rows
// through per-row upserts. Retryable relational failures (serialization,
// deadlock) re-run the batch. Either way the result converges, because every
// write is idempotent.
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"tumblr-pipeline/internal/broker"
	"tumblr-pipeline/internal/catalog"
	"tumblr-pipeline/internal/metrics"
)

// maxBatchRetries caps re-runs of a batch that keeps failing retryably
// before the worker gives up and exits for the supervisor to restart.
const maxBatchRetries = 3

// StagingKind tags which staging queue a batch came from and binds it to the
// right table and unique columns in the catalogue.
type StagingKind int

const (
	KindBlogs StagingKind = iota
	KindPosts
)

func (k StagingKind) String() string {
	if k == KindBlogs {
		return "blogs"
	}
	return "posts"
}

// Key returns the staging queue this kind drains.
func (k StagingKind) Key() string {
	if k == KindBlogs {
		return broker.KeyBlogsQueue
	}
	return broker.KeyPostsQueue
}

// Broker is the slice of the queue broker the parser needs.
type Broker interface {
	SCard(ctx context.Context, key string) (int64, error)
	SPopN(ctx context.Context, key string, count int64) ([]string, error)
}

// Indexer receives committed post rows for the optional search projection.
type Indexer interface {
	IndexPosts(ctx context.Context, rows []catalog.PostRow) error
}

type Parser struct {
	queue    Broker
	db       *catalog.Catalog
	indexer  Indexer // nil when the projection is disabled
	log      *slog.Logger
	bulkSize int

	IdleSleep time.Duration
}

func New(queue Broker, db *catalog.Catalog, indexer Indexer, bulkSize int) *Parser {
	return &Parser{
		queue:    queue,
		db:       db,
		indexer:  indexer,
		log:      slog.With("component", "parser"),
		bulkSize: bulkSize,

		IdleSleep: time.Second,
	}
}

// Run loops until ctx is cancelled. Each parser worker holds its own
// relational session, so several can run in one process or across hosts.
func (p *Parser) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := p.tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	p.log.Info("parser stopped")
	return nil
}

func (p *Parser) tick(ctx context.Context) error {
	postCount, err := p.queue.SCard(ctx, broker.KeyPostsQueue)
	if err != nil {
		return err
	}
	blogCount, err := p.queue.SCard(ctx, broker.KeyBlogsQueue)
	if err != nil {
		return err
	}

	if postCount+blogCount == 0 {
		sleepCtx(ctx, p.IdleSleep)
		return nil
	}

	p.log.Info("staging depths", "posts", postCount, "blogs", blogCount)

	if blogCount > 0 {
		if err := p.drainBlogs(ctx); err != nil {
			return err
		}
	}
	if postCount > 0 {
		if err := p.drainPosts(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) drainBlogs(ctx context.Context) error {
	var batch []catalog.BlogRow

	for ctx.Err() == nil {
		raws, err := p.queue.SPopN(ctx, KindBlogs.Key(), int64(p.bulkSize))
		if err != nil {
			return err
		}
		if len(raws) == 0 {
			break
		}

		for _, raw := range raws {
			info, ok := decode(KindBlogs, raw)
			if !ok {
				continue
			}
			row, err := catalog.BlogRowFromInfo(info)
			if err != nil {
				// Unkeyable payloads are dropped, same as undecodable ones.
				metrics.DroppedRecords.WithLabelValues(KindBlogs.String()).Inc()
				continue
			}
			batch = append(batch, row)

			if len(batch) >= p.bulkSize {
				if err := p.commitBlogs(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
	return p.commitBlogs(ctx, batch)
}

func (p *Parser) drainPosts(ctx context.Context) error {
	var batch []catalog.PostRow

	for ctx.Err() == nil {
		raws, err := p.queue.SPopN(ctx, KindPosts.Key(), int64(p.bulkSize))
		if err != nil {
			return err
		}
		if len(raws) == 0 {
			break
		}

		for _, raw := range raws {
			info, ok := decode(KindPosts, raw)
			if !ok {
				continue
			}
			authorID, err := p.db.ResolveAuthor(ctx, info)
			if err != nil {
				return err
			}
			row, err := catalog.PostRowFromInfo(info, authorID)
			if err != nil {
				metrics.DroppedRecords.WithLabelValues(KindPosts.String()).Inc()
				continue
			}
			batch = append(batch, row)

			if len(batch) >= p.bulkSize {
				if err := p.commitPosts(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
	return p.commitPosts(ctx, batch)
}

func (p *Parser) commitBlogs(ctx context.Context, batch []catalog.BlogRow) error {
	if len(batch) == 0 {
		return nil
	}
	return p.commit(ctx, KindBlogs, len(batch),
		func() error { return p.db.BulkInsertBlogs(ctx, batch) },
		func() error {
			for _, row := range batch {
				if _, err := p.db.UpsertBlogRow(ctx, row); err != nil {
					return err
				}
			}
			return nil
		},
	)
}

func (p *Parser) commitPosts(ctx context.Context, batch []catalog.PostRow) error {
	if len(batch) == 0 {
		return nil
	}
	err := p.commit(ctx, KindPosts, len(batch),
		func() error { return p.db.BulkInsertPosts(ctx, batch) },
		func() error {
			for _, row := range batch {
				if err := p.db.UpsertPostRow(ctx, row); err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil {
		return err
	}

	if p.indexer != nil {
		// The projection is best-effort; the catalogue already committed.
		if err := p.indexer.IndexPosts(ctx, batch); err != nil {
			p.log.Warn("search indexing failed", "rows", len(batch), "error", err)
		}
	}
	return nil
}

// commit runs the fast path, falling back to the slow path on conflict and
// re-running on retryable relational failures. Per-batch timing is logged.
func (p *Parser) commit(ctx context.Context, kind StagingKind, size int, fast, slow func() error) error {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		path := "bulk"

		err := fast()
		if errors.Is(err, catalog.ErrBulkConflict) {
			path = "fallback"
			err = slow()
		}

		if err != nil {
			if catalog.IsRetryable(err) && attempt < maxBatchRetries {
				p.log.Warn("retryable commit failure, re-running batch",
					"kind", kind.String(), "attempt", attempt, "error", err)
				continue
			}
			return err
		}

		elapsed := time.Since(start)
		metrics.BatchCommitDuration.WithLabelValues(kind.String(), path).
			Observe(elapsed.Seconds())
		p.log.Info("batch committed",
			"kind", kind.String(),
			"rows", size,
			"path", path,
			"took", elapsed,
		)
		return nil
	}
}

// decode parses one staging payload. Malformed payloads are dropped; with
// at-least-once delivery a record that cannot decode now never will. Numbers
// stay json.Number so 64-bit IDs survive the re-marshal into data.
func decode(kind StagingKind, raw string) (map[string]interface{}, bool) {
	var info map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&info); err != nil {
		metrics.DroppedRecords.WithLabelValues(kind.String()).Inc()
		return nil, false
	}
	return info, true
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
