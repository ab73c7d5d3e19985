// Package feeder turns the catalogue of blogs into fine-grained fetch tasks.
//
// Each feeder worker repeatedly picks candidate blogs, asks the API how many
// posts each one has, and expands that count into one import task per offset
// page. The import queue's high-water mark is the pipeline's primary
// backpressure knob: feeders stop producing while fetchers are behind, unless
// an operator has queued manual re-crawl targets.
package feeder

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"tumblr-pipeline/internal/broker"
	"tumblr-pipeline/internal/catalog"
	"tumblr-pipeline/internal/task"
	"tumblr-pipeline/internal/tumblr"
)

// maxSample caps one automatic candidate batch. The batch size is drawn
// uniformly from [1, maxSample] to spread contention between feeders.
const maxSample = 25

// BlogInfoClient is the slice of the API client the feeder needs.
type BlogInfoClient interface {
	BlogInfo(ctx context.Context, name string) (*tumblr.Response, error)
}

// Broker is the slice of the queue broker the feeder needs.
type Broker interface {
	SCard(ctx context.Context, key string) (int64, error)
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SPop(ctx context.Context, key string) (string, bool, error)
}

type Feeder struct {
	queue Broker
	db    *catalog.Catalog
	api   BlogInfoClient
	log   *slog.Logger

	highWater int

	// Sleeps are fields so tests can shrink them.
	BackpressureSleep time.Duration
	TransientSleep    time.Duration
	IdleSleep         time.Duration
}

func New(queue Broker, db *catalog.Catalog, api BlogInfoClient, highWater int) *Feeder {
	return &Feeder{
		queue:     queue,
		db:        db,
		api:       api,
		log:       slog.With("component", "feeder"),
		highWater: highWater,

		BackpressureSleep: time.Second,
		TransientSleep:    5 * time.Second,
		IdleSleep:         15 * time.Second,
	}
}

// Run loops until ctx is cancelled. Errors from one candidate are logged and
// the loop continues; only broker/catalogue failures outside candidate
// processing terminate the worker.
func (f *Feeder) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := f.tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	f.log.Info("feeder stopped")
	return nil
}

func (f *Feeder) tick(ctx context.Context) error {
	importCount, err := f.queue.SCard(ctx, broker.KeyImportQueue)
	if err != nil {
		return err
	}
	workingCount, err := f.queue.SCard(ctx, broker.KeyWorkingSet)
	if err != nil {
		return err
	}
	manualCount, err := f.queue.SCard(ctx, broker.KeyManualQueue)
	if err != nil {
		return err
	}

	f.log.Info("queue depths",
		"import", importCount,
		"working", workingCount,
		"manual", manualCount,
	)

	// Archiving secured: enough offsets queued, and no operator override.
	if importCount > int64(f.highWater) && manualCount <= 0 {
		sleepCtx(ctx, f.BackpressureSleep)
		return nil
	}

	if manualCount > 0 {
		return f.feedManual(ctx)
	}
	return f.feedAutomatic(ctx)
}

// feedAutomatic expands a random sample of stale blogs.
func (f *Feeder) feedAutomatic(ctx context.Context) error {
	blogs, err := f.db.RandomCandidates(ctx, 1+rand.Intn(maxSample))
	if err != nil {
		return err
	}

	if len(blogs) == 0 {
		f.log.Info("no blogs left to add")
		sleepCtx(ctx, f.IdleSleep)
		return nil
	}

	for i := range blogs {
		if ctx.Err() != nil {
			return nil
		}
		if err := f.loadBlog(ctx, &blogs[i]); err != nil {
			return err
		}
	}
	return nil
}

// feedManual drains the operator queue. Each popped name resolves to the
// newest blog of that name; unknown names are dropped with a log line.
func (f *Feeder) feedManual(ctx context.Context) error {
	for ctx.Err() == nil {
		name, ok, err := f.queue.SPop(ctx, broker.KeyManualQueue)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		blog, err := f.db.BlogByName(ctx, name)
		if err != nil {
			f.log.Warn("manual target not in catalogue", "name", name, "error", err)
			continue
		}
		if err := f.loadBlog(ctx, blog); err != nil {
			return err
		}
	}
	return nil
}

// loadBlog asks the API for the blog's post count and enqueues one task per
// offset page. The upper bound runs to posts+20: deliberate headroom for
// posts published after the count was read, at the cost of an occasional
// request past the last page.
func (f *Feeder) loadBlog(ctx context.Context, blog *catalog.Blog) error {
	if !blog.Name.Valid {
		return nil
	}
	name := blog.Name.String

	info, err := f.api.BlogInfo(ctx, name)
	if err != nil {
		f.log.Error("blog_info failed", "name", name, "error", err)
		return nil
	}

	switch info.Meta.Status {
	case 404:
		// Gone from the source. Mark it crawled so selection stops
		// returning it; the catalogue keeps whatever we archived.
		f.log.Info("blog gone, marking crawled", "name", name)
		return f.db.MarkCrawled(ctx, blog.ID, blog.Updated)
	case 429, 503, 504:
		f.log.Warn("remote pushback on blog_info", "name", name, "status", info.Meta.Status)
		sleepCtx(ctx, f.TransientSleep)
		return nil
	}

	posts, ok := info.BlogPosts()
	if !ok {
		f.log.Warn("blog_info missing posts count", "name", name, "status", info.Meta.Status)
		return nil
	}

	lastCrawl := "0"
	if blog.LastCrawlUpdate.Valid {
		lastCrawl = strconv.FormatInt(blog.LastCrawlUpdate.Time.Unix(), 10)
	}

	offsets := 0
	for offset := 0; offset < posts+tumblr.PageSize; offset += tumblr.PageSize {
		payload, err := task.Task{Name: name, Offset: offset, LastCrawl: lastCrawl}.Encode()
		if err != nil {
			return err
		}
		if err := f.queue.SAdd(ctx, broker.KeyImportQueue, payload); err != nil {
			return err
		}
		offsets++
	}

	f.log.Info("offsets queued", "name", name, "offsets", offsets, "posts", posts)
	return f.db.MarkCrawled(ctx, blog.ID, blog.Updated)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
