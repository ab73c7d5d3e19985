// Package fetcher executes import tasks against the rate-limited API and
// deposits raw post payloads into the staging queue.
//
// A fetcher never works on a task it does not hold a lease for: tasks are
// popped through the broker's atomic lease-pop, and the lease is only
// released on completion or deliberate abandonment. If a fetcher dies
// mid-task the lease expires and the reaper requeues the payload, giving the
// pipeline its at-least-once guarantee.
package fetcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tumblr-pipeline/internal/broker"
	"tumblr-pipeline/internal/metrics"
	"tumblr-pipeline/internal/task"
	"tumblr-pipeline/internal/tumblr"
)

// badPinned marks a blog whose bad counter crossed the limit. The pin stops
// the "all posts crawled" log line from repeating for every later task.
const badPinned = 999

// outcome is the result of one processing step. The worker loop dispatches
// on it instead of on sentinel errors.
type outcome int

const (
	outcomeCompleted outcome = iota // work done, release the lease
	outcomeAbandon                  // terminal for this task, release without requeue
	outcomeRetry                    // transient, retry in-line holding the lease
)

// PostsClient is the slice of the API client the fetcher needs.
type PostsClient interface {
	Posts(ctx context.Context, name string, offset int) (*tumblr.Response, error)
}

// Broker is the slice of the queue broker the fetcher needs.
type Broker interface {
	LeasePop(ctx context.Context) (broker.Lease, bool, error)
	Release(ctx context.Context, l broker.Lease) error
	SCard(ctx context.Context, key string) (int64, error)
	SAdd(ctx context.Context, key string, members ...interface{}) error
	HIncrBy(ctx context.Context, key, field string, incr int64) error
}

type Fetcher struct {
	queue      Broker
	api        PostsClient
	log        *slog.Logger
	workerName string

	stageHighWater int
	badLimit       int

	// bad counts stale or missing posts per blog. Process-local and
	// advisory: double counting across processes is acceptable.
	mu  sync.Mutex
	bad map[string]int

	IdleSleep         time.Duration
	RetrySleep        time.Duration
	BackpressureSleep time.Duration
}

func New(queue Broker, api PostsClient, workerName string, stageHighWater, badLimit int) *Fetcher {
	return &Fetcher{
		queue:      queue,
		api:        api,
		log:        slog.With("component", "fetcher"),
		workerName: workerName,

		stageHighWater: stageHighWater,
		badLimit:       badLimit,
		bad:            make(map[string]int),

		IdleSleep:         time.Second,
		RetrySleep:        10 * time.Second,
		BackpressureSleep: 5 * time.Second,
	}
}

// Run loops until ctx is cancelled. One Fetcher may be shared by several
// worker goroutines; each iteration works one leased task end to end.
func (f *Fetcher) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := f.tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	f.log.Info("fetcher stopped")
	return nil
}

func (f *Fetcher) tick(ctx context.Context) error {
	depth, err := f.queue.SCard(ctx, broker.KeyImportQueue)
	if err != nil {
		return err
	}
	if depth == 0 {
		sleepCtx(ctx, f.IdleSleep)
		return nil
	}

	lease, ok, err := f.queue.LeasePop(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// Raced another fetcher for the last task.
		return nil
	}

	t, err := task.Decode(lease.Payload)
	if err != nil {
		// The payload is lost, which is acceptable: tasks are re-derivable
		// from the catalogue. Keeping the lease would just park garbage in
		// the working set until the reaper recycles it forever.
		f.log.Warn("dropping malformed task payload", "payload", lease.Payload, "error", err)
		return f.queue.Release(ctx, lease)
	}

	f.work(ctx, lease, t)
	return nil
}

// work drives one task to completion, abandonment, or a worker-visible
// failure. On failure the lease is deliberately left in the working set so
// the reaper requeues the task once the lease expires.
func (f *Fetcher) work(ctx context.Context, lease broker.Lease, t task.Task) {
	for ctx.Err() == nil {
		out, fetched, err := f.step(ctx, t)
		if err != nil {
			f.log.Error("task failed, leaving lease for the reaper",
				"name", t.Name, "offset", t.Offset, "error", err)
			return
		}

		switch out {
		case outcomeRetry:
			sleepCtx(ctx, f.RetrySleep)
			continue
		case outcomeAbandon:
			if err := f.queue.Release(ctx, lease); err != nil {
				f.log.Error("release failed", "name", t.Name, "error", err)
			}
		case outcomeCompleted:
			if err := f.queue.Release(ctx, lease); err != nil {
				f.log.Error("release failed", "name", t.Name, "error", err)
			}
			// Best-effort accounting, empty pages included; never read back
			// for correctness.
			if err := f.queue.HIncrBy(ctx, broker.KeyWorkStats, f.workerName, int64(fetched)); err != nil {
				f.log.Warn("work_stats update failed", "error", err)
			}
		}
		return
	}
}

// step performs one fetch attempt. fetched is the number of posts returned
// by the API (what work_stats counts), not the number staged.
func (f *Fetcher) step(ctx context.Context, t task.Task) (outcome, int, error) {
	if f.badCount(t.Name) >= f.badLimit {
		if f.pinBad(t.Name) {
			f.log.Info("all posts crawled, probably", "name", t.Name)
		}
		return outcomeCompleted, 0, nil
	}

	// Backpressure from the parser stage: hold the lease and wait while the
	// staging queue is over its high-water mark. The lease window is wide
	// enough that a paused fetcher is not mistaken for a dead one.
	for {
		depth, err := f.queue.SCard(ctx, broker.KeyPostsQueue)
		if err != nil {
			return outcomeRetry, 0, err
		}
		if depth <= int64(f.stageHighWater) {
			break
		}
		f.log.Debug("staging backpressure", "depth", depth)
		sleepCtx(ctx, f.BackpressureSleep)
		if ctx.Err() != nil {
			return outcomeRetry, 0, ctx.Err()
		}
	}

	resp, err := f.api.Posts(ctx, t.Name, t.Offset)
	if err != nil {
		return outcomeRetry, 0, err
	}

	if resp.Meta.Status == 404 {
		// The blog vanished mid-crawl; every sibling task will hit the same
		// wall, so let the counter walk them out quickly.
		f.addBad(t.Name)
		f.log.Info("blog gone mid-crawl", "name", t.Name, "offset", t.Offset)
		return outcomeAbandon, 0, nil
	}

	switch resp.Meta.Status {
	case 429, 502, 503:
		f.log.Warn("remote pushback on posts", "name", t.Name, "status", resp.Meta.Status)
		return outcomeRetry, 0, nil
	}
	if !resp.HasPosts() {
		f.log.Warn("posts missing from response", "name", t.Name, "status", resp.Meta.Status)
		return outcomeRetry, 0, nil
	}

	threshold := t.LastCrawlEpoch()
	staged := 0
	for _, post := range resp.Posts {
		ok, err := f.stage(ctx, post, threshold)
		if err != nil {
			return outcomeRetry, staged, err
		}
		if ok {
			staged++
		} else {
			f.addBad(t.Name)
		}
	}

	f.log.Info("page fetched",
		"name", t.Name,
		"offset", t.Offset,
		"posts", len(resp.Posts),
		"staged", staged,
	)
	return outcomeCompleted, len(resp.Posts), nil
}

// stage pushes one raw post into the staging queue unless it predates the
// task's last-crawl threshold. Posts with a timestamp equal to the threshold
// are admitted.
func (f *Fetcher) stage(ctx context.Context, post map[string]interface{}, threshold float64) (bool, error) {
	if threshold > epochOf(post["timestamp"]) {
		return false, nil
	}

	payload, err := json.Marshal(post)
	if err != nil {
		return false, err
	}
	if err := f.queue.SAdd(ctx, broker.KeyPostsQueue, string(payload)); err != nil {
		return false, err
	}
	metrics.StagedRecords.WithLabelValues("posts").Inc()
	return true, nil
}

// epochOf reads a timestamp that the API decoder delivers as json.Number.
// Missing or malformed values degrade to 0, which admits the post.
func epochOf(v interface{}) float64 {
	switch n := v.(type) {
	case json.Number:
		f, _ := n.Float64()
		return f
	case float64:
		return n
	}
	return 0
}

func (f *Fetcher) badCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bad[name]
}

func (f *Fetcher) addBad(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bad[name]++
}

// pinBad caps the counter at the pinned value, returning true on the
// transition so the caller logs exactly once.
func (f *Fetcher) pinBad(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bad[name] == badPinned {
		return false
	}
	f.bad[name] = badPinned
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
