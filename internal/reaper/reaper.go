// Package reaper returns expired leases to the import queue.
//
// Fetchers that die mid-task leave their lease in the working set. The
// reaper scans that set on a fixed tick and requeues any payload whose lease
// is older than the timeout, so a task is reprocessed within lease timeout
// plus one tick of its owner's silent death. All of its writes are
// idempotent removes and adds, which makes the reaper itself crash-safe.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"tumblr-pipeline/internal/broker"

	"github.com/robfig/cron/v3"
)

// Period is the scan interval.
const Period = 5 * time.Second

// Broker is the slice of the queue broker the reaper needs.
type Broker interface {
	SMembers(ctx context.Context, key string) ([]string, error)
	Requeue(ctx context.Context, l broker.Lease) error
	ServerTime(ctx context.Context) (time.Time, error)
}

type Reaper struct {
	queue   Broker
	log     *slog.Logger
	timeout time.Duration
}

func New(queue Broker, timeout time.Duration) *Reaper {
	return &Reaper{
		queue:   queue,
		log:     slog.With("component", "reaper"),
		timeout: timeout,
	}
}

// Start registers the scan on a cron schedule and starts the scheduler. The
// returned cron must be stopped on shutdown; Stop waits for a running scan
// to finish.
func (r *Reaper) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc("@every 5s", func() {
		if err := r.Scan(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("scan failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	r.log.Info("reaper started", "timeout", r.timeout)
	return c, nil
}

// Scan walks the working set once and requeues every expired lease. Lease
// ages are measured against the Redis server clock, the same clock that
// stamped them, so host clock skew cannot fake or mask expiry.
func (r *Reaper) Scan(ctx context.Context) error {
	now, err := r.queue.ServerTime(ctx)
	if err != nil {
		return err
	}

	members, err := r.queue.SMembers(ctx, broker.KeyWorkingSet)
	if err != nil {
		return err
	}

	for _, member := range members {
		lease, err := broker.ParseLease(member)
		if err != nil {
			r.log.Warn("skipping malformed lease", "member", member, "error", err)
			continue
		}

		idle := now.Sub(time.Unix(lease.Epoch, 0))
		if idle <= r.timeout {
			continue
		}

		r.log.Info("requeuing idle work", "idle", idle, "payload", lease.Payload)
		if err := r.queue.Requeue(ctx, lease); err != nil {
			return err
		}
	}
	return nil
}
