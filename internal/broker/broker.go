// Package broker provides typed operations over the shared Redis instance
// that coordinates every worker in the pipeline.
//
// All inter-worker state lives in named sets and hashes:
//   - the import queue of pending fetch tasks,
//   - the working set of leased tasks ("<epoch>;<task>" composites),
//   - the posts/blogs staging sets of raw JSON records,
//   - the manualqueue of operator-supplied re-crawl targets,
//   - the blogids and work_stats hashes.
//
// The only multi-step mutation, popping a task and recording its lease, runs
// as a server-side Lua script so a crashed worker can never lose a task
// between the pop and the tag.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue and hash names. These are part of the wire contract shared with the
// bootstrap scripts and the stats exporter; do not rename casually.
const (
	KeyImportQueue = "tumblr:queue:import"
	KeyWorkingSet  = "tumblr:queue:import:working"
	KeyPostsQueue  = "tumblr:queue:posts"
	KeyBlogsQueue  = "tumblr:queue:blogs"
	KeyManualQueue = "tumblr:queue:manualqueue"
	KeyBlogIDs     = "tumblr:blogids"
	KeyWorkStats   = "tumblr:work_stats"
	KeyDoneSet     = "tumblr:done"
	Key404Set      = "tumblr:404"
	KeyBadInfoSet  = "tumblr:badinfo"
	KeyURLsSet     = "tumblr:urls"
)

// leasePopScript atomically pops one task from the import queue and records
// its lease in the working set, stamped with the Redis server clock. Using
// server time keeps the reaper's expiry check immune to clock skew between
// worker hosts.
var leasePopScript = redis.NewScript(`
local item = redis.call("SPOP", KEYS[1])
if item == false then
  return {}
end
local now = redis.call("TIME")
redis.call("SADD", KEYS[2], now[1] .. ";" .. item)
return {now[1], item}
`)

// Lease records that some worker has popped a task. Its broker representation
// is the composite working-set member "<epoch>;<payload>".
type Lease struct {
	Epoch   int64
	Payload string
}

// Member returns the working-set form of the lease.
func (l Lease) Member() string {
	return strconv.FormatInt(l.Epoch, 10) + ";" + l.Payload
}

// ParseLease splits a working-set member back into a Lease.
func ParseLease(member string) (Lease, error) {
	epochStr, payload, ok := strings.Cut(member, ";")
	if !ok {
		return Lease{}, fmt.Errorf("broker: malformed lease member %q", member)
	}
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("broker: malformed lease epoch %q: %w", epochStr, err)
	}
	return Lease{Epoch: epoch, Payload: payload}, nil
}

// Broker wraps the Redis client and exposes the pipeline's queue operations.
type Broker struct {
	rdb *redis.Client
}

// New creates a Redis client and verifies the connection with a PING.
func New(addr string, db int) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: ping: %w", err)
	}
	return &Broker{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Close shuts down the underlying connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// LeasePop atomically pops one member from the import queue and tags it into
// the working set. ok is false when the queue is empty.
func (b *Broker) LeasePop(ctx context.Context) (Lease, bool, error) {
	res, err := leasePopScript.Run(ctx, b.rdb, []string{KeyImportQueue, KeyWorkingSet}).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("broker: lease pop: %w", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) == 0 {
		return Lease{}, false, nil
	}
	if len(pair) != 2 {
		return Lease{}, false, fmt.Errorf("broker: lease pop returned %d values", len(pair))
	}

	epoch, err := strconv.ParseInt(fmt.Sprint(pair[0]), 10, 64)
	if err != nil {
		return Lease{}, false, fmt.Errorf("broker: lease pop epoch: %w", err)
	}
	return Lease{Epoch: epoch, Payload: fmt.Sprint(pair[1])}, true, nil
}

// Release drops a lease after its task completed (or was abandoned).
// Removing an already-removed lease is a no-op, so Release is safe to race
// against the reaper.
func (b *Broker) Release(ctx context.Context, l Lease) error {
	return b.rdb.SRem(ctx, KeyWorkingSet, l.Member()).Err()
}

// Requeue returns a leased task to the import queue. Used by the reaper for
// leases past their timeout. Both steps are idempotent; a crash between them
// leaves at worst a task present in both sets, which the next reap resolves.
func (b *Broker) Requeue(ctx context.Context, l Lease) error {
	if err := b.rdb.SRem(ctx, KeyWorkingSet, l.Member()).Err(); err != nil {
		return fmt.Errorf("broker: requeue srem: %w", err)
	}
	if err := b.rdb.SAdd(ctx, KeyImportQueue, l.Payload).Err(); err != nil {
		return fmt.Errorf("broker: requeue sadd: %w", err)
	}
	return nil
}

// ServerTime reads the Redis server clock. The reaper compares lease epochs
// against this rather than the local clock.
func (b *Broker) ServerTime(ctx context.Context) (time.Time, error) {
	return b.rdb.Time(ctx).Result()
}

// ── Set operations ──────────────────────────────────────────────────────────

func (b *Broker) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return b.rdb.SAdd(ctx, key, members...).Err()
}

func (b *Broker) SRem(ctx context.Context, key string, members ...interface{}) error {
	return b.rdb.SRem(ctx, key, members...).Err()
}

func (b *Broker) SCard(ctx context.Context, key string) (int64, error) {
	return b.rdb.SCard(ctx, key).Result()
}

func (b *Broker) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.rdb.SMembers(ctx, key).Result()
}

func (b *Broker) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return b.rdb.SIsMember(ctx, key, member).Result()
}

// SPop pops one random member. ok is false when the set is empty.
func (b *Broker) SPop(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.SPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SPopN pops up to count random members. An empty slice means the set is
// drained.
func (b *Broker) SPopN(ctx context.Context, key string, count int64) ([]string, error) {
	vs, err := b.rdb.SPopN(ctx, key, count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return vs, err
}

func (b *Broker) SDiff(ctx context.Context, keys ...string) ([]string, error) {
	return b.rdb.SDiff(ctx, keys...).Result()
}

// ── Hash operations ─────────────────────────────────────────────────────────

func (b *Broker) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return b.rdb.HIncrBy(ctx, key, field, incr).Err()
}

// HGet returns ok=false when the field is absent.
func (b *Broker) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := b.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *Broker) HSet(ctx context.Context, key, field, value string) error {
	return b.rdb.HSet(ctx, key, field, value).Err()
}

func (b *Broker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.rdb.HGetAll(ctx, key).Result()
}
