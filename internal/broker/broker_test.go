package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()

	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewFromClient(rdb), m
}

func TestLeasePopEmptyQueue(t *testing.T) {
	b, _ := newTestBroker(t)

	_, ok, err := b.LeasePop(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeasePopMovesTaskToWorkingSet(t *testing.T) {
	b, m := newTestBroker(t)
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	m.SetTime(now)

	require.NoError(t, b.SAdd(ctx, KeyImportQueue, `{"name":"a","offset":0}`))

	lease, ok, err := b.LeasePop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Unix(), lease.Epoch)
	assert.Equal(t, `{"name":"a","offset":0}`, lease.Payload)

	// The pop and the tag are one script: the task must be in exactly one
	// place afterwards.
	depth, err := b.SCard(ctx, KeyImportQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)

	inFlight, err := b.SIsMember(ctx, KeyWorkingSet, lease.Member())
	require.NoError(t, err)
	assert.True(t, inFlight)
}

func TestReleaseRemovesLease(t *testing.T) {
	b, m := newTestBroker(t)
	ctx := context.Background()

	m.SetTime(time.Unix(1700000000, 0))
	require.NoError(t, b.SAdd(ctx, KeyImportQueue, "payload"))

	lease, ok, err := b.LeasePop(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx, lease))

	depth, err := b.SCard(ctx, KeyWorkingSet)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Racing the reaper: releasing again is a no-op, not an error.
	require.NoError(t, b.Release(ctx, lease))
}

func TestRequeueReturnsPayload(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	lease := Lease{Epoch: 1700000000, Payload: "payload"}
	require.NoError(t, b.SAdd(ctx, KeyWorkingSet, lease.Member()))

	require.NoError(t, b.Requeue(ctx, lease))

	queued, err := b.SIsMember(ctx, KeyImportQueue, "payload")
	require.NoError(t, err)
	assert.True(t, queued)

	working, err := b.SCard(ctx, KeyWorkingSet)
	require.NoError(t, err)
	assert.Zero(t, working)
}

func TestParseLease(t *testing.T) {
	lease, err := ParseLease(`1700000000;{"name":"a;b","offset":0}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), lease.Epoch)
	// Only the first separator splits; payloads may contain semicolons.
	assert.Equal(t, `{"name":"a;b","offset":0}`, lease.Payload)

	_, err = ParseLease("no separator here")
	assert.Error(t, err)

	_, err = ParseLease("notanumber;payload")
	assert.Error(t, err)
}

func TestHashOperations(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, ok, err := b.HGet(ctx, KeyBlogIDs, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.HSet(ctx, KeyBlogIDs, "someblog", "42"))
	v, ok, err := b.HGet(ctx, KeyBlogIDs, "someblog")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", v)

	require.NoError(t, b.HIncrBy(ctx, KeyWorkStats, "worker-1", 20))
	require.NoError(t, b.HIncrBy(ctx, KeyWorkStats, "worker-1", 20))
	stats, err := b.HGetAll(ctx, KeyWorkStats)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"worker-1": "40"}, stats)
}
