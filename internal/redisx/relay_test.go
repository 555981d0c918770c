package redisx

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

type fakeLocal struct {
	mu        sync.Mutex
	published []drops.Supply
	sales     []drops.Supply
}

func (f *fakeLocal) Publish(s drops.Supply) {
	f.mu.Lock()
	f.published = append(f.published, s)
	f.mu.Unlock()
}

func (f *fakeLocal) RecordSale(s drops.Supply, _ time.Time) {
	f.mu.Lock()
	f.sales = append(f.sales, s)
	f.mu.Unlock()
}

func (f *fakeLocal) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published), len(f.sales)
}

func encode(t *testing.T, m relayMessage) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func TestRelayReplaysForeignSnapshots(t *testing.T) {
	local := &fakeLocal{}
	r := NewFeedRelay(nil, local, "api-1", zaptest.NewLogger(t))
	s := drops.Supply{DropID: "drop-1", Total: 5, Remaining: 4, Version: 2}

	r.handle(encode(t, relayMessage{Origin: "api-1", Supply: s}))
	pub, sales := local.counts()
	require.Zero(t, pub+sales, "own messages are skipped")

	r.handle(encode(t, relayMessage{Origin: "api-2", Supply: s}))
	r.handle(encode(t, relayMessage{Origin: "api-2", Sale: true, At: time.Now(), Supply: s}))
	r.handle("not json")
	r.handle(encode(t, relayMessage{Origin: "api-2"}))

	pub, sales = local.counts()
	require.Equal(t, 1, pub)
	require.Equal(t, 1, sales)
}

func TestRelayNeverBlocksPublishers(t *testing.T) {
	local := &fakeLocal{}
	r := NewFeedRelay(nil, local, "api-1", zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultRelayBuffer+10; i++ {
			r.Publish(drops.Supply{DropID: "drop-1", Version: int64(i + 1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked without a running pump")
	}
	pub, _ := local.counts()
	require.Equal(t, defaultRelayBuffer+10, pub)
	require.Equal(t, int64(10), r.Dropped())
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb, err := New(context.Background(), addr, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("skipping Redis integration tests: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRelayAcrossInstances(t *testing.T) {
	rdb := testRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := &fakeLocal{}, &fakeLocal{}
	ra := NewFeedRelay(rdb, a, "api-a", zaptest.NewLogger(t))
	rb := NewFeedRelay(rdb, b, "api-b", zaptest.NewLogger(t))
	go func() { _ = ra.Run(ctx) }()
	go func() { _ = rb.Run(ctx) }()

	dropID := "relay-" + time.Now().Format("150405.000000")
	require.Eventually(t, func() bool {
		ra.Publish(drops.Supply{DropID: dropID, Total: 3, Remaining: 2, Version: time.Now().UnixNano()})
		pub, _ := b.counts()
		return pub > 0
	}, 5*time.Second, 100*time.Millisecond)
}

func TestSupplyCacheAndIdempotency(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	dropID := "cache-" + time.Now().Format("150405.000000")

	cache := NewSupplyCache(rdb, time.Second)
	_, ok, err := cache.Get(ctx, dropID)
	require.NoError(t, err)
	require.False(t, ok)

	s := drops.Supply{DropID: dropID, Total: 3, Remaining: 1, Version: 7}
	require.NoError(t, cache.Put(ctx, s))
	got, ok, err := cache.Get(ctx, dropID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, s.Version, got.Version)

	idem := NewIdempotency(rdb)
	id, err := idem.Remember(ctx, dropID, "key-1", "res-1")
	require.NoError(t, err)
	require.Equal(t, "res-1", id)
	id, err = idem.Remember(ctx, dropID, "key-1", "res-2")
	require.NoError(t, err)
	require.Equal(t, "res-1", id)

	id, ok, err = idem.Lookup(ctx, dropID, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "res-1", id)
}
