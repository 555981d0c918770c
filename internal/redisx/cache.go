package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

// SupplyCache holds short-lived supply snapshots for read-heavy endpoints.
// The ledger stays the source of truth; entries expire within seconds.
type SupplyCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewSupplyCache(rdb redis.Cmdable, ttl time.Duration) *SupplyCache {
	if ttl <= 0 {
		ttl = TTLSupplyCache
	}
	return &SupplyCache{rdb: rdb, ttl: ttl}
}

func (c *SupplyCache) Get(ctx context.Context, dropID string) (drops.Supply, bool, error) {
	b, err := c.rdb.Get(ctx, SupplyCacheKey(dropID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return drops.Supply{}, false, nil
	}
	if err != nil {
		return drops.Supply{}, false, err
	}
	var s drops.Supply
	if err := json.Unmarshal(b, &s); err != nil {
		return drops.Supply{}, false, err
	}
	return s, true, nil
}

func (c *SupplyCache) Put(ctx context.Context, s drops.Supply) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, SupplyCacheKey(s.DropID), b, c.ttl).Err()
}

// Idempotency maps a client supplied key to the reservation it created.
type Idempotency struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: TTLIdempotency}
}

// Lookup returns the reservation id remembered for key, if any.
func (i *Idempotency) Lookup(ctx context.Context, dropID, key string) (string, bool, error) {
	id, err := i.rdb.Get(ctx, IdemReservationKey(dropID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, id != "", nil
}

// Remember stores reservationID under key unless another request got there
// first, in which case the winner's id is returned.
func (i *Idempotency) Remember(ctx context.Context, dropID, key, reservationID string) (string, error) {
	k := IdemReservationKey(dropID, key)
	ok, err := i.rdb.SetNX(ctx, k, reservationID, i.ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return reservationID, nil
	}
	return i.rdb.Get(ctx, k).Result()
}
