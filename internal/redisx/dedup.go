package redisx

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids per consuming service.
type Dedup struct {
	rdb     redis.Cmdable
	service string
}

func NewDedup(rdb redis.Cmdable, service string) *Dedup {
	return &Dedup{rdb: rdb, service: service}
}

func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.rdb, DedupKey(d.service, eventID))
}

func (d *Dedup) Mark(ctx context.Context, eventID string) error {
	return d.rdb.Set(ctx, DedupKey(d.service, eventID), "1", TTLDedup).Err()
}
