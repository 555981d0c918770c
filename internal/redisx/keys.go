package redisx

import (
	"fmt"
	"time"
)

const (
	// idem:reservation:create:{drop_id}:{idempotency_key} -> reservation_id
	KeyIdemReservationCreate = "idem:reservation:create:%s:%s"

	// supply_cache:{drop_id} -> JSON supply snapshot
	KeySupplyCache = "supply_cache:%s"

	// dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Pub/Sub channel carrying supply snapshots for one drop.
	ChannelSupply = "drop:%s:supply"
	// Pattern matching every drop's supply channel.
	ChannelSupplyPattern = "drop:*:supply"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLSupplyCache = 2 * time.Second
	TTLDedup       = 48 * time.Hour
)

func IdemReservationKey(dropID, key string) string {
	return fmt.Sprintf(KeyIdemReservationCreate, dropID, key)
}

func SupplyCacheKey(dropID string) string { return fmt.Sprintf(KeySupplyCache, dropID) }

func DedupKey(service, eventID string) string { return fmt.Sprintf(KeyDedup, service, eventID) }

func SupplyChannel(dropID string) string { return fmt.Sprintf(ChannelSupply, dropID) }
