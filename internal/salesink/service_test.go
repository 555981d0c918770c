package salesink_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/salesink"
)

type memSales struct {
	mu   sync.Mutex
	rows map[string]drops.Sale
	err  error
}

func (m *memSales) Record(_ context.Context, s drops.Sale) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.rows[s.ReservationID]; ok {
		return false, nil
	}
	m.rows[s.ReservationID] = s
	return true, nil
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *memDedup) Mark(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = true
	return nil
}

func message(t *testing.T, eventType string, payload any) (kafkago.Message, drops.Envelope) {
	t.Helper()
	env, err := drops.NewEnvelope(eventType, "test", "res-1", payload, time.Now())
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Key: []byte("res-1"), Value: b}, env
}

func newService(t *testing.T) (*salesink.Service, *memSales, *memDedup) {
	sales := &memSales{rows: map[string]drops.Sale{}}
	dedup := &memDedup{seen: map[string]bool{}}
	return &salesink.Service{Sales: sales, Dedup: dedup, Logger: zaptest.NewLogger(t)}, sales, dedup
}

func TestRecordsSaleOnce(t *testing.T) {
	svc, sales, dedup := newService(t)
	ctx := context.Background()
	sale := drops.Sale{ReservationID: "res-1", DropID: "drop-1", PriceCents: 3150, LoyaltyEarned: 31}
	m, env := message(t, drops.EventSaleFinalized, drops.SaleFinalizedPayload{Sale: sale})

	require.NoError(t, svc.HandleSaleFinalized(ctx, m))
	require.NoError(t, svc.HandleSaleFinalized(ctx, m))

	require.Len(t, sales.rows, 1)
	require.Equal(t, int64(3150), sales.rows["res-1"].PriceCents)
	require.True(t, dedup.seen[env.EventID])

	// A fresh event id for the same reservation still lands once.
	again, _ := message(t, drops.EventSaleFinalized, drops.SaleFinalizedPayload{Sale: sale})
	require.NoError(t, svc.HandleSaleFinalized(ctx, again))
	require.Len(t, sales.rows, 1)
}

func TestIgnoresOtherEventsAndGarbage(t *testing.T) {
	svc, sales, _ := newService(t)
	ctx := context.Background()

	m, _ := message(t, drops.EventReservationCreated, drops.ReservationPayload{ReservationID: "res-1"})
	require.NoError(t, svc.HandleSaleFinalized(ctx, m))
	require.NoError(t, svc.HandleSaleFinalized(ctx, kafkago.Message{Value: []byte("{")}))
	require.Empty(t, sales.rows)
}

func TestStoreFailureLeavesOffsetUncommitted(t *testing.T) {
	svc, sales, dedup := newService(t)
	sales.err = errors.New("db down")
	m, env := message(t, drops.EventSaleFinalized, drops.SaleFinalizedPayload{Sale: drops.Sale{ReservationID: "res-1", DropID: "drop-1"}})

	require.Error(t, svc.HandleSaleFinalized(context.Background(), m))
	require.False(t, dedup.seen[env.EventID])
}
