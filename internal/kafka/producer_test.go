package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.closed
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestEmitterRoutesByEventType(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 16, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	e := NewEmitter(p, zaptest.NewLogger(t))

	now := time.Now()
	created, err := drops.NewEnvelope(drops.EventReservationCreated, "test", "res-1",
		drops.ReservationPayload{ReservationID: "res-1", DropID: "drop-1"}, now)
	require.NoError(t, err)
	sold, err := drops.NewEnvelope(drops.EventSaleFinalized, "test", "res-1",
		drops.SaleFinalizedPayload{Sale: drops.Sale{ReservationID: "res-1", PriceCents: 3500}}, now)
	require.NoError(t, err)

	e.Emit(ctx, created)
	e.Emit(ctx, sold)
	cancel()
	p.WaitClosed()

	msgs, closed := w.snapshot()
	require.True(t, closed)
	require.Len(t, msgs, 2)

	require.Equal(t, drops.TopicReservationLifecycle, msgs[0].Topic)
	require.Equal(t, drops.TopicSaleFinalized, msgs[1].Topic)
	for _, m := range msgs {
		require.Equal(t, "res-1", string(m.Key))
		require.Equal(t, "1", header(m, HeaderEventVersion))
	}
	require.Equal(t, drops.EventSaleFinalized, header(msgs[1], HeaderEventType))

	env, err := DecodeEnvelope(msgs[1].Value)
	require.NoError(t, err)
	require.Equal(t, sold.EventID, env.EventID)
	payload, err := UnwrapPayload[drops.SaleFinalizedPayload](env.Payload)
	require.NoError(t, err)
	require.Equal(t, int64(3500), payload.PriceCents)
}

func TestPublishDropsWhenQueueIsFull(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 2, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		p.Publish(drops.TopicReservationLifecycle, []byte("k"), []byte("{}"))
	}
	require.Equal(t, int64(3), p.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Start(ctx)
	p.WaitClosed()

	msgs, _ := w.snapshot()
	require.Len(t, msgs, 2)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("nope"))
	require.Error(t, err)

	_, err = UnwrapPayload[drops.SaleFinalizedPayload](json.RawMessage(`{"price_cents":"x"}`))
	require.Error(t, err)
}
