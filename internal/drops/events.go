package drops

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventReservationCreated   = "ReservationCreated"
	EventReservationExtended  = "ReservationExtended"
	EventReservationExpired   = "ReservationExpired"
	EventReservationCancelled = "ReservationCancelled"
	EventSaleFinalized        = "SaleFinalized"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g. "clawdrip-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // reservation id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type ReservationPayload struct {
	ReservationID   string    `json:"reservation_id"`
	DropID          string    `json:"drop_id"`
	WalletAddress   string    `json:"wallet_address,omitempty"`
	Size            string    `json:"size"`
	PriceCents      int64     `json:"price_cents"`
	DiscountPercent int       `json:"discount_percent"`
	Status          Status    `json:"status"`
	ExpiresAt       time.Time `json:"expires_at"`
	Remaining       int       `json:"remaining"`
}

func NewReservationPayload(r Reservation, s Supply) ReservationPayload {
	return ReservationPayload{
		ReservationID:   r.ID,
		DropID:          r.DropID,
		WalletAddress:   r.WalletAddress,
		Size:            r.Size,
		PriceCents:      r.PriceCents,
		DiscountPercent: r.DiscountPercent,
		Status:          r.Status,
		ExpiresAt:       r.ExpiresAt,
		Remaining:       s.Remaining,
	}
}

type SaleFinalizedPayload struct {
	Sale
}

func NewEnvelope(eventType, producer, correlationID string, payload any, at time.Time) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}
