// Package reservation runs the hold lifecycle: create, confirm, expire,
// cancel and the one-time extension. Counters live in the Ledger, records in
// the Store; the Store's conditional transition decides every race.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/clock"
	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/loyalty"
)

const (
	DefaultHoldTTL      = 5 * time.Minute
	DefaultExtensionTTL = 5 * time.Minute
	DefaultGraceWindow  = 30 * time.Second
	DefaultProducer     = "clawdrip-api"
	DefaultCurrency     = "USDC"
)

type Manager struct {
	ledger Ledger
	store  Store
	uow    UnitOfWork
	pub    Publisher
	emit   Emitter
	clock  clock.Clock
	logger *zap.Logger

	holdTTL      time.Duration
	extensionTTL time.Duration
	grace        time.Duration
	producer     string
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }
func WithUnitOfWork(u UnitOfWork) Option { return func(m *Manager) { m.uow = u } }
func WithPublisher(p Publisher) Option { return func(m *Manager) { m.pub = p } }
func WithEmitter(e Emitter) Option { return func(m *Manager) { m.emit = e } }
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }
func WithHoldTTL(d time.Duration) Option { return func(m *Manager) { m.holdTTL = d } }
func WithExtensionTTL(d time.Duration) Option { return func(m *Manager) { m.extensionTTL = d } }
func WithGraceWindow(d time.Duration) Option { return func(m *Manager) { m.grace = d } }
func WithProducer(name string) Option { return func(m *Manager) { m.producer = name } }

func New(ledger Ledger, store Store, opts ...Option) *Manager {
	m := &Manager{
		ledger:       ledger,
		store:        store,
		uow:          directUnit{},
		pub:          noopPublisher{},
		emit:         noopEmitter{},
		clock:        clock.NewSystem(),
		logger:       zap.NewNop(),
		holdTTL:      DefaultHoldTTL,
		extensionTTL: DefaultExtensionTTL,
		grace:        DefaultGraceWindow,
		producer:     DefaultProducer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// transactional units roll back ledger steps themselves; for anything else
// the manager undoes a reserve whose record could not be written.
type transactional interface {
	Transactional() bool
}

func (m *Manager) rollsBack() bool {
	t, ok := m.uow.(transactional)
	return ok && t.Transactional()
}

type traceKey struct{}

// WithTraceID tags events emitted under ctx with a caller supplied trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

func traceID(ctx context.Context) string {
	s, _ := ctx.Value(traceKey{}).(string)
	return s
}

type CreateInput struct {
	DropID        string `json:"drop_id"`
	Size          string `json:"size"`
	WalletAddress string `json:"wallet_address,omitempty"`
	// Balance is the buyer's loyalty balance; it picks the discount tier.
	Balance int64 `json:"balance"`
}

type Created struct {
	Reservation drops.Reservation `json:"reservation"`
	Supply      drops.Supply      `json:"supply"`
	Tier        loyalty.Tier      `json:"tier"`
}

func (m *Manager) CreateDrop(ctx context.Context, d drops.Drop) (drops.Drop, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.clock.Now()
	}
	if d.Currency == "" {
		d.Currency = DefaultCurrency
	}
	out, err := m.ledger.CreateDrop(ctx, d)
	if err != nil {
		return drops.Drop{}, err
	}
	m.pub.Publish(out.Supply(m.clock.Now()))
	m.logger.Info("drop created",
		zap.String("drop_id", out.ID), zap.Int("total_supply", out.TotalSupply), zap.Int64("price_cents", out.PriceCents))
	return out, nil
}

func (m *Manager) Drop(ctx context.Context, dropID string) (drops.Drop, error) {
	return m.ledger.Drop(ctx, dropID)
}

func (m *Manager) Supply(ctx context.Context, dropID string) (drops.Supply, error) {
	s, err := m.ledger.Supply(ctx, dropID)
	if err != nil {
		return drops.Supply{}, err
	}
	s.At = m.clock.Now()
	return s, nil
}

func (m *Manager) Get(ctx context.Context, id string) (drops.Reservation, error) {
	if id == "" {
		return drops.Reservation{}, fmt.Errorf("missing reservation id: %w", drops.ErrInvalidInput)
	}
	return m.store.Get(ctx, id)
}

// Create takes one unit off the drop and records a pending hold priced at the
// buyer's tier.
func (m *Manager) Create(ctx context.Context, in CreateInput) (Created, error) {
	in.Size = strings.TrimSpace(in.Size)
	if in.DropID == "" || in.Size == "" {
		return Created{}, fmt.Errorf("drop_id and size are required: %w", drops.ErrInvalidInput)
	}
	drop, err := m.ledger.Drop(ctx, in.DropID)
	if err != nil {
		return Created{}, err
	}

	tier := loyalty.TierFor(in.Balance)
	now := m.clock.Now()
	res := drops.Reservation{
		ID:                 uuid.NewString(),
		DropID:             drop.ID,
		WalletAddress:      in.WalletAddress,
		Size:               in.Size,
		PriceCents:         loyalty.DiscountedPrice(drop.PriceCents, tier.DiscountPercent),
		OriginalPriceCents: drop.PriceCents,
		DiscountPercent:    tier.DiscountPercent,
		DiscountTier:       tier.Name,
		Status:             drops.StatusPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.holdTTL),
	}

	var sup drops.Supply
	err = m.uow.Atomic(ctx, func(ctx context.Context) error {
		s, err := m.ledger.TryReserve(ctx, drop.ID)
		if err != nil {
			return err
		}
		if err := m.store.Insert(ctx, res); err != nil {
			if !m.rollsBack() {
				if _, rerr := m.ledger.Release(ctx, drop.ID); rerr != nil {
					m.logger.Error("release after failed insert", zap.String("drop_id", drop.ID), zap.Error(rerr))
				}
			}
			return fmt.Errorf("insert reservation: %w", err)
		}
		sup = s
		return nil
	})
	if err != nil {
		if !errors.Is(err, drops.ErrInsufficientSupply) {
			m.logger.Warn("create reservation failed", zap.String("drop_id", drop.ID), zap.Error(err))
		}
		return Created{}, err
	}

	sup.At = now
	m.pub.Publish(sup)
	m.publishEvent(ctx, drops.EventReservationCreated, res.ID, drops.NewReservationPayload(res, sup))
	m.logger.Info("reservation created",
		zap.String("reservation_id", res.ID),
		zap.String("drop_id", res.DropID),
		zap.String("tier", tier.Name),
		zap.Int64("price_cents", res.PriceCents),
		zap.Int("remaining", sup.Remaining),
	)
	return Created{Reservation: res, Supply: sup, Tier: tier}, nil
}

// Confirm converts a live hold into a sale. A hold past its expiry is never
// confirmed; on the exact expiry instant confirm wins.
func (m *Manager) Confirm(ctx context.Context, id, proofToken string) (drops.Sale, error) {
	if id == "" || strings.TrimSpace(proofToken) == "" {
		return drops.Sale{}, fmt.Errorf("reservation id and proof token are required: %w", drops.ErrInvalidInput)
	}
	res, err := m.store.Get(ctx, id)
	if err != nil {
		return drops.Sale{}, err
	}
	if err := m.confirmable(ctx, res); err != nil {
		return drops.Sale{}, err
	}
	drop, err := m.ledger.Drop(ctx, res.DropID)
	if err != nil {
		return drops.Sale{}, err
	}

	now := m.clock.Now()
	var (
		done drops.Reservation
		sup  drops.Supply
	)
	err = m.uow.Atomic(ctx, func(ctx context.Context) error {
		r, err := m.store.Transition(ctx, drops.Transition{
			ID:         id,
			From:       drops.StatusPending,
			To:         drops.StatusConfirmed,
			Now:        now,
			Guard:      drops.GuardLive,
			ProofToken: proofToken,
		})
		if err != nil {
			return err
		}
		s, err := m.ledger.Commit(ctx, r.DropID)
		if err != nil {
			return fmt.Errorf("commit unit: %w", err)
		}
		done, sup = r, s
		return nil
	})
	if errors.Is(err, drops.ErrTransitionLost) {
		cur, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return drops.Sale{}, gerr
		}
		// the sweeper got there first
		if cur.Status == drops.StatusExpired {
			return drops.Sale{}, drops.ErrExpired
		}
		if err := m.confirmable(ctx, cur); err != nil {
			return drops.Sale{}, err
		}
		return drops.Sale{}, fmt.Errorf("reservation %s changed during confirm: %w", id, drops.ErrVersionConflict)
	}
	if err != nil {
		m.logger.Error("confirm failed", zap.String("reservation_id", id), zap.Error(err))
		return drops.Sale{}, err
	}

	sale := drops.Sale{
		ReservationID:      done.ID,
		DropID:             done.DropID,
		WalletAddress:      done.WalletAddress,
		Size:               done.Size,
		PriceCents:         done.PriceCents,
		OriginalPriceCents: done.OriginalPriceCents,
		DiscountPercent:    done.DiscountPercent,
		DiscountTier:       done.DiscountTier,
		LoyaltyEarned:      loyalty.Earned(done.PriceCents),
		Currency:           drop.Currency,
		ProofToken:         proofToken,
		ConfirmedAt:        now,
	}
	sup.At = now
	m.pub.RecordSale(sup, now)
	m.publishEvent(ctx, drops.EventSaleFinalized, done.ID, drops.SaleFinalizedPayload{Sale: sale})
	m.logger.Info("sale finalized",
		zap.String("reservation_id", done.ID),
		zap.String("drop_id", done.DropID),
		zap.Int64("price_cents", sale.PriceCents),
		zap.Int("sold", sup.Sold),
	)
	return sale, nil
}

// confirmable explains why res cannot be confirmed, or returns nil. A lapsed
// pending hold is expired on the spot so its unit goes back to the pool; any
// other status is final.
func (m *Manager) confirmable(ctx context.Context, res drops.Reservation) error {
	switch res.Status {
	case drops.StatusPending:
		if !res.Lapsed(m.clock.Now()) {
			return nil
		}
		if _, err := m.Expire(ctx, res.ID); err != nil {
			m.logger.Warn("opportunistic expire failed", zap.String("reservation_id", res.ID), zap.Error(err))
		}
		return drops.ErrExpired
	default:
		return &drops.FinalizedError{ID: res.ID, Status: res.Status}
	}
}

// Expire releases a lapsed pending hold. It reports false when the hold was
// not pending or not yet lapsed, so repeated calls release at most once.
func (m *Manager) Expire(ctx context.Context, id string) (bool, error) {
	now := m.clock.Now()
	var (
		done drops.Reservation
		sup  drops.Supply
	)
	err := m.uow.Atomic(ctx, func(ctx context.Context) error {
		r, err := m.store.Transition(ctx, drops.Transition{
			ID:    id,
			From:  drops.StatusPending,
			To:    drops.StatusExpired,
			Now:   now,
			Guard: drops.GuardLapsed,
		})
		if err != nil {
			return err
		}
		s, err := m.ledger.Release(ctx, r.DropID)
		if err != nil {
			return fmt.Errorf("release unit: %w", err)
		}
		done, sup = r, s
		return nil
	})
	if errors.Is(err, drops.ErrTransitionLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sup.At = now
	m.pub.Publish(sup)
	m.publishEvent(ctx, drops.EventReservationExpired, done.ID, drops.NewReservationPayload(done, sup))
	m.logger.Info("reservation expired",
		zap.String("reservation_id", done.ID), zap.String("drop_id", done.DropID), zap.Int("remaining", sup.Remaining))
	return true, nil
}

// Lapsed lists pending holds past their expiry, oldest first.
func (m *Manager) Lapsed(ctx context.Context, limit int) ([]drops.Reservation, error) {
	return m.store.ListLapsed(ctx, m.clock.Now(), limit)
}

// Cancel gives a pending hold back to the pool at the buyer's request.
func (m *Manager) Cancel(ctx context.Context, id string) (drops.Reservation, error) {
	res, err := m.Get(ctx, id)
	if err != nil {
		return drops.Reservation{}, err
	}
	if res.Status != drops.StatusPending {
		return drops.Reservation{}, &drops.FinalizedError{ID: id, Status: res.Status}
	}

	now := m.clock.Now()
	var (
		done drops.Reservation
		sup  drops.Supply
	)
	err = m.uow.Atomic(ctx, func(ctx context.Context) error {
		r, err := m.store.Transition(ctx, drops.Transition{
			ID:   id,
			From: drops.StatusPending,
			To:   drops.StatusCancelled,
			Now:  now,
		})
		if err != nil {
			return err
		}
		s, err := m.ledger.Release(ctx, r.DropID)
		if err != nil {
			return fmt.Errorf("release unit: %w", err)
		}
		done, sup = r, s
		return nil
	})
	if errors.Is(err, drops.ErrTransitionLost) {
		cur, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return drops.Reservation{}, gerr
		}
		return drops.Reservation{}, &drops.FinalizedError{ID: id, Status: cur.Status}
	}
	if err != nil {
		return drops.Reservation{}, err
	}

	sup.At = now
	m.pub.Publish(sup)
	m.publishEvent(ctx, drops.EventReservationCancelled, done.ID, drops.NewReservationPayload(done, sup))
	m.logger.Info("reservation cancelled", zap.String("reservation_id", done.ID), zap.String("drop_id", done.DropID))
	return done, nil
}

// Extend grants the one-time extension to a hold found past its expiry, no
// later than the grace window. A lapsed hold not yet swept keeps its unit; a
// swept one must win a unit back first.
func (m *Manager) Extend(ctx context.Context, id string) (drops.Reservation, error) {
	// A pending hold may be swept between our read and our write; the second
	// pass then takes the expired branch.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := m.Get(ctx, id)
		if err != nil {
			return drops.Reservation{}, err
		}
		now := m.clock.Now()
		if res.ExtensionUsed || now.After(res.ExpiresAt.Add(m.grace)) {
			return drops.Reservation{}, drops.ErrNotEligible
		}

		var out drops.Reservation
		switch res.Status {
		case drops.StatusPending:
			if !res.Lapsed(now) {
				return drops.Reservation{}, drops.ErrNotEligible
			}
			out, err = m.extendPending(ctx, res, now)
		case drops.StatusExpired:
			out, err = m.extendExpired(ctx, res, now)
		default:
			return drops.Reservation{}, drops.ErrNotEligible
		}
		if errors.Is(err, drops.ErrTransitionLost) {
			continue
		}
		return out, err
	}
	return drops.Reservation{}, drops.ErrNotEligible
}

func (m *Manager) extendPending(ctx context.Context, res drops.Reservation, now time.Time) (drops.Reservation, error) {
	r, err := m.store.Transition(ctx, drops.Transition{
		ID:        res.ID,
		From:      drops.StatusPending,
		To:        drops.StatusPending,
		Now:       now,
		Guard:     drops.GuardLapsed,
		Extend:    true,
		ExpiresAt: res.ExpiresAt.Add(m.extensionTTL),
	})
	if err != nil {
		return drops.Reservation{}, err
	}
	sup, err := m.Supply(ctx, r.DropID)
	if err != nil {
		m.logger.Warn("read supply after extend", zap.String("drop_id", r.DropID), zap.Error(err))
	}
	m.extended(ctx, r, sup)
	return r, nil
}

func (m *Manager) extendExpired(ctx context.Context, res drops.Reservation, now time.Time) (drops.Reservation, error) {
	var (
		done drops.Reservation
		sup  drops.Supply
	)
	err := m.uow.Atomic(ctx, func(ctx context.Context) error {
		s, err := m.ledger.TryReserve(ctx, res.DropID)
		if err != nil {
			return err
		}
		r, err := m.store.Transition(ctx, drops.Transition{
			ID:        res.ID,
			From:      drops.StatusExpired,
			To:        drops.StatusPending,
			Now:       now,
			Extend:    true,
			ExpiresAt: res.ExpiresAt.Add(m.extensionTTL),
		})
		if err != nil {
			if !m.rollsBack() {
				if _, rerr := m.ledger.Release(ctx, res.DropID); rerr != nil {
					m.logger.Error("release after lost extension", zap.String("drop_id", res.DropID), zap.Error(rerr))
				}
			}
			return err
		}
		done, sup = r, s
		return nil
	})
	if err != nil {
		return drops.Reservation{}, err
	}
	sup.At = now
	m.pub.Publish(sup)
	m.extended(ctx, done, sup)
	return done, nil
}

func (m *Manager) extended(ctx context.Context, r drops.Reservation, sup drops.Supply) {
	m.publishEvent(ctx, drops.EventReservationExtended, r.ID, drops.NewReservationPayload(r, sup))
	m.logger.Info("reservation extended",
		zap.String("reservation_id", r.ID), zap.Time("expires_at", r.ExpiresAt))
}

// Purchase reserves and confirms in one call. A hold that fails to confirm
// is cancelled so the unit is not parked until the sweeper finds it.
func (m *Manager) Purchase(ctx context.Context, in CreateInput, proofToken string) (drops.Sale, error) {
	if strings.TrimSpace(proofToken) == "" {
		return drops.Sale{}, fmt.Errorf("proof token is required: %w", drops.ErrInvalidInput)
	}
	created, err := m.Create(ctx, in)
	if err != nil {
		return drops.Sale{}, err
	}
	sale, err := m.Confirm(ctx, created.Reservation.ID, proofToken)
	if err != nil {
		if _, cerr := m.Cancel(ctx, created.Reservation.ID); cerr != nil && !errors.Is(cerr, drops.ErrAlreadyFinalized) {
			m.logger.Warn("cancel after failed purchase", zap.String("reservation_id", created.Reservation.ID), zap.Error(cerr))
		}
		return drops.Sale{}, err
	}
	return sale, nil
}

func (m *Manager) publishEvent(ctx context.Context, eventType, reservationID string, payload any) {
	env, err := drops.NewEnvelope(eventType, m.producer, reservationID, payload, m.clock.Now())
	if err != nil {
		m.logger.Error("marshal event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env.TraceID = traceID(ctx)
	m.emit.Emit(ctx, env)
}
