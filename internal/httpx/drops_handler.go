package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zacdoteth/clawdrip/internal/drops"
	"github.com/zacdoteth/clawdrip/internal/feed"
	"github.com/zacdoteth/clawdrip/internal/loyalty"
	"github.com/zacdoteth/clawdrip/internal/reservation"
)

const requestTimeout = 5 * time.Second

type Reservations interface {
	Create(ctx context.Context, in reservation.CreateInput) (reservation.Created, error)
	Purchase(ctx context.Context, in reservation.CreateInput, proofToken string) (drops.Sale, error)
	Get(ctx context.Context, id string) (drops.Reservation, error)
	Confirm(ctx context.Context, id, proofToken string) (drops.Sale, error)
	Extend(ctx context.Context, id string) (drops.Reservation, error)
	Cancel(ctx context.Context, id string) (drops.Reservation, error)
	Supply(ctx context.Context, dropID string) (drops.Supply, error)
}

type SupplyCache interface {
	Get(ctx context.Context, dropID string) (drops.Supply, bool, error)
	Put(ctx context.Context, s drops.Supply) error
}

type Idempotency interface {
	Lookup(ctx context.Context, dropID, key string) (string, bool, error)
	Remember(ctx context.Context, dropID, key, reservationID string) (string, error)
}

// DropsHandler serves the storefront API. Cache and Idem are optional.
type DropsHandler struct {
	Reservations Reservations
	Feed         *feed.Broadcaster
	Cache        SupplyCache
	Idem         Idempotency
	Logger       *zap.Logger
}

type createReq struct {
	Size          string `json:"size"`
	WalletAddress string `json:"wallet_address"`
	Balance       int64  `json:"balance"`
	ProofToken    string `json:"proof_token"`
}

type createResp struct {
	reservation.Created
	Idempotent bool `json:"idempotent"`
}

type confirmReq struct {
	ProofToken string `json:"proof_token"`
}

type messageResp struct {
	Message     string            `json:"message"`
	Reservation drops.Reservation `json:"reservation"`
}

func (h *DropsHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Post("/drops/{dropID}/reservations", h.createReservation)
		r.Post("/drops/{dropID}/purchase", h.purchase)
		r.Get("/drops/{dropID}/supply", h.supply)
		r.Get("/reservations/{id}", h.getReservation)
		r.Post("/reservations/{id}/confirm", h.confirm)
		r.Post("/reservations/{id}/extend", h.extend)
		r.Post("/reservations/{id}/cancel", h.cancel)
		r.Get("/tiers", h.listTiers)
		r.Get("/tiers/{balance}", h.tierFor)
	})
	r.Get("/drops/{dropID}/feed", h.feed)
}

func (h *DropsHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// requestContext bounds the call and carries the request id into emitted events.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	if id := middleware.GetReqID(r.Context()); id != "" {
		ctx = reservation.WithTraceID(ctx, id)
	}
	return ctx, cancel
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid json: %w", drops.ErrInvalidInput)
	}
	return nil
}

func (h *DropsHandler) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dropID := chi.URLParam(r, "dropID")
	idemKey := r.Header.Get("Idempotency-Key")

	ctx, cancel := requestContext(r)
	defer cancel()

	if idemKey != "" && h.Idem != nil {
		if out, ok := h.replay(ctx, dropID, idemKey); ok {
			writeJSON(w, http.StatusOK, out)
			return
		}
	}

	created, err := h.Reservations.Create(ctx, reservation.CreateInput{
		DropID:        dropID,
		Size:          req.Size,
		WalletAddress: req.WalletAddress,
		Balance:       req.Balance,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if idemKey != "" && h.Idem != nil {
		winner, err := h.Idem.Remember(ctx, dropID, idemKey, created.Reservation.ID)
		if err != nil {
			h.logger().Warn("idempotency remember failed", zap.String("drop_id", dropID), zap.Error(err))
		} else if winner != created.Reservation.ID {
			// a concurrent request with the same key got there first
			if _, err := h.Reservations.Cancel(ctx, created.Reservation.ID); err != nil {
				h.logger().Warn("release duplicate hold", zap.String("reservation_id", created.Reservation.ID), zap.Error(err))
			}
			if out, ok := h.replay(ctx, dropID, idemKey); ok {
				writeJSON(w, http.StatusOK, out)
				return
			}
		}
	}
	writeJSON(w, http.StatusCreated, createResp{Created: created})
}

func (h *DropsHandler) replay(ctx context.Context, dropID, key string) (createResp, bool) {
	id, ok, err := h.Idem.Lookup(ctx, dropID, key)
	if err != nil {
		h.logger().Warn("idempotency lookup failed", zap.String("drop_id", dropID), zap.Error(err))
		return createResp{}, false
	}
	if !ok {
		return createResp{}, false
	}
	res, err := h.Reservations.Get(ctx, id)
	if err != nil {
		return createResp{}, false
	}
	out := createResp{Idempotent: true}
	out.Reservation = res
	if s, err := h.Reservations.Supply(ctx, dropID); err == nil {
		out.Supply = s
	}
	return out, true
}

func (h *DropsHandler) purchase(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()

	sale, err := h.Reservations.Purchase(ctx, reservation.CreateInput{
		DropID:        chi.URLParam(r, "dropID"),
		Size:          req.Size,
		WalletAddress: req.WalletAddress,
		Balance:       req.Balance,
	}, req.ProofToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (h *DropsHandler) getReservation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := h.Reservations.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DropsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()

	sale, err := h.Reservations.Confirm(ctx, chi.URLParam(r, "id"), req.ProofToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (h *DropsHandler) extend(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := h.Reservations.Extend(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "reservation renewed", Reservation: res})
}

func (h *DropsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := h.Reservations.Cancel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "reservation cancelled", Reservation: res})
}

// supply is read-through: a short-lived Redis copy absorbs polling storms.
func (h *DropsHandler) supply(w http.ResponseWriter, r *http.Request) {
	dropID := chi.URLParam(r, "dropID")
	ctx, cancel := requestContext(r)
	defer cancel()

	if h.Cache != nil {
		s, ok, err := h.Cache.Get(ctx, dropID)
		if err != nil {
			h.logger().Warn("supply cache get failed", zap.String("drop_id", dropID), zap.Error(err))
		} else if ok {
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	s, err := h.Reservations.Supply(ctx, dropID)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Put(ctx, s); err != nil {
			h.logger().Warn("supply cache put failed", zap.String("drop_id", dropID), zap.Error(err))
		}
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *DropsHandler) listTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, loyalty.Tiers())
}

func (h *DropsHandler) tierFor(w http.ResponseWriter, r *http.Request) {
	balance, err := strconv.ParseInt(chi.URLParam(r, "balance"), 10, 64)
	if err != nil {
		writeError(w, errors.Join(drops.ErrInvalidInput, err))
		return
	}
	writeJSON(w, http.StatusOK, loyalty.TierFor(balance))
}
