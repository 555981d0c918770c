package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

type errorResp struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Status  drops.Status `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to a status code and a stable error code.
func statusFor(err error) (int, errorResp) {
	var fe *drops.FinalizedError
	switch {
	case errors.Is(err, drops.ErrInvalidInput):
		return http.StatusBadRequest, errorResp{Error: "invalid_input", Message: err.Error()}
	case errors.Is(err, drops.ErrInsufficientSupply):
		return http.StatusConflict, errorResp{Error: "sold_out", Message: "sold out"}
	case errors.Is(err, drops.ErrDropNotFound):
		return http.StatusNotFound, errorResp{Error: "not_found", Message: "drop not found"}
	case errors.Is(err, drops.ErrNotFound):
		return http.StatusNotFound, errorResp{Error: "not_found", Message: "reservation not found"}
	case errors.As(err, &fe):
		return http.StatusConflict, errorResp{Error: "already_finalized", Message: fe.Error(), Status: fe.Status}
	case errors.Is(err, drops.ErrExpired):
		return http.StatusGone, errorResp{Error: "expired", Message: "reservation expired, please retry"}
	case errors.Is(err, drops.ErrNotEligible):
		return http.StatusUnprocessableEntity, errorResp{Error: "not_eligible", Message: "reservation cannot be extended"}
	case errors.Is(err, drops.ErrVersionConflict):
		return http.StatusServiceUnavailable, errorResp{Error: "retry", Message: "busy, please retry"}
	}
	return http.StatusInternalServerError, errorResp{Error: "internal", Message: "internal error"}
}

func writeError(w http.ResponseWriter, err error) {
	code, body := statusFor(err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, body)
}
