package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name string
	}{
		{fmt.Errorf("size: %w", drops.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{drops.ErrInsufficientSupply, http.StatusConflict, "sold_out"},
		{drops.ErrDropNotFound, http.StatusNotFound, "not_found"},
		{drops.ErrNotFound, http.StatusNotFound, "not_found"},
		{&drops.FinalizedError{ID: "r1", Status: drops.StatusExpired}, http.StatusConflict, "already_finalized"},
		{drops.ErrExpired, http.StatusGone, "expired"},
		{drops.ErrNotEligible, http.StatusUnprocessableEntity, "not_eligible"},
		{fmt.Errorf("reserve: %w", drops.ErrVersionConflict), http.StatusServiceUnavailable, "retry"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		code, body := statusFor(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Equal(t, tc.name, body.Error, tc.err.Error())
	}
}

func TestWriteErrorSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, drops.ErrVersionConflict)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	writeError(rec, &drops.FinalizedError{ID: "r1", Status: drops.StatusConfirmed})
	assert.Contains(t, rec.Body.String(), `"status":"confirmed"`)
}
