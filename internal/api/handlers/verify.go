package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/pweper/keygate/internal/license"
)

// verifyTimeout caps how long a single verification may block on the store.
const verifyTimeout = 10 * time.Second

var verifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keygate_verifications_total",
	Help: "License verification calls by outcome",
}, []string{"outcome"})

// VerifyHandler serves the public verification endpoint called by the
// protected desktop application.
type VerifyHandler struct {
	manager *license.Manager
}

func NewVerifyHandler(manager *license.Manager) *VerifyHandler {
	return &VerifyHandler{
		manager: manager,
	}
}

type VerifyRequest struct {
	Key  string `json:"key"`
	Hwid string `json:"hwid"`
}

type VerifyResponse struct {
	Valid     bool       `json:"valid"`
	Plan      string     `json:"plan,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	DaysLeft  *int       `json:"days_left,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Verify checks a (key, hwid) pair and binds the license to the machine on
// first use.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		verifications.WithLabelValues("bad_request").Inc()
		RespondJSON(w, http.StatusBadRequest, VerifyResponse{Valid: false, Reason: "invalid request body"})
		return
	}

	if req.Key == "" || req.Hwid == "" {
		verifications.WithLabelValues("bad_request").Inc()
		RespondJSON(w, http.StatusBadRequest, VerifyResponse{Valid: false, Reason: "missing key or hwid"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
	defer cancel()

	result, err := h.manager.VerifyAndBind(ctx, req.Key, req.Hwid)
	switch {
	case errors.Is(err, license.ErrKeyNotFound):
		verifications.WithLabelValues("not_found").Inc()
		RespondJSON(w, http.StatusNotFound, VerifyResponse{Valid: false, Reason: "key not found"})
	case errors.Is(err, license.ErrExpired):
		verifications.WithLabelValues("expired").Inc()
		RespondJSON(w, http.StatusForbidden, VerifyResponse{Valid: false, Reason: "expired"})
	case errors.Is(err, license.ErrHwidMismatch):
		verifications.WithLabelValues("hwid_mismatch").Inc()
		RespondJSON(w, http.StatusForbidden, VerifyResponse{Valid: false, Reason: "hwid mismatch"})
	case err != nil:
		verifications.WithLabelValues("error").Inc()
		log.Error().Err(err).
			Str("key", maskKey(req.Key)).
			Msg("Verification failed on storage")
		RespondError(w, http.StatusInternalServerError, "internal error")
	default:
		verifications.WithLabelValues("valid").Inc()
		RespondJSON(w, http.StatusOK, VerifyResponse{
			Valid:     true,
			Plan:      result.Plan,
			ExpiresAt: &result.ExpiresAt,
			DaysLeft:  &result.DaysLeft,
		})
	}
}
