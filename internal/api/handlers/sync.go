package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pweper/keygate/internal/models"
)

// SyncHandler serves the inbound side of the dual-store sync contract:
// the selling instance pushes newly created licenses here so this instance
// can answer verifications for them.
type SyncHandler struct {
	store *models.LicenseStore
}

func NewSyncHandler(store *models.LicenseStore) *SyncHandler {
	return &SyncHandler{
		store: store,
	}
}

type AddKeyRequest struct {
	Key       string `json:"key"`
	Plan      string `json:"plan"`
	ExpiresAt string `json:"expires_at"`
}

type AddKeyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AddKey accepts a pushed license. Validation failures are remote-side
// rejections reported as success=false with a 200 status; only storage
// failures surface as 500.
func (h *SyncHandler) AddKey(w http.ResponseWriter, r *http.Request) {
	var req AddKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondJSON(w, http.StatusBadRequest, AddKeyResponse{Success: false, Error: "invalid request body"})
		return
	}

	if req.Key == "" {
		RespondJSON(w, http.StatusOK, AddKeyResponse{Success: false, Error: "missing key"})
		return
	}

	if _, err := models.PlanByID(req.Plan); err != nil {
		RespondJSON(w, http.StatusOK, AddKeyResponse{Success: false, Error: "unknown plan"})
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		RespondJSON(w, http.StatusOK, AddKeyResponse{Success: false, Error: "invalid expires_at"})
		return
	}

	lic := &models.License{
		Key:           req.Key,
		OwnerID:       0, // owner identity stays on the selling instance
		Plan:          req.Plan,
		PaymentMethod: "sync",
		CreatedAt:     time.Now(),
		ExpiresAt:     expiresAt,
	}

	if err := h.store.Put(r.Context(), lic); err != nil {
		if errors.Is(err, models.ErrDuplicateKey) {
			RespondJSON(w, http.StatusOK, AddKeyResponse{Success: false, Error: "duplicate key"})
			return
		}
		log.Error().Err(err).
			Str("key", maskKey(req.Key)).
			Msg("Failed to store pushed license")
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log.Info().
		Str("key", maskKey(req.Key)).
		Str("plan", req.Plan).
		Msg("License accepted from sync push")

	RespondJSON(w, http.StatusOK, AddKeyResponse{Success: true})
}
