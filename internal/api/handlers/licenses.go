package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pweper/keygate/internal/license"
	"github.com/pweper/keygate/internal/models"
)

const defaultSearchLimit = 20

// LicensesHandler serves the authenticated admin/storefront surface.
type LicensesHandler struct {
	manager *license.Manager
}

func NewLicensesHandler(manager *license.Manager) *LicensesHandler {
	return &LicensesHandler{
		manager: manager,
	}
}

// RegisterRoutes registers admin license routes
func (h *LicensesHandler) RegisterRoutes(r chi.Router) {
	r.Post("/licenses", h.Create)
	r.Get("/licenses/search", h.Search)
	r.Get("/owners/{ownerID}/licenses", h.ListOwner)
	r.Get("/stats", h.Stats)
}

type CreateLicenseRequest struct {
	OwnerID       int64  `json:"owner_id"`
	Plan          string `json:"plan"`
	PaymentMethod string `json:"payment_method"`
}

type CreateLicenseResponse struct {
	Key string `json:"key"`
}

// Create issues a new license, called by the storefront after payment
// confirmation or by an administrator gifting a key.
func (h *LicensesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateLicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentMethodAdminGift
	}

	key, err := h.manager.Create(r.Context(), req.OwnerID, req.Plan, req.PaymentMethod)
	if err != nil {
		if errors.Is(err, models.ErrUnknownPlan) {
			RespondError(w, http.StatusBadRequest, "unknown plan")
			return
		}
		log.Error().Err(err).
			Int64("ownerID", req.OwnerID).
			Str("plan", req.Plan).
			Msg("Failed to create license")
		RespondError(w, http.StatusInternalServerError, "failed to create license")
		return
	}

	RespondJSON(w, http.StatusCreated, CreateLicenseResponse{Key: key})
}

// ListOwner returns all licenses of an owner with derived expiry fields.
func (h *LicensesHandler) ListOwner(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(chi.URLParam(r, "ownerID"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	licenses, err := h.manager.ListOwnerLicenses(r.Context(), ownerID)
	if err != nil {
		log.Error().Err(err).Int64("ownerID", ownerID).Msg("Failed to list owner licenses")
		RespondError(w, http.StatusInternalServerError, "failed to list licenses")
		return
	}

	if licenses == nil {
		licenses = []license.OwnerLicense{}
	}

	RespondJSON(w, http.StatusOK, licenses)
}

// Stats returns store-wide reporting counters.
func (h *LicensesHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Statistics(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to aggregate statistics")
		RespondError(w, http.StatusInternalServerError, "failed to aggregate statistics")
		return
	}

	RespondJSON(w, http.StatusOK, stats)
}

// Search fuzzy-matches known license keys for admin lookup.
func (h *LicensesHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		RespondError(w, http.StatusBadRequest, "missing query")
		return
	}

	matches, err := h.manager.SearchKeys(r.Context(), query, defaultSearchLimit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to search license keys")
		RespondError(w, http.StatusInternalServerError, "failed to search keys")
		return
	}

	if matches == nil {
		matches = []string{}
	}

	RespondJSON(w, http.StatusOK, map[string][]string{"keys": matches})
}
