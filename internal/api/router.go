package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pweper/keygate/internal/api/handlers"
	apimiddleware "github.com/pweper/keygate/internal/api/middleware"
	"github.com/pweper/keygate/internal/config"
	"github.com/pweper/keygate/internal/license"
	"github.com/pweper/keygate/internal/models"
)

// Dependencies holds all the dependencies needed for the API
type Dependencies struct {
	Config       *config.AppConfig
	Manager      *license.Manager
	LicenseStore *models.LicenseStore
	APIKeyStore  *models.APIKeyStore
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)

	verifyHandler := handlers.NewVerifyHandler(deps.Manager)
	licensesHandler := handlers.NewLicensesHandler(deps.Manager)

	// Public verification surface
	r.Post("/verify", verifyHandler.Verify)

	// Liveness only, no dependency checks
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if deps.Config.Config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Inbound sync push, only when a shared secret is configured
	if secret := deps.Config.Config.SyncSecret; secret != "" {
		syncHandler := handlers.NewSyncHandler(deps.LicenseStore)
		r.With(apimiddleware.RequireSyncSecret(secret)).Post("/add_key", syncHandler.AddKey)
	}

	// Admin/storefront surface
	r.Route("/api", func(r chi.Router) {
		r.Use(apimiddleware.RequireAPIKey(deps.APIKeyStore))
		licensesHandler.RegisterRoutes(r)
	})

	return r
}
