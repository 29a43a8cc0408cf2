package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pweper/keygate/internal/models"
)

// RequireAPIKey guards the admin/storefront surface. Keys are validated
// against their stored SHA256 hashes.
func RequireAPIKey(store *models.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			apiKey, err := store.Validate(r.Context(), rawKey)
			if err != nil {
				if errors.Is(err, models.ErrAPIKeyNotFound) {
					log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Invalid API key")
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				log.Error().Err(err).Msg("Failed to validate API key")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			log.Debug().Int("apiKeyID", apiKey.ID).Str("name", apiKey.Name).Msg("API key authenticated")
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSyncSecret guards the inbound /add_key endpoint with the shared
// sync secret: 401 when the header is absent, 403 when it does not match.
func RequireSyncSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Sync-Secret")
			if provided == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Sync secret mismatch")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
