package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPushSuccess(t *testing.T) {
	expiresAt := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)

	var got addKeyRequest
	var secret string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/add_key", r.URL.Path)
		secret = r.Header.Get("X-Sync-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(addKeyResponse{Success: true})
	}))
	defer server.Close()

	client := NewClient(server.URL, "shared-secret", 5*time.Second)

	err := client.Push(context.Background(), "PWEPER-AAAA1111", "1month", expiresAt)
	require.NoError(t, err)

	assert.Equal(t, "shared-secret", secret)
	assert.Equal(t, "PWEPER-AAAA1111", got.Key)
	assert.Equal(t, "1month", got.Plan)
	assert.Equal(t, expiresAt.Format(time.RFC3339), got.ExpiresAt)
}

func TestClientPushUnauthorized(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "missing secret", status: http.StatusUnauthorized},
		{name: "wrong secret", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewClient(server.URL, "wrong", 5*time.Second)

			err := client.Push(context.Background(), "PWEPER-AAAA1111", "1month", time.Now())
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Equal(t, int32(1), calls.Load(), "authorization failures are final, not retried")
		})
	}
}

func TestClientPushRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(addKeyResponse{Success: false, Error: "duplicate key"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "shared-secret", 5*time.Second)

	err := client.Push(context.Background(), "PWEPER-AAAA1111", "1month", time.Now())
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestClientPushUnreachableRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "shared-secret", 5*time.Second)

	err := client.Push(context.Background(), "PWEPER-AAAA1111", "1month", time.Now())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, int32(pushAttempts), calls.Load(), "unreachable failures are retried")
}

func TestClientPushConnectionRefused(t *testing.T) {
	// Grab an address nothing is listening on.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, "shared-secret", time.Second)

	err := client.Push(context.Background(), "PWEPER-AAAA1111", "1month", time.Now())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientPushRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(addKeyResponse{Success: true})
	}))
	defer server.Close()

	client := NewClient(server.URL, "shared-secret", 5*time.Second)

	err := client.Push(context.Background(), "PWEPER-AAAA1111", "1month", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
