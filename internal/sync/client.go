package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Push failure taxonomy. Unauthorized means the shared secret was rejected,
// Rejected a remote-side validation failure (duplicate key and the like),
// Unreachable a network or timeout failure.
var (
	ErrUnauthorized = errors.New("sync secret rejected by remote")
	ErrRejected     = errors.New("push rejected by remote")
	ErrUnreachable  = errors.New("remote unreachable")
)

const (
	defaultTimeout = 10 * time.Second
	pushAttempts   = 3
	pushRetryDelay = 500 * time.Millisecond
)

var syncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keygate_sync_failures_total",
	Help: "Remote license push failures by reason",
}, []string{"reason"})

// Client pushes newly created licenses to the remote verification service.
// The remote store is authoritative for verification when verification is
// served remotely; pushes are best-effort and failures are an operational
// signal, never a rollback.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type addKeyRequest struct {
	Key       string `json:"key"`
	Plan      string `json:"plan"`
	ExpiresAt string `json:"expires_at"`
}

type addKeyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Push sends (key, plan, expiresAt) to the remote /add_key endpoint.
// Unreachable failures are retried a bounded number of times; authorization
// and validation failures are final.
func (c *Client) Push(ctx context.Context, key, plan string, expiresAt time.Time) error {
	body, err := json.Marshal(addKeyRequest{
		Key:       key,
		Plan:      plan,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode push payload")
	}

	err = retry.Do(
		func() error {
			return c.push(ctx, body)
		},
		retry.Context(ctx),
		retry.Attempts(pushAttempts),
		retry.Delay(pushRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrUnreachable)
		}),
	)
	if err != nil {
		syncFailures.WithLabelValues(failureReason(err)).Inc()
		log.Error().Err(err).
			Str("key", maskKey(key)).
			Str("remote", c.baseURL).
			Msg("Failed to push license to remote store")
		return err
	}

	log.Debug().
		Str("key", maskKey(key)).
		Str("remote", c.baseURL).
		Msg("License pushed to remote store")

	return nil
}

func (c *Client) push(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/add_key", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-Secret", c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		return errors.Wrapf(ErrUnreachable, "remote returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return errors.Wrapf(ErrRejected, "remote returned status %d", resp.StatusCode)
	}

	var ack addKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return errors.Wrap(ErrRejected, "invalid response from remote")
	}

	if !ack.Success {
		return errors.Wrap(ErrRejected, ack.Error)
	}

	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "unknown"
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}
