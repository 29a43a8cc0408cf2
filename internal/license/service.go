package license

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pweper/keygate/internal/models"
)

// Rejection outcomes of VerifyAndBind. These are expected, user-facing
// results; anything else returned by the manager is a storage failure.
var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrExpired      = errors.New("license expired")
	ErrHwidMismatch = errors.New("license bound to another device")
)

// maxKeyAttempts bounds generator retries on a store-level duplicate.
const maxKeyAttempts = 5

// verifyCacheTTL bounds how long a bound license may be served from cache.
const verifyCacheTTL = 30 * time.Second

// Pusher propagates newly created licenses to the remote verification
// service. Push failures never fail the local create.
type Pusher interface {
	Push(ctx context.Context, key, plan string, expiresAt time.Time) error
}

// VerifyResult is the successful outcome of a verification call.
type VerifyResult struct {
	Plan      string    `json:"plan"`
	ExpiresAt time.Time `json:"expires_at"`
	DaysLeft  int       `json:"days_left"`
}

// OwnerLicense is the read projection returned by ListOwnerLicenses.
type OwnerLicense struct {
	Key       string    `json:"key"`
	Plan      string    `json:"plan"`
	Activated bool      `json:"activated"`
	ExpiresAt time.Time `json:"expires_at"`
	DaysLeft  int       `json:"days_left"`
	Expired   bool      `json:"expired"`
}

// Manager owns the license lifecycle: issuance, first-use HWID binding and
// read projections. All mutation goes through the store; the cache only ever
// holds already-bound licenses, so the binding decision always reads
// authoritative state.
type Manager struct {
	store  *models.LicenseStore
	pusher Pusher
	cache  *ristretto.Cache
	now    func() time.Time
}

// NewManager creates a license manager. pusher may be nil when no remote
// sync is configured.
func NewManager(store *models.LicenseStore, pusher Pusher) (*Manager, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create verify cache")
	}

	return &Manager{
		store:  store,
		pusher: pusher,
		cache:  cache,
		now:    time.Now,
	}, nil
}

// Create issues a new license for the owner and returns its key. A duplicate
// key from the generator is an internal condition, retried with a fresh
// draw and never surfaced. The remote push is best-effort: a failure is
// logged and the key is returned anyway.
func (m *Manager) Create(ctx context.Context, ownerID int64, planID, paymentMethod string) (string, error) {
	plan, err := models.PlanByID(planID)
	if err != nil {
		return "", err
	}

	now := m.now()

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := GenerateKey()
		if err != nil {
			return "", err
		}

		lic := &models.License{
			Key:           key,
			OwnerID:       ownerID,
			Plan:          plan.ID,
			PaymentMethod: paymentMethod,
			CreatedAt:     now,
			ExpiresAt:     now.Add(plan.Duration),
		}

		if err := m.store.Put(ctx, lic); err != nil {
			if errors.Is(err, models.ErrDuplicateKey) {
				log.Warn().
					Str("key", maskKey(key)).
					Int("attempt", attempt+1).
					Msg("Generated key collided, retrying with a fresh draw")
				continue
			}
			return "", err
		}

		if amount := plan.Price(paymentMethod); amount > 0 {
			txn := &models.Transaction{
				OwnerID:    ownerID,
				Plan:       plan.ID,
				Amount:     amount,
				Method:     paymentMethod,
				LicenseKey: key,
				CreatedAt:  now,
			}
			if err := m.store.RecordTransaction(ctx, txn); err != nil {
				// The license is already durable; losing a reporting row is
				// not worth failing the sale over.
				log.Error().Err(err).
					Str("key", maskKey(key)).
					Int64("ownerID", ownerID).
					Msg("Failed to record transaction")
			}
		}

		log.Info().
			Str("key", maskKey(key)).
			Int64("ownerID", ownerID).
			Str("plan", plan.ID).
			Str("method", paymentMethod).
			Msg("License created")

		if m.pusher != nil {
			if err := m.pusher.Push(ctx, key, plan.ID, lic.ExpiresAt); err != nil {
				log.Error().Err(err).
					Str("key", maskKey(key)).
					Msg("Remote sync push failed, local license remains authoritative")
			}
		}

		return key, nil
	}

	return "", errors.Errorf("failed to generate a unique key after %d attempts", maxKeyAttempts)
}

// VerifyAndBind validates a key against a hardware ID, binding the license
// to that machine on its first use. Binding is permanent: there is no
// rebind or unbind path anywhere in the manager.
func (m *Manager) VerifyAndBind(ctx context.Context, key, hwid string) (*VerifyResult, error) {
	now := m.now()

	if cached, ok := m.cache.Get(key); ok {
		if lic, ok := cached.(*models.License); ok && lic.Activated {
			return m.concludeBound(lic, hwid, now)
		}
	}

	lic, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	// Expiry wins over everything else and never mutates state: an expired
	// key that was never used stays unbound forever.
	if lic.Expired(now) {
		return nil, ErrExpired
	}

	if !lic.Activated {
		bound, err := m.store.Activate(ctx, key, hwid, now)
		if err != nil {
			return nil, err
		}

		if bound {
			lic.Activated = true
			lic.HWID = &hwid
			lic.ActivatedAt = &now
			m.cache.SetWithTTL(key, lic, 1, verifyCacheTTL)

			log.Info().
				Str("key", maskKey(key)).
				Str("hwid", hwid).
				Msg("License bound on first verification")

			return &VerifyResult{
				Plan:      lic.Plan,
				ExpiresAt: lic.ExpiresAt,
				DaysLeft:  daysLeft(lic.ExpiresAt, now),
			}, nil
		}

		// A concurrent first verification won the race. Re-read and fall
		// through to the bound comparison.
		lic, err = m.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
	}

	return m.concludeBound(lic, hwid, now)
}

func (m *Manager) concludeBound(lic *models.License, hwid string, now time.Time) (*VerifyResult, error) {
	if lic.Expired(now) {
		return nil, ErrExpired
	}

	if lic.HWID == nil || *lic.HWID != hwid {
		return nil, ErrHwidMismatch
	}

	m.cache.SetWithTTL(lic.Key, lic, 1, verifyCacheTTL)

	return &VerifyResult{
		Plan:      lic.Plan,
		ExpiresAt: lic.ExpiresAt,
		DaysLeft:  daysLeft(lic.ExpiresAt, now),
	}, nil
}

// ListOwnerLicenses returns all licenses of an owner with derived expiry
// fields. Pure read, no mutation.
func (m *Manager) ListOwnerLicenses(ctx context.Context, ownerID int64) ([]OwnerLicense, error) {
	licenses, err := m.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	result := make([]OwnerLicense, 0, len(licenses))
	for _, lic := range licenses {
		result = append(result, OwnerLicense{
			Key:       lic.Key,
			Plan:      lic.Plan,
			Activated: lic.Activated,
			ExpiresAt: lic.ExpiresAt,
			DaysLeft:  daysLeft(lic.ExpiresAt, now),
			Expired:   lic.Expired(now),
		})
	}

	return result, nil
}

// Statistics aggregates reporting counters. Pure read.
func (m *Manager) Statistics(ctx context.Context) (*models.Statistics, error) {
	return m.store.Statistics(ctx, m.now())
}

// SearchKeys returns known license keys fuzzy-matching the query, best
// match first. Admin lookup convenience; the key space is small enough to
// rank in memory.
func (m *Manager) SearchKeys(ctx context.Context, query string, limit int) ([]string, error) {
	keys, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	ranks := fuzzy.RankFindFold(query, keys)
	sort.Sort(ranks)

	if limit <= 0 || limit > len(ranks) {
		limit = len(ranks)
	}

	matches := make([]string, 0, limit)
	for _, rank := range ranks[:limit] {
		matches = append(matches, rank.Target)
	}

	return matches, nil
}

func daysLeft(expiresAt, now time.Time) int {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}

	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// maskKey masks a license key for logging (first 8 chars + ***).
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}
