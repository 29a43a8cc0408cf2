package models_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pweper/keygate/internal/database"
	"github.com/pweper/keygate/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { db.Close() })

	return db
}

func testLicense(key string, ownerID int64, expiresAt time.Time) *models.License {
	return &models.License{
		Key:           key,
		OwnerID:       ownerID,
		Plan:          "1month",
		PaymentMethod: models.PaymentMethodStars,
		CreatedAt:     time.Now(),
		ExpiresAt:     expiresAt,
	}
}

func TestLicenseStorePutAndGet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	expiresAt := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-AAAA", 42, expiresAt)))

	got, err := store.Get(ctx, "PWEPER-AAAA")
	require.NoError(t, err)
	assert.Equal(t, "PWEPER-AAAA", got.Key)
	assert.Equal(t, int64(42), got.OwnerID)
	assert.Equal(t, "1month", got.Plan)
	assert.False(t, got.Activated, "new license must not be activated")
	assert.Nil(t, got.HWID, "new license must have no hwid")
	assert.Nil(t, got.ActivatedAt)
}

func TestLicenseStorePutDuplicateKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	expiresAt := time.Now().Add(24 * time.Hour)
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-AAAA", 1, expiresAt)))

	err := store.Put(ctx, testLicense("PWEPER-AAAA", 2, expiresAt))
	assert.ErrorIs(t, err, models.ErrDuplicateKey)

	// The original license is untouched
	got, err := store.Get(ctx, "PWEPER-AAAA")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.OwnerID)
}

func TestLicenseStoreGetNotFound(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	_, err := store.Get(ctx, "NOPE")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)
}

func TestLicenseStoreActivateOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	require.NoError(t, store.Put(ctx, testLicense("PWEPER-AAAA", 42, time.Now().Add(24*time.Hour))))

	now := time.Now()
	bound, err := store.Activate(ctx, "PWEPER-AAAA", "HWID-A", now)
	require.NoError(t, err)
	assert.True(t, bound, "first activation must win")

	// Second activation attempt must not rebind, regardless of hwid
	bound, err = store.Activate(ctx, "PWEPER-AAAA", "HWID-B", now)
	require.NoError(t, err)
	assert.False(t, bound, "second activation must lose")

	got, err := store.Get(ctx, "PWEPER-AAAA")
	require.NoError(t, err)
	assert.True(t, got.Activated)
	require.NotNil(t, got.HWID)
	assert.Equal(t, "HWID-A", *got.HWID)
	assert.NotNil(t, got.ActivatedAt)
}

func TestLicenseStoreActivateUnknownKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	bound, err := store.Activate(ctx, "NOPE", "HWID-A", time.Now())
	require.NoError(t, err)
	assert.False(t, bound)
}

func TestLicenseStoreListByOwner(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	expiresAt := time.Now().Add(24 * time.Hour)
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-AAAA", 42, expiresAt)))
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-BBBB", 42, expiresAt)))
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-CCCC", 7, expiresAt)))

	licenses, err := store.ListByOwner(ctx, 42)
	require.NoError(t, err)
	require.Len(t, licenses, 2)
	for _, lic := range licenses {
		assert.Equal(t, int64(42), lic.OwnerID)
	}

	licenses, err = store.ListByOwner(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, licenses)
}

func TestLicenseStoreSpendCounters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	expiresAt := time.Now().Add(24 * time.Hour)

	stars := testLicense("PWEPER-AAAA", 42, expiresAt)
	require.NoError(t, store.Put(ctx, stars))

	gift := testLicense("PWEPER-BBBB", 42, expiresAt)
	gift.PaymentMethod = models.PaymentMethodAdminGift
	require.NoError(t, store.Put(ctx, gift))

	var spentStars, spentRub int
	err := db.Conn().QueryRowContext(ctx,
		`SELECT total_spent_stars, total_spent_rub FROM owners WHERE owner_id = 42`,
	).Scan(&spentStars, &spentRub)
	require.NoError(t, err)
	assert.Equal(t, 50, spentStars, "stars purchase adds plan price")
	assert.Equal(t, 0, spentRub, "gift adds no spend")
}

func TestLicenseStoreStatistics(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	now := time.Now()
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-AAAA", 42, now.Add(24*time.Hour))))
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-BBBB", 7, now.Add(-24*time.Hour))))

	require.NoError(t, store.RecordTransaction(ctx, &models.Transaction{
		OwnerID:    42,
		Plan:       "1month",
		Amount:     50,
		Method:     models.PaymentMethodStars,
		LicenseKey: "PWEPER-AAAA",
	}))
	require.NoError(t, store.RecordTransaction(ctx, &models.Transaction{
		OwnerID:    7,
		Plan:       "3months",
		Amount:     699,
		Method:     models.PaymentMethodSBP,
		LicenseKey: "PWEPER-BBBB",
	}))

	stats, err := store.Statistics(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalOwners)
	assert.Equal(t, 2, stats.TotalKeys)
	assert.Equal(t, 1, stats.ActiveKeys, "expired keys are not active")
	assert.Equal(t, 2, stats.TotalTransactions)
	assert.Equal(t, int64(50), stats.RevenueByMethod[models.PaymentMethodStars])
	assert.Equal(t, int64(699), stats.RevenueByMethod[models.PaymentMethodSBP])
}

func TestLicenseStoreListKeys(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := models.NewLicenseStore(db.Conn())

	expiresAt := time.Now().Add(24 * time.Hour)
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-AAAA", 1, expiresAt)))
	require.NoError(t, store.Put(ctx, testLicense("PWEPER-BBBB", 2, expiresAt)))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"PWEPER-AAAA", "PWEPER-BBBB"}, keys)
}

func TestLicenseExpired(t *testing.T) {
	now := time.Now()

	lic := &models.License{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, lic.Expired(now))

	lic = &models.License{ExpiresAt: now.Add(-time.Hour)}
	assert.True(t, lic.Expired(now))
}
