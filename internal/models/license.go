package models

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrDuplicateKey    = errors.New("duplicate license key")
)

// License is the unit of purchase. Key, OwnerID, Plan, CreatedAt and
// ExpiresAt never change after creation. HWID and ActivatedAt are set exactly
// once, on the first successful verification.
type License struct {
	Key           string     `json:"key"`
	OwnerID       int64      `json:"owner_id"`
	Plan          string     `json:"plan"`
	PaymentMethod string     `json:"payment_method"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Activated     bool       `json:"activated"`
	HWID          *string    `json:"hwid,omitempty"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
}

// Expired reports whether the license is past its expiry at the given time.
// Expiry is always evaluated, never stored.
func (l *License) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Transaction is an append-only record of a completed sale.
type Transaction struct {
	ID         string    `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	Plan       string    `json:"plan"`
	Amount     int       `json:"amount"`
	Method     string    `json:"method"`
	LicenseKey string    `json:"license_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Statistics aggregates reporting counters over the whole store.
type Statistics struct {
	TotalOwners       int              `json:"total_owners"`
	TotalKeys         int              `json:"total_keys"`
	ActiveKeys        int              `json:"active_keys"`
	TotalTransactions int              `json:"total_transactions"`
	RevenueByMethod   map[string]int64 `json:"revenue_by_method"`
}

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

// Put inserts a new license, creating the owner row on first purchase and
// adding the plan price to the owner's spend counters. Fails with
// ErrDuplicateKey if the key already exists.
func (s *LicenseStore) Put(ctx context.Context, license *License) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO owners (owner_id) VALUES (?)
		ON CONFLICT(owner_id) DO NOTHING
	`, license.OwnerID); err != nil {
		return errors.Wrap(err, "failed to upsert owner")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO license_keys (key, owner_id, plan, payment_method, created_at, expires_at, activated)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, license.Key, license.OwnerID, license.Plan, license.PaymentMethod, license.CreatedAt, license.ExpiresAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return errors.Wrap(err, "failed to insert license")
	}

	plan, err := PlanByID(license.Plan)
	if err != nil {
		return err
	}

	switch license.PaymentMethod {
	case PaymentMethodStars:
		if _, err := tx.ExecContext(ctx, `
			UPDATE owners SET total_spent_stars = total_spent_stars + ? WHERE owner_id = ?
		`, plan.PriceStars, license.OwnerID); err != nil {
			return errors.Wrap(err, "failed to update spend counters")
		}
	case PaymentMethodSBP:
		if _, err := tx.ExecContext(ctx, `
			UPDATE owners SET total_spent_rub = total_spent_rub + ? WHERE owner_id = ?
		`, plan.PriceRub, license.OwnerID); err != nil {
			return errors.Wrap(err, "failed to update spend counters")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit license")
}

// Get retrieves a license by key. Returns ErrLicenseNotFound if absent.
func (s *LicenseStore) Get(ctx context.Context, key string) (*License, error) {
	license := &License{}
	err := s.db.QueryRowContext(ctx, `
		SELECT key, owner_id, plan, payment_method, created_at, expires_at, activated, hwid, activated_at
		FROM license_keys
		WHERE key = ?
	`, key).Scan(
		&license.Key,
		&license.OwnerID,
		&license.Plan,
		&license.PaymentMethod,
		&license.CreatedAt,
		&license.ExpiresAt,
		&license.Activated,
		&license.HWID,
		&license.ActivatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLicenseNotFound
		}
		return nil, errors.Wrap(err, "failed to get license")
	}

	return license, nil
}

// Activate binds the license to the given hardware ID, but only if it has
// never been activated. The conditional update is the serialization point
// for concurrent first verifications: exactly one caller observes
// bound == true; everyone else must re-read and compare HWIDs.
func (s *LicenseStore) Activate(ctx context.Context, key, hwid string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE license_keys
		SET activated = 1, hwid = ?, activated_at = ?
		WHERE key = ? AND activated = 0
	`, hwid, now, key)
	if err != nil {
		return false, errors.Wrap(err, "failed to activate license")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}

	return rows == 1, nil
}

// ListByOwner returns all licenses for an owner, newest first.
func (s *LicenseStore) ListByOwner(ctx context.Context, ownerID int64) ([]*License, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, owner_id, plan, payment_method, created_at, expires_at, activated, hwid, activated_at
		FROM license_keys
		WHERE owner_id = ?
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list licenses")
	}
	defer rows.Close()

	var licenses []*License
	for rows.Next() {
		license := &License{}
		if err := rows.Scan(
			&license.Key,
			&license.OwnerID,
			&license.Plan,
			&license.PaymentMethod,
			&license.CreatedAt,
			&license.ExpiresAt,
			&license.Activated,
			&license.HWID,
			&license.ActivatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan license")
		}
		licenses = append(licenses, license)
	}

	return licenses, rows.Err()
}

// RecordTransaction appends a sale record. Assigns an ID if none is set.
func (s *LicenseStore) RecordTransaction(ctx context.Context, txn *Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, owner_id, plan, amount, method, license_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.OwnerID, txn.Plan, txn.Amount, txn.Method, txn.LicenseKey, txn.CreatedAt)

	return errors.Wrap(err, "failed to record transaction")
}

// ListKeys returns every known license key.
func (s *LicenseStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM license_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan key")
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// Statistics aggregates owner, key, transaction and revenue counters.
func (s *LicenseStore) Statistics(ctx context.Context, now time.Time) (*Statistics, error) {
	stats := &Statistics{
		RevenueByMethod: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM owners),
			(SELECT COUNT(*) FROM license_keys),
			(SELECT COUNT(*) FROM license_keys WHERE expires_at > ?),
			(SELECT COUNT(*) FROM transactions)
	`, now).Scan(&stats.TotalOwners, &stats.TotalKeys, &stats.ActiveKeys, &stats.TotalTransactions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate statistics")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT method, COALESCE(SUM(amount), 0) FROM transactions GROUP BY method
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate revenue")
	}
	defer rows.Close()

	for rows.Next() {
		var method string
		var total int64
		if err := rows.Scan(&method, &total); err != nil {
			return nil, errors.Wrap(err, "failed to scan revenue row")
		}
		stats.RevenueByMethod[method] = total
	}

	return stats, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
