package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/models"
	_ "github.com/mattn/go-sqlite3"
)

const licenseColumns = `user_id, plan_tier, status, license_key, expires_at, terms_accepted, terms_accepted_at, last_reference_id, created_at, updated_at`

type SQLiteLedger struct {
	db   *sql.DB
	path string
}

// NewSQLiteLedger opens path and applies migrations. Writers take the
// database lock when their transaction begins, so concurrent ApplyPayment
// calls serialize instead of failing on lock upgrade.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteLedger{db: db, path: path}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	var license models.License
	var termsAcceptedAt sql.NullTime
	err := row.Scan(
		&license.UserID,
		&license.PlanTier,
		&license.Status,
		&license.LicenseKey,
		&license.ExpiresAt,
		&license.TermsAccepted,
		&termsAcceptedAt,
		&license.LastReferenceID,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if termsAcceptedAt.Valid {
		at := termsAcceptedAt.Time
		license.TermsAcceptedAt = &at
	}
	return &license, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrLedgerUnavailable, op, err)
}

func (s *SQLiteLedger) GetLicense(ctx context.Context, userID string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE user_id = ?`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get license", err)
	}
	return license, nil
}

func (s *SQLiteLedger) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = ?`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find license by key", err)
	}
	return license, nil
}

func (s *SQLiteLedger) ApplyPayment(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	now := req.Now.UTC().Truncate(time.Microsecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, unavailable("begin", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Warn("Failed to roll back ledger transaction", logger.Fields{
				"error": err.Error(),
			})
		}
	}()

	var priorUser string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM applied_payments WHERE reference_id = ?`, req.ReferenceID).Scan(&priorUser)
	switch {
	case err == nil:
		if priorUser != req.UserID {
			return ApplyResult{}, fmt.Errorf("%w: reference %s already applied to another user", models.ErrLedgerConstraintViolation, req.ReferenceID)
		}
		license, err := scanLicense(tx.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE user_id = ?`, req.UserID))
		if err != nil {
			return ApplyResult{}, unavailable("load license", err)
		}
		return ApplyResult{License: *license, Duplicate: true}, nil
	case err != sql.ErrNoRows:
		return ApplyResult{}, unavailable("check reference", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO licenses (`+licenseColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, NULL, '', ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		req.UserID, req.PlanTier, models.StatusExpired, models.NewLicenseKey(), now, now, now,
	)
	if err != nil {
		return ApplyResult{}, unavailable("ensure license", err)
	}

	license, err := scanLicense(tx.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE user_id = ?`, req.UserID))
	if err != nil {
		return ApplyResult{}, unavailable("load license", err)
	}

	license.ExpiresAt = models.ExtendExpiry(license.ExpiresAt, now, req.PlanTier).UTC()
	license.Status = models.StatusActive
	license.PlanTier = req.PlanTier
	license.LastReferenceID = req.ReferenceID
	license.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `UPDATE licenses
		SET plan_tier = ?, status = ?, expires_at = ?, last_reference_id = ?, updated_at = ?
		WHERE user_id = ?`,
		license.PlanTier, license.Status, license.ExpiresAt, license.LastReferenceID, license.UpdatedAt, license.UserID,
	)
	if err != nil {
		return ApplyResult{}, unavailable("update license", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO applied_payments (reference_id, user_id, plan_tier, kind, applied_at) VALUES (?, ?, ?, ?, ?)`,
		req.ReferenceID, req.UserID, req.PlanTier, req.Kind, now,
	)
	if err != nil {
		return ApplyResult{}, unavailable("record reference", err)
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, unavailable("commit", err)
	}
	return ApplyResult{License: *license}, nil
}

func (s *SQLiteLedger) StartTrial(ctx context.Context, req TrialRequest) (*models.License, bool, error) {
	req.Now = req.Now.UTC()
	trial := newTrialLicense(req)

	res, err := s.db.ExecContext(ctx, `INSERT INTO licenses (`+licenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		trial.UserID, trial.PlanTier, trial.Status, trial.LicenseKey, trial.ExpiresAt,
		trial.TermsAccepted, trial.TermsAcceptedAt, trial.CreatedAt, trial.UpdatedAt,
	)
	if err != nil {
		return nil, false, unavailable("start trial", err)
	}

	created, err := res.RowsAffected()
	if err != nil {
		return nil, false, unavailable("start trial", err)
	}
	if created == 1 {
		return &trial, true, nil
	}

	license, err := s.GetLicense(ctx, req.UserID)
	if err != nil {
		return nil, false, err
	}
	return license, false, nil
}

func (s *SQLiteLedger) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE licenses SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND expires_at <= ?`,
		models.StatusExpired, now, models.StatusTrial, models.StatusActive, now,
	)
	if err != nil {
		return 0, unavailable("expire lapsed", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}
