package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger runs migrations and opens a connection pool.
func NewPostgresLedger(ctx context.Context, databaseURL string) (*PostgresLedger, error) {
	if err := MigratePostgres(databaseURL); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &PostgresLedger{pool: pool}, nil
}

func scanPgLicense(row pgx.Row) (*models.License, error) {
	var license models.License
	var planTier, status string
	err := row.Scan(
		&license.UserID,
		&planTier,
		&status,
		&license.LicenseKey,
		&license.ExpiresAt,
		&license.TermsAccepted,
		&license.TermsAcceptedAt,
		&license.LastReferenceID,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	license.PlanTier = models.PlanTier(planTier)
	license.Status = models.Status(status)
	return &license, nil
}

func (p *PostgresLedger) GetLicense(ctx context.Context, userID string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE user_id = $1`

	license, err := scanPgLicense(p.pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get license", err)
	}
	return license, nil
}

func (p *PostgresLedger) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1`

	license, err := scanPgLicense(p.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find license by key", err)
	}
	return license, nil
}

// ApplyPayment locks the user's license row before consulting the applied
// reference table, so a concurrent apply of the same reference id waits and
// then sees it as a duplicate.
func (p *PostgresLedger) ApplyPayment(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	now := req.Now.UTC().Truncate(time.Microsecond)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, unavailable("begin", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logger.Warn("Failed to roll back ledger transaction", logger.Fields{
				"error": err.Error(),
			})
		}
	}()

	_, err = tx.Exec(ctx, `INSERT INTO licenses (`+licenseColumns+`)
		VALUES ($1, $2, $3, $4, $5, FALSE, NULL, '', $5, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		req.UserID, string(req.PlanTier), string(models.StatusExpired), models.NewLicenseKey(), now,
	)
	if err != nil {
		return ApplyResult{}, unavailable("ensure license", err)
	}

	license, err := scanPgLicense(tx.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE user_id = $1 FOR UPDATE`, req.UserID))
	if err != nil {
		return ApplyResult{}, unavailable("lock license", err)
	}

	var priorUser string
	err = tx.QueryRow(ctx, `SELECT user_id FROM applied_payments WHERE reference_id = $1`, req.ReferenceID).Scan(&priorUser)
	switch {
	case err == nil:
		if priorUser != req.UserID {
			return ApplyResult{}, fmt.Errorf("%w: reference %s already applied to another user", models.ErrLedgerConstraintViolation, req.ReferenceID)
		}
		return ApplyResult{License: *license, Duplicate: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return ApplyResult{}, unavailable("check reference", err)
	}

	license.ExpiresAt = models.ExtendExpiry(license.ExpiresAt, now, req.PlanTier).UTC()
	license.Status = models.StatusActive
	license.PlanTier = req.PlanTier
	license.LastReferenceID = req.ReferenceID
	license.UpdatedAt = now

	_, err = tx.Exec(ctx, `UPDATE licenses
		SET plan_tier = $1, status = $2, expires_at = $3, last_reference_id = $4, updated_at = $5
		WHERE user_id = $6`,
		string(license.PlanTier), string(license.Status), license.ExpiresAt, license.LastReferenceID, license.UpdatedAt, license.UserID,
	)
	if err != nil {
		return ApplyResult{}, unavailable("update license", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO applied_payments (reference_id, user_id, plan_tier, kind, applied_at) VALUES ($1, $2, $3, $4, $5)`,
		req.ReferenceID, req.UserID, string(req.PlanTier), string(req.Kind), now,
	)
	if err != nil {
		return ApplyResult{}, recordReferenceError(req.ReferenceID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, unavailable("commit", err)
	}
	return ApplyResult{License: *license}, nil
}

// recordReferenceError classifies a failed applied_payments insert. Two users
// racing on one reference lock different license rows, so the loser only
// learns of the winner through the primary key.
func recordReferenceError(referenceID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: reference %s already applied: %s", models.ErrLedgerConstraintViolation, referenceID, pgErr.Message)
	}
	return unavailable("record reference", err)
}

func (p *PostgresLedger) StartTrial(ctx context.Context, req TrialRequest) (*models.License, bool, error) {
	req.Now = req.Now.UTC().Truncate(time.Microsecond)
	trial := newTrialLicense(req)

	tag, err := p.pool.Exec(ctx, `INSERT INTO licenses (`+licenseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8, $9)
		ON CONFLICT (user_id) DO NOTHING`,
		trial.UserID, string(trial.PlanTier), string(trial.Status), trial.LicenseKey, trial.ExpiresAt,
		trial.TermsAccepted, trial.TermsAcceptedAt, trial.CreatedAt, trial.UpdatedAt,
	)
	if err != nil {
		return nil, false, unavailable("start trial", err)
	}
	if tag.RowsAffected() == 1 {
		return &trial, true, nil
	}

	license, err := p.GetLicense(ctx, req.UserID)
	if err != nil {
		return nil, false, err
	}
	return license, false, nil
}

func (p *PostgresLedger) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE licenses SET status = $1, updated_at = $2
		WHERE status IN ($3, $4) AND expires_at <= $2`,
		string(models.StatusExpired), now.UTC(), string(models.StatusTrial), string(models.StatusActive),
	)
	if err != nil {
		return 0, unavailable("expire lapsed", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresLedger) Close() error {
	p.pool.Close()
	return nil
}
