// Package storage is the License Ledger: the only durable state of the
// licensing service.
package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dspaving.app/licensing/models"
)

// ApplyRequest asks the ledger to apply one confirmed payment.
type ApplyRequest struct {
	ReferenceID string
	UserID      string
	PlanTier    models.PlanTier
	Kind        models.PaymentKind
	Now         time.Time
}

type ApplyResult struct {
	License models.License
	// Duplicate is set when ReferenceID was already applied; License is the
	// current, unchanged record.
	Duplicate bool
}

type TrialRequest struct {
	UserID        string
	TermsAccepted bool
	Duration      time.Duration
	Now           time.Time
}

// Ledger lookups return (nil, nil) when no license exists. Every error
// returned wraps models.ErrLedgerUnavailable or
// models.ErrLedgerConstraintViolation.
type Ledger interface {
	GetLicense(ctx context.Context, userID string) (*models.License, error)
	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)

	// ApplyPayment is atomic and applies a reference id at most once. The
	// expiry moves to max(now, current) + plan duration and status becomes
	// active. A reference id already applied for a different user is a
	// constraint violation.
	ApplyPayment(ctx context.Context, req ApplyRequest) (ApplyResult, error)

	// StartTrial creates a trial license when none exists. An existing
	// license is returned untouched with created=false.
	StartTrial(ctx context.Context, req TrialRequest) (license *models.License, created bool, err error)

	// ExpireLapsed persists the expired status of trial and active licenses
	// whose expiry has passed, returning how many were changed.
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Open selects the backend from the database URL: postgres:// URLs use
// Postgres, anything else is a SQLite path.
func Open(ctx context.Context, databaseURL string) (Ledger, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgresLedger(ctx, databaseURL)
	}
	return NewSQLiteLedger(databaseURL)
}

type appliedPayment struct {
	UserID    string
	PlanTier  models.PlanTier
	Kind      models.PaymentKind
	AppliedAt time.Time
}

type MemoryLedger struct {
	mu       sync.Mutex
	licenses map[string]models.License
	applied  map[string]appliedPayment
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		licenses: make(map[string]models.License),
		applied:  make(map[string]appliedPayment),
	}
}

func (m *MemoryLedger) GetLicense(ctx context.Context, userID string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[userID]
	if !exists {
		return nil, nil
	}
	return &license, nil
}

func (m *MemoryLedger) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, license := range m.licenses {
		if license.LicenseKey == key {
			return &license, nil
		}
	}
	return nil, nil
}

func (m *MemoryLedger) ApplyPayment(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.applied[req.ReferenceID]; ok {
		if prior.UserID != req.UserID {
			return ApplyResult{}, fmt.Errorf("%w: reference %s already applied to another user", models.ErrLedgerConstraintViolation, req.ReferenceID)
		}
		return ApplyResult{License: m.licenses[req.UserID], Duplicate: true}, nil
	}

	license, exists := m.licenses[req.UserID]
	if !exists {
		license = models.License{
			UserID:     req.UserID,
			LicenseKey: models.NewLicenseKey(),
			CreatedAt:  req.Now,
		}
	}
	license.ExpiresAt = models.ExtendExpiry(license.ExpiresAt, req.Now, req.PlanTier)
	license.Status = models.StatusActive
	license.PlanTier = req.PlanTier
	license.LastReferenceID = req.ReferenceID
	license.UpdatedAt = req.Now

	m.licenses[req.UserID] = license
	m.applied[req.ReferenceID] = appliedPayment{
		UserID:    req.UserID,
		PlanTier:  req.PlanTier,
		Kind:      req.Kind,
		AppliedAt: req.Now,
	}
	return ApplyResult{License: license}, nil
}

func (m *MemoryLedger) StartTrial(ctx context.Context, req TrialRequest) (*models.License, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if license, exists := m.licenses[req.UserID]; exists {
		return &license, false, nil
	}

	license := newTrialLicense(req)
	m.licenses[req.UserID] = license
	return &license, true, nil
}

func (m *MemoryLedger) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	for id, license := range m.licenses {
		if (license.Status == models.StatusTrial || license.Status == models.StatusActive) && !license.ExpiresAt.After(now) {
			license.Status = models.StatusExpired
			license.UpdatedAt = now
			m.licenses[id] = license
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryLedger) Close() error {
	return nil
}

func newTrialLicense(req TrialRequest) models.License {
	license := models.License{
		UserID:        req.UserID,
		PlanTier:      models.PlanMonthly,
		Status:        models.StatusTrial,
		LicenseKey:    models.NewLicenseKey(),
		ExpiresAt:     req.Now.Add(req.Duration),
		TermsAccepted: req.TermsAccepted,
		CreatedAt:     req.Now,
		UpdatedAt:     req.Now,
	}
	if req.TermsAccepted {
		at := req.Now
		license.TermsAcceptedAt = &at
	}
	return license
}
