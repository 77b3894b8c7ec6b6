package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PlanTier string

const (
	PlanMonthly PlanTier = "monthly"
	PlanAnnual  PlanTier = "annual"
)

// Plan durations are fixed day counts so that two extensions applied in either
// order land on the same expiry.
const (
	MonthlyDuration = 30 * 24 * time.Hour
	AnnualDuration  = 365 * 24 * time.Hour
)

func (p PlanTier) Duration() time.Duration {
	if p == PlanAnnual {
		return AnnualDuration
	}
	return MonthlyDuration
}

func (p PlanTier) Valid() bool {
	return p == PlanMonthly || p == PlanAnnual
}

// ParsePlanTier accepts the canonical names and the Portuguese labels used by
// the checkout pages ("mensal", "anual").
func ParsePlanTier(s string) (PlanTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "mensal":
		return PlanMonthly, nil
	case "annual", "anual", "yearly":
		return PlanAnnual, nil
	default:
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
}

type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

type License struct {
	UserID          string     `json:"user_id"`
	PlanTier        PlanTier   `json:"plan_tier"`
	Status          Status     `json:"status"`
	LicenseKey      string     `json:"license_key"`
	ExpiresAt       time.Time  `json:"expires_at"`
	TermsAccepted   bool       `json:"terms_accepted"`
	TermsAcceptedAt *time.Time `json:"terms_accepted_at,omitempty"`
	LastReferenceID string     `json:"last_reference_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EffectiveStatus derives the status the client should see at now. Cancellation
// is explicit and never derived; trial and active licenses read as expired
// once expiresAt has passed.
func (l *License) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusCancelled {
		return StatusCancelled
	}
	if !l.ExpiresAt.After(now) {
		return StatusExpired
	}
	return l.Status
}

// DaysRemaining rounds up partial days and never goes negative.
func (l *License) DaysRemaining(now time.Time) int {
	remaining := l.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// ExtendExpiry returns max(now, current) + plan duration. Unused paid time is
// kept on renewal and the result is never earlier than current.
func ExtendExpiry(current, now time.Time, plan PlanTier) time.Time {
	base := now
	if current.After(now) {
		base = current
	}
	return base.Add(plan.Duration())
}

// NewLicenseKey returns a fresh credential of the form DSP-XXXX-XXXX-XXXX-XXXX.
func NewLicenseKey() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.Must(uuid.NewRandom()).String(), "-", ""))
	return fmt.Sprintf("DSP-%s-%s-%s-%s", id[0:4], id[4:8], id[8:12], id[12:16])
}
