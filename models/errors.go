package models

import "errors"

var (
	// ErrUnsupportedNotificationType is ignorable: acknowledge and drop.
	ErrUnsupportedNotificationType = errors.New("unsupported notification type")
	// ErrMissingExternalReference means the provider record carries no user
	// identity. It points at a provider-side misconfiguration.
	ErrMissingExternalReference = errors.New("missing external reference")
	ErrNotApproved              = errors.New("payment not approved")
	ErrNoPaymentFound           = errors.New("no confirmed payment found")
	ErrProviderUnavailable      = errors.New("payment provider unavailable")
	ErrLedgerUnavailable        = errors.New("license ledger unavailable")
	// ErrLedgerConstraintViolation is unreachable under idempotent apply. If it
	// shows up it is treated as fatal and alerted.
	ErrLedgerConstraintViolation = errors.New("license ledger constraint violation")
	ErrInvalidSignature          = errors.New("invalid webhook signature")
)
