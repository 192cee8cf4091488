package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrMissingParameter marks a caller bug; it is fatal and never retried.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrInvalidAmount marks an amount that cannot be represented in the
	// currency's minor units.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicateEvent marks a webhook redelivery; it is logged and treated
	// as success.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUnmatchedContribution marks an event for an entity this ledger does
	// not know about; not an error for the caller.
	ErrUnmatchedContribution = errors.New("no matching contribution")

	// ErrRefundAlreadyApplied marks an idempotent refund no-op.
	ErrRefundAlreadyApplied = errors.New("refund already applied")
)
