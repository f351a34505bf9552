package types

import "errors"

// Domain error taxonomy. ErrConflict is retried internally by the engine
// and only escapes when retries are exhausted; the rest surface to the
// caller as-is. Audit-path failures never propagate to inventory callers.
var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("version conflict")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidState          = errors.New("invalid reservation state")
	ErrExpiredHold           = errors.New("hold expired")
	ErrPublish               = errors.New("audit publish failed")
	ErrAuditStorage          = errors.New("audit storage failed")
)
