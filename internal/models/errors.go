package models

import "errors"

// Error taxonomy shared across the coordination core. Callers match with
// errors.Is; wrapping preserves the underlying cause.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyDecided   = errors.New("participant already decided")
	ErrTransientNetwork = errors.New("transient network failure")
	ErrExhausted        = errors.New("retries exhausted")
	ErrCancelled        = errors.New("cancelled")
)
