package chat

import "errors"

// Sentinel errors shared across the engine. Collaborator adapters map their
// native failures onto these so decision points can use errors.Is.
var (
	ErrValidation       = errors.New("empty message payload")
	ErrRateLimited      = errors.New("operation rate limited")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("operation timed out")
	ErrNetwork          = errors.New("network failure")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("unique constraint conflict")
)

// IsTerminal reports whether the failure is not worth retrying: the caller
// must change something (credentials, access) before the operation can ever
// succeed.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrPermissionDenied)
}
