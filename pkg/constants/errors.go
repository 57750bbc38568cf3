package constants

import "errors"

// Error taxonomy shared by the engine and the document service adapters.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrResolutionFailure   = errors.New("media resolution failed")
	ErrPersistenceFailure  = errors.New("local persistence failed")
	ErrNetworkFailure      = errors.New("network failure")
)

var (
	ErrNotFound    = errors.New("not found")
	ErrClosed      = errors.New("closed")
	ErrInvalidID   = errors.New("invalid id")
	ErrTimeout     = errors.New("timeout")
	ErrNoIdentity  = errors.New("no identity provider configured")
	ErrEmptyBody   = errors.New("message body and attachment are both empty")
	ErrUnsupported = errors.New("operation not supported by this backend")
)
