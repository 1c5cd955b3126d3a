package server

import "errors"

var (
	// ErrInvalidEvent marks a malformed or unknown inbound event.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidUpload marks an upload rejected by type or size validation.
	ErrInvalidUpload = errors.New("invalid upload")
	// ErrNotIdentified is returned when an investor event arrives before investor-join.
	ErrNotIdentified = errors.New("connection has not joined as an investor")
	// ErrForbidden is returned when a connection lacks the admin capability.
	ErrForbidden = errors.New("admin capability required")
	// ErrRateLimited is reported when a connection exceeds its event budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrRouterStopped is returned once the event router loop has exited.
	ErrRouterStopped = errors.New("event router stopped")
	// ErrHubStopped is returned once the hub loop has exited.
	ErrHubStopped = errors.New("hub stopped")
)
