package state

import "errors"

var (
	// ErrUnknownInvestor is returned when a write targets an investor that never joined.
	ErrUnknownInvestor = errors.New("unknown investor")
	// ErrEmptyContent is returned when a chat message carries no content.
	ErrEmptyContent = errors.New("empty message content")
)
