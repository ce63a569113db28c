package session

import "errors"

var (
	// ErrSessionNotFound is returned when an operation references an id with no row.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrCapacityExhausted is returned by Create when MAX_SESSIONS is reached and
	// no idle session could be evicted to make room.
	ErrCapacityExhausted = errors.New("session: capacity exhausted")
)
