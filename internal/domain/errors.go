package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidOrder    = errors.New("invalid order parameters")
	ErrInvalidPrice    = errors.New("price out of range")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrOverfill        = errors.New("fill exceeds remaining quantity")
	ErrTerminalState   = errors.New("order is in a terminal state")
	ErrNotReenterable  = errors.New("order cannot be re-entered")
	ErrMalformedRecord = errors.New("malformed record")
	ErrDisconnected    = errors.New("fan-out stream disconnected")
	ErrContextDone     = errors.New("context cancelled")
	ErrLockHeld        = errors.New("lock already held")
)
