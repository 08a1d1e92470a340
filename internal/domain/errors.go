package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrNoEligibleManager  = errors.New("no eligible manager")
	ErrAlreadyAssigned    = errors.New("deal already assigned")
	ErrAdapterUnavailable = errors.New("conversation adapter unavailable")
	ErrStaleVersion       = errors.New("stale version")
	ErrLockHeld           = errors.New("lock already held")
	ErrSessionClosed      = errors.New("negotiation session closed")
	ErrContextDone        = errors.New("context cancelled")
)
