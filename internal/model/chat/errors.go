package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalid           = errors.New("invalid request")
	ErrAIUnavailable     = errors.New("ai unavailable")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrAlreadyRecorded   = errors.New("already recorded")
	ErrRateLimited       = errors.New("rate limited")

	// ErrNotAdmin is an Unauthorized refinement for members lacking the admin role.
	ErrNotAdmin = fmt.Errorf("%w: admin role required", ErrUnauthorized)
)
