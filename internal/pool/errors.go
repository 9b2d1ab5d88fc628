package pool

import (
	"errors"
	"fmt"
)

var (
	ErrPoolClosed         = errors.New("betting is closed")
	ErrPoolAlreadyClosed  = errors.New("pool is already closed")
	ErrPoolStillOpen      = errors.New("pool is still open")
	ErrPoolAlreadySettled = errors.New("pool already settled")
	ErrPoolNotSettled     = errors.New("pool is not settled")

	ErrInvalidSide       = errors.New("invalid side")
	ErrInvalidResult     = errors.New("invalid match result")
	ErrCannotSwitchSides = errors.New("cannot switch bet sides")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrInvalidRate       = errors.New("fee and player share exceed 10000 basis points")
	ErrStakeTooSmall     = errors.New("stake is below the minimum")
	ErrStakeTooLarge     = errors.New("stake is above the maximum")

	ErrNotAdmin         = errors.New("caller is not the pool admin")
	ErrNotWinningPlayer = errors.New("not the winning player")
	ErrNotWinner        = errors.New("bet is not on the winning side")
	ErrBetMismatch      = errors.New("bet does not belong to caller and pool")

	ErrNoBetsOnWinner = errors.New("no one bet on the winning side")

	ErrAlreadyClaimed = errors.New("already claimed")
	ErrNothingToClaim = errors.New("nothing to claim")

	ErrOverflow = errors.New("arithmetic overflow")
)

// StateError reports an operation attempted in the wrong pool state.
type StateError struct {
	Err error
}

func (e *StateError) Error() string { return e.Err.Error() }
func (e *StateError) Unwrap() error { return e.Err }

// ValidationError reports malformed or inconsistent input.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// AuthorizationError reports a caller that does not match the entity it acts on.
type AuthorizationError struct {
	Caller Identity
	Err    error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Caller, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

type SettlementError struct {
	Err error
}

func (e *SettlementError) Error() string { return e.Err.Error() }
func (e *SettlementError) Unwrap() error { return e.Err }

type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string { return e.Err.Error() }
func (e *ClaimError) Unwrap() error { return e.Err }

// InvariantError is fatal: the operation must be abandoned, never retried.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }
