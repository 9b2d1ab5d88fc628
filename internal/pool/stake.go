package pool

import (
	"context"
	"fmt"
	"time"
)

// StakeLimits bounds a single stake. A zero Max means no upper bound.
type StakeLimits struct {
	Min uint64
	Max uint64
}

func (l StakeLimits) check(amount uint64) error {
	if amount < l.Min {
		return &ValidationError{Err: ErrStakeTooSmall}
	}
	if l.Max != 0 && amount > l.Max {
		return &ValidationError{Err: ErrStakeTooLarge}
	}
	return nil
}

type StakeRequest struct {
	Bettor Identity
	Side   Side
	Amount uint64
	At     time.Time
	Limits StakeLimits
}

// PlaceStake adds req.Amount to the bettor's bet on req.Side and moves the
// stake from the bettor's wallet into the vault. bet is nil on the bettor's
// first stake in this pool. Pool totals and the bet change only after the
// transfer succeeds.
func (p *Pool) PlaceStake(ctx context.Context, t Transferer, bet *Bet, req StakeRequest) (*Bet, error) {
	if !p.AcceptsStakes(req.At) {
		return nil, &StateError{Err: ErrPoolClosed}
	}
	if !req.Side.Valid() {
		return nil, &ValidationError{Err: ErrInvalidSide}
	}
	if req.Amount == 0 {
		return nil, &ValidationError{Err: ErrInvalidAmount}
	}
	if err := req.Limits.check(req.Amount); err != nil {
		return nil, err
	}

	var staked uint64
	if bet != nil {
		if bet.PoolID != p.ID || bet.Bettor != req.Bettor {
			return nil, &AuthorizationError{Caller: req.Bettor, Err: ErrBetMismatch}
		}
		if bet.Side != req.Side {
			return nil, &ValidationError{Err: ErrCannotSwitchSides}
		}
		staked = bet.Amount
	}

	total, err := addChecked(p.TotalFor(req.Side), req.Amount)
	if err != nil {
		return nil, &InvariantError{Op: "place stake", Err: err}
	}
	staked, err = addChecked(staked, req.Amount)
	if err != nil {
		return nil, &InvariantError{Op: "place stake", Err: err}
	}

	if err := t.Transfer(ctx, p.Wallet(req.Bettor), p.Vault, req.Amount); err != nil {
		return nil, fmt.Errorf("stake transfer: %w", err)
	}

	if req.Side == SideA {
		p.TotalForA = total
	} else {
		p.TotalForB = total
	}
	if bet == nil {
		bet = &Bet{PoolID: p.ID, Bettor: req.Bettor, Side: req.Side}
	}
	bet.Amount = staked
	return bet, nil
}

// Close stops betting. Only the admin may close, and only once.
func (p *Pool) Close(caller Identity) error {
	if caller != p.Admin {
		return &AuthorizationError{Caller: caller, Err: ErrNotAdmin}
	}
	if !p.IsOpen() {
		return &StateError{Err: ErrPoolAlreadyClosed}
	}
	p.state = ClosedState{}
	return nil
}
