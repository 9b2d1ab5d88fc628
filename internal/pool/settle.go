package pool

import (
	"context"
	"fmt"
)

// ComputeSettlement splits the combined stake into fee, player prize and
// distributable. Fee and prize truncate toward zero; distributable keeps
// both remainders, so fee+prize+distributable always equals the total.
func ComputeSettlement(totalForA, totalForB uint64, result Side, feeBps, playerShareBps uint16) (Settlement, error) {
	if !result.Valid() {
		return Settlement{}, &ValidationError{Err: ErrInvalidResult}
	}
	if uint32(feeBps)+uint32(playerShareBps) > BasisPoints {
		return Settlement{}, &ValidationError{Err: ErrInvalidRate}
	}

	total, err := addChecked(totalForA, totalForB)
	if err != nil {
		return Settlement{}, &InvariantError{Op: "settle", Err: err}
	}
	fee, err := applyBps(total, feeBps)
	if err != nil {
		return Settlement{}, &InvariantError{Op: "settle", Err: err}
	}
	prize, err := applyBps(total, playerShareBps)
	if err != nil {
		return Settlement{}, &InvariantError{Op: "settle", Err: err}
	}

	winnerPool := totalForA
	if result == SideB {
		winnerPool = totalForB
	}
	if winnerPool == 0 {
		return Settlement{}, &SettlementError{Err: ErrNoBetsOnWinner}
	}

	return Settlement{
		Result:            result,
		WinnerPool:        winnerPool,
		Distributable:     total - fee - prize,
		FeeAmount:         fee,
		PlayerPrizeAmount: prize,
	}, nil
}

// Settle records the match result on a closed pool. The fee moves from the
// vault to treasury, then the player prize moves to the prize vault; the
// snapshot is committed only after both transfers succeed. The caller must
// run the whole call inside one atomic unit so that a failed second transfer
// also undoes the first.
func (p *Pool) Settle(ctx context.Context, t Transferer, caller Identity, treasury AccountID, result Side, feeBps, playerShareBps uint16) (Settlement, error) {
	if caller != p.Admin {
		return Settlement{}, &AuthorizationError{Caller: caller, Err: ErrNotAdmin}
	}
	switch p.State().(type) {
	case OpenState:
		return Settlement{}, &StateError{Err: ErrPoolStillOpen}
	case SettledState:
		return Settlement{}, &StateError{Err: ErrPoolAlreadySettled}
	}

	s, err := ComputeSettlement(p.TotalForA, p.TotalForB, result, feeBps, playerShareBps)
	if err != nil {
		return Settlement{}, err
	}

	if err := t.Transfer(ctx, p.Vault, treasury, s.FeeAmount); err != nil {
		return Settlement{}, fmt.Errorf("fee transfer: %w", err)
	}
	if err := t.Transfer(ctx, p.Vault, p.PrizeVault, s.PlayerPrizeAmount); err != nil {
		return Settlement{}, fmt.Errorf("player prize transfer: %w", err)
	}

	p.state = SettledState{Settlement: s}
	return s, nil
}
