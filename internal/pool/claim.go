package pool

import (
	"context"
	"fmt"
)

// Payout is the bettor's pro-rata share of distributable:
// floor(amount * distributable / winnerPool).
func Payout(s Settlement, amount uint64) (uint64, error) {
	if s.WinnerPool == 0 {
		return 0, &InvariantError{Op: "payout", Err: ErrOverflow}
	}
	payout, err := mulDiv(amount, s.Distributable, s.WinnerPool)
	if err != nil {
		return 0, &InvariantError{Op: "payout", Err: err}
	}
	return payout, nil
}

// ClaimSpectator pays a winning bet from the vault to the bettor's wallet
// in the pool's mint and marks it claimed. A claimed bet is rejected before any transfer.
func (p *Pool) ClaimSpectator(ctx context.Context, t Transferer, bet *Bet, caller Identity) (uint64, error) {
	s, ok := p.Settlement()
	if !ok {
		return 0, &StateError{Err: ErrPoolNotSettled}
	}
	if bet == nil || bet.PoolID != p.ID || bet.Bettor != caller {
		return 0, &AuthorizationError{Caller: caller, Err: ErrBetMismatch}
	}
	if bet.Claimed {
		return 0, &ClaimError{Err: ErrAlreadyClaimed}
	}
	if bet.Side != s.Result {
		return 0, &AuthorizationError{Caller: caller, Err: ErrNotWinner}
	}

	payout, err := Payout(s, bet.Amount)
	if err != nil {
		return 0, err
	}
	if payout == 0 {
		return 0, &ClaimError{Err: ErrNothingToClaim}
	}

	if err := t.Transfer(ctx, p.Vault, p.Wallet(caller), payout); err != nil {
		return 0, fmt.Errorf("payout transfer: %w", err)
	}
	bet.Claimed = true
	return payout, nil
}

// ClaimPlayerPrize pays the carved-out prize to the winning match participant.
func (p *Pool) ClaimPlayerPrize(ctx context.Context, t Transferer, caller Identity) (uint64, error) {
	s, ok := p.Settlement()
	if !ok {
		return 0, &StateError{Err: ErrPoolNotSettled}
	}

	var winner Identity
	switch s.Result {
	case SideA:
		winner = p.PlayerA
	case SideB:
		winner = p.PlayerB
	default:
		return 0, &ValidationError{Err: ErrInvalidResult}
	}
	if caller != winner {
		return 0, &AuthorizationError{Caller: caller, Err: ErrNotWinningPlayer}
	}
	if p.PlayerPrizeClaimed {
		return 0, &ClaimError{Err: ErrAlreadyClaimed}
	}

	if err := t.Transfer(ctx, p.PrizeVault, p.Wallet(caller), s.PlayerPrizeAmount); err != nil {
		return 0, fmt.Errorf("prize transfer: %w", err)
	}
	p.PlayerPrizeClaimed = true
	return s.PlayerPrizeAmount, nil
}
