package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dehimb/matchpool/internal/pool"
)

// NewPool describes a pool to create. The caller becomes its admin.
// LockTime is optional and is stored with second precision.
type NewPool struct {
	MatchID   string        `json:"matchId"`
	PlayerA   pool.Identity `json:"playerA"`
	PlayerB   pool.Identity `json:"playerB"`
	TokenMint string        `json:"tokenMint"`
	LockTime  *time.Time    `json:"lockTime,omitempty"`
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPool(row rowScanner) (*pool.Pool, error) {
	var (
		p                                        pool.Pool
		totalA, totalB                           string
		status, result                           int
		winnerPool, distributable, fee, prize    string
		vault, prizeVault, playerA, playerB, adm string
		lockTime                                 int64
	)
	err := row.Scan(&p.ID, &p.MatchID, &playerA, &playerB, &adm, &p.TokenMint, &vault, &prizeVault,
		&totalA, &totalB, &status, &result, &winnerPool, &distributable, &fee, &prize, &p.PlayerPrizeClaimed,
		&lockTime)
	if err != nil {
		return nil, err
	}
	if lockTime != 0 {
		p.LockTime = time.Unix(lockTime, 0).UTC()
	}
	p.PlayerA, p.PlayerB, p.Admin = pool.Identity(playerA), pool.Identity(playerB), pool.Identity(adm)
	p.Vault, p.PrizeVault = pool.AccountID(vault), pool.AccountID(prizeVault)

	amounts, err := parseAmounts(totalA, totalB, winnerPool, distributable, fee, prize)
	if err != nil {
		return nil, err
	}
	p.TotalForA, p.TotalForB = amounts[0], amounts[1]

	var state pool.State
	switch pool.Status(status) {
	case pool.StatusOpen:
		state = pool.OpenState{}
	case pool.StatusClosed:
		state = pool.ClosedState{}
	case pool.StatusSettled:
		state = pool.SettledState{Settlement: pool.Settlement{
			Result:            pool.Side(result),
			WinnerPool:        amounts[2],
			Distributable:     amounts[3],
			FeeAmount:         amounts[4],
			PlayerPrizeAmount: amounts[5],
		}}
	default:
		return nil, fmt.Errorf("pool %s has unknown status %d", p.ID, status)
	}
	return pool.Restore(p, state), nil
}

func scanBet(row rowScanner) (*pool.Bet, error) {
	var (
		b              pool.Bet
		bettor, amount string
		side           int
	)
	if err := row.Scan(&b.PoolID, &bettor, &side, &amount, &b.Claimed); err != nil {
		return nil, err
	}
	b.Bettor = pool.Identity(bettor)
	b.Side = pool.Side(side)
	v, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return nil, err
	}
	b.Amount = v
	return &b, nil
}

func parseAmounts(raw ...string) ([]uint64, error) {
	out := make([]uint64, len(raw))
	for i, r := range raw {
		v, err := strconv.ParseUint(r, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed amount %q: %w", r, err)
		}
		out[i] = v
	}
	return out, nil
}

// lockTimeColumn returns the stored form of a lock time, 0 meaning none.
func lockTimeColumn(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// snapshotColumns returns the stored form of a pool's state.
func snapshotColumns(p *pool.Pool) (status int, result int, s pool.Settlement) {
	s, _ = p.Settlement()
	return int(p.Status()), int(s.Result), s
}
