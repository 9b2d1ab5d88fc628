// Package pool holds the accounting and settlement rules of a two-sided
// pari-mutuel betting pool. Value never moves here directly: every fund
// movement goes through a Transferer supplied by the caller.
package pool

import (
	"context"
	"fmt"
	"time"
)

// Identity is an already verified caller identity.
type Identity string

// AccountID names a holding account known to the transfer service.
type AccountID string

// WalletPrefix starts the name of every participant-owned account.
const WalletPrefix = "wallet:"

// WalletOf returns the holding account a participant keeps for one mint.
func WalletOf(mint string, id Identity) AccountID {
	return AccountID(WalletPrefix + mint + ":" + string(id))
}

// Transferer moves amount from one holding account to another. It either
// succeeds completely or fails with no effect.
type Transferer interface {
	Transfer(ctx context.Context, from, to AccountID, amount uint64) error
}

type Side uint8

const (
	SideNone Side = 0
	SideA    Side = 1
	SideB    Side = 2
)

func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	}
	return fmt.Sprintf("Side(%d)", uint8(s))
}

type Status uint8

const (
	StatusOpen Status = iota
	StatusClosed
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusSettled:
		return "settled"
	}
	return "unknown"
}

// Settlement is the frozen split computed once when a pool settles.
type Settlement struct {
	Result            Side   `json:"result"`
	WinnerPool        uint64 `json:"winnerPool"`
	Distributable     uint64 `json:"distributable"`
	FeeAmount         uint64 `json:"feeAmount"`
	PlayerPrizeAmount uint64 `json:"playerPrizeAmount"`
}

// State is one of OpenState, ClosedState or SettledState.
type State interface {
	Status() Status
	isState()
}

type OpenState struct{}

type ClosedState struct{}

// SettledState carries the settlement snapshot, so a snapshot can only
// exist on a settled pool.
type SettledState struct {
	Settlement Settlement
}

func (OpenState) Status() Status    { return StatusOpen }
func (ClosedState) Status() Status  { return StatusClosed }
func (SettledState) Status() Status { return StatusSettled }

func (OpenState) isState()    {}
func (ClosedState) isState()  {}
func (SettledState) isState() {}

type Pool struct {
	ID         string
	MatchID    string
	PlayerA    Identity
	PlayerB    Identity
	Admin      Identity
	TokenMint  string
	Vault      AccountID
	PrizeVault AccountID

	// LockTime ends betting even while the pool is open. Zero means no lock.
	LockTime time.Time

	TotalForA uint64
	TotalForB uint64

	PlayerPrizeClaimed bool

	state State
}

// New returns an open pool with zero totals.
func New(id, matchID string, playerA, playerB, admin Identity, tokenMint string, vault, prizeVault AccountID) *Pool {
	return &Pool{
		ID:         id,
		MatchID:    matchID,
		PlayerA:    playerA,
		PlayerB:    playerB,
		Admin:      admin,
		TokenMint:  tokenMint,
		Vault:      vault,
		PrizeVault: prizeVault,
		state:      OpenState{},
	}
}

// Restore rebuilds a pool in a given state, as loaded from storage.
func Restore(p Pool, state State) *Pool {
	if state == nil {
		state = OpenState{}
	}
	p.state = state
	return &p
}

func (p *Pool) State() State {
	if p.state == nil {
		return OpenState{}
	}
	return p.state
}

func (p *Pool) Status() Status {
	return p.State().Status()
}

func (p *Pool) IsOpen() bool {
	return p.Status() == StatusOpen
}

func (p *Pool) IsSettled() bool {
	return p.Status() == StatusSettled
}

// Settlement returns the snapshot of a settled pool.
func (p *Pool) Settlement() (Settlement, bool) {
	s, ok := p.State().(SettledState)
	if !ok {
		return Settlement{}, false
	}
	return s.Settlement, true
}

// Result is SideNone until the pool settles.
func (p *Pool) Result() Side {
	s, ok := p.Settlement()
	if !ok {
		return SideNone
	}
	return s.Result
}

// AcceptsStakes reports whether a stake placed at t may be accepted.
func (p *Pool) AcceptsStakes(t time.Time) bool {
	if !p.IsOpen() {
		return false
	}
	return p.LockTime.IsZero() || t.Before(p.LockTime)
}

// Wallet returns the participant's account in this pool's mint.
func (p *Pool) Wallet(id Identity) AccountID {
	return WalletOf(p.TokenMint, id)
}

func (p *Pool) TotalFor(side Side) uint64 {
	if side == SideA {
		return p.TotalForA
	}
	return p.TotalForB
}

// Bet is one bettor's cumulative stake on one side of one pool.
type Bet struct {
	PoolID  string   `json:"pool"`
	Bettor  Identity `json:"bettor"`
	Side    Side     `json:"side"`
	Amount  uint64   `json:"amount"`
	Claimed bool     `json:"claimed"`
}
