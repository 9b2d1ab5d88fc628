package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dehimb/matchpool/internal/pool"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type PoolResponse struct {
	ID                 string           `json:"id"`
	MatchID            string           `json:"matchId"`
	PlayerA            pool.Identity    `json:"playerA"`
	PlayerB            pool.Identity    `json:"playerB"`
	Admin              pool.Identity    `json:"admin"`
	TokenMint          string           `json:"tokenMint"`
	Vault              pool.AccountID   `json:"vault"`
	PrizeVault         pool.AccountID   `json:"playerPrizeVault"`
	LockTime           *time.Time       `json:"lockTime,omitempty"`
	TotalForA          uint64           `json:"totalForA"`
	TotalForB          uint64           `json:"totalForB"`
	Status             string           `json:"status"`
	IsOpen             bool             `json:"isOpen"`
	IsSettled          bool             `json:"isSettled"`
	Result             pool.Side        `json:"result"`
	Settlement         *pool.Settlement `json:"settlement,omitempty"`
	PlayerPrizeClaimed bool             `json:"playerPrizeClaimed"`
}

func newPoolResponse(p *pool.Pool) *PoolResponse {
	resp := &PoolResponse{
		ID:                 p.ID,
		MatchID:            p.MatchID,
		PlayerA:            p.PlayerA,
		PlayerB:            p.PlayerB,
		Admin:              p.Admin,
		TokenMint:          p.TokenMint,
		Vault:              p.Vault,
		PrizeVault:         p.PrizeVault,
		TotalForA:          p.TotalForA,
		TotalForB:          p.TotalForB,
		Status:             p.Status().String(),
		IsOpen:             p.IsOpen(),
		IsSettled:          p.IsSettled(),
		Result:             p.Result(),
		PlayerPrizeClaimed: p.PlayerPrizeClaimed,
	}
	if !p.LockTime.IsZero() {
		lockTime := p.LockTime
		resp.LockTime = &lockTime
	}
	if s, ok := p.Settlement(); ok {
		resp.Settlement = &s
	}
	return resp
}

type ClaimResponse struct {
	Amount uint64 `json:"amount"`
}

type BalanceResponse struct {
	Account pool.AccountID `json:"account"`
	Balance uint64         `json:"balance"`
}

type StakeRequest struct {
	Side   pool.Side `json:"side"`
	Amount uint64    `json:"amount"`
}

// SettleRequest leaves rates nil to use the configured defaults.
type SettleRequest struct {
	Result         pool.Side `json:"result"`
	FeeBps         *uint16   `json:"feeBps"`
	PlayerShareBps *uint16   `json:"playerShareBps"`
}

type DepositRequest struct {
	Amount uint64 `json:"amount"`
}

func sendJSONResponse(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func sendErrorResponse(w http.ResponseWriter, message string, code int) {
	sendJSONResponse(w, &ErrorResponse{Error: message}, code)
}
