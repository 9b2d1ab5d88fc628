package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dehimb/matchpool/internal/config"
	"github.com/dehimb/matchpool/internal/ledger"
	"github.com/dehimb/matchpool/internal/pool"
	"github.com/dehimb/matchpool/internal/store"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type handler struct {
	router       *mux.Router
	storeHandler store.StoreHandler
	logger       *logrus.Logger
	settlement   config.SettlementConfig
}

func (h *handler) initRouter(m MiddlewareDispatcher) {
	// Provide all middlewares from one method
	h.router.Use(m.populate()...)

	h.router.HandleFunc("/pools", h.createPool).Methods("POST")
	h.router.HandleFunc("/pools/{id}", h.getPool).Methods("GET")
	h.router.HandleFunc("/pools/{id}/stakes", h.placeStake).Methods("POST")
	h.router.HandleFunc("/pools/{id}/close", h.closePool).Methods("POST")
	h.router.HandleFunc("/pools/{id}/settle", h.settlePool).Methods("POST")
	h.router.HandleFunc("/pools/{id}/claim", h.claimSpectator).Methods("POST")
	h.router.HandleFunc("/pools/{id}/claim-prize", h.claimPlayerPrize).Methods("POST")
	h.router.HandleFunc("/pools/{id}/bets/{bettor}", h.getBet).Methods("GET")
	h.router.HandleFunc("/accounts/{id}", h.getAccount).Methods("GET")
	h.router.HandleFunc("/wallets/{mint}", h.getWallet).Methods("GET")
	h.router.HandleFunc("/wallets/{mint}/deposit", h.deposit).Methods("POST")
	h.router.PathPrefix("/").HandlerFunc(h.defaultHandler)
}

func (h *handler) defaultHandler(w http.ResponseWriter, r *http.Request) {
	sendErrorResponse(w, "Not found", http.StatusNotFound)
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// sendError maps an operation error to a status code. Errors that carry
// no caller-facing meaning are logged and reported as internal.
func (h *handler) sendError(w http.ResponseWriter, err error) {
	var (
		notFound   *store.NotFoundError
		storeVal   *store.ValidationError
		conflict   *store.ConflictError
		poolVal    *pool.ValidationError
		state      *pool.StateError
		claim      *pool.ClaimError
		settlement *pool.SettlementError
		authz      *pool.AuthorizationError
		invariant  *pool.InvariantError
		transfer   *ledger.TransferError
	)
	switch {
	case errors.As(err, &notFound):
		sendErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &storeVal), errors.As(err, &poolVal):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &conflict), errors.As(err, &state), errors.As(err, &claim), errors.As(err, &settlement):
		sendErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.As(err, &authz):
		sendErrorResponse(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &invariant):
		h.logger.WithError(err).Error("Invariant violation")
		sendErrorResponse(w, "Internal server error", http.StatusInternalServerError)
	case errors.As(err, &transfer) && isRejectedTransfer(transfer):
		sendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.WithError(err).Error("Request failed")
		sendErrorResponse(w, "Internal server error", http.StatusInternalServerError)
	}
}

func isRejectedTransfer(e *ledger.TransferError) bool {
	for _, reason := range []error{ledger.ErrInsufficientFunds, ledger.ErrUnknownAccount, ledger.ErrBalanceOverflow, ledger.ErrInvalidAmount} {
		if errors.Is(e.Err, reason) {
			return true
		}
	}
	return false
}

func (h *handler) createPool(w http.ResponseWriter, r *http.Request) {
	var req store.NewPool
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.storeHandler.CreatePool(r.Context(), callerFrom(r), &req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, newPoolResponse(p), http.StatusCreated)
}

func (h *handler) getPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.storeHandler.GetPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, newPoolResponse(p), http.StatusOK)
}

func (h *handler) placeStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if !h.decode(w, r, &req) {
		return
	}
	bet, err := h.storeHandler.PlaceStake(r.Context(), mux.Vars(r)["id"], callerFrom(r), req.Side, req.Amount)
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, bet, http.StatusOK)
}

func (h *handler) closePool(w http.ResponseWriter, r *http.Request) {
	p, err := h.storeHandler.ClosePool(r.Context(), mux.Vars(r)["id"], callerFrom(r))
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, newPoolResponse(p), http.StatusOK)
}

func (h *handler) settlePool(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	fee, share := h.settlement.DefaultFeeBps, h.settlement.DefaultPlayerShareBps
	if req.FeeBps != nil {
		fee = *req.FeeBps
	}
	if req.PlayerShareBps != nil {
		share = *req.PlayerShareBps
	}
	p, err := h.storeHandler.SettlePool(r.Context(), mux.Vars(r)["id"], callerFrom(r), req.Result, fee, share)
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, newPoolResponse(p), http.StatusOK)
}

func (h *handler) claimSpectator(w http.ResponseWriter, r *http.Request) {
	payout, err := h.storeHandler.ClaimSpectator(r.Context(), mux.Vars(r)["id"], callerFrom(r))
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, &ClaimResponse{Amount: payout}, http.StatusOK)
}

func (h *handler) claimPlayerPrize(w http.ResponseWriter, r *http.Request) {
	prize, err := h.storeHandler.ClaimPlayerPrize(r.Context(), mux.Vars(r)["id"], callerFrom(r))
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, &ClaimResponse{Amount: prize}, http.StatusOK)
}

func (h *handler) getBet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bet, err := h.storeHandler.GetBet(r.Context(), vars["id"], pool.Identity(vars["bettor"]))
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, bet, http.StatusOK)
}

// deposit credits the caller's own wallet in the mint named by the path.
func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	mint, caller := mux.Vars(r)["mint"], callerFrom(r)
	balance, err := h.storeHandler.Deposit(r.Context(), mint, caller, req.Amount)
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, &BalanceResponse{Account: pool.WalletOf(mint, caller), Balance: balance}, http.StatusOK)
}

func (h *handler) getWallet(w http.ResponseWriter, r *http.Request) {
	account := pool.WalletOf(mux.Vars(r)["mint"], callerFrom(r))
	balance, err := h.storeHandler.GetBalance(r.Context(), account)
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, &BalanceResponse{Account: account, Balance: balance}, http.StatusOK)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	account := pool.AccountID(mux.Vars(r)["id"])
	balance, err := h.storeHandler.GetBalance(r.Context(), account)
	if err != nil {
		h.sendError(w, err)
		return
	}
	sendJSONResponse(w, &BalanceResponse{Account: account, Balance: balance}, http.StatusOK)
}
