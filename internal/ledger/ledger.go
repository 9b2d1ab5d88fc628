// Package ledger implements the transfer service over holding accounts
// kept in SQL. A Ledger is bound to one transaction, so every transfer made
// during an operation commits or rolls back together with it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"time"

	"github.com/dehimb/matchpool/internal/pool"
	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrBalanceOverflow   = errors.New("balance overflow")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
)

// TransferError is returned for every failed movement of value. The
// enclosing transaction must then be rolled back.
type TransferError struct {
	From   pool.AccountID
	To     pool.AccountID
	Amount uint64
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %d from %s to %s: %s", e.Amount, e.From, e.To, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Querier is satisfied by *sql.Tx and *sql.DB.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Ledger struct {
	q         Querier
	forUpdate string
	now       func() time.Time
}

// New binds a ledger to q. lockRows adds FOR UPDATE to balance reads,
// which PostgreSQL needs and SQLite does not understand.
func New(q Querier, lockRows bool) *Ledger {
	l := &Ledger{q: q, now: time.Now}
	if lockRows {
		l.forUpdate = " FOR UPDATE"
	}
	return l
}

// Open creates an empty account. Opening an existing account is a no-op.
func (l *Ledger) Open(ctx context.Context, id pool.AccountID) error {
	_, err := l.q.ExecContext(ctx,
		"INSERT INTO accounts (id, balance, created_at) VALUES ($1, '0', $2) ON CONFLICT (id) DO NOTHING",
		string(id), l.now().Unix())
	return err
}

func (l *Ledger) Balance(ctx context.Context, id pool.AccountID) (uint64, error) {
	return l.balance(ctx, id, "")
}

func (l *Ledger) balance(ctx context.Context, id pool.AccountID, suffix string) (uint64, error) {
	var raw string
	err := l.q.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE id = $1"+suffix, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownAccount
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (l *Ledger) setBalance(ctx context.Context, id pool.AccountID, balance uint64) error {
	_, err := l.q.ExecContext(ctx, "UPDATE accounts SET balance = $1 WHERE id = $2",
		strconv.FormatUint(balance, 10), string(id))
	return err
}

func (l *Ledger) journal(ctx context.Context, from, to pool.AccountID, amount uint64) error {
	_, err := l.q.ExecContext(ctx,
		"INSERT INTO transfers (id, from_account, to_account, amount, created_at) VALUES ($1, $2, $3, $4, $5)",
		uuid.New().String(), string(from), string(to), strconv.FormatUint(amount, 10), l.now().Unix())
	return err
}

// Deposit credits amount to id, opening the account if needed, and
// returns the new balance.
func (l *Ledger) Deposit(ctx context.Context, id pool.AccountID, amount uint64) (uint64, error) {
	fail := func(err error) (uint64, error) {
		return 0, &TransferError{From: mintAccount, To: id, Amount: amount, Err: err}
	}
	if amount == 0 {
		return fail(ErrInvalidAmount)
	}
	if err := l.Open(ctx, id); err != nil {
		return fail(err)
	}
	balance, err := l.balance(ctx, id, l.forUpdate)
	if err != nil {
		return fail(err)
	}
	balance, carry := bits.Add64(balance, amount, 0)
	if carry != 0 {
		return fail(ErrBalanceOverflow)
	}
	if err := l.setBalance(ctx, id, balance); err != nil {
		return fail(err)
	}
	if err := l.journal(ctx, mintAccount, id, amount); err != nil {
		return fail(err)
	}
	return balance, nil
}

// Transfer moves amount from one account to another. The destination is
// opened on first credit; the source must exist and hold enough. A zero
// amount moves nothing and succeeds.
func (l *Ledger) Transfer(ctx context.Context, from, to pool.AccountID, amount uint64) error {
	fail := func(err error) error {
		return &TransferError{From: from, To: to, Amount: amount, Err: err}
	}
	if amount == 0 || from == to {
		return nil
	}
	if err := l.Open(ctx, to); err != nil {
		return fail(err)
	}

	// Lock rows in a fixed order so concurrent transfers cannot deadlock.
	ids := []pool.AccountID{from, to}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	balances := make(map[pool.AccountID]uint64, 2)
	for _, id := range ids {
		b, err := l.balance(ctx, id, l.forUpdate)
		if err != nil {
			return fail(err)
		}
		balances[id] = b
	}

	if balances[from] < amount {
		return fail(ErrInsufficientFunds)
	}
	credited, carry := bits.Add64(balances[to], amount, 0)
	if carry != 0 {
		return fail(ErrBalanceOverflow)
	}

	if err := l.setBalance(ctx, from, balances[from]-amount); err != nil {
		return fail(err)
	}
	if err := l.setBalance(ctx, to, credited); err != nil {
		return fail(err)
	}
	if err := l.journal(ctx, from, to, amount); err != nil {
		return fail(err)
	}
	return nil
}
