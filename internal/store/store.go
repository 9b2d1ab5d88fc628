// Package store persists pools and bets and runs every pool operation
// inside one database transaction together with its ledger transfers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dehimb/matchpool/internal/events"
	"github.com/dehimb/matchpool/internal/ledger"
	"github.com/dehimb/matchpool/internal/pool"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	ErrPoolNotFound    = errors.New("pool not found")
	ErrBetNotFound     = errors.New("bet not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrPoolExists      = errors.New("a pool already exists for this match")
	ErrMintRequired    = errors.New("token mint is required")
	ErrInvalidMint     = errors.New("token mint must not contain ':'")
	ErrLockTimePassed  = errors.New("lock time must be in the future")
)

type StoreHandler interface {
	CreatePool(ctx context.Context, caller pool.Identity, np *NewPool) (*pool.Pool, error)
	GetPool(ctx context.Context, poolID string) (*pool.Pool, error)
	GetBet(ctx context.Context, poolID string, bettor pool.Identity) (*pool.Bet, error)
	PlaceStake(ctx context.Context, poolID string, caller pool.Identity, side pool.Side, amount uint64) (*pool.Bet, error)
	ClosePool(ctx context.Context, poolID string, caller pool.Identity) (*pool.Pool, error)
	SettlePool(ctx context.Context, poolID string, caller pool.Identity, result pool.Side, feeBps, playerShareBps uint16) (*pool.Pool, error)
	ClaimSpectator(ctx context.Context, poolID string, caller pool.Identity) (uint64, error)
	ClaimPlayerPrize(ctx context.Context, poolID string, caller pool.Identity) (uint64, error)
	Deposit(ctx context.Context, mint string, owner pool.Identity, amount uint64) (uint64, error)
	GetBalance(ctx context.Context, account pool.AccountID) (uint64, error)
}

type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s", e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s", e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s", e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

type InternalError struct {
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

type Options struct {
	Driver      string
	DSN         string
	Treasury    pool.AccountID
	Publisher   events.Publisher
	StakeLimits pool.StakeLimits
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type Store struct {
	logger    *logrus.Logger
	db        *sql.DB
	lockRows  bool
	treasury  pool.AccountID
	publisher events.Publisher
	limits    pool.StakeLimits
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

// New opens the database, creates the schema and the treasury account.
// The connection is closed when ctx is done.
func New(ctx context.Context, logger *logrus.Logger, opts Options) (*Store, error) {
	s := &Store{
		logger:    logger,
		lockRows:  opts.Driver == "postgres",
		treasury:  opts.Treasury,
		publisher: opts.Publisher,
		limits:    opts.StakeLimits,
		now:       time.Now,
		locks:     make(map[string]*keyLock),
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if err := s.init(ctx, opts.Driver, opts.DSN); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context, driver, dsn string) error {
	var err error
	s.db, err = sql.Open(driver, dsn)
	if err != nil {
		return &InternalError{Message: "Can't open database", Err: err}
	}
	if driver == "sqlite3" {
		// SQLite allows one writer; a single connection serializes transactions.
		s.db.SetMaxOpenConns(1)
	}
	for _, stmt := range []string{ledger.Schema, CreateTables, CreateIndexes} {
		if _, err = s.db.ExecContext(ctx, stmt); err != nil {
			s.db.Close()
			return &InternalError{Message: "Can't create tables", Err: err}
		}
	}
	if s.treasury != "" {
		if err = ledger.New(s.db, false).Open(ctx, s.treasury); err != nil {
			s.db.Close()
			return &InternalError{Message: "Can't open treasury account", Err: err}
		}
	}

	go func() {
		<-ctx.Done()
		if err := s.db.Close(); err != nil {
			s.logger.Error("Can't close database: ", err)
			return
		}
		s.logger.Info("Database connection closed")
	}()
	return nil
}

// lock serializes operations on one key within this process. Across
// processes the PostgreSQL row locks taken by loadPool do the same job.
// An entry lives only while someone holds or waits for it.
func (s *Store) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// isUniqueViolation reports whether err is a unique or primary key
// constraint failure from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// inTx runs fn in a transaction and commits only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx, led *ledger.Ledger) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &TransactionError{Err: err}
	}
	if err := fn(tx, ledger.New(tx, s.lockRows)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Rollback failed: ", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return &TransactionError{Err: err}
	}
	return nil
}

// withPool loads a pool under lock inside a transaction and hands it to fn.
func (s *Store) withPool(ctx context.Context, poolID string, fn func(tx *sql.Tx, led *ledger.Ledger, p *pool.Pool) error) error {
	unlock := s.lock("pool:" + poolID)
	defer unlock()
	return s.inTx(ctx, func(tx *sql.Tx, led *ledger.Ledger) error {
		p, err := s.loadPool(ctx, tx, poolID, s.lockRows)
		if err != nil {
			return err
		}
		return fn(tx, led, p)
	})
}

func (s *Store) loadPool(ctx context.Context, q ledger.Querier, poolID string, forUpdate bool) (*pool.Pool, error) {
	query := "SELECT " + poolColumns + " FROM pools WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	p, err := scanPool(q.QueryRowContext(ctx, query, poolID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Err: ErrPoolNotFound}
	}
	if err != nil {
		return nil, &InternalError{Message: "Error reading pool", Err: err}
	}
	return p, nil
}

func (s *Store) savePool(ctx context.Context, tx *sql.Tx, p *pool.Pool) error {
	status, result, snap := snapshotColumns(p)
	_, err := tx.ExecContext(ctx, `UPDATE pools SET total_for_a = $1, total_for_b = $2, status = $3, result = $4,
		winner_pool = $5, distributable = $6, fee_amount = $7, player_prize_amount = $8, player_prize_claimed = $9
		WHERE id = $10`,
		formatAmount(p.TotalForA), formatAmount(p.TotalForB), status, result,
		formatAmount(snap.WinnerPool), formatAmount(snap.Distributable), formatAmount(snap.FeeAmount),
		formatAmount(snap.PlayerPrizeAmount), p.PlayerPrizeClaimed, p.ID)
	if err != nil {
		return &InternalError{Message: "Error executing update pool db request", Err: err}
	}
	return nil
}

func (s *Store) loadBet(ctx context.Context, q ledger.Querier, poolID string, bettor pool.Identity) (*pool.Bet, error) {
	b, err := scanBet(q.QueryRowContext(ctx,
		"SELECT pool_id, bettor, side, amount, claimed FROM bets WHERE pool_id = $1 AND bettor = $2",
		poolID, string(bettor)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &InternalError{Message: "Error reading bet", Err: err}
	}
	return b, nil
}

func (s *Store) saveBet(ctx context.Context, tx *sql.Tx, b *pool.Bet) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bets (pool_id, bettor, side, amount, claimed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pool_id, bettor) DO UPDATE SET amount = excluded.amount, claimed = excluded.claimed`,
		b.PoolID, string(b.Bettor), int(b.Side), formatAmount(b.Amount), b.Claimed, time.Now().Unix())
	if err != nil {
		return &InternalError{Message: "Error executing upsert bet db request", Err: err}
	}
	return nil
}

func (s *Store) insertPool(ctx context.Context, tx *sql.Tx, p *pool.Pool) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pools (id, match_id, player_a, player_b, admin, token_mint,
		vault, prize_vault, lock_time, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.MatchID, string(p.PlayerA), string(p.PlayerB), string(p.Admin), p.TokenMint,
		string(p.Vault), string(p.PrizeVault), lockTimeColumn(p.LockTime), time.Now().Unix())
	if isUniqueViolation(err) {
		return &ConflictError{Err: ErrPoolExists}
	}
	if err != nil {
		return &InternalError{Message: "Error executing insert pool db request", Err: err}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, e events.Event) {
	e.At = time.Now()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.WithField("event", e.Type).Warn("Can't publish event: ", err)
	}
}

// CreatePool opens a new pool with its vault and prize vault accounts.
func (s *Store) CreatePool(ctx context.Context, caller pool.Identity, np *NewPool) (*pool.Pool, error) {
	switch {
	case np.MatchID == "":
		return nil, &ValidationError{errors.New("match id is required")}
	case np.PlayerA == "" || np.PlayerB == "":
		return nil, &ValidationError{errors.New("both players are required")}
	case np.PlayerA == np.PlayerB:
		return nil, &ValidationError{errors.New("players must differ")}
	}
	if err := validateMint(np.TokenMint); err != nil {
		return nil, err
	}
	var lockTime time.Time
	if np.LockTime != nil {
		lockTime = np.LockTime.UTC().Truncate(time.Second)
		if !lockTime.After(s.now()) {
			return nil, &ValidationError{ErrLockTimePassed}
		}
	}

	unlock := s.lock("match:" + np.MatchID)
	defer unlock()

	id := uuid.New().String()
	p := pool.New(id, np.MatchID, np.PlayerA, np.PlayerB, caller, np.TokenMint,
		pool.AccountID("vault:"+id), pool.AccountID("prize:"+id))
	p.LockTime = lockTime

	err := s.inTx(ctx, func(tx *sql.Tx, led *ledger.Ledger) error {
		var existing string
		err := tx.QueryRowContext(ctx, "SELECT id FROM pools WHERE match_id = $1", np.MatchID).Scan(&existing)
		if err == nil {
			return &ConflictError{Err: ErrPoolExists}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return &InternalError{Message: "Error reading pool", Err: err}
		}

		if err := s.insertPool(ctx, tx, p); err != nil {
			return err
		}
		for _, acc := range []pool.AccountID{p.Vault, p.PrizeVault} {
			if err := led.Open(ctx, acc); err != nil {
				return &InternalError{Message: "Error opening vault account", Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"pool": p.ID, "match": p.MatchID, "admin": p.Admin}).Info("Pool created")
	s.publish(ctx, events.Event{Type: events.PoolCreated, PoolID: p.ID, Actor: string(caller)})
	return p, nil
}

func (s *Store) GetPool(ctx context.Context, poolID string) (*pool.Pool, error) {
	return s.loadPool(ctx, s.db, poolID, false)
}

func (s *Store) GetBet(ctx context.Context, poolID string, bettor pool.Identity) (*pool.Bet, error) {
	b, err := s.loadBet(ctx, s.db, poolID, bettor)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &NotFoundError{Err: ErrBetNotFound}
	}
	return b, nil
}

func (s *Store) PlaceStake(ctx context.Context, poolID string, caller pool.Identity, side pool.Side, amount uint64) (*pool.Bet, error) {
	var bet *pool.Bet
	err := s.withPool(ctx, poolID, func(tx *sql.Tx, led *ledger.Ledger, p *pool.Pool) error {
		existing, err := s.loadBet(ctx, tx, poolID, caller)
		if err != nil {
			return err
		}
		bet, err = p.PlaceStake(ctx, led, existing, pool.StakeRequest{
			Bettor: caller,
			Side:   side,
			Amount: amount,
			At:     s.now(),
			Limits: s.limits,
		})
		if err != nil {
			return err
		}
		if err := s.savePool(ctx, tx, p); err != nil {
			return err
		}
		return s.saveBet(ctx, tx, bet)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"pool": poolID, "bettor": caller, "side": side, "amount": amount}).Info("Stake placed")
	s.publish(ctx, events.Event{Type: events.StakePlaced, PoolID: poolID, Actor: string(caller), Side: uint8(side), Amount: amount})
	return bet, nil
}

func (s *Store) ClosePool(ctx context.Context, poolID string, caller pool.Identity) (*pool.Pool, error) {
	var closed *pool.Pool
	err := s.withPool(ctx, poolID, func(tx *sql.Tx, led *ledger.Ledger, p *pool.Pool) error {
		if err := p.Close(caller); err != nil {
			return err
		}
		closed = p
		return s.savePool(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithField("pool", poolID).Info("Pool closed")
	s.publish(ctx, events.Event{Type: events.PoolClosed, PoolID: poolID, Actor: string(caller)})
	return closed, nil
}

// SettlePool commits the settlement snapshot and moves fee and player
// prize out of the vault in one transaction.
func (s *Store) SettlePool(ctx context.Context, poolID string, caller pool.Identity, result pool.Side, feeBps, playerShareBps uint16) (*pool.Pool, error) {
	var settled *pool.Pool
	var snap pool.Settlement
	err := s.withPool(ctx, poolID, func(tx *sql.Tx, led *ledger.Ledger, p *pool.Pool) error {
		var err error
		snap, err = p.Settle(ctx, led, caller, s.treasury, result, feeBps, playerShareBps)
		if err != nil {
			return err
		}
		settled = p
		return s.savePool(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"pool":          poolID,
		"result":        snap.Result,
		"fee":           snap.FeeAmount,
		"prize":         snap.PlayerPrizeAmount,
		"distributable": snap.Distributable,
		"winnerPool":    snap.WinnerPool,
	}).Info("Pool settled")
	s.publish(ctx, events.Event{Type: events.PoolSettled, PoolID: poolID, Actor: string(caller), Side: uint8(snap.Result), Amount: snap.Distributable})
	return settled, nil
}

func (s *Store) ClaimSpectator(ctx context.Context, poolID string, caller pool.Identity) (uint64, error) {
	var payout uint64
	err := s.withPool(ctx, poolID, func(tx *sql.Tx, led *ledger.Ledger, p *pool.Pool) error {
		bet, err := s.loadBet(ctx, tx, poolID, caller)
		if err != nil {
			return err
		}
		payout, err = p.ClaimSpectator(ctx, led, bet, caller)
		if err != nil {
			return err
		}
		return s.saveBet(ctx, tx, bet)
	})
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(logrus.Fields{"pool": poolID, "bettor": caller, "payout": payout}).Info("Winnings claimed")
	s.publish(ctx, events.Event{Type: events.SpectatorClaim, PoolID: poolID, Actor: string(caller), Amount: payout})
	return payout, nil
}

func (s *Store) ClaimPlayerPrize(ctx context.Context, poolID string, caller pool.Identity) (uint64, error) {
	var prize uint64
	err := s.withPool(ctx, poolID, func(tx *sql.Tx, led *ledger.Ledger, p *pool.Pool) error {
		var err error
		prize, err = p.ClaimPlayerPrize(ctx, led, caller)
		if err != nil {
			return err
		}
		return s.savePool(ctx, tx, p)
	})
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(logrus.Fields{"pool": poolID, "player": caller, "prize": prize}).Info("Player prize claimed")
	s.publish(ctx, events.Event{Type: events.PlayerClaim, PoolID: poolID, Actor: string(caller), Amount: prize})
	return prize, nil
}

func validateMint(mint string) error {
	if mint == "" {
		return &ValidationError{ErrMintRequired}
	}
	if strings.Contains(mint, ":") {
		return &ValidationError{ErrInvalidMint}
	}
	return nil
}

// Deposit funds the owner's wallet in one mint and returns its new
// balance. Vaults and the treasury are never reachable from here.
func (s *Store) Deposit(ctx context.Context, mint string, owner pool.Identity, amount uint64) (uint64, error) {
	if err := validateMint(mint); err != nil {
		return 0, err
	}
	if owner == "" {
		return 0, &ValidationError{errors.New("wallet owner is required")}
	}
	account := pool.WalletOf(mint, owner)
	unlock := s.lock("account:" + string(account))
	defer unlock()

	var balance uint64
	err := s.inTx(ctx, func(tx *sql.Tx, led *ledger.Ledger) error {
		var err error
		balance, err = led.Deposit(ctx, account, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.WithFields(logrus.Fields{"account": account, "amount": amount, "balance": balance}).Debug("Deposit")
	return balance, nil
}

func (s *Store) GetBalance(ctx context.Context, account pool.AccountID) (uint64, error) {
	balance, err := ledger.New(s.db, false).Balance(ctx, account)
	if errors.Is(err, ledger.ErrUnknownAccount) {
		return 0, &NotFoundError{Err: ErrAccountNotFound}
	}
	if err != nil {
		return 0, &InternalError{Message: "Error reading balance", Err: err}
	}
	return balance, nil
}
