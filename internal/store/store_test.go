package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dehimb/matchpool/internal/events"
	"github.com/dehimb/matchpool/internal/ledger"
	"github.com/dehimb/matchpool/internal/pool"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.Lock()
	defer p.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.Lock()
	defer p.Unlock()
	var out []events.Type
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

const admin pool.Identity = "admin"

func openStore(t *testing.T, dsn string) (*Store, *recordingPublisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pub := &recordingPublisher{}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	s, err := New(ctx, logger, Options{Driver: "sqlite3", DSN: dsn, Treasury: "treasury", Publisher: pub})
	require.NoError(t, err)
	return s, pub
}

func newTestStore(t *testing.T) (*Store, *recordingPublisher) {
	return openStore(t, filepath.Join(t.TempDir(), "pool.db"))
}

func createPool(t *testing.T, s *Store) *pool.Pool {
	t.Helper()
	p, err := s.CreatePool(context.Background(), admin, &NewPool{MatchID: "match-1", PlayerA: "alice", PlayerB: "bob", TokenMint: "mint"})
	require.NoError(t, err)
	return p
}

func fund(t *testing.T, s *Store, who pool.Identity, amount uint64) {
	t.Helper()
	_, err := s.Deposit(context.Background(), "mint", who, amount)
	require.NoError(t, err)
}

func balanceOf(t *testing.T, s *Store, id pool.AccountID) uint64 {
	t.Helper()
	b, err := s.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestCreatePool(t *testing.T) {
	ctx := context.Background()
	s, pub := newTestStore(t)
	p := createPool(t, s)

	loaded, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, loaded)
	assert.True(t, loaded.IsOpen())
	assert.Equal(t, admin, loaded.Admin)
	assert.Zero(t, balanceOf(t, s, loaded.Vault))
	assert.Zero(t, balanceOf(t, s, loaded.PrizeVault))
	assert.Equal(t, []events.Type{events.PoolCreated}, pub.types())

	_, err = s.CreatePool(ctx, admin, &NewPool{MatchID: "match-1", PlayerA: "carol", PlayerB: "dave", TokenMint: "mint"})
	var conflict *ConflictError
	assert.True(t, errors.As(err, &conflict))

	past := time.Now().Add(-time.Minute)
	testCases := []struct {
		name string
		np   NewPool
	}{
		{name: "Missing match", np: NewPool{PlayerA: "a", PlayerB: "b"}},
		{name: "Missing player", np: NewPool{MatchID: "m", PlayerA: "a"}},
		{name: "Same players", np: NewPool{MatchID: "m", PlayerA: "a", PlayerB: "a", TokenMint: "mint"}},
		{name: "Missing mint", np: NewPool{MatchID: "m", PlayerA: "a", PlayerB: "b"}},
		{name: "Mint with separator", np: NewPool{MatchID: "m", PlayerA: "a", PlayerB: "b", TokenMint: "a:b"}},
		{name: "Lock time passed", np: NewPool{MatchID: "m", PlayerA: "a", PlayerB: "b", TokenMint: "mint", LockTime: &past}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := s.CreatePool(ctx, admin, &testCase.np)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}

	_, err = s.GetPool(ctx, "missing")
	assert.True(t, errors.Is(err, ErrPoolNotFound))
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	s, pub := newTestStore(t)
	p := createPool(t, s)
	fund(t, s, "x", 600)
	fund(t, s, "y", 400)

	_, err := s.PlaceStake(ctx, p.ID, "x", pool.SideA, 600)
	require.NoError(t, err)
	_, err = s.PlaceStake(ctx, p.ID, "y", pool.SideB, 400)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), balanceOf(t, s, p.Vault))

	_, err = s.ClosePool(ctx, p.ID, admin)
	require.NoError(t, err)

	settled, err := s.SettlePool(ctx, p.ID, admin, pool.SideA, 200, 1000)
	require.NoError(t, err)
	snap, ok := settled.Settlement()
	require.True(t, ok)
	assert.Equal(t, pool.Settlement{Result: pool.SideA, WinnerPool: 600, Distributable: 880, FeeAmount: 20, PlayerPrizeAmount: 100}, snap)
	assert.Equal(t, uint64(20), balanceOf(t, s, "treasury"))
	assert.Equal(t, uint64(100), balanceOf(t, s, p.PrizeVault))
	assert.Equal(t, uint64(880), balanceOf(t, s, p.Vault))

	loaded, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, settled, loaded)

	payout, err := s.ClaimSpectator(ctx, p.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(880), payout)
	assert.Equal(t, uint64(880), balanceOf(t, s, pool.WalletOf("mint", "x")))

	_, err = s.ClaimSpectator(ctx, p.ID, "y")
	assert.True(t, errors.Is(err, pool.ErrNotWinner))

	prize, err := s.ClaimPlayerPrize(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), prize)
	assert.Equal(t, uint64(100), balanceOf(t, s, pool.WalletOf("mint", "alice")))

	_, err = s.ClaimPlayerPrize(ctx, p.ID, "alice")
	assert.True(t, errors.Is(err, pool.ErrAlreadyClaimed))

	assert.Equal(t, []events.Type{
		events.PoolCreated, events.StakePlaced, events.StakePlaced, events.PoolClosed,
		events.PoolSettled, events.SpectatorClaim, events.PlayerClaim,
	}, pub.types())
}

func TestPlaceStakeInsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)
	fund(t, s, "x", 100)

	_, err := s.PlaceStake(ctx, p.ID, "x", pool.SideA, 150)
	var te *ledger.TransferError
	require.True(t, errors.As(err, &te))
	assert.True(t, errors.Is(err, ledger.ErrInsufficientFunds))

	loaded, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, loaded.TotalForA)
	_, err = s.GetBet(ctx, p.ID, "x")
	assert.True(t, errors.Is(err, ErrBetNotFound))
	assert.Equal(t, uint64(100), balanceOf(t, s, pool.WalletOf("mint", "x")))
}

func TestPlaceStakeSideLock(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)
	fund(t, s, "x", 100)

	_, err := s.PlaceStake(ctx, p.ID, "x", pool.SideB, 30)
	require.NoError(t, err)
	bet, err := s.PlaceStake(ctx, p.ID, "x", pool.SideB, 20)
	require.NoError(t, err)
	assert.Equal(t, &pool.Bet{PoolID: p.ID, Bettor: "x", Side: pool.SideB, Amount: 50}, bet)

	_, err = s.PlaceStake(ctx, p.ID, "x", pool.SideA, 10)
	assert.True(t, errors.Is(err, pool.ErrCannotSwitchSides))

	stored, err := s.GetBet(ctx, p.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, bet, stored)
	loaded, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), loaded.TotalForB)
	assert.Zero(t, loaded.TotalForA)
}

func TestStakeOnClosedPool(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)
	fund(t, s, "x", 100)
	_, err := s.ClosePool(ctx, p.ID, admin)
	require.NoError(t, err)

	_, err = s.PlaceStake(ctx, p.ID, "x", pool.SideA, 10)
	assert.True(t, errors.Is(err, pool.ErrPoolClosed))
	assert.Equal(t, uint64(100), balanceOf(t, s, pool.WalletOf("mint", "x")))

	_, err = s.ClosePool(ctx, p.ID, admin)
	assert.True(t, errors.Is(err, pool.ErrPoolAlreadyClosed))
}

func TestSettleNoBetsOnWinner(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)
	fund(t, s, "x", 100)
	_, err := s.PlaceStake(ctx, p.ID, "x", pool.SideA, 100)
	require.NoError(t, err)
	_, err = s.ClosePool(ctx, p.ID, admin)
	require.NoError(t, err)

	_, err = s.SettlePool(ctx, p.ID, admin, pool.SideB, 200, 1000)
	assert.True(t, errors.Is(err, pool.ErrNoBetsOnWinner))

	loaded, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, loaded.IsSettled())
	assert.Equal(t, uint64(100), balanceOf(t, s, p.Vault))
	assert.Zero(t, balanceOf(t, s, "treasury"))
}

func TestSettleTwiceKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)
	fund(t, s, "x", 100)
	_, err := s.PlaceStake(ctx, p.ID, "x", pool.SideA, 100)
	require.NoError(t, err)
	_, err = s.ClosePool(ctx, p.ID, admin)
	require.NoError(t, err)
	first, err := s.SettlePool(ctx, p.ID, admin, pool.SideA, 200, 1000)
	require.NoError(t, err)

	_, err = s.SettlePool(ctx, p.ID, admin, pool.SideA, 0, 0)
	assert.True(t, errors.Is(err, pool.ErrPoolAlreadySettled))

	loaded, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first, loaded)
	assert.Equal(t, uint64(2), balanceOf(t, s, "treasury"))
}

func TestClaimTwiceLeavesVaultUnchanged(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)
	fund(t, s, "x", 300)
	fund(t, s, "z", 100)
	fund(t, s, "y", 100)
	_, err := s.PlaceStake(ctx, p.ID, "x", pool.SideA, 300)
	require.NoError(t, err)
	_, err = s.PlaceStake(ctx, p.ID, "z", pool.SideA, 100)
	require.NoError(t, err)
	_, err = s.PlaceStake(ctx, p.ID, "y", pool.SideB, 100)
	require.NoError(t, err)
	_, err = s.ClosePool(ctx, p.ID, admin)
	require.NoError(t, err)
	_, err = s.SettlePool(ctx, p.ID, admin, pool.SideA, 200, 1000)
	require.NoError(t, err)

	payout, err := s.ClaimSpectator(ctx, p.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(330), payout)
	vault := balanceOf(t, s, p.Vault)

	_, err = s.ClaimSpectator(ctx, p.ID, "x")
	assert.True(t, errors.Is(err, pool.ErrAlreadyClaimed))
	assert.Equal(t, vault, balanceOf(t, s, p.Vault))

	payout, err = s.ClaimSpectator(ctx, p.ID, "z")
	require.NoError(t, err)
	assert.Equal(t, uint64(110), payout)
	assert.Zero(t, balanceOf(t, s, p.Vault))

	_, err = s.ClaimSpectator(ctx, p.ID, "nobody")
	assert.True(t, errors.Is(err, pool.ErrBetMismatch))
}

func TestAdminOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)

	_, err := s.ClosePool(ctx, p.ID, "mallory")
	var authErr *pool.AuthorizationError
	assert.True(t, errors.As(err, &authErr))

	_, err = s.ClosePool(ctx, "missing", admin)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestConcurrentStakes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)
	const bettors = 8
	for i := 0; i < bettors; i++ {
		fund(t, s, pool.Identity(string(rune('a'+i))), 50)
	}

	var wg sync.WaitGroup
	for i := 0; i < bettors; i++ {
		wg.Add(1)
		go func(who pool.Identity) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := s.PlaceStake(ctx, p.ID, who, pool.SideA, 10)
				assert.NoError(t, err)
			}
		}(pool.Identity(string(rune('a' + i))))
	}
	wg.Wait()

	loaded, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(bettors*50), loaded.TotalForA)
	assert.Equal(t, uint64(bettors*50), balanceOf(t, s, p.Vault))
	assert.Zero(t, lockCount(s))
}

func lockCount(s *Store) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func TestLocksAreReleased(t *testing.T) {
	s, _ := newTestStore(t)

	unlock := s.lock("pool:1")
	waiting := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(waiting)
		s.lock("pool:1")()
		close(done)
	}()
	<-waiting
	assert.Equal(t, 1, lockCount(s))
	unlock()
	<-done
	assert.Zero(t, lockCount(s))

	p := createPool(t, s)
	fund(t, s, "x", 10)
	_, err := s.PlaceStake(context.Background(), p.ID, "x", pool.SideA, 10)
	require.NoError(t, err)
	_, err = s.GetBet(context.Background(), p.ID, "x")
	require.NoError(t, err)
	assert.Zero(t, lockCount(s))
}

func TestDepositOnlyReachesWallets(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)

	for _, account := range []pool.AccountID{p.Vault, p.PrizeVault, "treasury"} {
		balance, err := s.Deposit(ctx, "mint", pool.Identity(account), 50)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), balance)
		assert.Zero(t, balanceOf(t, s, account), "account %s", account)
		assert.Equal(t, uint64(50), balanceOf(t, s, pool.WalletOf("mint", pool.Identity(account))))
	}

	testCases := []struct {
		name  string
		mint  string
		owner pool.Identity
	}{
		{name: "Missing mint", owner: "x"},
		{name: "Mint with separator", mint: "vault:" + p.ID, owner: "x"},
		{name: "Missing owner", mint: "mint"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := s.Deposit(ctx, testCase.mint, testCase.owner, 10)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
	assert.Zero(t, balanceOf(t, s, p.Vault))
	assert.Zero(t, balanceOf(t, s, p.PrizeVault))
	assert.Zero(t, balanceOf(t, s, "treasury"))
}

func TestWalletsArePerMint(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)
	_, err := s.Deposit(ctx, "other", "x", 100)
	require.NoError(t, err)

	_, err = s.PlaceStake(ctx, p.ID, "x", pool.SideA, 10)
	var te *ledger.TransferError
	assert.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, uint64(100), balanceOf(t, s, pool.WalletOf("other", "x")))

	fund(t, s, "x", 10)
	_, err = s.PlaceStake(ctx, p.ID, "x", pool.SideA, 10)
	require.NoError(t, err)
	assert.Zero(t, balanceOf(t, s, pool.WalletOf("mint", "x")))
	assert.Equal(t, uint64(100), balanceOf(t, s, pool.WalletOf("other", "x")))
}

func TestPlaceStakeLimits(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s.limits = pool.StakeLimits{Min: 10, Max: 100}
	p := createPool(t, s)
	fund(t, s, "x", 1000)

	testCases := []struct {
		name   string
		amount uint64
		want   error
	}{
		{name: "Below minimum", amount: 9, want: pool.ErrStakeTooSmall},
		{name: "Above maximum", amount: 101, want: pool.ErrStakeTooLarge},
		{name: "At minimum", amount: 10},
		{name: "At maximum", amount: 100},
	}
	var total uint64
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := s.PlaceStake(ctx, p.ID, "x", pool.SideA, testCase.amount)
			if testCase.want == nil {
				require.NoError(t, err)
				total += testCase.amount
				return
			}
			var verr *pool.ValidationError
			assert.True(t, errors.As(err, &verr))
			assert.True(t, errors.Is(err, testCase.want))
		})
	}
	assert.Equal(t, total, balanceOf(t, s, p.Vault))
}

func TestLockTime(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	lockTime := now.Add(time.Hour + 500*time.Millisecond)

	p, err := s.CreatePool(ctx, admin, &NewPool{MatchID: "match-1", PlayerA: "alice", PlayerB: "bob", TokenMint: "mint", LockTime: &lockTime})
	require.NoError(t, err)
	assert.True(t, p.LockTime.Equal(now.Add(time.Hour)), "lock time %s", p.LockTime)

	loaded, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, loaded.LockTime.Equal(p.LockTime))

	fund(t, s, "x", 100)
	_, err = s.PlaceStake(ctx, p.ID, "x", pool.SideA, 10)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = s.PlaceStake(ctx, p.ID, "x", pool.SideA, 10)
	var serr *pool.StateError
	assert.True(t, errors.As(err, &serr))
	assert.True(t, errors.Is(err, pool.ErrPoolClosed))
	assert.Equal(t, uint64(10), balanceOf(t, s, p.Vault))

	// A locked pool still closes as usual.
	_, err = s.ClosePool(ctx, p.ID, admin)
	require.NoError(t, err)
}

func TestInsertPoolUniqueViolationIsConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := createPool(t, s)

	testCases := []struct {
		name string
		dup  *pool.Pool
	}{
		{name: "Same match", dup: pool.New("pool-2", p.MatchID, "carol", "dave", admin, "mint", "vault:pool-2", "prize:pool-2")},
		{name: "Same id", dup: pool.New(p.ID, "match-2", "carol", "dave", admin, "mint", "vault:x", "prize:x")},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := s.inTx(ctx, func(tx *sql.Tx, led *ledger.Ledger) error {
				return s.insertPool(ctx, tx, testCase.dup)
			})
			var conflict *ConflictError
			assert.True(t, errors.As(err, &conflict), "got %v", err)
			assert.True(t, errors.Is(err, ErrPoolExists))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "Postgres unique", err: fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), want: true},
		{name: "Postgres other", err: &pq.Error{Code: "23503"}},
		{name: "SQLite unique", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, want: true},
		{name: "SQLite primary key", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, want: true},
		{name: "SQLite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}},
		{name: "Plain", err: errors.New("boom")},
		{name: "Nil"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.want, isUniqueViolation(testCase.err))
		})
	}
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "pool.db")
	s, _ := openStore(t, dsn)
	p := createPool(t, s)
	fund(t, s, "x", 10)
	_, err := s.PlaceStake(ctx, p.ID, "x", pool.SideA, 10)
	require.NoError(t, err)
	_, err = s.ClosePool(ctx, p.ID, admin)
	require.NoError(t, err)
	settled, err := s.SettlePool(ctx, p.ID, admin, pool.SideA, 0, 0)
	require.NoError(t, err)

	reopened, _ := openStore(t, dsn)
	loaded, err := reopened.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, settled, loaded)
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetBalance(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrAccountNotFound))
}
