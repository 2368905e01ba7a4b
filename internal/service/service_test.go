// Package service provides business logic implementations.
// Integration tests use testcontainers-go to spin up a PostgreSQL container.
package service

import (
	"context"
	"math/big"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"player-arena-backend/internal/chain"
	"player-arena-backend/internal/config"
	"player-arena-backend/internal/model"
	"player-arena-backend/internal/pkg/db"
	"player-arena-backend/internal/pkg/lock"
	"player-arena-backend/internal/repository"
)

const (
	addrAlice = "0xaaaa000000000000000000000000000000000001"
	addrBob   = "0xbbbb000000000000000000000000000000000002"

	// Throwaway key, never used outside tests.
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testContract   = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

// stubOracle is a NonceOracle with a scripted response.
type stubOracle struct {
	mu   sync.Mutex
	next uint64
	err  error
}

func (o *stubOracle) NextNonce(ctx context.Context, address string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return 0, o.err
	}
	return o.next, nil
}

func (o *stubOracle) set(next uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next = next
	o.err = err
}

func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

func setupTestDB(t *testing.T) (*db.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	err = db.Migrate(ctx, pool)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return &db.Pool{Pool: pool}, cleanup
}

func newTestPointsService(pool *db.Pool) *PointsService {
	return NewPointsService(
		pool,
		repository.NewAccountRepository(pool.Pool),
		repository.NewLedgerRepository(pool.Pool),
		lock.NewAddressLock(),
		config.PointsConfig{PackCost: 500, PromotionCost: 1000, CutRefund: 100},
	)
}

func newTestRelayService(t *testing.T, pool *db.Pool, oracle NonceOracle) *RelayService {
	signer, err := chain.NewSigner(
		&config.SignerConfig{PrivateKey: testPrivateKey},
		&config.ChainConfig{
			ChainID:       137,
			Contract:      testContract,
			DomainName:    "PlayerArena",
			DomainVersion: "1",
		},
	)
	require.NoError(t, err)

	return NewRelayService(
		pool,
		repository.NewAccountRepository(pool.Pool),
		repository.NewPendingTxRepository(pool.Pool),
		oracle,
		signer,
		lock.NewAddressLock(),
		15*time.Minute,
	)
}

func buyParams(amount uint64) OrderParams {
	return OrderParams{
		Side:     model.OrderSideBuy,
		PlayerID: 42,
		Amount:   amount,
		Bound:    big.NewInt(1_000_000_000),
	}
}

// ============================================================================
// PointsService Tests
// ============================================================================

func TestPointsService_EarnAndSpend(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)

	rec, err := svc.Earn(ctx, addrAlice, model.CurrencyTournament, 300, "match reward")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.PreviousBalance)
	assert.Equal(t, int64(300), rec.NewBalance)

	rec, err = svc.Spend(ctx, addrAlice, model.CurrencyTournament, 120, "entry fee")
	require.NoError(t, err)
	assert.Equal(t, int64(300), rec.PreviousBalance)
	assert.Equal(t, int64(180), rec.NewBalance)

	account, err := svc.GetBalance(ctx, addrAlice)
	require.NoError(t, err)
	assert.Equal(t, int64(180), account.TournamentPoints)
	assert.Equal(t, int64(0), account.SkillPoints)
}

func TestPointsService_SpendToZeroThenEarn(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)

	_, err = svc.Earn(ctx, addrAlice, model.CurrencyTournament, 200, "seed")
	require.NoError(t, err)

	// Spending the exact balance is allowed
	rec, err := svc.Spend(ctx, addrAlice, model.CurrencyTournament, 200, "all in")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.NewBalance)

	// The account works normally afterwards
	rec, err = svc.Earn(ctx, addrAlice, model.CurrencyTournament, 50, "comeback")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.PreviousBalance)
	assert.Equal(t, int64(50), rec.NewBalance)
}

func TestPointsService_SpendInsufficientFunds(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)

	_, err = svc.Earn(ctx, addrAlice, model.CurrencyTournament, 100, "seed")
	require.NoError(t, err)

	_, err = svc.Spend(ctx, addrAlice, model.CurrencyTournament, 101, "too much")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Rejected spend writes neither a balance change nor history
	account, err := svc.GetBalance(ctx, addrAlice)
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.TournamentPoints)

	history, err := svc.GetHistory(ctx, addrAlice, nil, 1, 100)
	require.NoError(t, err)
	assert.Len(t, history, 1) // only the earn
}

func TestPointsService_SpendUnknownAccount(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, err := svc.Spend(ctx, addrAlice, model.CurrencyTournament, 10, "no account")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = svc.GetBalance(ctx, addrAlice)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPointsService_InvalidAmount(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, err := svc.Earn(ctx, addrAlice, model.CurrencyTournament, 0, "zero")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Spend(ctx, addrAlice, model.CurrencyTournament, -5, "negative")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPointsService_AdminAdjustClamp(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)

	_, err = svc.Earn(ctx, addrAlice, model.CurrencySkill, 40, "seed")
	require.NoError(t, err)

	// Over-deduction floors at zero and records the applied delta
	rec, err := svc.AdminAdjust(ctx, addrAlice, model.CurrencySkill, -100, "penalty")
	require.NoError(t, err)
	assert.Equal(t, int64(40), rec.PreviousBalance)
	assert.Equal(t, int64(0), rec.NewBalance)
	assert.Equal(t, int64(-40), rec.Delta)

	// The transaction record carries the applied amount too
	txs, err := svc.GetTransactions(ctx, addrAlice, 1, 100)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TxKindSpent, txs[1].Kind)
	assert.Equal(t, int64(-40), txs[1].Amount)
}

func TestPointsService_AdminAdjustPositive(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)

	rec, err := svc.AdminAdjust(ctx, addrAlice, model.CurrencyTournament, 250, "grant")
	require.NoError(t, err)
	assert.Equal(t, int64(250), rec.Delta)
	assert.Equal(t, int64(250), rec.NewBalance)

	txs, err := svc.GetTransactions(ctx, addrAlice, 1, 100)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxKindReward, txs[0].Kind)
}

func TestPointsService_PurchasePackUsesConfiguredCost(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)

	_, err = svc.Earn(ctx, addrAlice, model.CurrencyTournament, 600, "seed")
	require.NoError(t, err)

	rec, err := svc.PurchasePack(ctx, addrAlice, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(-500), rec.Delta)
	assert.Equal(t, int64(100), rec.NewBalance)

	// Second pack exceeds the remaining balance
	_, err = svc.PurchasePack(ctx, addrAlice, "starter")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestPointsService_CutAndPromote(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)

	rec, err := svc.CutPlayer(ctx, addrAlice, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.Delta)
	assert.Equal(t, model.CurrencyTournament, rec.Currency)

	// Promotion costs skill points, which the account doesn't have
	_, err = svc.PromotePlayer(ctx, addrAlice, 42)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = svc.Earn(ctx, addrAlice, model.CurrencySkill, 1000, "seed")
	require.NoError(t, err)

	rec, err = svc.PromotePlayer(ctx, addrAlice, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), rec.Delta)
	assert.Equal(t, model.CurrencySkill, rec.Currency)
}

func TestPointsService_TransferPoints(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)
	_, _, err = svc.EnsureAccount(ctx, addrBob)
	require.NoError(t, err)

	_, err = svc.Earn(ctx, addrAlice, model.CurrencyTournament, 300, "seed")
	require.NoError(t, err)

	err = svc.TransferPoints(ctx, addrAlice, addrBob, model.CurrencyTournament, 120)
	require.NoError(t, err)

	alice, err := svc.GetBalance(ctx, addrAlice)
	require.NoError(t, err)
	bob, err := svc.GetBalance(ctx, addrBob)
	require.NoError(t, err)
	assert.Equal(t, int64(180), alice.TournamentPoints)
	assert.Equal(t, int64(120), bob.TournamentPoints)

	// Insufficient funds rolls the whole transfer back
	err = svc.TransferPoints(ctx, addrAlice, addrBob, model.CurrencyTournament, 181)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bob, err = svc.GetBalance(ctx, addrBob)
	require.NoError(t, err)
	assert.Equal(t, int64(120), bob.TournamentPoints)

	err = svc.TransferPoints(ctx, addrAlice, addrAlice, model.CurrencyTournament, 10)
	assert.ErrorIs(t, err, ErrSelfTransfer)
}

func TestPointsService_ConcurrentEarns(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestPointsService(pool)
	ctx := context.Background()

	_, _, err := svc.EnsureAccount(ctx, addrAlice)
	require.NoError(t, err)

	const numOps = 20
	var wg sync.WaitGroup
	wg.Add(numOps)
	for i := 0; i < numOps; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Earn(ctx, addrAlice, model.CurrencyTournament, 10, "concurrent earn")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	account, err := svc.GetBalance(ctx, addrAlice)
	require.NoError(t, err)
	assert.Equal(t, int64(numOps*10), account.TournamentPoints)

	// Every operation left a consistent history row
	history, err := svc.GetHistory(ctx, addrAlice, nil, 1, 100)
	require.NoError(t, err)
	require.Len(t, history, numOps)
	replayed := int64(0)
	for _, rec := range history {
		assert.Equal(t, replayed, rec.PreviousBalance)
		replayed = rec.NewBalance
	}
	assert.Equal(t, account.TournamentPoints, replayed)
}

// ============================================================================
// RelayService Tests
// ============================================================================

func TestRelayService_PrepareSignature(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	oracle := &stubOracle{next: 0}
	svc := newTestRelayService(t, pool, oracle)
	ctx := context.Background()

	prepared, err := svc.PrepareSignature(ctx, addrAlice, buyParams(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), prepared.Nonce)
	assert.Len(t, prepared.Signature, 65)
	assert.NotEmpty(t, prepared.PendingTxID)

	pending, err := svc.GetPending(ctx, addrAlice, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.TxStatusPending, pending[0].Status)
	assert.Equal(t, uint64(1), pending[0].Nonce)
}

func TestRelayService_StaleChainNonce(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	// The contract reports 7 as the next usable nonce
	oracle := &stubOracle{next: 7}
	svc := newTestRelayService(t, pool, oracle)
	ctx := context.Background()

	prepared, err := svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), prepared.Nonce)

	// The first order is still in flight, so the chain still reports 7.
	// Local state must win to avoid signing nonce 7 twice.
	prepared, err = svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), prepared.Nonce)
}

func TestRelayService_DegradedMode(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	oracle := &stubOracle{}
	oracle.set(0, chain.ErrChainUnavailable)
	svc := newTestRelayService(t, pool, oracle)
	ctx := context.Background()

	// Chain unreachable: signing proceeds from local state alone
	prepared, err := svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), prepared.Nonce)

	prepared, err = svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), prepared.Nonce)

	// The chain comes back ahead of local state and wins
	oracle.set(10, nil)
	prepared, err = svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), prepared.Nonce)
}

func TestRelayService_ConcurrentPrepare(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	oracle := &stubOracle{next: 1}
	svc := newTestRelayService(t, pool, oracle)
	ctx := context.Background()

	const numRequests = 10
	results := make(chan uint64, numRequests)
	var wg sync.WaitGroup
	wg.Add(numRequests)
	for i := 0; i < numRequests; i++ {
		go func() {
			defer wg.Done()
			prepared, err := svc.PrepareSignature(ctx, addrAlice, buyParams(1))
			if assert.NoError(t, err) {
				results <- prepared.Nonce
			}
		}()
	}
	wg.Wait()
	close(results)

	// Every request got a distinct nonce
	seen := make(map[uint64]bool)
	for nonce := range results {
		assert.False(t, seen[nonce], "nonce %d assigned twice", nonce)
		seen[nonce] = true
	}
	assert.Len(t, seen, numRequests)
}

func TestRelayService_InvalidOrder(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestRelayService(t, pool, &stubOracle{})
	ctx := context.Background()

	// Zero amount
	_, err := svc.PrepareSignature(ctx, addrAlice, OrderParams{
		Side: model.OrderSideBuy, PlayerID: 1, Amount: 0, Bound: big.NewInt(1),
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	// Missing bound
	_, err = svc.PrepareSignature(ctx, addrAlice, OrderParams{
		Side: model.OrderSideBuy, PlayerID: 1, Amount: 1,
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	// Unknown side
	_, err = svc.PrepareSignature(ctx, addrAlice, OrderParams{
		Side: "SHORT", PlayerID: 1, Amount: 1, Bound: big.NewInt(1),
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	// Deadline in the past
	_, err = svc.PrepareSignature(ctx, addrAlice, OrderParams{
		Side: model.OrderSideSell, PlayerID: 1, Amount: 1, Bound: big.NewInt(1),
		Deadline: time.Now().Add(-time.Minute).Unix(),
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestRelayService_ConfirmLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestRelayService(t, pool, &stubOracle{next: 1})
	ctx := context.Background()

	prepared, err := svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)

	hash := "0xabc123"
	err = svc.Confirm(ctx, prepared.PendingTxID, addrAlice, model.TxStatusConfirmed, &hash)
	require.NoError(t, err)

	pending, err := svc.GetPending(ctx, addrAlice, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.TxStatusConfirmed, pending[0].Status)
	require.NotNil(t, pending[0].ChainTxHash)
	assert.Equal(t, hash, *pending[0].ChainTxHash)
	assert.NotNil(t, pending[0].ResolvedAt)

	// Terminal statuses never transition again, in either direction
	err = svc.Confirm(ctx, prepared.PendingTxID, addrAlice, model.TxStatusFailed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = svc.Confirm(ctx, prepared.PendingTxID, addrAlice, model.TxStatusConfirmed, &hash)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRelayService_ConfirmFailed(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestRelayService(t, pool, &stubOracle{next: 1})
	ctx := context.Background()

	prepared, err := svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)

	err = svc.Confirm(ctx, prepared.PendingTxID, addrAlice, model.TxStatusFailed, nil)
	require.NoError(t, err)

	pending, err := svc.GetPending(ctx, addrAlice, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.TxStatusFailed, pending[0].Status)

	// The failed nonce stays consumed
	prepared, err = svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), prepared.Nonce)
}

func TestRelayService_ConfirmValidation(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	svc := newTestRelayService(t, pool, &stubOracle{next: 1})
	ctx := context.Background()

	prepared, err := svc.PrepareSignature(ctx, addrAlice, buyParams(1))
	require.NoError(t, err)

	// Only terminal statuses are accepted
	err = svc.Confirm(ctx, prepared.PendingTxID, addrAlice, model.TxStatusPending, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Another account cannot resolve the transaction
	err = svc.Confirm(ctx, prepared.PendingTxID, addrBob, model.TxStatusConfirmed, nil)
	assert.ErrorIs(t, err, ErrOwnershipMismatch)

	// Unknown id
	err = svc.Confirm(ctx, "00000000-0000-0000-0000-000000000000", addrAlice, model.TxStatusConfirmed, nil)
	assert.ErrorIs(t, err, ErrPendingTxNotFound)

	// None of the rejected attempts moved the record
	pending, err := svc.GetPending(ctx, addrAlice, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.TxStatusPending, pending[0].Status)
}
