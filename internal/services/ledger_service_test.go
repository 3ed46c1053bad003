package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"stayhive/core/internal/db"
	"stayhive/core/internal/models"
	"stayhive/core/internal/utils"
)

func setupLedgerTest(t *testing.T, dbName string) (*mongo.Database, ILedgerService) {
	database := utils.SetupTestDB(t, dbName,
		"host_metrics", "ledger_entries", "wallets", "withdrawal_requests")
	cfg := testEngineConfig()
	txn := db.NewTxn(database.Client(), cfg.TxnMaxRetries)
	return database, NewLedgerService(database, cfg, &mockConfigService{}, txn)
}

func TestLedgerService_GetMetricsUnknownHost(t *testing.T) {
	_, svc := setupLedgerTest(t, "testdb_ledger_metrics")
	metrics, err := svc.GetMetrics(context.Background(), primitive.NewObjectID())
	require.NoError(t, err)
	assert.Equal(t, 0.0, metrics.TotalEarnings)
	assert.Equal(t, int64(0), metrics.Points)
	assert.Equal(t, 0.0, metrics.AvailableBalance())
}

func TestLedgerService_CreditAndPointsConservation(t *testing.T) {
	_, svc := setupLedgerTest(t, "testdb_ledger_points")
	ctx := context.Background()
	hostID := primitive.NewObjectID()

	require.NoError(t, svc.CreditEarnings(ctx, hostID, 100))
	require.NoError(t, svc.CreditEarnings(ctx, hostID, 250))
	require.NoError(t, svc.AddPoints(ctx, hostID, 50))
	require.NoError(t, svc.AddPoints(ctx, hostID, 50))

	metrics, err := svc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 350.0, metrics.TotalEarnings)
	assert.Equal(t, 350.0, metrics.MonthlyRevenue)
	assert.Equal(t, int64(100), metrics.Points)
	assert.Equal(t, metrics.TotalPointsEarned-metrics.PointsRedeemed, metrics.Points)

	err = svc.AddPoints(ctx, hostID, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLedgerService_RedeemPoints(t *testing.T) {
	_, svc := setupLedgerTest(t, "testdb_ledger_redeem")
	ctx := context.Background()
	hostID := primitive.NewObjectID()

	require.NoError(t, svc.AddPoints(ctx, hostID, 150))

	// 120 points at the default 10:1 rate
	result, err := svc.RedeemPoints(ctx, hostID, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(120), result.PointsRedeemed)
	assert.Equal(t, 12.0, result.CashCredited)
	assert.Equal(t, int64(30), result.PointsLeft)

	metrics, err := svc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), metrics.Points)
	assert.Equal(t, int64(120), metrics.PointsRedeemed)
	assert.Equal(t, int64(150), metrics.TotalPointsEarned)
	assert.Equal(t, 12.0, metrics.TotalEarnings)
	assert.Equal(t, metrics.TotalPointsEarned-metrics.PointsRedeemed, metrics.Points)

	// Paired audit entries share one reference and net to zero
	entries, err := svc.ListEntries(ctx, hostID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Reference, entries[1].Reference)
	assert.Equal(t, 0.0, entries[0].Amount+entries[1].Amount)
}

func TestLedgerService_RedeemPointsConcurrent(t *testing.T) {
	_, svc := setupLedgerTest(t, "testdb_ledger_redeem_concurrent")
	ctx := context.Background()
	hostID := primitive.NewObjectID()

	require.NoError(t, svc.AddPoints(ctx, hostID, 150))

	// Two redemptions race for the same balance; only one can afford it
	outcomes := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RedeemPoints(ctx, hostID, 100)
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	succeeded := 0
	for err := range outcomes {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, ErrValidation) || errors.Is(err, ErrConcurrencyConflict),
				"unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded, "the same points must not be spent twice")

	metrics, err := svc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), metrics.Points)
	assert.Equal(t, int64(100), metrics.PointsRedeemed)
	assert.Equal(t, 10.0, metrics.TotalEarnings)

	// The winner's cash credit committed together with its entries, so the
	// credited earnings stay re-derivable from the entry log
	entries, err := svc.ListEntries(ctx, hostID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var earned float64
	for _, entry := range entries {
		if entry.Type == models.EntryEarning {
			earned += entry.Amount
		}
	}
	assert.Equal(t, metrics.TotalEarnings, earned)
}

func TestLedgerService_RedeemPointsInsufficient(t *testing.T) {
	_, svc := setupLedgerTest(t, "testdb_ledger_redeem_insufficient")
	ctx := context.Background()
	hostID := primitive.NewObjectID()

	require.NoError(t, svc.AddPoints(ctx, hostID, 40))

	_, err := svc.RedeemPoints(ctx, hostID, 120)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RedeemPoints(ctx, hostID, -5)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RedeemPoints(ctx, primitive.NewObjectID(), 10)
	assert.ErrorIs(t, err, ErrValidation)

	// Balance untouched by the failed attempts
	metrics, err := svc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), metrics.Points)
}

func TestLedgerService_RequestWithdrawalReservesFunds(t *testing.T) {
	_, svc := setupLedgerTest(t, "testdb_ledger_withdrawal")
	ctx := context.Background()
	hostID := primitive.NewObjectID()

	require.NoError(t, svc.CreditEarnings(ctx, hostID, 500))

	request, err := svc.RequestWithdrawal(ctx, hostID, 300, "host@bank.example")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, request.Status)
	assert.Equal(t, 300.0, request.Amount)
	assert.NotEmpty(t, request.Reference)

	metrics, err := svc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 300.0, metrics.PendingWithdrawals)
	assert.Equal(t, 200.0, metrics.AvailableBalance())

	// The reservation blocks a second overdraw
	_, err = svc.RequestWithdrawal(ctx, hostID, 300, "host@bank.example")
	assert.ErrorIs(t, err, ErrValidation)

	// But a request within the remaining balance goes through
	_, err = svc.RequestWithdrawal(ctx, hostID, 200, "host@bank.example")
	require.NoError(t, err)

	requests, err := svc.ListWithdrawals(ctx, hostID)
	require.NoError(t, err)
	assert.Len(t, requests, 2)
}

func TestLedgerService_RequestWithdrawalValidation(t *testing.T) {
	_, svc := setupLedgerTest(t, "testdb_ledger_withdrawal_validation")
	ctx := context.Background()
	hostID := primitive.NewObjectID()
	require.NoError(t, svc.CreditEarnings(ctx, hostID, 100))

	_, err := svc.RequestWithdrawal(ctx, hostID, -5, "host@bank.example")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RequestWithdrawal(ctx, hostID, 50, "bad destination with spaces")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RequestWithdrawal(ctx, primitive.NewObjectID(), 50, "host@bank.example")
	assert.ErrorIs(t, err, ErrValidation)
}
