package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"stayhive/core/internal/db"
	"stayhive/core/internal/models"
	"stayhive/core/internal/notify"
	"stayhive/core/internal/utils"
)

func setupReconcileTest(t *testing.T, dbName string) (*mongo.Database, IReconcileService, ILedgerService) {
	database := utils.SetupTestDB(t, dbName,
		"bookings", "listings", "listings_public", "host_metrics",
		"ledger_entries", "wallets", "coupons", "guest_rewards")
	cfg := testEngineConfig()
	mockCfg := &mockConfigService{}
	txn := db.NewTxn(database.Client(), cfg.TxnMaxRetries)
	ledgerSvc := NewLedgerService(database, cfg, mockCfg, txn)
	rewardSvc := NewRewardService(database)
	bookingSvc := NewBookingService(database, cfg, mockCfg, ledgerSvc, rewardSvc, &notify.LoggingDispatcher{}, txn)
	return database, NewReconcileService(database, cfg, mockCfg, bookingSvc), ledgerSvc
}

func insertApprovedBooking(t *testing.T, database *mongo.Database, hostID primitive.ObjectID, status models.BookingStatus) {
	now := time.Now().UTC()
	_, err := database.Collection("bookings").InsertOne(context.Background(), &models.Booking{
		ID:             primitive.NewObjectID(),
		ListingID:      primitive.NewObjectID(),
		HostID:         hostID,
		GuestID:        primitive.NewObjectID(),
		CheckIn:        now.AddDate(0, 0, 7),
		CheckOut:       now.AddDate(0, 0, 10),
		Total:          100,
		Status:         status,
		PaymentStatus:  models.PaymentCompleted,
		CancelDeadline: now.Add(48 * time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
}

func TestReconcileService_RepairsDriftedCounters(t *testing.T) {
	database, svc, ledgerSvc := setupReconcileTest(t, "testdb_reconcile_drift")
	ctx := context.Background()
	hostID := primitive.NewObjectID()

	// Three approved bookings, one that must not count
	insertApprovedBooking(t, database, hostID, models.StatusUpcoming)
	insertApprovedBooking(t, database, hostID, models.StatusUpcoming)
	insertApprovedBooking(t, database, hostID, models.StatusCompleted)
	insertApprovedBooking(t, database, hostID, models.StatusDeclined)

	// Simulate lost side effects: the metrics row saw only one approval
	_, err := database.Collection("host_metrics").InsertOne(ctx, bson.M{
		"_id":                 hostID,
		"total_bookings":      int64(1),
		"points":              int64(50),
		"total_points_earned": int64(50),
		"points_redeemed":     int64(0),
	})
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.ActualBookings)
	assert.True(t, report.BookingsFixed)
	assert.Equal(t, int64(100), report.PointsCredited)

	metrics, err := ledgerSvc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), metrics.TotalBookings)
	assert.Equal(t, int64(150), metrics.Points)
	assert.Equal(t, int64(150), metrics.TotalPointsEarned)
	assert.Equal(t, metrics.TotalPointsEarned-metrics.PointsRedeemed, metrics.Points)
}

func TestReconcileService_FixedPointWritesNothing(t *testing.T) {
	database, svc, _ := setupReconcileTest(t, "testdb_reconcile_fixedpoint")
	ctx := context.Background()
	hostID := primitive.NewObjectID()

	insertApprovedBooking(t, database, hostID, models.StatusUpcoming)
	insertApprovedBooking(t, database, hostID, models.StatusCompleted)

	first, err := svc.Reconcile(ctx, hostID)
	require.NoError(t, err)
	assert.True(t, first.BookingsFixed)
	assert.Equal(t, int64(100), first.PointsCredited)

	// Second pass over a consistent host is a no-op
	second, err := svc.Reconcile(ctx, hostID)
	require.NoError(t, err)
	assert.False(t, second.BookingsFixed)
	assert.Equal(t, int64(0), second.PointsCredited)
}

func TestReconcileService_RedeemedPointsNotRecredited(t *testing.T) {
	database, svc, ledgerSvc := setupReconcileTest(t, "testdb_reconcile_redeemed")
	ctx := context.Background()
	hostID := primitive.NewObjectID()

	insertApprovedBooking(t, database, hostID, models.StatusUpcoming)
	insertApprovedBooking(t, database, hostID, models.StatusUpcoming)

	// Both approvals credited their bonus, then the host redeemed some.
	require.NoError(t, ledgerSvc.AddPoints(ctx, hostID, 100))
	_, err := ledgerSvc.RedeemPoints(ctx, hostID, 60)
	require.NoError(t, err)

	// total_points_earned already matches the floor; spending points must not
	// trigger a re-credit.
	report, err := svc.Reconcile(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.PointsCredited)

	metrics, err := ledgerSvc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), metrics.Points)
	assert.Equal(t, int64(100), metrics.TotalPointsEarned)
}

func TestReconcileService_ReconcileAll(t *testing.T) {
	database, svc, _ := setupReconcileTest(t, "testdb_reconcile_all")
	ctx := context.Background()

	hostA := primitive.NewObjectID()
	hostB := primitive.NewObjectID()
	insertApprovedBooking(t, database, hostA, models.StatusUpcoming)
	insertApprovedBooking(t, database, hostB, models.StatusCompleted)
	insertApprovedBooking(t, database, hostB, models.StatusUpcoming)

	reports, err := svc.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byHost := map[primitive.ObjectID]ReconcileReport{}
	for _, r := range reports {
		byHost[r.HostID] = r
	}
	assert.Equal(t, int64(1), byHost[hostA].ActualBookings)
	assert.Equal(t, int64(2), byHost[hostB].ActualBookings)
}
