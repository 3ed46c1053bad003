package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"stayhive/core/internal/config"
	"stayhive/core/internal/db"
	"stayhive/core/internal/models"
	"stayhive/core/internal/notify"
	"stayhive/core/internal/utils"
)

// mockConfigService serves the .env defaults without a DB or Redis behind it.
type mockConfigService struct {
	fee float64
}

func (m *mockConfigService) Get(ctx context.Context, key string) (interface{}, error) {
	return nil, ErrNotFound
}
func (m *mockConfigService) GetInt64(ctx context.Context, key string, defaultValue int64) int64 {
	return defaultValue
}
func (m *mockConfigService) GetFloat64(ctx context.Context, key string, defaultValue float64) float64 {
	return defaultValue
}
func (m *mockConfigService) ServiceFeePercent(ctx context.Context) float64 {
	if m.fee > 0 {
		return m.fee
	}
	return 5
}
func (m *mockConfigService) Load(ctx context.Context) error               { return nil }
func (m *mockConfigService) SubscribeToChanges(ctx context.Context) error { return nil }
func (m *mockConfigService) SetConfigValue(ctx context.Context, key string, value interface{}) error {
	return nil
}

func testEngineConfig() *config.Config {
	return &config.Config{
		DefaultServiceFeePercent: 5,
		PointsPerBooking:         50,
		PointsRedeemRate:         10,
		ApprovalWindow:           48 * time.Hour,
		TxnMaxRetries:            3,
	}
}

func setupBookingTest(t *testing.T, dbName string) (*mongo.Database, IBookingService, ILedgerService) {
	database := utils.SetupTestDB(t, dbName,
		"bookings", "listings", "listings_public", "host_metrics",
		"ledger_entries", "wallets", "coupons", "guest_rewards", "withdrawal_requests")

	cfg := testEngineConfig()
	mockCfg := &mockConfigService{}
	txn := db.NewTxn(database.Client(), cfg.TxnMaxRetries)
	ledgerSvc := NewLedgerService(database, cfg, mockCfg, txn)
	rewardSvc := NewRewardService(database)
	bookingSvc := NewBookingService(database, cfg, mockCfg, ledgerSvc, rewardSvc, &notify.LoggingDispatcher{}, txn)
	return database, bookingSvc, ledgerSvc
}

func insertListingMirrors(t *testing.T, database *mongo.Database, hostID primitive.ObjectID) primitive.ObjectID {
	listingID := primitive.NewObjectID()
	for _, coll := range []string{"listings", "listings_public"} {
		_, err := database.Collection(coll).InsertOne(context.Background(), &models.Listing{
			ID:        listingID,
			HostID:    hostID,
			Title:     "Seaside cottage",
			Status:    models.ListingActive,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	return listingID
}

func listingCount(t *testing.T, database *mongo.Database, coll string, listingID primitive.ObjectID) int64 {
	var listing models.Listing
	err := database.Collection(coll).FindOne(context.Background(), bson.M{"_id": listingID}).Decode(&listing)
	require.NoError(t, err)
	return listing.BookingsCount
}

func TestBookingService_CreateBookingValidation(t *testing.T) {
	_, svc, _ := setupBookingTest(t, "testdb_booking_create")
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := svc.CreateBooking(ctx, primitive.NewObjectID(), primitive.NewObjectID(), primitive.NewObjectID(),
		now, now.Add(24*time.Hour), -10, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateBooking(ctx, primitive.NewObjectID(), primitive.NewObjectID(), primitive.NewObjectID(),
		now.Add(24*time.Hour), now, 100, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBookingService_ApproveCreditsHostAndCounters(t *testing.T) {
	database, svc, ledgerSvc := setupBookingTest(t, "testdb_booking_approve")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	guestID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)

	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, guestID, now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 2000, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, booking.Status)
	assert.Equal(t, models.PaymentPending, booking.PaymentStatus)

	result, err := svc.Approve(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, result.Transitioned)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, models.StatusUpcoming, result.Booking.Status)
	assert.Equal(t, models.PaymentCompleted, result.Booking.PaymentStatus)
	require.NotNil(t, result.Booking.ServiceFeePercent)
	assert.Equal(t, 5.0, *result.Booking.ServiceFeePercent)
	assert.NotNil(t, result.Booking.PaidAt)

	// 5% commission on 2000: host earns 1900 and the per-booking bonus
	metrics, err := ledgerSvc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 1900.0, metrics.TotalEarnings)
	assert.Equal(t, int64(50), metrics.Points)
	assert.Equal(t, int64(50), metrics.TotalPointsEarned)

	entries, err := ledgerSvc.ListEntries(ctx, hostID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryEarning, entries[0].Type)
	assert.Equal(t, 1900.0, entries[0].Amount)
	require.NotNil(t, entries[0].BookingID)
	assert.Equal(t, booking.ID, *entries[0].BookingID)

	assert.Equal(t, int64(1), listingCount(t, database, "listings", listingID))
	assert.Equal(t, int64(1), listingCount(t, database, "listings_public", listingID))
}

func TestBookingService_ApproveIsIdempotent(t *testing.T) {
	database, svc, ledgerSvc := setupBookingTest(t, "testdb_booking_approve_idem")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, primitive.NewObjectID(), now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 1000, "")
	require.NoError(t, err)

	first, err := svc.Approve(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, first.Transitioned)

	second, err := svc.Approve(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, second.Transitioned)
	assert.Equal(t, models.StatusUpcoming, second.Booking.Status)

	// Side effects ran exactly once
	metrics, err := ledgerSvc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 950.0, metrics.TotalEarnings)
	assert.Equal(t, int64(50), metrics.Points)

	entries, err := ledgerSvc.ListEntries(ctx, hostID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(1), listingCount(t, database, "listings", listingID))
}

func TestBookingService_ApproveConcurrent(t *testing.T) {
	database, svc, ledgerSvc := setupBookingTest(t, "testdb_booking_approve_concurrent")
	ctx := context.Background()

	if !db.NewTxn(database.Client(), 3).SupportsTransactions(ctx) {
		t.Skip("topology does not support transactions")
	}

	hostID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, primitive.NewObjectID(), now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 1000, "")
	require.NoError(t, err)

	results := make(chan *BookingResult, 2)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Approve(ctx, booking.ID)
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	transitioned := 0
	for result := range results {
		if result.Transitioned {
			transitioned++
		}
	}
	assert.Equal(t, 1, transitioned, "exactly one caller may win the transition")

	// Side effects ran for the winner only
	metrics, err := ledgerSvc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 950.0, metrics.TotalEarnings)
	assert.Equal(t, int64(50), metrics.Points)

	entries, err := ledgerSvc.ListEntries(ctx, hostID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(1), listingCount(t, database, "listings", listingID))
}

func TestBookingService_ApproveDeclinedBookingIsNoOp(t *testing.T) {
	database, svc, ledgerSvc := setupBookingTest(t, "testdb_booking_approve_declined")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, primitive.NewObjectID(), now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 800, "")
	require.NoError(t, err)

	declined, err := svc.Decline(ctx, booking.ID)
	require.NoError(t, err)
	require.True(t, declined.Transitioned)

	// Declined is terminal, so approval must not move the booking or pay out
	result, err := svc.Approve(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, result.Transitioned)
	assert.Equal(t, models.StatusDeclined, result.Booking.Status)

	metrics, err := ledgerSvc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, metrics.TotalEarnings)
	assert.Equal(t, int64(0), metrics.Points)
	assert.Equal(t, int64(0), listingCount(t, database, "listings", listingID))
}

func TestBookingService_ApproveMissingBooking(t *testing.T) {
	_, svc, _ := setupBookingTest(t, "testdb_booking_approve_missing")
	_, err := svc.Approve(context.Background(), primitive.NewObjectID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBookingService_DeclineRefundsGuestInFull(t *testing.T) {
	database, svc, _ := setupBookingTest(t, "testdb_booking_decline")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	guestID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, guestID, now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 750, "")
	require.NoError(t, err)

	result, err := svc.Decline(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, result.Transitioned)
	assert.Equal(t, models.StatusDeclined, result.Booking.Status)
	assert.Equal(t, models.PaymentRefunded, result.Booking.PaymentStatus)
	require.NotNil(t, result.Booking.RefundAmount)
	assert.Equal(t, 750.0, *result.Booking.RefundAmount)
	require.NotNil(t, result.Booking.RefundPercentage)
	assert.Equal(t, 100.0, *result.Booking.RefundPercentage)

	var wallet models.Wallet
	err = database.Collection("wallets").FindOne(ctx, bson.M{"_id": guestID}).Decode(&wallet)
	require.NoError(t, err)
	assert.Equal(t, 750.0, wallet.Balance)

	var entry models.LedgerEntry
	err = database.Collection("ledger_entries").FindOne(ctx, bson.M{"user_id": guestID}).Decode(&entry)
	require.NoError(t, err)
	assert.Equal(t, models.EntryRefund, entry.Type)
	assert.Equal(t, 750.0, entry.Amount)
	require.NotNil(t, entry.BalanceBefore)
	require.NotNil(t, entry.BalanceAfter)
	assert.Equal(t, 0.0, *entry.BalanceBefore)
	assert.Equal(t, 750.0, *entry.BalanceAfter)

	// Declining an already-declined booking is a no-op
	again, err := svc.Decline(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, again.Transitioned)

	err = database.Collection("wallets").FindOne(ctx, bson.M{"_id": guestID}).Decode(&wallet)
	require.NoError(t, err)
	assert.Equal(t, 750.0, wallet.Balance)
}

func TestBookingService_CancelBeforeDeadline(t *testing.T) {
	database, svc, _ := setupBookingTest(t, "testdb_booking_cancel_early")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	guestID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, guestID, now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 1200, "")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, booking.ID)
	require.NoError(t, err)

	result, err := svc.CancelByGuest(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, result.Transitioned)
	assert.Equal(t, models.StatusCancelledByGuest, result.Booking.Status)
	require.NotNil(t, result.Booking.RefundAmount)
	assert.Equal(t, 1200.0, *result.Booking.RefundAmount)
	require.NotNil(t, result.Booking.RefundPercentage)
	assert.Equal(t, 100.0, *result.Booking.RefundPercentage)

	var wallet models.Wallet
	err = database.Collection("wallets").FindOne(ctx, bson.M{"_id": guestID}).Decode(&wallet)
	require.NoError(t, err)
	assert.Equal(t, 1200.0, wallet.Balance)

	// No late-cancellation payout on the full-refund path
	count, err := database.Collection("ledger_entries").CountDocuments(ctx, bson.M{
		"user_id": hostID, "type": models.EntryCancellationPayout,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Occupancy counter rolled back
	assert.Equal(t, int64(0), listingCount(t, database, "listings", listingID))
	assert.Equal(t, int64(0), listingCount(t, database, "listings_public", listingID))
}

func TestBookingService_CancelAfterDeadlineSplitsFiftyFifty(t *testing.T) {
	database, svc, ledgerSvc := setupBookingTest(t, "testdb_booking_cancel_late")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	guestID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, guestID, now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 2000, "")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, booking.ID)
	require.NoError(t, err)

	// Push the deadline into the past to hit the late-cancellation branch
	_, err = database.Collection("bookings").UpdateByID(ctx, booking.ID,
		bson.M{"$set": bson.M{"cancel_deadline": now.Add(-time.Hour)}})
	require.NoError(t, err)

	result, err := svc.CancelByGuest(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, result.Transitioned)
	require.NotNil(t, result.Booking.RefundAmount)
	assert.Equal(t, 1000.0, *result.Booking.RefundAmount)
	require.NotNil(t, result.Booking.RefundPercentage)
	assert.Equal(t, 50.0, *result.Booking.RefundPercentage)

	var wallet models.Wallet
	err = database.Collection("wallets").FindOne(ctx, bson.M{"_id": guestID}).Decode(&wallet)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, wallet.Balance)

	var payout models.LedgerEntry
	err = database.Collection("ledger_entries").FindOne(ctx, bson.M{
		"user_id": hostID, "type": models.EntryCancellationPayout,
	}).Decode(&payout)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, payout.Amount)

	// 1900 from the approval plus the 1000 payout
	metrics, err := ledgerSvc.GetMetrics(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 2900.0, metrics.TotalEarnings)
}

func TestBookingService_CancelOnlyFromUpcoming(t *testing.T) {
	database, svc, _ := setupBookingTest(t, "testdb_booking_cancel_guard")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, primitive.NewObjectID(), now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 500, "")
	require.NoError(t, err)

	// Still pending, cancellation is a no-op
	result, err := svc.CancelByGuest(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, result.Transitioned)
	assert.Equal(t, models.StatusPendingApproval, result.Booking.Status)
}

func TestBookingService_ExpireOverdue(t *testing.T) {
	database, svc, _ := setupBookingTest(t, "testdb_booking_expire")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()

	overdue, err := svc.CreateBooking(ctx, listingID, hostID, primitive.NewObjectID(), now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 300, "")
	require.NoError(t, err)
	fresh, err := svc.CreateBooking(ctx, listingID, hostID, primitive.NewObjectID(), now.AddDate(0, 0, 7), now.AddDate(0, 0, 10), 400, "")
	require.NoError(t, err)

	_, err = database.Collection("bookings").UpdateByID(ctx, overdue.ID,
		bson.M{"$set": bson.M{"cancel_deadline": now.Add(-time.Minute)}})
	require.NoError(t, err)

	expired, err := svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := svc.FindBookingByID(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	got, err = svc.FindBookingByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, got.Status)

	// Re-running the sweep finds nothing
	expired, err = svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestBookingService_CompleteElapsed(t *testing.T) {
	database, svc, _ := setupBookingTest(t, "testdb_booking_complete")
	ctx := context.Background()

	hostID := primitive.NewObjectID()
	listingID := insertListingMirrors(t, database, hostID)
	now := time.Now().UTC()
	booking, err := svc.CreateBooking(ctx, listingID, hostID, primitive.NewObjectID(), now.AddDate(0, 0, -5), now.AddDate(0, 0, -2), 600, "")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, booking.ID)
	require.NoError(t, err)

	completed, err := svc.CompleteElapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), completed)

	got, err := svc.FindBookingByID(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}
