package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"stayhive/core/internal/config"
	"stayhive/core/internal/db"
	"stayhive/core/internal/models"
	"stayhive/core/internal/notify"
)

// IBookingService runs the reservation lifecycle: creation, the approval/
// decline orchestration, guest cancellation and the expiry sweep.
type IBookingService interface {
	CreateBooking(ctx context.Context, listingID, hostID, guestID primitive.ObjectID, checkIn, checkOut time.Time, total float64, notes string) (*models.Booking, error)
	FindBookingByID(ctx context.Context, bookingID primitive.ObjectID) (*models.Booking, error)
	Approve(ctx context.Context, bookingID primitive.ObjectID) (*BookingResult, error)
	Decline(ctx context.Context, bookingID primitive.ObjectID) (*BookingResult, error)
	CancelByGuest(ctx context.Context, bookingID primitive.ObjectID) (*BookingResult, error)
	ExpireOverdue(ctx context.Context) (int, error)
	CompleteElapsed(ctx context.Context) (int64, error)
	CountApprovedForGuest(ctx context.Context, guestID primitive.ObjectID) (int64, error)
	CountApprovedForHost(ctx context.Context, hostID primitive.ObjectID) (int64, error)
}

const (
	bookingsCollection       = "bookings"
	listingsCollection       = "listings"
	listingsPublicCollection = "listings_public"
)

// BookingResult reports a lifecycle operation: the booking after the
// operation, whether this call performed the transition (false means the
// idempotent no-op path: the booking had already moved on), and one warning
// per best-effort side effect that failed. Warnings never imply the
// transition was rolled back.
type BookingResult struct {
	Booking      *models.Booking `json:"booking"`
	Transitioned bool            `json:"transitioned"`
	Warnings     []string        `json:"warnings,omitempty"`
}

type bookingService struct {
	db            *mongo.Database
	cfg           *config.Config
	configService IConfigService
	ledgerService ILedgerService
	rewardService IRewardService
	dispatcher    notify.Dispatcher
	txn           *db.Txn
}

// NewBookingService creates a new BookingService.
func NewBookingService(
	database *mongo.Database,
	cfg *config.Config,
	configService IConfigService,
	ledgerService ILedgerService,
	rewardService IRewardService,
	dispatcher notify.Dispatcher,
	txn *db.Txn,
) IBookingService {
	return &bookingService{
		db:            database,
		cfg:           cfg,
		configService: configService,
		ledgerService: ledgerService,
		rewardService: rewardService,
		dispatcher:    dispatcher,
		txn:           txn,
	}
}

// CreateBooking inserts a new reservation in PendingApproval with a cancel
// deadline one approval window out.
func (s *bookingService) CreateBooking(ctx context.Context, listingID, hostID, guestID primitive.ObjectID, checkIn, checkOut time.Time, total float64, notes string) (*models.Booking, error) {
	if total <= 0 {
		return nil, validationErrorf("booking total must be positive, got %.2f", total)
	}
	if !checkOut.After(checkIn) {
		return nil, validationErrorf("check-out must be after check-in")
	}

	now := time.Now().UTC()
	var booking *models.Booking
	operation := func() error {
		booking = &models.Booking{
			ID:             primitive.NewObjectID(),
			ListingID:      listingID,
			HostID:         hostID,
			GuestID:        guestID,
			CheckIn:        checkIn.UTC(),
			CheckOut:       checkOut.UTC(),
			Total:          total,
			Status:         models.StatusPendingApproval,
			PaymentStatus:  models.PaymentPending,
			Notes:          notes,
			CancelDeadline: now.Add(s.cfg.ApprovalWindow),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		_, insertErr := s.db.Collection(bookingsCollection).InsertOne(ctx, booking)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		return nil, fmt.Errorf("failed to insert booking for guest %s after multiple retries: %w", guestID.Hex(), err)
	}
	return booking, nil
}

// FindBookingByID returns a booking by id.
func (s *bookingService) FindBookingByID(ctx context.Context, bookingID primitive.ObjectID) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.Collection(bookingsCollection).FindOne(ctx, bson.M{"_id": bookingID}).Decode(&booking)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: booking %s", ErrNotFound, bookingID.Hex())
		}
		return nil, fmt.Errorf("error finding booking %s: %w", bookingID.Hex(), err)
	}
	return &booking, nil
}

type transitionOutcome struct {
	booking      *models.Booking
	transitioned bool
}

// Approve moves PendingApproval → Upcoming and updates the listing occupancy
// counters in one atomic transaction, then performs the financial and reward
// side effects best-effort. A booking in any other state is returned
// unchanged, which makes retries and host/guest races harmless.
func (s *bookingService) Approve(ctx context.Context, bookingID primitive.ObjectID) (*BookingResult, error) {
	// Fee snapshot is taken now and written into the booking inside the
	// transaction, so the later commission math can never disagree with it.
	fee := s.configService.ServiceFeePercent(ctx)

	raw, err := s.txn.Run(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// All reads precede all writes inside the transaction.
		var booking models.Booking
		err := s.db.Collection(bookingsCollection).FindOne(sc, bson.M{"_id": bookingID}).Decode(&booking)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, fmt.Errorf("%w: booking %s", ErrNotFound, bookingID.Hex())
			}
			return nil, fmt.Errorf("error reading booking %s: %w", bookingID.Hex(), err)
		}
		if !booking.Status.CanTransitionTo(models.StatusUpcoming) {
			return transitionOutcome{booking: &booking}, nil
		}

		mirrors, err := s.existingMirrors(sc, booking.ListingID)
		if err != nil {
			return nil, err
		}
		if len(mirrors) == 0 {
			return nil, fmt.Errorf("%w: listing %s for booking %s", ErrNotFound, booking.ListingID.Hex(), bookingID.Hex())
		}

		now := time.Now().UTC()
		update := bson.M{"$set": bson.M{
			"status":              models.StatusUpcoming,
			"payment_status":      models.PaymentCompleted,
			"service_fee_percent": fee,
			"paid_at":             now,
			"updated_at":          now,
		}}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		var updated models.Booking
		if err := s.db.Collection(bookingsCollection).FindOneAndUpdate(sc, bson.M{"_id": bookingID}, update, opts).Decode(&updated); err != nil {
			return nil, fmt.Errorf("failed to update booking %s: %w", bookingID.Hex(), err)
		}

		counter := bson.M{
			"$inc": bson.M{"bookings_count": 1},
			"$set": bson.M{"last_booked": now, "updated_at": now},
		}
		for _, coll := range mirrors {
			if _, err := s.db.Collection(coll).UpdateByID(sc, booking.ListingID, counter); err != nil {
				return nil, fmt.Errorf("failed to bump bookings_count on %s for listing %s: %w", coll, booking.ListingID.Hex(), err)
			}
		}
		return transitionOutcome{booking: &updated, transitioned: true}, nil
	})
	if err != nil {
		return nil, mapTxnErr(err)
	}

	outcome := raw.(transitionOutcome)
	result := &BookingResult{Booking: outcome.booking, Transitioned: outcome.transitioned}
	if !outcome.transitioned {
		return result, nil
	}
	s.runApprovalSideEffects(ctx, result, fee)
	return result, nil
}

// runApprovalSideEffects performs the post-commit, best-effort part of an
// approval. Each failure is logged and recorded as a warning; nothing here
// may undo the committed transition.
func (s *bookingService) runApprovalSideEffects(ctx context.Context, result *BookingResult, fee float64) {
	booking := result.Booking
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		log.Printf("Warning: approval side effect failed for booking %s: %s", booking.ID.Hex(), msg)
		result.Warnings = append(result.Warnings, msg)
	}

	commission := booking.Total * fee / 100
	hostEarnings := booking.Total - commission

	bookingID := booking.ID
	if err := s.ledgerService.AppendEntry(ctx, &models.LedgerEntry{
		UserID:      booking.HostID,
		Type:        models.EntryEarning,
		Amount:      hostEarnings,
		BookingID:   &bookingID,
		Reference:   uuid.NewString(),
		Description: fmt.Sprintf("Earnings for booking %s (total %.2f, commission %.2f)", booking.ID.Hex(), booking.Total, commission),
	}); err != nil {
		warn("earning ledger entry: %v", err)
	}
	if err := s.ledgerService.CreditEarnings(ctx, booking.HostID, hostEarnings); err != nil {
		warn("earnings credit: %v", err)
	}

	bonus := s.configService.GetInt64(ctx, "POINTS_PER_BOOKING", s.cfg.PointsPerBooking)
	if bonus > 0 {
		if err := s.ledgerService.AddPoints(ctx, booking.HostID, bonus); err != nil {
			warn("points bonus: %v", err)
		}
	}

	// Coupon eligibility uses the guest's authoritative approved count, not
	// anything cached on the booking.
	approvedCount, err := s.CountApprovedForGuest(ctx, booking.GuestID)
	if err != nil {
		warn("guest booking count: %v", err)
	} else {
		if reward, err := s.rewardService.IssueBestCoupon(ctx, booking.HostID, booking.GuestID, approvedCount); err != nil {
			warn("coupon issuance: %v", err)
		} else if reward != nil {
			log.Printf("Issued coupon %s (%.0f%%) to guest %s", reward.Code, reward.DiscountPercent, booking.GuestID.Hex())
		}
	}

	if err := s.dispatcher.Send(ctx, "booking_approved", booking.GuestID.Hex(), map[string]interface{}{
		"booking_id": booking.ID.Hex(),
		"total":      booking.Total,
	}); err != nil {
		warn("notification: %v", err)
	}
}

// Decline moves PendingApproval → Declined with a 100% refund. The wallet
// credit, the refund ledger entry and the status change commit together in
// one transaction; only the notification stays outside it.
func (s *bookingService) Decline(ctx context.Context, bookingID primitive.ObjectID) (*BookingResult, error) {
	raw, err := s.txn.Run(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var booking models.Booking
		err := s.db.Collection(bookingsCollection).FindOne(sc, bson.M{"_id": bookingID}).Decode(&booking)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, fmt.Errorf("%w: booking %s", ErrNotFound, bookingID.Hex())
			}
			return nil, fmt.Errorf("error reading booking %s: %w", bookingID.Hex(), err)
		}
		if !booking.Status.CanTransitionTo(models.StatusDeclined) {
			return transitionOutcome{booking: &booking}, nil
		}

		balanceBefore, err := s.readWalletBalance(sc, booking.GuestID)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		refund := booking.Total
		balanceAfter := balanceBefore + refund

		if err := s.creditWallet(sc, booking.GuestID, refund, now); err != nil {
			return nil, err
		}

		entry := &models.LedgerEntry{
			ID:            primitive.NewObjectID(),
			UserID:        booking.GuestID,
			Type:          models.EntryRefund,
			Amount:        refund,
			BookingID:     &booking.ID,
			Reference:     uuid.NewString(),
			Status:        "completed",
			Description:   fmt.Sprintf("Full refund for declined booking %s", booking.ID.Hex()),
			BalanceBefore: &balanceBefore,
			BalanceAfter:  &balanceAfter,
			CreatedAt:     now,
		}
		if _, err := s.db.Collection(entriesCollection).InsertOne(sc, entry); err != nil {
			return nil, fmt.Errorf("failed to append refund entry for booking %s: %w", bookingID.Hex(), err)
		}

		hundred := 100.0
		update := bson.M{"$set": bson.M{
			"status":            models.StatusDeclined,
			"payment_status":    models.PaymentRefunded,
			"refund_amount":     refund,
			"refund_percentage": hundred,
			"declined_at":       now,
			"updated_at":        now,
		}}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		var updated models.Booking
		if err := s.db.Collection(bookingsCollection).FindOneAndUpdate(sc, bson.M{"_id": bookingID}, update, opts).Decode(&updated); err != nil {
			return nil, fmt.Errorf("failed to update booking %s: %w", bookingID.Hex(), err)
		}
		return transitionOutcome{booking: &updated, transitioned: true}, nil
	})
	if err != nil {
		return nil, mapTxnErr(err)
	}

	outcome := raw.(transitionOutcome)
	result := &BookingResult{Booking: outcome.booking, Transitioned: outcome.transitioned}
	if !outcome.transitioned {
		return result, nil
	}

	if err := s.dispatcher.Send(ctx, "booking_declined", outcome.booking.GuestID.Hex(), map[string]interface{}{
		"booking_id":    outcome.booking.ID.Hex(),
		"refund_amount": outcome.booking.Total,
	}); err != nil {
		msg := fmt.Sprintf("notification: %v", err)
		log.Printf("Warning: decline side effect failed for booking %s: %s", outcome.booking.ID.Hex(), msg)
		result.Warnings = append(result.Warnings, msg)
	}
	return result, nil
}

// CancelByGuest moves Upcoming → CancelledByGuest. Before the cancel
// deadline the guest gets a full refund; on or after it the refund halves
// and the host receives the other half as a cancellation payout, so money is
// conserved on every path. Listing occupancy counters are rolled back.
func (s *bookingService) CancelByGuest(ctx context.Context, bookingID primitive.ObjectID) (*BookingResult, error) {
	raw, err := s.txn.Run(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var booking models.Booking
		err := s.db.Collection(bookingsCollection).FindOne(sc, bson.M{"_id": bookingID}).Decode(&booking)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, fmt.Errorf("%w: booking %s", ErrNotFound, bookingID.Hex())
			}
			return nil, fmt.Errorf("error reading booking %s: %w", bookingID.Hex(), err)
		}
		if !booking.Status.CanTransitionTo(models.StatusCancelledByGuest) {
			return transitionOutcome{booking: &booking}, nil
		}

		balanceBefore, err := s.readWalletBalance(sc, booking.GuestID)
		if err != nil {
			return nil, err
		}
		mirrors, err := s.existingMirrors(sc, booking.ListingID)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		refundPct := 100.0
		if !now.Before(booking.CancelDeadline) {
			refundPct = 50.0
		}
		refund := booking.Total * refundPct / 100
		hostShare := booking.Total - refund
		balanceAfter := balanceBefore + refund

		if err := s.creditWallet(sc, booking.GuestID, refund, now); err != nil {
			return nil, err
		}

		refundEntry := &models.LedgerEntry{
			ID:            primitive.NewObjectID(),
			UserID:        booking.GuestID,
			Type:          models.EntryRefund,
			Amount:        refund,
			BookingID:     &booking.ID,
			Reference:     uuid.NewString(),
			Status:        "completed",
			Description:   fmt.Sprintf("%.0f%% refund for cancelled booking %s", refundPct, booking.ID.Hex()),
			BalanceBefore: &balanceBefore,
			BalanceAfter:  &balanceAfter,
			CreatedAt:     now,
		}
		if _, err := s.db.Collection(entriesCollection).InsertOne(sc, refundEntry); err != nil {
			return nil, fmt.Errorf("failed to append refund entry for booking %s: %w", bookingID.Hex(), err)
		}

		if hostShare > 0 {
			payout := &models.LedgerEntry{
				ID:          primitive.NewObjectID(),
				UserID:      booking.HostID,
				Type:        models.EntryCancellationPayout,
				Amount:      hostShare,
				BookingID:   &booking.ID,
				Reference:   uuid.NewString(),
				Status:      "completed",
				Description: fmt.Sprintf("Late-cancellation payout for booking %s", booking.ID.Hex()),
				CreatedAt:   now,
			}
			if _, err := s.db.Collection(entriesCollection).InsertOne(sc, payout); err != nil {
				return nil, fmt.Errorf("failed to append payout entry for booking %s: %w", bookingID.Hex(), err)
			}
			metricsUpdate := bson.M{
				"$inc": bson.M{"total_earnings": hostShare, "monthly_revenue": hostShare},
				"$set": bson.M{"last_updated": now},
			}
			opts := options.Update().SetUpsert(true)
			if _, err := s.db.Collection(metricsCollection).UpdateByID(sc, booking.HostID, metricsUpdate, opts); err != nil {
				return nil, fmt.Errorf("failed to credit cancellation payout for host %s: %w", booking.HostID.Hex(), err)
			}
		}

		update := bson.M{"$set": bson.M{
			"status":            models.StatusCancelledByGuest,
			"payment_status":    models.PaymentRefunded,
			"refund_amount":     refund,
			"refund_percentage": refundPct,
			"cancelled_at":      now,
			"updated_at":        now,
		}}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		var updated models.Booking
		if err := s.db.Collection(bookingsCollection).FindOneAndUpdate(sc, bson.M{"_id": bookingID}, update, opts).Decode(&updated); err != nil {
			return nil, fmt.Errorf("failed to update booking %s: %w", bookingID.Hex(), err)
		}

		counter := bson.M{
			"$inc": bson.M{"bookings_count": -1},
			"$set": bson.M{"updated_at": now},
		}
		for _, coll := range mirrors {
			if _, err := s.db.Collection(coll).UpdateByID(sc, booking.ListingID, counter); err != nil {
				return nil, fmt.Errorf("failed to roll back bookings_count on %s for listing %s: %w", coll, booking.ListingID.Hex(), err)
			}
		}
		return transitionOutcome{booking: &updated, transitioned: true}, nil
	})
	if err != nil {
		return nil, mapTxnErr(err)
	}

	outcome := raw.(transitionOutcome)
	result := &BookingResult{Booking: outcome.booking, Transitioned: outcome.transitioned}
	if !outcome.transitioned {
		return result, nil
	}

	if err := s.dispatcher.Send(ctx, "booking_cancelled", outcome.booking.HostID.Hex(), map[string]interface{}{
		"booking_id":    outcome.booking.ID.Hex(),
		"refund_amount": derefFloat(outcome.booking.RefundAmount),
	}); err != nil {
		msg := fmt.Sprintf("notification: %v", err)
		log.Printf("Warning: cancellation side effect failed for booking %s: %s", outcome.booking.ID.Hex(), msg)
		result.Warnings = append(result.Warnings, msg)
	}
	return result, nil
}

// ExpireOverdue transitions every PendingApproval booking past its cancel
// deadline to Expired. Items are attempted independently; one failure never
// stops the sweep. Returns the number of bookings expired.
func (s *bookingService) ExpireOverdue(ctx context.Context) (int, error) {
	collection := s.db.Collection(bookingsCollection)
	now := time.Now().UTC()

	filter := bson.M{
		"status":          models.StatusPendingApproval,
		"cancel_deadline": bson.M{"$lt": now},
	}
	cursor, err := collection.Find(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to query overdue bookings: %w", err)
	}
	defer cursor.Close(ctx)

	var overdue []models.Booking
	if err = cursor.All(ctx, &overdue); err != nil {
		return 0, fmt.Errorf("failed to decode overdue bookings: %w", err)
	}

	expired := 0
	for _, booking := range overdue {
		// Status guard in the filter keeps this idempotent against a host
		// approving between the query and the write.
		guarded := bson.M{"_id": booking.ID, "status": models.StatusPendingApproval}
		update := bson.M{"$set": bson.M{"status": models.StatusExpired, "updated_at": time.Now().UTC()}}
		result, err := collection.UpdateOne(ctx, guarded, update)
		if err != nil {
			log.Printf("ERROR expiring booking %s: %v. Continuing sweep.", booking.ID.Hex(), err)
			continue
		}
		if result.ModifiedCount > 0 {
			expired++
		}
	}
	return expired, nil
}

// CompleteElapsed transitions Upcoming bookings whose stay has ended to
// Completed. Status is part of the filter, so re-runs are no-ops.
func (s *bookingService) CompleteElapsed(ctx context.Context) (int64, error) {
	filter := bson.M{
		"status":    models.StatusUpcoming,
		"check_out": bson.M{"$lt": time.Now().UTC()},
	}
	update := bson.M{"$set": bson.M{"status": models.StatusCompleted, "updated_at": time.Now().UTC()}}
	result, err := s.db.Collection(bookingsCollection).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to complete elapsed bookings: %w", err)
	}
	return result.ModifiedCount, nil
}

// CountApprovedForGuest is the guest's authoritative approved-booking count.
func (s *bookingService) CountApprovedForGuest(ctx context.Context, guestID primitive.ObjectID) (int64, error) {
	filter := bson.M{"guest_id": guestID, "status": bson.M{"$in": models.ApprovedStatuses()}}
	count, err := s.db.Collection(bookingsCollection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count approved bookings for guest %s: %w", guestID.Hex(), err)
	}
	return count, nil
}

// CountApprovedForHost is the host's authoritative approved-booking count,
// used by reconciliation.
func (s *bookingService) CountApprovedForHost(ctx context.Context, hostID primitive.ObjectID) (int64, error) {
	filter := bson.M{"host_id": hostID, "status": bson.M{"$in": models.ApprovedStatuses()}}
	count, err := s.db.Collection(bookingsCollection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count approved bookings for host %s: %w", hostID.Hex(), err)
	}
	return count, nil
}

// existingMirrors returns the listing collections that currently hold a
// document for the listing id, host copy first. Occupancy mutations must
// target every mirror that exists.
func (s *bookingService) existingMirrors(sc mongo.SessionContext, listingID primitive.ObjectID) ([]string, error) {
	var mirrors []string
	for _, coll := range []string{listingsCollection, listingsPublicCollection} {
		var listing models.Listing
		err := s.db.Collection(coll).FindOne(sc, bson.M{"_id": listingID}).Decode(&listing)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			return nil, fmt.Errorf("error reading listing %s from %s: %w", listingID.Hex(), coll, err)
		}
		mirrors = append(mirrors, coll)
	}
	return mirrors, nil
}

func (s *bookingService) readWalletBalance(sc mongo.SessionContext, userID primitive.ObjectID) (float64, error) {
	var wallet models.Wallet
	err := s.db.Collection(walletsCollection).FindOne(sc, bson.M{"_id": userID}).Decode(&wallet)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("error reading wallet for user %s: %w", userID.Hex(), err)
	}
	return wallet.Balance, nil
}

func (s *bookingService) creditWallet(sc mongo.SessionContext, userID primitive.ObjectID, amount float64, now time.Time) error {
	update := bson.M{
		"$inc": bson.M{"balance": amount},
		"$set": bson.M{"updated_at": now},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.db.Collection(walletsCollection).UpdateByID(sc, userID, update, opts); err != nil {
		return fmt.Errorf("failed to credit wallet for user %s: %w", userID.Hex(), err)
	}
	return nil
}

func mapTxnErr(err error) error {
	if errors.Is(err, db.ErrTxnRetriesExhausted) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
