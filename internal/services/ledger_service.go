package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"stayhive/core/internal/config"
	"stayhive/core/internal/db"
	"stayhive/core/internal/models"
)

// ILedgerService owns the host financial ledger: the HostMetrics singleton,
// the append-only entry log, points redemption and withdrawal requests.
type ILedgerService interface {
	GetMetrics(ctx context.Context, hostID primitive.ObjectID) (*models.HostMetrics, error)
	CreditEarnings(ctx context.Context, hostID primitive.ObjectID, amount float64) error
	AddPoints(ctx context.Context, hostID primitive.ObjectID, points int64) error
	AppendEntry(ctx context.Context, entry *models.LedgerEntry) error
	ListEntries(ctx context.Context, userID primitive.ObjectID, limit int) ([]models.LedgerEntry, error)
	RedeemPoints(ctx context.Context, hostID primitive.ObjectID, points int64) (*RedeemResult, error)
	RequestWithdrawal(ctx context.Context, hostID primitive.ObjectID, amount float64, destination string) (*models.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, hostID primitive.ObjectID) ([]models.WithdrawalRequest, error)
}

const (
	metricsCollection     = "host_metrics"
	entriesCollection     = "ledger_entries"
	walletsCollection     = "wallets"
	withdrawalsCollection = "withdrawal_requests"
)

// Withdrawal destinations: account-style identifiers, no whitespace.
var destinationPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._:\-]{5,63}$`)

// RedeemResult reports a completed points redemption.
type RedeemResult struct {
	PointsRedeemed int64   `json:"points_redeemed"`
	CashCredited   float64 `json:"cash_credited"`
	PointsLeft     int64   `json:"points_left"`
}

type ledgerService struct {
	db            *mongo.Database
	cfg           *config.Config
	configService IConfigService
	txn           *db.Txn
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(database *mongo.Database, cfg *config.Config, configService IConfigService, txn *db.Txn) ILedgerService {
	return &ledgerService{db: database, cfg: cfg, configService: configService, txn: txn}
}

// GetMetrics returns the host's metrics singleton, or a zeroed document if
// the host has no ledger activity yet.
func (s *ledgerService) GetMetrics(ctx context.Context, hostID primitive.ObjectID) (*models.HostMetrics, error) {
	var m models.HostMetrics
	err := s.db.Collection(metricsCollection).FindOne(ctx, bson.M{"_id": hostID}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &models.HostMetrics{HostID: hostID}, nil
		}
		return nil, fmt.Errorf("error finding metrics for host %s: %w", hostID.Hex(), err)
	}
	return &m, nil
}

// CreditEarnings atomically adds to total_earnings and monthly_revenue,
// creating the singleton on first use. Never read-modify-write.
func (s *ledgerService) CreditEarnings(ctx context.Context, hostID primitive.ObjectID, amount float64) error {
	update := bson.M{
		"$inc": bson.M{"total_earnings": amount, "monthly_revenue": amount},
		"$set": bson.M{"last_updated": time.Now().UTC()},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.db.Collection(metricsCollection).UpdateByID(ctx, hostID, update, opts); err != nil {
		return fmt.Errorf("failed to credit earnings for host %s: %w", hostID.Hex(), err)
	}
	return nil
}

// AddPoints atomically credits loyalty points, keeping points and
// total_points_earned moving in lock-step so the conservation invariant
// (points == total_points_earned - points_redeemed) holds.
func (s *ledgerService) AddPoints(ctx context.Context, hostID primitive.ObjectID, points int64) error {
	if points <= 0 {
		return validationErrorf("points to add must be positive, got %d", points)
	}
	update := bson.M{
		"$inc": bson.M{"points": points, "total_points_earned": points},
		"$set": bson.M{"last_updated": time.Now().UTC()},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.db.Collection(metricsCollection).UpdateByID(ctx, hostID, update, opts); err != nil {
		return fmt.Errorf("failed to add points for host %s: %w", hostID.Hex(), err)
	}
	return nil
}

// AppendEntry writes one append-only ledger record. Entries are never
// updated or deleted; they are the reconstruction source for derived totals.
func (s *ledgerService) AppendEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Reference == "" {
		entry.Reference = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = "completed"
	}
	operation := func() error {
		entry.ID = primitive.NewObjectID()
		_, insertErr := s.db.Collection(entriesCollection).InsertOne(ctx, entry)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		return fmt.Errorf("failed to append %s ledger entry for user %s after multiple retries: %w",
			entry.Type, entry.UserID.Hex(), err)
	}
	return nil
}

// ListEntries returns the newest ledger entries for a user.
func (s *ledgerService) ListEntries(ctx context.Context, userID primitive.ObjectID, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.db.Collection(entriesCollection).Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries for user %s: %w", userID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var entries []models.LedgerEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entries: %w", err)
	}
	return entries, nil
}

// RedeemPoints converts points to a cash credit at the configured rate.
// The balance is always re-read from the store, never trusted from the
// caller, and the decrement is a compare-and-swap on the observed points so
// two concurrent redemptions cannot both spend the same points. The CAS and
// both ledger entries commit in one unit of work: the cash credit can never
// land without the entries it must be re-derivable from.
func (s *ledgerService) RedeemPoints(ctx context.Context, hostID primitive.ObjectID, points int64) (*RedeemResult, error) {
	if points <= 0 {
		return nil, validationErrorf("points to redeem must be positive, got %d", points)
	}
	rate := s.configService.GetInt64(ctx, "POINTS_REDEEM_RATE", s.cfg.PointsRedeemRate)
	if rate <= 0 {
		rate = s.cfg.PointsRedeemRate
	}

	for attempt := 0; attempt <= db.DefaultMaxRetries; attempt++ {
		raw, err := s.txn.Run(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			var m models.HostMetrics
			err := s.db.Collection(metricsCollection).FindOne(sc, bson.M{"_id": hostID}).Decode(&m)
			if err != nil {
				if errors.Is(err, mongo.ErrNoDocuments) {
					return nil, validationErrorf("host %s has no points to redeem", hostID.Hex())
				}
				return nil, fmt.Errorf("error reading metrics for host %s: %w", hostID.Hex(), err)
			}
			if points > m.Points {
				return nil, validationErrorf("cannot redeem %d points, only %d available", points, m.Points)
			}

			cash := float64(points) / float64(rate)
			now := time.Now().UTC()

			// CAS on the observed points value: a concurrent redemption or
			// approval changes it and fails the filter, so we re-read.
			filter := bson.M{"_id": hostID, "points": m.Points}
			update := bson.M{
				"$inc": bson.M{"points": -points, "points_redeemed": points, "total_earnings": cash},
				"$set": bson.M{"last_updated": now},
			}
			updateResult, err := s.db.Collection(metricsCollection).UpdateOne(sc, filter, update)
			if err != nil {
				return nil, fmt.Errorf("failed to redeem points for host %s: %w", hostID.Hex(), err)
			}
			if updateResult.MatchedCount == 0 {
				return nil, nil // Lost the race; the outer loop re-reads the fresh balance
			}

			reference := uuid.NewString()
			entries := []interface{}{
				&models.LedgerEntry{
					ID:          primitive.NewObjectID(),
					UserID:      hostID,
					Type:        models.EntryEarning,
					Amount:      cash,
					Reference:   reference,
					Status:      "completed",
					Description: fmt.Sprintf("Cash credit for redeeming %d points", points),
					CreatedAt:   now,
				},
				&models.LedgerEntry{
					ID:          primitive.NewObjectID(),
					UserID:      hostID,
					Type:        models.EntryPointsRedemption,
					Amount:      -cash,
					Reference:   reference,
					Status:      "completed",
					Description: fmt.Sprintf("Redeemed %d points at %d:1", points, rate),
					CreatedAt:   now,
				},
			}
			if _, err := s.db.Collection(entriesCollection).InsertMany(sc, entries); err != nil {
				return nil, fmt.Errorf("failed to append redemption entries for host %s: %w", hostID.Hex(), err)
			}

			return &RedeemResult{
				PointsRedeemed: points,
				CashCredited:   cash,
				PointsLeft:     m.Points - points,
			}, nil
		})
		if err != nil {
			if errors.Is(err, db.ErrTxnRetriesExhausted) {
				return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
			}
			return nil, err
		}
		if raw == nil {
			continue
		}
		return raw.(*RedeemResult), nil
	}
	return nil, fmt.Errorf("%w: points balance kept changing during redemption", ErrConcurrencyConflict)
}

// RequestWithdrawal validates against the freshly-read available balance and
// creates a pending request, reserving the amount on pending_withdrawals in
// the same unit of work so concurrent requests cannot overdraw together.
// The request is resolved only by the external admin workflow.
func (s *ledgerService) RequestWithdrawal(ctx context.Context, hostID primitive.ObjectID, amount float64, destination string) (*models.WithdrawalRequest, error) {
	if amount <= 0 {
		return nil, validationErrorf("withdrawal amount must be positive, got %.2f", amount)
	}
	if !destinationPattern.MatchString(destination) {
		return nil, validationErrorf("invalid withdrawal destination %q", destination)
	}

	result, err := s.txn.Run(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// Read before write, per the store's transaction contract.
		var m models.HostMetrics
		err := s.db.Collection(metricsCollection).FindOne(sc, bson.M{"_id": hostID}).Decode(&m)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, validationErrorf("host %s has no balance to withdraw", hostID.Hex())
			}
			return nil, fmt.Errorf("error reading metrics for host %s: %w", hostID.Hex(), err)
		}
		if amount > m.AvailableBalance() {
			return nil, validationErrorf("requested %.2f exceeds available balance %.2f", amount, m.AvailableBalance())
		}

		update := bson.M{
			"$inc": bson.M{"pending_withdrawals": amount},
			"$set": bson.M{"last_updated": time.Now().UTC()},
		}
		if _, err := s.db.Collection(metricsCollection).UpdateByID(sc, hostID, update); err != nil {
			return nil, fmt.Errorf("failed to reserve withdrawal amount: %w", err)
		}

		request := &models.WithdrawalRequest{
			ID:          primitive.NewObjectID(),
			HostID:      hostID,
			Amount:      amount,
			Destination: destination,
			Status:      models.WithdrawalPending,
			Reference:   uuid.NewString(),
			RequestedAt: time.Now().UTC(),
		}
		if _, err := s.db.Collection(withdrawalsCollection).InsertOne(sc, request); err != nil {
			return nil, fmt.Errorf("failed to insert withdrawal request: %w", err)
		}
		return request, nil
	})
	if err != nil {
		if errors.Is(err, db.ErrTxnRetriesExhausted) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return nil, err
	}
	return result.(*models.WithdrawalRequest), nil
}

// ListWithdrawals returns all withdrawal requests for a host, newest first.
func (s *ledgerService) ListWithdrawals(ctx context.Context, hostID primitive.ObjectID) ([]models.WithdrawalRequest, error) {
	opts := options.Find().SetSort(bson.D{{Key: "requested_at", Value: -1}})
	cursor, err := s.db.Collection(withdrawalsCollection).Find(ctx, bson.M{"host_id": hostID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawal requests for host %s: %w", hostID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var requests []models.WithdrawalRequest
	if err = cursor.All(ctx, &requests); err != nil {
		return nil, fmt.Errorf("failed to decode withdrawal requests: %w", err)
	}
	return requests, nil
}
