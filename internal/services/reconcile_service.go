package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"stayhive/core/internal/config"
	"stayhive/core/internal/db"
)

// IReconcileService repairs drift between the bookings collection and the
// per-host derived metrics left behind by failed best-effort side effects.
type IReconcileService interface {
	Reconcile(ctx context.Context, hostID primitive.ObjectID) (*ReconcileReport, error)
	ReconcileAll(ctx context.Context) ([]ReconcileReport, error)
}

// ReconcileReport describes what one pass found and changed for a host.
type ReconcileReport struct {
	HostID         primitive.ObjectID `json:"host_id"`
	ActualBookings int64              `json:"actual_bookings"`
	BookingsFixed  bool               `json:"bookings_fixed"`
	PointsCredited int64              `json:"points_credited"`
	ReconciledAt   time.Time          `json:"reconciled_at"`
}

type reconcileService struct {
	db             *mongo.Database
	cfg            *config.Config
	configService  IConfigService
	bookingService IBookingService
}

// NewReconcileService creates a new ReconcileService.
func NewReconcileService(database *mongo.Database, cfg *config.Config, configService IConfigService, bookingService IBookingService) IReconcileService {
	return &reconcileService{
		db:             database,
		cfg:            cfg,
		configService:  configService,
		bookingService: bookingService,
	}
}

// Reconcile brings one host's derived counters back in line with the bookings
// collection. total_bookings is conditionally overwritten to the authoritative
// count; missed loyalty points are credited through a bounded CAS catch-up.
// Both writes are no-ops when nothing drifted, so a pass over a consistent
// host touches nothing.
func (s *reconcileService) Reconcile(ctx context.Context, hostID primitive.ObjectID) (*ReconcileReport, error) {
	actual, err := s.bookingService.CountApprovedForHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{HostID: hostID, ActualBookings: actual, ReconciledAt: time.Now().UTC()}
	collection := s.db.Collection(metricsCollection)

	// The $ne guard makes the overwrite conditional: matched-and-modified
	// only when the stored count actually disagrees.
	filter := bson.M{"_id": hostID, "total_bookings": bson.M{"$ne": actual}}
	update := bson.M{"$set": bson.M{"total_bookings": actual, "last_updated": time.Now().UTC()}}
	opts := options.Update().SetUpsert(actual > 0)
	result, err := collection.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		if db.IsMongoDuplicateKeyError(err) {
			// Upsert raced with an $inc that created the singleton; the
			// document now exists, so the guarded overwrite is retried plain.
			result, err = collection.UpdateOne(ctx, filter, update)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile total_bookings for host %s: %w", hostID.Hex(), err)
		}
	}
	report.BookingsFixed = result.ModifiedCount > 0 || result.UpsertedCount > 0

	credited, err := s.catchUpPoints(ctx, hostID, actual)
	if err != nil {
		return nil, err
	}
	report.PointsCredited = credited

	if report.BookingsFixed || report.PointsCredited > 0 {
		log.Printf("Reconciled host %s: total_bookings=%d (fixed=%t), points credited=%d",
			hostID.Hex(), actual, report.BookingsFixed, report.PointsCredited)
	}
	return report, nil
}

// catchUpPoints credits points missed by failed approval side effects. The
// expected floor is actual approved bookings times the per-booking bonus;
// when total_points_earned is below it, the gap is credited to both points
// and total_points_earned with a CAS on the observed value, so a concurrent
// approval bonus is never double-counted. Points are never clawed back here:
// an above-floor balance is legitimate (admin grants, historical rates).
func (s *reconcileService) catchUpPoints(ctx context.Context, hostID primitive.ObjectID, actualBookings int64) (int64, error) {
	bonus := s.configService.GetInt64(ctx, "POINTS_PER_BOOKING", s.cfg.PointsPerBooking)
	if bonus <= 0 {
		return 0, nil
	}
	expected := actualBookings * bonus
	collection := s.db.Collection(metricsCollection)

	for attempt := 0; attempt <= db.DefaultMaxRetries; attempt++ {
		var m struct {
			TotalPointsEarned int64 `bson:"total_points_earned"`
		}
		err := collection.FindOne(ctx, bson.M{"_id": hostID}).Decode(&m)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				if expected == 0 {
					return 0, nil
				}
				m.TotalPointsEarned = 0
			} else {
				return 0, fmt.Errorf("error reading metrics for host %s: %w", hostID.Hex(), err)
			}
		}

		delta := expected - m.TotalPointsEarned
		if delta <= 0 {
			return 0, nil
		}

		filter := bson.M{"_id": hostID, "total_points_earned": m.TotalPointsEarned}
		if m.TotalPointsEarned == 0 {
			// A $in with null also matches documents where the field is
			// missing, which is how a fresh upserted singleton looks.
			filter["total_points_earned"] = bson.M{"$in": bson.A{int64(0), nil}}
		}
		update := bson.M{
			"$inc": bson.M{"points": delta, "total_points_earned": delta},
			"$set": bson.M{"last_updated": time.Now().UTC()},
		}
		opts := options.Update().SetUpsert(m.TotalPointsEarned == 0)
		result, err := collection.UpdateOne(ctx, filter, update, opts)
		if err != nil {
			if db.IsMongoDuplicateKeyError(err) {
				continue // Singleton appeared concurrently, re-read and retry
			}
			return 0, fmt.Errorf("failed to catch up points for host %s: %w", hostID.Hex(), err)
		}
		if result.MatchedCount == 0 && result.UpsertedCount == 0 {
			continue // A concurrent bonus moved the balance, re-read
		}
		return delta, nil
	}
	return 0, fmt.Errorf("%w: points balance kept changing during reconciliation of host %s", ErrConcurrencyConflict, hostID.Hex())
}

// ReconcileAll runs one pass over every host that has bookings. Hosts are
// reconciled independently; a failure on one is logged and skipped.
func (s *reconcileService) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	raw, err := s.db.Collection(bookingsCollection).Distinct(ctx, "host_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts for reconciliation: %w", err)
	}

	reports := make([]ReconcileReport, 0, len(raw))
	for _, v := range raw {
		hostID, ok := v.(primitive.ObjectID)
		if !ok {
			log.Printf("Warning: skipping non-ObjectID host_id %v during reconciliation", v)
			continue
		}
		report, err := s.Reconcile(ctx, hostID)
		if err != nil {
			log.Printf("ERROR reconciling host %s: %v. Continuing with remaining hosts.", hostID.Hex(), err)
			continue
		}
		reports = append(reports, *report)
	}
	return reports, nil
}
