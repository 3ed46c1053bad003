package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"stayhive/core/internal/db"
	"stayhive/core/internal/models"
)

// IRewardService manages host coupons and the guest rewards issued from them.
type IRewardService interface {
	CreateCoupon(ctx context.Context, hostID primitive.ObjectID, code string, discountPercent float64, minBookings, maxUses int64, validUntil time.Time) (*models.Coupon, error)
	ListCoupons(ctx context.Context, hostID primitive.ObjectID) ([]models.Coupon, error)
	DeactivateCoupon(ctx context.Context, couponID, hostID primitive.ObjectID) error
	IssueBestCoupon(ctx context.Context, hostID, guestID primitive.ObjectID, approvedBookings int64) (*models.GuestReward, error)
	ListRewards(ctx context.Context, guestID primitive.ObjectID) ([]models.GuestReward, error)
}

const (
	couponsCollection = "coupons"
	rewardsCollection = "guest_rewards"
)

type rewardService struct {
	db *mongo.Database
}

// NewRewardService creates a new RewardService.
func NewRewardService(database *mongo.Database) IRewardService {
	return &rewardService{db: database}
}

// CreateCoupon creates an active coupon template for a host.
func (s *rewardService) CreateCoupon(ctx context.Context, hostID primitive.ObjectID, code string, discountPercent float64, minBookings, maxUses int64, validUntil time.Time) (*models.Coupon, error) {
	if code == "" {
		return nil, validationErrorf("coupon code must not be empty")
	}
	if discountPercent <= 0 || discountPercent > 100 {
		return nil, validationErrorf("discount percent must be in (0,100], got %.2f", discountPercent)
	}
	if minBookings < 0 {
		return nil, validationErrorf("min bookings must not be negative, got %d", minBookings)
	}
	if !validUntil.After(time.Now().UTC()) {
		return nil, validationErrorf("valid-until must be in the future")
	}

	var coupon *models.Coupon
	operation := func() error {
		coupon = &models.Coupon{
			ID:              primitive.NewObjectID(),
			HostID:          hostID,
			Code:            code,
			DiscountPercent: discountPercent,
			MinBookings:     minBookings,
			MaxUses:         maxUses,
			Active:          true,
			ValidUntil:      validUntil.UTC(),
			UsedBy:          []primitive.ObjectID{},
			CreatedAt:       time.Now().UTC(),
		}
		_, insertErr := s.db.Collection(couponsCollection).InsertOne(ctx, coupon)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		return nil, fmt.Errorf("failed to insert coupon for host %s after multiple retries: %w", hostID.Hex(), err)
	}
	return coupon, nil
}

// ListCoupons returns all coupons belonging to a host.
func (s *rewardService) ListCoupons(ctx context.Context, hostID primitive.ObjectID) ([]models.Coupon, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.db.Collection(couponsCollection).Find(ctx, bson.M{"host_id": hostID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query coupons for host %s: %w", hostID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var coupons []models.Coupon
	if err = cursor.All(ctx, &coupons); err != nil {
		return nil, fmt.Errorf("failed to decode coupons: %w", err)
	}
	return coupons, nil
}

// DeactivateCoupon turns a coupon off. Already-issued rewards stay valid.
func (s *rewardService) DeactivateCoupon(ctx context.Context, couponID, hostID primitive.ObjectID) error {
	filter := bson.M{"_id": couponID, "host_id": hostID}
	update := bson.M{"$set": bson.M{"active": false}}
	result, err := s.db.Collection(couponsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error deactivating coupon %s: %w", couponID.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: coupon %s for host %s", ErrNotFound, couponID.Hex(), hostID.Hex())
	}
	return nil
}

// IssueBestCoupon issues the single best-eligible coupon to the guest:
// active, unexpired, min_bookings satisfied by the guest's authoritative
// approved-booking count, guest not already in used_by; highest discount
// wins. Returns (nil, nil) when nothing is eligible.
//
// The used_by membership is re-checked in the update filter, so even two
// concurrent issuances for the same guest produce at most one reward.
func (s *rewardService) IssueBestCoupon(ctx context.Context, hostID, guestID primitive.ObjectID, approvedBookings int64) (*models.GuestReward, error) {
	collection := s.db.Collection(couponsCollection)
	now := time.Now().UTC()

	filter := bson.M{
		"host_id":      hostID,
		"active":       true,
		"valid_until":  bson.M{"$gt": now},
		"min_bookings": bson.M{"$lte": approvedBookings},
		"used_by":      bson.M{"$ne": guestID},
	}
	opts := options.Find().SetSort(bson.D{{Key: "discount_percent", Value: -1}, {Key: "created_at", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible coupons: %w", err)
	}
	defer cursor.Close(ctx)

	var candidates []models.Coupon
	if err = cursor.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode eligible coupons: %w", err)
	}

	for _, coupon := range candidates {
		if coupon.MaxUses > 0 && int64(len(coupon.UsedBy)) >= coupon.MaxUses {
			continue
		}

		// Guarded claim: fails if someone added the guest meanwhile.
		claim := bson.M{"_id": coupon.ID, "used_by": bson.M{"$ne": guestID}}
		update := bson.M{"$addToSet": bson.M{"used_by": guestID}}
		result, err := collection.UpdateOne(ctx, claim, update)
		if err != nil {
			return nil, fmt.Errorf("failed to claim coupon %s for guest %s: %w", coupon.ID.Hex(), guestID.Hex(), err)
		}
		if result.MatchedCount == 0 {
			continue // Guest got this coupon through a concurrent approval
		}

		reward := &models.GuestReward{
			GuestID:         guestID,
			CouponID:        coupon.ID,
			HostID:          hostID,
			Code:            coupon.Code,
			DiscountPercent: coupon.DiscountPercent,
			Used:            false,
			IssuedAt:        now,
		}
		operation := func() error {
			reward.ID = primitive.NewObjectID()
			_, insertErr := s.db.Collection(rewardsCollection).InsertOne(ctx, reward)
			return insertErr
		}
		if err := db.Try(operation); err != nil {
			// The used_by claim stands; surface the gap rather than retry
			// forever. Reconciliation from the coupon side is manual.
			return nil, fmt.Errorf("coupon %s claimed but reward insert failed for guest %s: %w",
				coupon.ID.Hex(), guestID.Hex(), err)
		}
		return reward, nil
	}

	return nil, nil
}

// ListRewards returns all rewards issued to a guest.
func (s *rewardService) ListRewards(ctx context.Context, guestID primitive.ObjectID) ([]models.GuestReward, error) {
	opts := options.Find().SetSort(bson.D{{Key: "issued_at", Value: -1}})
	cursor, err := s.db.Collection(rewardsCollection).Find(ctx, bson.M{"guest_id": guestID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards for guest %s: %w", guestID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var rewards []models.GuestReward
	if err = cursor.All(ctx, &rewards); err != nil {
		return nil, fmt.Errorf("failed to decode rewards: %w", err)
	}
	return rewards, nil
}
