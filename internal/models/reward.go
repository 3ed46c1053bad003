package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Coupon is a host-scoped reward template. used_by is the issuance guard: a
// guest id appears in it at most once, written with a $ne-guarded $addToSet.
type Coupon struct {
	ID              primitive.ObjectID   `bson:"_id,omitempty" json:"id,omitempty"`
	HostID          primitive.ObjectID   `bson:"host_id" json:"host_id"`
	Code            string               `bson:"code" json:"code"`
	DiscountPercent float64              `bson:"discount_percent" json:"discount_percent"`
	MinBookings     int64                `bson:"min_bookings" json:"min_bookings"`
	MaxUses         int64                `bson:"max_uses" json:"max_uses"` // 0 means unlimited
	Active          bool                 `bson:"active" json:"active"`
	ValidUntil      time.Time            `bson:"valid_until" json:"valid_until"`
	UsedBy          []primitive.ObjectID `bson:"used_by" json:"used_by"`
	CreatedAt       time.Time            `bson:"created_at" json:"created_at"`
}

// GuestReward is an issued coupon instance tied to one guest.
type GuestReward struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	GuestID         primitive.ObjectID `bson:"guest_id" json:"guest_id"`
	CouponID        primitive.ObjectID `bson:"coupon_id" json:"coupon_id"`
	HostID          primitive.ObjectID `bson:"host_id" json:"host_id"`
	Code            string             `bson:"code" json:"code"`
	DiscountPercent float64            `bson:"discount_percent" json:"discount_percent"`
	Used            bool               `bson:"used" json:"used"`
	IssuedAt        time.Time          `bson:"issued_at" json:"issued_at"`
	UsedAt          *time.Time         `bson:"used_at,omitempty" json:"used_at,omitempty"`
}
