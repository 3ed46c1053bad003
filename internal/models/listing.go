package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ListingStatus values. A listing is Draft until the host publishes it.
const (
	ListingDraft  = "draft"
	ListingActive = "active"
)

// Listing is one side of the host/public mirror pair. The host-private copy
// (collection "listings") always exists; the public copy
// (collection "listings_public") exists only while the listing is published.
// The two documents share the same _id. Mirrors may transiently disagree on
// existence during publish/unpublish but never on bookings_count once both
// exist: every occupancy mutation targets whichever mirrors currently exist.
type Listing struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	HostID        primitive.ObjectID `bson:"host_id" json:"host_id"`
	Title         string             `bson:"title" json:"title"`
	Status        string             `bson:"status" json:"status"`
	BookingsCount int64              `bson:"bookings_count" json:"bookings_count"`
	LastBooked    *time.Time         `bson:"last_booked,omitempty" json:"last_booked,omitempty"`
	CalendarHint  string             `bson:"calendar_hint,omitempty" json:"calendar_hint,omitempty"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at" json:"updated_at"`
}
