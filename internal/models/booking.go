package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BookingStatus is the lifecycle state of a reservation.
type BookingStatus string

const (
	StatusPendingApproval  BookingStatus = "pending_approval"
	StatusUpcoming         BookingStatus = "upcoming"
	StatusCompleted        BookingStatus = "completed"
	StatusDeclined         BookingStatus = "declined"
	StatusExpired          BookingStatus = "expired"
	StatusCancelledByGuest BookingStatus = "cancelled_by_guest"
)

// PaymentStatus values stored on the booking.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentRefunded  = "refunded"
)

// transitions is the full state machine. A status missing from the map is
// terminal; no document may transition out of it.
var transitions = map[BookingStatus][]BookingStatus{
	StatusPendingApproval: {StatusUpcoming, StatusDeclined, StatusExpired},
	StatusUpcoming:        {StatusCompleted, StatusCancelledByGuest},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s BookingStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// ApprovedStatuses are the states counted as an approved booking for host
// metrics and coupon eligibility.
func ApprovedStatuses() []BookingStatus {
	return []BookingStatus{StatusUpcoming, StatusCompleted}
}

// Booking represents one reservation of a listing by a guest.
type Booking struct {
	ID                primitive.ObjectID  `bson:"_id,omitempty" json:"id,omitempty"`
	ListingID         primitive.ObjectID  `bson:"listing_id" json:"listing_id"`
	HostID            primitive.ObjectID  `bson:"host_id" json:"host_id"`
	GuestID           primitive.ObjectID  `bson:"guest_id" json:"guest_id"`
	CheckIn           time.Time           `bson:"check_in" json:"check_in"`
	CheckOut          time.Time           `bson:"check_out" json:"check_out"`
	Total             float64             `bson:"total" json:"total"`
	ServiceFeePercent *float64            `bson:"service_fee_percent,omitempty" json:"service_fee_percent,omitempty"` // Snapshot taken at approval time
	Status            BookingStatus       `bson:"status" json:"status"`
	PaymentStatus     string              `bson:"payment_status" json:"payment_status"`
	Notes             string              `bson:"notes,omitempty" json:"notes,omitempty"`
	RefundAmount      *float64            `bson:"refund_amount,omitempty" json:"refund_amount,omitempty"`
	RefundPercentage  *float64            `bson:"refund_percentage,omitempty" json:"refund_percentage,omitempty"`
	CancelDeadline    time.Time           `bson:"cancel_deadline" json:"cancel_deadline"`
	CreatedAt         time.Time           `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `bson:"updated_at" json:"updated_at"`
	PaidAt            *time.Time          `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	DeclinedAt        *time.Time          `bson:"declined_at,omitempty" json:"declined_at,omitempty"`
	CancelledAt       *time.Time          `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
}
