package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryEarning            EntryType = "earning"
	EntryWithdrawal         EntryType = "withdrawal"
	EntryRefund             EntryType = "refund"
	EntryPointsRedemption   EntryType = "points_redemption"
	EntryCancellationPayout EntryType = "cancellation_payout"
)

// LedgerEntry is an append-only audit record. Entries are write-once; derived
// totals on HostMetrics must always be re-derivable from this collection.
type LedgerEntry struct {
	ID            primitive.ObjectID  `bson:"_id,omitempty" json:"id,omitempty"`
	UserID        primitive.ObjectID  `bson:"user_id" json:"user_id"`
	Type          EntryType           `bson:"type" json:"type"`
	Amount        float64             `bson:"amount" json:"amount"` // Signed: credits positive, debits negative
	BookingID     *primitive.ObjectID `bson:"booking_id,omitempty" json:"booking_id,omitempty"`
	Reference     string              `bson:"reference" json:"reference"` // External correlation id
	Status        string              `bson:"status" json:"status"`
	Description   string              `bson:"description" json:"description"`
	BalanceBefore *float64            `bson:"balance_before,omitempty" json:"balance_before,omitempty"`
	BalanceAfter  *float64            `bson:"balance_after,omitempty" json:"balance_after,omitempty"`
	CreatedAt     time.Time           `bson:"created_at" json:"created_at"`
}

// HostMetrics is the per-host derived singleton backing the dashboard.
// Keyed by host id. Fields are mutated only through atomic $inc, with two
// exceptions handled by the reconciliation service (total_bookings overwrite
// and the CAS points catch-up).
//
// Invariants: points == total_points_earned - points_redeemed;
// total_bookings equals the authoritative count of bookings in
// {upcoming, completed} for the host.
type HostMetrics struct {
	HostID             primitive.ObjectID `bson:"_id" json:"host_id"`
	TotalEarnings      float64            `bson:"total_earnings" json:"total_earnings"`
	MonthlyRevenue     float64            `bson:"monthly_revenue" json:"monthly_revenue"`
	TotalBookings      int64              `bson:"total_bookings" json:"total_bookings"`
	Points             int64              `bson:"points" json:"points"`
	TotalPointsEarned  int64              `bson:"total_points_earned" json:"total_points_earned"`
	PointsRedeemed     int64              `bson:"points_redeemed" json:"points_redeemed"`
	PendingWithdrawals float64            `bson:"pending_withdrawals" json:"pending_withdrawals"`
	RatingSum          float64            `bson:"rating_sum" json:"rating_sum"`
	RatingCount        int64              `bson:"rating_count" json:"rating_count"`
	LastUpdated        time.Time          `bson:"last_updated" json:"last_updated"`
}

// AvailableBalance is what a host may still request for withdrawal: earnings
// minus amounts already reserved by pending requests.
func (m *HostMetrics) AvailableBalance() float64 {
	return m.TotalEarnings - m.PendingWithdrawals
}

// Wallet holds a guest's refundable balance.
type Wallet struct {
	UserID    primitive.ObjectID `bson:"_id" json:"user_id"`
	Balance   float64            `bson:"balance" json:"balance"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}
