package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WithdrawalStatus values. The engine only ever creates pending requests;
// resolution happens in the external admin workflow.
const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

// WithdrawalRequest reserves part of a host's earnings for payout. The
// reserved amount is tracked on HostMetrics.pending_withdrawals so the sum of
// open requests can never exceed the balance.
type WithdrawalRequest struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	HostID      primitive.ObjectID `bson:"host_id" json:"host_id"`
	Amount      float64            `bson:"amount" json:"amount"`
	Destination string             `bson:"destination" json:"destination"`
	Status      string             `bson:"status" json:"status"`
	Reference   string             `bson:"reference" json:"reference"`
	RequestedAt time.Time          `bson:"requested_at" json:"requested_at"`
	ResolvedAt  *time.Time         `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}
