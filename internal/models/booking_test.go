package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBookingStatusTransitions(t *testing.T) {
	cases := []struct {
		from    BookingStatus
		to      BookingStatus
		allowed bool
	}{
		{StatusPendingApproval, StatusUpcoming, true},
		{StatusPendingApproval, StatusDeclined, true},
		{StatusPendingApproval, StatusExpired, true},
		{StatusPendingApproval, StatusCompleted, false},
		{StatusPendingApproval, StatusCancelledByGuest, false},
		{StatusUpcoming, StatusCompleted, true},
		{StatusUpcoming, StatusCancelledByGuest, true},
		{StatusUpcoming, StatusDeclined, false},
		{StatusUpcoming, StatusExpired, false},
		{StatusDeclined, StatusUpcoming, false},
		{StatusExpired, StatusUpcoming, false},
		{StatusCompleted, StatusCancelledByGuest, false},
		{StatusCancelledByGuest, StatusUpcoming, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"transition %s -> %s", tc.from, tc.to)
	}
}

func TestBookingStatusTerminal(t *testing.T) {
	assert.False(t, StatusPendingApproval.IsTerminal())
	assert.False(t, StatusUpcoming.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusDeclined.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.True(t, StatusCancelledByGuest.IsTerminal())
}

func TestApprovedStatuses(t *testing.T) {
	approved := ApprovedStatuses()
	assert.ElementsMatch(t, []BookingStatus{StatusUpcoming, StatusCompleted}, approved)
}

func TestHostMetricsAvailableBalance(t *testing.T) {
	m := &HostMetrics{TotalEarnings: 500, PendingWithdrawals: 120}
	assert.Equal(t, 380.0, m.AvailableBalance())
}
