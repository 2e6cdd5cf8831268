package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func subs(statuses ...Status) []SubOrder {
	out := make([]SubOrder, len(statuses))
	for i, s := range statuses {
		out[i] = SubOrder{Status: s}
	}
	return out
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusConfirmed))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.True(t, CanTransition(StatusConfirmed, StatusFulfilled))
	assert.True(t, CanTransition(StatusConfirmed, StatusCancelled))

	assert.False(t, CanTransition(StatusPending, StatusFulfilled))
	assert.False(t, CanTransition(StatusFulfilled, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusPending))
	assert.False(t, CanTransition(StatusConfirmed, StatusConfirmed))
}

func TestDeriveParentStatus(t *testing.T) {
	cases := []struct {
		name string
		subs []SubOrder
		want Status
	}{
		{"empty", nil, StatusPending},
		{"all_pending", subs(StatusPending, StatusPending), StatusPending},
		{"mixed_open", subs(StatusPending, StatusConfirmed), StatusPending},
		{"all_confirmed", subs(StatusConfirmed, StatusConfirmed), StatusConfirmed},
		{"one_fulfilled", subs(StatusFulfilled, StatusConfirmed), StatusPartiallyFulfilled},
		{"one_cancelled", subs(StatusCancelled, StatusPending), StatusPartiallyFulfilled},
		{"fulfilled_and_cancelled", subs(StatusFulfilled, StatusCancelled), StatusFulfilled},
		{"all_fulfilled", subs(StatusFulfilled, StatusFulfilled), StatusFulfilled},
		{"all_cancelled", subs(StatusCancelled, StatusCancelled), StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveParentStatus(tc.subs))
		})
	}
}
