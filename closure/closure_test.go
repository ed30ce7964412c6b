package closure_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/closure"
	"github.com/warp/escrow-engine/escrow"
)

var deadline = time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)

func failedFixed() escrow.Campaign {
	return escrow.Campaign{
		ID:        7,
		Creator:   "alice",
		Type:      escrow.TypeFixed,
		Goal:      escrow.NewAmount(2000),
		Deadline:  deadline,
		RaisedNet: escrow.NewAmount(1000),
	}
}

// =============================================================================
// INITIATE
// =============================================================================

func TestInitiate_OpensReclaimWindow(t *testing.T) {
	m := closure.NewManager(14 * 24 * time.Hour)
	now := deadline.Add(11 * time.Second)

	c, err := m.Initiate(failedFixed(), "alice", now)

	require.NoError(t, err)
	assert.True(t, c.ClosureInitiated)
	assert.Equal(t, now, c.ClosureInitiatedAt)
	assert.Equal(t, now.Add(14*24*time.Hour), c.ReclaimDeadline)
}

func TestInitiate_Rejections(t *testing.T) {
	m := closure.NewManager(time.Hour)
	after := deadline.Add(time.Minute)

	tests := []struct {
		name   string
		mut    func(c *escrow.Campaign)
		caller escrow.Identity
		at     time.Time
		reason escrow.StateReason
		auth   bool
	}{
		{name: "not creator", caller: "mallory", at: after, auth: true},
		{name: "before deadline", caller: "alice", at: deadline, reason: escrow.ReasonDeadlineNotPassed},
		{name: "flexible", mut: func(c *escrow.Campaign) { c.Type = escrow.TypeFlexible }, caller: "alice", at: after, reason: escrow.ReasonClosureNotAllowed},
		{name: "already initiated", mut: func(c *escrow.Campaign) { c.ClosureInitiated = true }, caller: "alice", at: after, reason: escrow.ReasonClosureAlreadyInitiated},
		{name: "goal reached", mut: func(c *escrow.Campaign) { c.RaisedNet = escrow.NewAmount(2000) }, caller: "alice", at: after, reason: escrow.ReasonGoalReached},
		{name: "settled", mut: func(c *escrow.Campaign) { c.Withdrawn = true }, caller: "alice", at: after, reason: escrow.ReasonCampaignSettled},
		{name: "suspended", mut: func(c *escrow.Campaign) { c.Suspended = true }, caller: "alice", at: after, reason: escrow.ReasonCampaignSuspended},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := failedFixed()
			if tt.mut != nil {
				tt.mut(&c)
			}
			out, err := m.Initiate(c, tt.caller, tt.at)

			require.Error(t, err)
			assert.Equal(t, c, out, "rejected closure must not change the record")
			if tt.auth {
				assert.ErrorIs(t, err, escrow.ErrUnauthorized)
				return
			}
			reason, ok := escrow.StateReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

// =============================================================================
// REFUND ELIGIBILITY
// =============================================================================

func TestRefundEligibility_WindowBoundary(t *testing.T) {
	// GIVEN: closure initiated 11s after the deadline
	m := closure.NewManager(14 * 24 * time.Hour)
	c, err := m.Initiate(failedFixed(), "alice", deadline.Add(11*time.Second))
	require.NoError(t, err)

	// THEN: refunds are allowed up to and including reclaimDeadline
	ok, _ := closure.RefundEligibility(c, c.ReclaimDeadline)
	assert.True(t, ok)

	ok, reason := closure.RefundEligibility(c, c.ReclaimDeadline.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, escrow.ReasonReclaimWindowClosed, reason)
}

func TestRefundEligibility_WithoutClosure(t *testing.T) {
	c := failedFixed()

	ok, reason := closure.RefundEligibility(c, deadline)
	assert.False(t, ok)
	assert.Equal(t, escrow.ReasonDeadlineNotPassed, reason)

	// Below goal and never closed: refundable indefinitely.
	ok, _ = closure.RefundEligibility(c, deadline.Add(10*365*24*time.Hour))
	assert.True(t, ok)

	c.RaisedNet = escrow.NewAmount(2000)
	ok, reason = closure.RefundEligibility(c, deadline.Add(time.Hour))
	assert.False(t, ok)
	assert.Equal(t, escrow.ReasonRefundNotEligible, reason)
}

func TestRefundEligibility_FlexibleDenied(t *testing.T) {
	c := failedFixed()
	c.Type = escrow.TypeFlexible

	ok, reason := closure.RefundEligibility(c, deadline.Add(time.Hour))
	assert.False(t, ok)
	assert.Equal(t, escrow.ReasonFlexibleRefundDenied, reason)
}

// =============================================================================
// SALVAGE
// =============================================================================

func TestSalvageEligible(t *testing.T) {
	m := closure.NewManager(time.Hour)
	c, err := m.Initiate(failedFixed(), "alice", deadline.Add(time.Second))
	require.NoError(t, err)

	assert.False(t, closure.SalvageEligible(c, c.ReclaimDeadline.Add(-time.Nanosecond)))
	assert.True(t, closure.SalvageEligible(c, c.ReclaimDeadline))
	assert.True(t, closure.SalvageEligible(c, c.ReclaimDeadline.Add(time.Hour)))

	c.Withdrawn = true
	assert.False(t, closure.SalvageEligible(c, c.ReclaimDeadline.Add(time.Hour)))
}
