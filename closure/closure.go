/*
Package closure governs the refund-eligibility window of failed Fixed
campaigns.

PURPOSE:
  A Fixed campaign that missed its goal can be closed by its creator once
  the deadline has passed. Closure opens a bounded reclaim window:

    deadline ──▶ closure initiated at T ──▶ reclaimDeadline = T + ReclaimPeriod
                 │ contributors refund     │ creator salvages what remains
                 └─────────────────────────┘ (exactly once)

RULES:
  Initiate:  creator only, Fixed only, after the deadline, goal not reached,
             exactly once.
  Refund:    now > deadline AND (RaisedNet < goal OR closure initiated)
             AND (closure not initiated OR now <= reclaimDeadline).
             Without closure a below-goal campaign stays refundable
             indefinitely.
  Salvage:   closure initiated AND now >= reclaimDeadline.

  At exactly reclaimDeadline both a refund and the salvage are allowed;
  operations on one campaign are serialized, so whichever runs first wins
  and the other sees the updated pool.

Everything here is a pure function of the campaign record and the time;
the settlement orchestrator persists the results.
*/
package closure

import (
	"time"

	"github.com/warp/escrow-engine/escrow"
)

type Manager struct {
	ReclaimPeriod time.Duration
}

func NewManager(reclaimPeriod time.Duration) Manager {
	if reclaimPeriod <= 0 {
		reclaimPeriod = escrow.DefaultReclaimPeriod
	}
	return Manager{ReclaimPeriod: reclaimPeriod}
}

// Initiate returns the campaign with its closure window opened at now.
func (m Manager) Initiate(c escrow.Campaign, caller escrow.Identity, now time.Time) (escrow.Campaign, error) {
	if caller != c.Creator {
		return c, &escrow.AuthorizationError{Actor: caller, Action: "initiate closure"}
	}
	switch {
	case c.Suspended:
		return c, escrow.NewStateError(c.ID, escrow.ReasonCampaignSuspended)
	case c.Type != escrow.TypeFixed:
		return c, escrow.NewStateError(c.ID, escrow.ReasonClosureNotAllowed)
	case c.Withdrawn:
		return c, escrow.NewStateError(c.ID, escrow.ReasonCampaignSettled)
	case c.ClosureInitiated:
		return c, escrow.NewStateError(c.ID, escrow.ReasonClosureAlreadyInitiated)
	case !now.After(c.Deadline):
		return c, escrow.NewStateError(c.ID, escrow.ReasonDeadlineNotPassed)
	case c.RaisedNet.GreaterThanOrEqual(c.Goal):
		return c, escrow.NewStateError(c.ID, escrow.ReasonGoalReached)
	}

	c.ClosureInitiated = true
	c.ClosureInitiatedAt = now
	c.ReclaimDeadline = now.Add(m.ReclaimPeriod)
	c.UpdatedAt = now
	return c, nil
}

// RefundEligibility reports whether contributors may refund at now and,
// when they may not, why. Contribution-level checks belong to the caller.
func RefundEligibility(c escrow.Campaign, now time.Time) (bool, escrow.StateReason) {
	switch {
	case c.Suspended:
		return false, escrow.ReasonCampaignSuspended
	case c.Type == escrow.TypeFlexible:
		return false, escrow.ReasonFlexibleRefundDenied
	case c.Withdrawn:
		return false, escrow.ReasonCampaignSettled
	case !now.After(c.Deadline):
		return false, escrow.ReasonDeadlineNotPassed
	case c.ClosureInitiated:
		if now.After(c.ReclaimDeadline) {
			return false, escrow.ReasonReclaimWindowClosed
		}
		return true, ""
	case c.RaisedNet.LessThan(c.Goal):
		return true, ""
	default:
		return false, escrow.ReasonRefundNotEligible
	}
}

// SalvageEligible reports whether the reclaim window has run out, letting
// the creator withdraw whatever remains.
func SalvageEligible(c escrow.Campaign, now time.Time) bool {
	return c.Type == escrow.TypeFixed &&
		c.ClosureInitiated &&
		!c.Withdrawn &&
		!now.Before(c.ReclaimDeadline)
}
