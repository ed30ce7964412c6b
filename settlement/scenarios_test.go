package settlement_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/transfer"
)

// =============================================================================
// ESCALATING REFUND FEE
// =============================================================================

func TestScenario_EscalatingRefundFee(t *testing.T) {
	// GIVEN: 0% donation fee, 10% refund fee, bob in two failed Fixed campaigns
	h := newHarness(t, 0, 0, 1000)
	ctx := context.Background()
	first := h.fixed(t, 5000, time.Hour)
	second := h.fixed(t, 5000, time.Hour)
	nextEpoch := h.fixed(t, 5000, time.Hour)
	h.deposit(t, first, bob, 1000)
	h.deposit(t, second, bob, 1000)
	h.deposit(t, nextEpoch, bob, 1000)
	h.clock.Advance(2 * time.Hour)

	// WHEN: bob refunds both within the same 30-day epoch
	r1, err := h.svc.Refund(ctx, first, bob, "")
	require.NoError(t, err)
	r2, err := h.svc.Refund(ctx, second, bob, "")
	require.NoError(t, err)

	// THEN: the first is free, the second pays 10%
	assertAmount(t, 1000, r1.Net)
	assertAmount(t, 0, r1.Fee)
	assertAmount(t, 900, r2.Net)
	assertAmount(t, 100, r2.Fee)
	assertAmount(t, 100, h.balance(sink))
	assertAmount(t, -1100, h.balance(bob), "three deposits of 1000, refunds of 1000 and 900")

	// AND: the next epoch starts free again
	h.clock.Advance(escrow.RefundEpochLength)
	r3, err := h.svc.Refund(ctx, nextEpoch, bob, "")
	require.NoError(t, err)
	assertAmount(t, 1000, r3.Net)
}

// =============================================================================
// GOAL-REACHED IMMEDIATE WITHDRAWAL
// =============================================================================

func TestScenario_GoalReachedImmediateWithdrawal(t *testing.T) {
	// GIVEN: Fixed goal 1000, 5% success fee, a full deposit long before the deadline
	h := newHarness(t, 0, 500, 0)
	ctx := context.Background()
	id := h.fixed(t, 1000, 30*24*time.Hour)
	h.deposit(t, id, bob, 1000)

	// WHEN: the creator withdraws immediately
	r, err := h.svc.Withdraw(ctx, id, creator, "")

	// THEN: 950 is paid and 50 reaches the sink
	require.NoError(t, err)
	assertAmount(t, 950, r.Net)
	assertAmount(t, 50, r.Fee)
	assertAmount(t, 950, h.balance(creator))
	assertAmount(t, 50, h.balance(sink))

	view, err := h.svc.Campaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusSettled, view.Status)
	assert.True(t, view.RaisedNet.IsZero())
	assertAmount(t, 1000, view.WithdrawnTotal)

	// AND: the campaign settles exactly once
	_, err = h.svc.Withdraw(ctx, id, creator, "")
	assertReason(t, err, escrow.ReasonAlreadyWithdrawn)
	_, err = h.svc.Deposit(ctx, id, carol, amt(10), "")
	assertReason(t, err, escrow.ReasonCampaignSettled)
}

// =============================================================================
// CLOSURE / RECLAIM BOUNDARY
// =============================================================================

func TestScenario_ClosureReclaimBoundary(t *testing.T) {
	// GIVEN: Fixed goal 2000, deadline in 10s, two donors
	h := newHarness(t, 0, 0, 0)
	ctx := context.Background()
	id := h.fixed(t, 2000, 10*time.Second)
	h.deposit(t, id, bob, 1000)
	h.deposit(t, id, carol, 500)

	// WHEN: 11s later the creator initiates closure
	h.clock.Advance(11 * time.Second)
	reclaimDeadline, err := h.svc.InitiateClosure(ctx, id, creator)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(14*24*time.Hour), reclaimDeadline)

	// THEN: salvage is not yet possible
	_, err = h.svc.Withdraw(ctx, id, creator, "")
	assertReason(t, err, escrow.ReasonWithdrawNotAllowed)

	// AND: a refund exactly at reclaimDeadline succeeds
	h.clock.Set(reclaimDeadline)
	r, err := h.svc.Refund(ctx, id, bob, "")
	require.NoError(t, err)
	assertAmount(t, 1000, r.Net)

	// AND: one second later refunds are closed
	h.clock.Advance(time.Second)
	_, err = h.svc.Refund(ctx, id, carol, "")
	assertReason(t, err, escrow.ReasonReclaimWindowClosed)

	// AND: the creator salvages what is left, exactly once
	salvage, err := h.svc.Withdraw(ctx, id, creator, "")
	require.NoError(t, err)
	assertAmount(t, 500, salvage.Net)
	_, err = h.svc.Withdraw(ctx, id, creator, "")
	assertReason(t, err, escrow.ReasonAlreadyWithdrawn)

	view, err := h.svc.Campaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusSettled, view.Status)
}

func TestScenario_SalvageOfEmptyPool(t *testing.T) {
	h := newHarness(t, 0, 0, 0)
	ctx := context.Background()
	id := h.fixed(t, 2000, time.Minute)
	h.deposit(t, id, bob, 1000)
	h.clock.Advance(2 * time.Minute)

	reclaimDeadline, err := h.svc.InitiateClosure(ctx, id, creator)
	require.NoError(t, err)
	_, err = h.svc.Refund(ctx, id, bob, "")
	require.NoError(t, err)

	h.clock.Set(reclaimDeadline)
	r, err := h.svc.Withdraw(ctx, id, creator, "")
	require.NoError(t, err)
	assert.True(t, r.Net.IsZero())

	view, err := h.svc.Campaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusSettled, view.Status)
}

// =============================================================================
// FLEXIBLE REPEATABILITY
// =============================================================================

func TestScenario_FlexibleRepeatability(t *testing.T) {
	// GIVEN: a Flexible campaign with a 10% success fee
	h := newHarness(t, 0, 1000, 0)
	ctx := context.Background()
	id := h.flexible(t, time.Hour)

	// WHEN: deposit, withdraw, deposit, withdraw
	h.deposit(t, id, bob, 1000)
	r1, err := h.svc.Withdraw(ctx, id, creator, "")
	require.NoError(t, err)

	view, err := h.svc.Campaign(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.RaisedNet.IsZero())

	_, err = h.svc.Withdraw(ctx, id, creator, "")
	assertReason(t, err, escrow.ReasonNothingToWithdraw)

	h.deposit(t, id, bob, 1000)
	r2, err := h.svc.Withdraw(ctx, id, creator, "")
	require.NoError(t, err)

	// THEN: both succeed independently with the fee applied each time
	assertAmount(t, 900, r1.Net)
	assertAmount(t, 900, r2.Net)
	assertAmount(t, 1800, h.balance(creator))
	assertAmount(t, 200, h.balance(sink))

	// AND: still withdrawable after the deadline
	h.deposit(t, id, carol, 10)
	h.clock.Advance(48 * time.Hour)
	_, err = h.svc.Withdraw(ctx, id, creator, "")
	require.NoError(t, err)
}

// =============================================================================
// 100% FEE EDGE CASE
// =============================================================================

func TestScenario_FullDonationFee(t *testing.T) {
	h := newHarness(t, 10000, 0, 0)
	ctx := context.Background()
	id := h.fixed(t, 5000, time.Hour)

	r := h.deposit(t, id, bob, 1000)

	assertAmount(t, 0, r.Net)
	assertAmount(t, 1000, r.Fee)
	assertAmount(t, 1000, h.balance(sink))

	contrib, err := h.svc.Contribution(ctx, id, bob)
	require.NoError(t, err)
	assert.True(t, contrib.NetAmount.IsZero())

	donors, err := h.svc.Donors(ctx, id, 0, 10)
	require.NoError(t, err)
	require.Len(t, donors, 1, "a zero-net contribution is still recorded")
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestProperty_Conservation(t *testing.T) {
	// GIVEN: nonzero fees everywhere and a random mix of operations
	h := newHarness(t, 250, 700, 1500)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	donors := []escrow.Identity{"d1", "d2", "d3", "d4", "d5"}

	var ids []escrow.CampaignID
	for i := 0; i < 3; i++ {
		ids = append(ids, h.fixed(t, 5000, time.Hour))
	}
	ids = append(ids, h.flexible(t, time.Hour))
	fixedGoalMet := h.fixed(t, 100, time.Hour)
	ids = append(ids, fixedGoalMet)
	h.deposit(t, fixedGoalMet, "d1", 200)

	for i := 0; i < 60; i++ {
		id := ids[rng.Intn(len(ids))]
		who := donors[rng.Intn(len(donors))]
		_, err := h.svc.Deposit(ctx, id, who, amt(int64(1+rng.Intn(997))), "")
		require.NoError(t, err)
		if i%10 == 0 {
			_, _ = h.svc.Withdraw(ctx, ids[3], creator, "")
		}
	}
	_, err := h.svc.Withdraw(ctx, fixedGoalMet, creator, "")
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	for _, id := range ids[:3] {
		for _, who := range donors {
			_, _ = h.svc.Refund(ctx, id, who, "")
		}
	}

	// THEN: per campaign, gross deposited == fees + payouts + remaining pool
	ops, err := h.svc.Operations(ctx, escrow.OperationFilter{Status: escrow.OpCommitted})
	require.NoError(t, err)

	pool := decimal.Zero
	for _, id := range ids {
		deposited, fees, paid := decimal.Zero, decimal.Zero, decimal.Zero
		for _, op := range ops {
			if op.CampaignID != id {
				continue
			}
			assert.True(t, op.Fee.Add(op.Net).Equal(op.Gross), "operation %s breaks fee identity", op.ID)
			fees = fees.Add(op.Fee)
			if op.Kind == escrow.OpDeposit {
				deposited = deposited.Add(op.Gross)
			} else {
				paid = paid.Add(op.Net)
			}
		}
		view, err := h.svc.Campaign(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, deposited.String(), fees.Add(paid).Add(view.RaisedNet).String(), fmt.Sprintf("campaign %d", id))
		pool = pool.Add(view.RaisedNet)
	}

	// AND: the escrow account holds exactly the pooled value
	assert.Equal(t, pool.String(), h.book.Balance(transfer.EscrowAccount, usdc).String())
}
