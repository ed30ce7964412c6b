package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/escrow-engine/campaign"
	"github.com/warp/escrow-engine/closure"
	"github.com/warp/escrow-engine/commission"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/metrics"
	"github.com/warp/escrow-engine/transfer"
)

// =============================================================================
// DEPOSIT
// =============================================================================

// Deposit pulls gross from the contributor, routes the donation fee to the
// sink and credits the rest to the contributor's position.
func (s *Service) Deposit(ctx context.Context, id escrow.CampaignID, contributor escrow.Identity, gross escrow.Amount, key string) (r Receipt, err error) {
	start, replayed := time.Now(), false
	defer func() { observe(escrow.OpDeposit, start, replayed, err) }()

	if err := requireIdentity(contributor); err != nil {
		return Receipt{}, err
	}
	if !gross.IsPositive() || !gross.IsInteger() {
		return Receipt{}, &escrow.ValidationError{Field: "amount", Message: "must be a positive whole number of base units"}
	}

	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	op, replayed, err := s.begin(ctx, key, escrow.Operation{
		Kind:         escrow.OpDeposit,
		CampaignID:   id,
		Actor:        contributor,
		Counterparty: contributor,
		Asset:        c.Asset,
		Gross:        gross,
	})
	if err != nil || replayed {
		return receiptOf(op, replayed), err
	}

	now := s.clock.Now()
	if err := depositAllowed(c, now); err != nil {
		return Receipt{}, err
	}
	// A refunded position is closed for good.
	prev, found, err := s.store.GetContribution(ctx, id, contributor)
	if err != nil {
		return Receipt{}, err
	}
	if found && prev.Refunded {
		return Receipt{}, escrow.NewStateError(id, escrow.ReasonAlreadyRefunded)
	}
	cfg, err := s.commissionConfig(ctx)
	if err != nil {
		return Receipt{}, err
	}
	fee, net := commission.NewCalculator(cfg).Deposit(gross)
	op.Fee, op.Net, op.FeeBps, op.Sink = fee, net, cfg.DonationBps, cfg.Sink
	op.Status, op.FeeStatus, op.Error = escrow.OpPending, escrow.FeeNone, ""

	// From here on the operation runs to completion or compensation.
	ctx = context.WithoutCancel(ctx)
	if err := s.store.PutOperation(ctx, op); err != nil {
		return Receipt{}, err
	}
	log := s.opLogger(op)

	pull := transfer.Request{Reference: reference(op, escrow.LegPull), Party: contributor, Asset: c.Asset, Amount: gross}
	if err := s.transfers.Pull(ctx, pull); err != nil {
		metrics.RecordTransferFailure(escrow.LegPull)
		s.abort(ctx, op, escrow.OpAborted, err)
		log.WithError(err).Warn("deposit pull failed, ledger untouched")
		return Receipt{}, &escrow.TransferFailure{Leg: escrow.LegPull, Party: contributor, Amount: gross, Err: err}
	}

	evt := s.event(escrow.EventDeposited, id, contributor, net, fee, op.ID)
	op.Status, op.FeeStatus, op.UpdatedAt = escrow.OpCommitted, feeStatusFor(fee), s.clock.Now()
	err = s.store.WithTx(ctx, func(tx escrow.Store) error {
		if err := escrow.NewLedger(tx).Credit(ctx, id, contributor, net, now); err != nil {
			return err
		}
		if err := tx.PutOperation(ctx, op); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return Receipt{}, s.compensateDeposit(ctx, op, err)
	}

	log.Info("deposit committed")
	s.publisher.Publish(ctx, evt)
	s.settleFee(ctx, &op)
	return receiptOf(op, false), nil
}

func depositAllowed(c escrow.Campaign, now time.Time) error {
	if campaign.AcceptsDeposits(c, now) {
		return nil
	}
	switch campaign.StatusOf(c, now) {
	case escrow.StatusSuspended:
		return escrow.NewStateError(c.ID, escrow.ReasonCampaignSuspended)
	case escrow.StatusSettled:
		return escrow.NewStateError(c.ID, escrow.ReasonCampaignSettled)
	default:
		return escrow.NewStateError(c.ID, escrow.ReasonCampaignNotActive)
	}
}

// compensateDeposit returns pulled funds after the commit failed.
func (s *Service) compensateDeposit(ctx context.Context, op escrow.Operation, cause error) error {
	log := s.opLogger(op).WithError(cause)
	back := transfer.Request{Reference: reference(op, escrow.LegCompensation), Party: op.Actor, Asset: op.Asset, Amount: op.Gross}
	if err := s.transfers.Push(ctx, back); err != nil {
		metrics.RecordTransferFailure(escrow.LegCompensation)
		s.abort(ctx, op, escrow.OpCompensationFailed, fmt.Errorf("commit: %v; compensation: %v", cause, err))
		log.WithField("compensation_error", err.Error()).Error("deposit commit failed and pulled funds could not be returned")
		return &escrow.TransferFailure{Leg: escrow.LegCompensation, Party: op.Actor, Amount: op.Gross, Err: err}
	}
	s.abort(ctx, op, escrow.OpAborted, cause)
	log.Warn("deposit commit failed, pulled funds returned")
	return fmt.Errorf("commit deposit %s: %w", op.ID, cause)
}

// =============================================================================
// WITHDRAW
// =============================================================================

// Withdraw settles the campaign's pool to its creator and returns the
// amount paid.
//
// Flexible campaigns may withdraw whenever the pool is non-empty. Fixed
// campaigns withdraw exactly once: as soon as the goal is reached, or as a
// salvage once the reclaim window after closure has run out.
func (s *Service) Withdraw(ctx context.Context, id escrow.CampaignID, caller escrow.Identity, key string) (r Receipt, err error) {
	start, replayed := time.Now(), false
	defer func() { observe(escrow.OpWithdraw, start, replayed, err) }()

	if err := requireIdentity(caller); err != nil {
		return Receipt{}, err
	}

	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if caller != c.Creator {
		return Receipt{}, &escrow.AuthorizationError{Actor: caller, Action: "withdraw"}
	}
	op, replayed, err := s.begin(ctx, key, escrow.Operation{
		Kind:         escrow.OpWithdraw,
		CampaignID:   id,
		Actor:        caller,
		Counterparty: caller,
		Asset:        c.Asset,
	})
	if err != nil || replayed {
		return receiptOf(op, replayed), err
	}

	now := s.clock.Now()
	if err := withdrawAllowed(c, now); err != nil {
		return Receipt{}, err
	}
	cfg, err := s.commissionConfig(ctx)
	if err != nil {
		return Receipt{}, err
	}
	calc := commission.NewCalculator(cfg)

	ctx = context.WithoutCancel(ctx)
	prev := c
	err = s.store.WithTx(ctx, func(tx escrow.Store) error {
		amount, err := escrow.NewLedger(tx).DebitAll(ctx, id, now)
		if err != nil {
			return err
		}
		if c.Type == escrow.TypeFixed {
			settled, err := tx.GetCampaign(ctx, id)
			if err != nil {
				return err
			}
			settled.Withdrawn = true
			if err := tx.UpdateCampaign(ctx, settled); err != nil {
				return err
			}
		}
		op.Gross = amount
		op.Fee, op.Net = calc.Withdrawal(amount)
		op.FeeBps, op.Sink = cfg.SuccessBps, cfg.Sink
		op.Status, op.FeeStatus, op.Error = escrow.OpPending, escrow.FeeNone, ""
		return tx.PutOperation(ctx, op)
	})
	if err != nil {
		return Receipt{}, err
	}

	if err := s.payout(ctx, op); err != nil {
		return Receipt{}, s.compensateOutflow(ctx, op, err, func(tx escrow.Store) error {
			return tx.UpdateCampaign(ctx, prev)
		})
	}

	evt := s.event(escrow.EventWithdrawn, id, caller, op.Net, op.Fee, op.ID)
	if err := s.finalize(ctx, &op, evt, nil); err != nil {
		return Receipt{}, err
	}

	s.opLogger(op).WithField("salvage", c.Type == escrow.TypeFixed && c.ClosureInitiated).Info("withdrawal committed")
	s.publisher.Publish(ctx, evt)
	s.settleFee(ctx, &op)
	return receiptOf(op, false), nil
}

func withdrawAllowed(c escrow.Campaign, now time.Time) error {
	if c.Suspended {
		return escrow.NewStateError(c.ID, escrow.ReasonCampaignSuspended)
	}
	if c.Type == escrow.TypeFlexible {
		if !c.RaisedNet.IsPositive() {
			return escrow.NewStateError(c.ID, escrow.ReasonNothingToWithdraw)
		}
		return nil
	}
	if c.Withdrawn {
		return escrow.NewStateError(c.ID, escrow.ReasonAlreadyWithdrawn)
	}
	if campaign.GoalReached(c) || closure.SalvageEligible(c, now) {
		return nil
	}
	return escrow.NewStateError(c.ID, escrow.ReasonWithdrawNotAllowed)
}

// =============================================================================
// REFUND
// =============================================================================

// Refund returns the contributor's position in a Fixed campaign, minus the
// escalating refund fee, and returns the amount paid.
func (s *Service) Refund(ctx context.Context, id escrow.CampaignID, contributor escrow.Identity, key string) (r Receipt, err error) {
	start, replayed := time.Now(), false
	defer func() { observe(escrow.OpRefund, start, replayed, err) }()

	if err := requireIdentity(contributor); err != nil {
		return Receipt{}, err
	}

	unlockContributor := s.locks.Lock(contributorKey(contributor))
	defer unlockContributor()
	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	op, replayed, err := s.begin(ctx, key, escrow.Operation{
		Kind:         escrow.OpRefund,
		CampaignID:   id,
		Actor:        contributor,
		Counterparty: contributor,
		Asset:        c.Asset,
	})
	if err != nil || replayed {
		return receiptOf(op, replayed), err
	}

	now := s.clock.Now()
	if ok, reason := closure.RefundEligibility(c, now); !ok {
		return Receipt{}, escrow.NewStateError(id, reason)
	}
	prevContrib, _, err := s.store.GetContribution(ctx, id, contributor)
	if err != nil {
		return Receipt{}, err
	}
	cfg, err := s.commissionConfig(ctx)
	if err != nil {
		return Receipt{}, err
	}
	counter := escrow.RefundCounterKey{Contributor: contributor, Epoch: escrow.RefundEpoch(now)}
	prior, err := s.store.RefundCount(ctx, counter)
	if err != nil {
		return Receipt{}, err
	}
	calc := commission.NewCalculator(cfg)

	ctx = context.WithoutCancel(ctx)
	err = s.store.WithTx(ctx, func(tx escrow.Store) error {
		amount, err := escrow.NewLedger(tx).MarkRefunded(ctx, id, contributor, now)
		if err != nil {
			return err
		}
		op.Gross = amount
		op.Fee, op.Net, op.FeeBps = calc.Refund(amount, prior)
		op.Sink = cfg.Sink
		op.Status, op.FeeStatus, op.Error = escrow.OpPending, escrow.FeeNone, ""
		return tx.PutOperation(ctx, op)
	})
	if err != nil {
		return Receipt{}, err
	}

	if err := s.payout(ctx, op); err != nil {
		return Receipt{}, s.compensateOutflow(ctx, op, err, func(tx escrow.Store) error {
			if err := tx.UpdateCampaign(ctx, c); err != nil {
				return err
			}
			return tx.PutContribution(ctx, prevContrib)
		})
	}

	evt := s.event(escrow.EventRefunded, id, contributor, op.Net, op.Fee, op.ID)
	bump := func(tx escrow.Store) error {
		_, err := tx.IncrementRefundCount(ctx, counter)
		return err
	}
	if err := s.finalize(ctx, &op, evt, bump); err != nil {
		return Receipt{}, err
	}

	s.opLogger(op).WithFields(logrus.Fields{"epoch": counter.Epoch, "prior_refunds": prior}).Info("refund committed")
	s.publisher.Publish(ctx, evt)
	s.settleFee(ctx, &op)
	return receiptOf(op, false), nil
}

// =============================================================================
// OUTFLOW HELPERS
// =============================================================================

// payout pushes op.Net to the counterparty. Nothing moves when Net is zero.
func (s *Service) payout(ctx context.Context, op escrow.Operation) error {
	if !op.Net.IsPositive() {
		return nil
	}
	return s.transfers.Push(ctx, transfer.Request{
		Reference: reference(op, escrow.LegPayout),
		Party:     op.Counterparty,
		Asset:     op.Asset,
		Amount:    op.Net,
	})
}

// compensateOutflow undoes the reservation of a failed payout in one
// transaction: restore puts the prior rows back and the operation is
// marked aborted.
func (s *Service) compensateOutflow(ctx context.Context, op escrow.Operation, cause error, restore func(tx escrow.Store) error) error {
	metrics.RecordTransferFailure(escrow.LegPayout)
	log := s.opLogger(op).WithError(cause)

	aborted := op
	aborted.Status, aborted.FeeStatus = escrow.OpAborted, escrow.FeeNone
	aborted.Error, aborted.UpdatedAt = cause.Error(), s.clock.Now()
	err := s.store.WithTx(ctx, func(tx escrow.Store) error {
		if err := restore(tx); err != nil {
			return err
		}
		return tx.PutOperation(ctx, aborted)
	})
	if err != nil {
		s.abort(ctx, op, escrow.OpCompensationFailed, fmt.Errorf("payout: %v; restore: %v", cause, err))
		log.WithField("restore_error", err.Error()).Error("payout failed and the ledger could not be restored")
		return fmt.Errorf("restore ledger for operation %s: %w", op.ID, err)
	}

	log.Warn("payout failed, ledger restored")
	return &escrow.TransferFailure{Leg: escrow.LegPayout, Party: op.Counterparty, Amount: op.Net, Err: cause}
}

// finalize commits an outflow whose payout already happened. The payout
// cannot be undone, so the commit is retried before giving up; a failure
// leaves the operation pending for the audit job.
func (s *Service) finalize(ctx context.Context, op *escrow.Operation, evt escrow.Event, extra func(tx escrow.Store) error) error {
	op.Status, op.FeeStatus, op.UpdatedAt = escrow.OpCommitted, feeStatusFor(op.Fee), s.clock.Now()
	commit := func() (struct{}, error) {
		return struct{}{}, s.store.WithTx(ctx, func(tx escrow.Store) error {
			if extra != nil {
				if err := extra(tx); err != nil {
					return err
				}
			}
			if err := tx.PutOperation(ctx, *op); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, evt)
		})
	}
	_, err := backoff.Retry(ctx, commit,
		backoff.WithBackOff(backoff.NewConstantBackOff(50*time.Millisecond)),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		s.opLogger(*op).WithError(err).Error("payout done but operation could not be committed, left pending")
		return fmt.Errorf("commit operation %s: %w", op.ID, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func requireIdentity(who escrow.Identity) error {
	if strings.TrimSpace(string(who)) == "" {
		return &escrow.ValidationError{Field: "identity", Message: "caller identity is required"}
	}
	return nil
}

// commissionConfig returns the stored config, or all-zero rates when none
// was ever set. Zero rates never produce a fee, so no sink is needed.
func (s *Service) commissionConfig(ctx context.Context) (escrow.CommissionConfig, error) {
	cfg, _, err := s.store.GetCommissionConfig(ctx)
	return cfg, err
}

func (s *Service) opLogger(op escrow.Operation) logrus.FieldLogger {
	return s.logger.WithFields(logrus.Fields{
		"campaign_id":  op.CampaignID,
		"op":           op.Kind,
		"operation_id": op.ID,
		"actor":        op.Actor,
		"amount":       op.Gross.String(),
		"fee":          op.Fee.String(),
		"attempt":      op.Attempt,
	})
}
