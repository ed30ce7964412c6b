package settlement

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/escrow-engine/campaign"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/metrics"
	"github.com/warp/escrow-engine/transfer"
)

// settleFee pushes an owed fee to the sink and marks it paid. A failed
// push leaves the fee owed; the operation itself stays committed.
func (s *Service) settleFee(ctx context.Context, op *escrow.Operation) bool {
	if op.FeeStatus != escrow.FeeOwed {
		return false
	}
	err := s.transfers.Push(ctx, transfer.Request{
		Reference: reference(*op, escrow.LegFee),
		Party:     op.Sink,
		Asset:     op.Asset,
		Amount:    op.Fee,
	})
	if err != nil {
		metrics.RecordTransferFailure(escrow.LegFee)
		s.opLogger(*op).WithError(err).Warn("fee push failed, left owed")
		return false
	}

	op.FeeStatus = escrow.FeePaid
	op.UpdatedAt = s.clock.Now()
	if err := s.store.PutOperation(ctx, *op); err != nil {
		// The sink has the fee; the retry is deduplicated by reference.
		s.opLogger(*op).WithError(err).Error("fee pushed but could not be marked paid")
		return false
	}
	metrics.RecordFeeCollected(op.Asset, op.Fee)
	return true
}

// SweepFees retries every owed fee and returns how many were paid.
func (s *Service) SweepFees(ctx context.Context) (int, error) {
	owed, err := s.store.ListOperations(ctx, escrow.OperationFilter{FeeStatus: escrow.FeeOwed})
	if err != nil {
		return 0, err
	}

	paid := 0
	for _, op := range owed {
		if op.Status != escrow.OpCommitted {
			continue
		}
		unlock := s.locks.Lock(campaignKey(op.CampaignID))
		if s.settleFee(ctx, &op) {
			paid++
		}
		unlock()
	}
	if len(owed) > 0 {
		s.logger.WithFields(logrus.Fields{"owed": len(owed), "paid": paid}).Info("fee sweep finished")
	}
	return paid, nil
}

// AuditPending returns operations needing manual reconciliation: those
// pending for longer than olderThan, and every failed compensation.
func (s *Service) AuditPending(ctx context.Context, olderThan time.Duration) ([]escrow.Operation, error) {
	stale, err := s.store.ListOperations(ctx, escrow.OperationFilter{
		Status:        escrow.OpPending,
		CreatedBefore: s.clock.Now().Add(-olderThan),
	})
	if err != nil {
		return nil, err
	}
	failed, err := s.store.ListOperations(ctx, escrow.OperationFilter{Status: escrow.OpCompensationFailed})
	if err != nil {
		return nil, err
	}

	stuck := append(stale, failed...)
	for _, op := range stuck {
		s.opLogger(op).WithFields(logrus.Fields{
			"status":     op.Status,
			"created_at": op.CreatedAt,
			"error":      op.Error,
		}).Error("operation needs reconciliation")
	}
	metrics.SetStalePendingOperations(len(stuck))
	return stuck, nil
}

// SnapshotStatuses counts campaigns per derived status and publishes the
// counts as a gauge.
func (s *Service) SnapshotStatuses(ctx context.Context) (map[escrow.Status]int, error) {
	all, err := s.store.ListCampaigns(ctx, escrow.CampaignFilter{})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	counts := make(map[escrow.Status]int)
	for _, c := range all {
		counts[campaign.StatusOf(c, now)]++
	}
	metrics.SetCampaignStatusCounts(counts)
	return counts, nil
}
