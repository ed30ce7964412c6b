package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/metrics"
)

// Receipt is the outcome of a money-moving operation. For withdrawals and
// refunds Net is the amount paid out; for deposits it is the amount
// credited.
type Receipt struct {
	OperationID    escrow.OperationID
	IdempotencyKey string
	Kind           escrow.OperationKind
	CampaignID     escrow.CampaignID
	Gross          escrow.Amount
	Fee            escrow.Amount
	Net            escrow.Amount
	FeeBps         int64
	Replayed       bool
}

func receiptOf(op escrow.Operation, replayed bool) Receipt {
	return Receipt{
		OperationID:    op.ID,
		IdempotencyKey: op.IdempotencyKey,
		Kind:           op.Kind,
		CampaignID:     op.CampaignID,
		Gross:          op.Gross,
		Fee:            op.Fee,
		Net:            op.Net,
		FeeBps:         op.FeeBps,
		Replayed:       replayed,
	}
}

// begin resolves the idempotency key of a new request.
//
//	unknown key         → fresh operation (attempt 1)
//	committed           → replay, nothing is re-executed
//	aborted             → same operation id, next attempt
//	pending / comp.fail → StateError(operation_pending)
//	different request   → ErrIdempotencyConflict
//
// An empty key gets a generated one, so every operation is addressable.
func (s *Service) begin(ctx context.Context, key string, draft escrow.Operation) (escrow.Operation, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = s.newID()
	}
	draft.IdempotencyKey = key

	existing, found, err := s.store.GetOperationByKey(ctx, key)
	if err != nil {
		return escrow.Operation{}, false, err
	}
	if !found {
		now := s.clock.Now()
		draft.ID = escrow.OperationID(s.newID())
		draft.Attempt = 1
		draft.CreatedAt = now
		draft.UpdatedAt = now
		return draft, false, nil
	}

	if !existing.SameRequest(draft) {
		return escrow.Operation{}, false, fmt.Errorf("%w: key %q", escrow.ErrIdempotencyConflict, key)
	}
	switch existing.Status {
	case escrow.OpCommitted:
		return existing, true, nil
	case escrow.OpAborted:
		draft.ID = existing.ID
		draft.Attempt = existing.Attempt + 1
		draft.CreatedAt = existing.CreatedAt
		draft.UpdatedAt = s.clock.Now()
		return draft, false, nil
	default:
		return escrow.Operation{}, false, escrow.NewStateError(existing.CampaignID, escrow.ReasonOperationPending)
	}
}

// reference names one transfer leg. Adapters deduplicate on it.
//
// Fee and payout legs keep one reference for the whole operation: a payout
// whose outcome was lost (e.g. a gateway timeout) is compensated, and the
// same-key retry must then hit the adapter's dedupe instead of paying
// again. Deposit legs are per attempt, since a compensated pull was really
// returned and the next attempt has to pull afresh.
func reference(op escrow.Operation, leg escrow.TransferLeg) string {
	switch leg {
	case escrow.LegFee, escrow.LegPayout:
		return fmt.Sprintf("%s/%s", op.ID, leg)
	default:
		return fmt.Sprintf("%s/%d/%s", op.ID, op.Attempt, leg)
	}
}

// abort records the failure of an attempt outside any transaction.
func (s *Service) abort(ctx context.Context, op escrow.Operation, status escrow.OperationStatus, cause error) {
	op.Status = status
	op.FeeStatus = escrow.FeeNone
	op.Error = cause.Error()
	op.UpdatedAt = s.clock.Now()
	if err := s.store.PutOperation(ctx, op); err != nil {
		s.logger.WithField("operation_id", op.ID).WithError(err).Error("failed to record aborted operation")
	}
}

func feeStatusFor(fee escrow.Amount) escrow.FeeStatus {
	if fee.IsPositive() {
		return escrow.FeeOwed
	}
	return escrow.FeeNone
}

// observe records the outcome of one money-moving call.
func observe(kind escrow.OperationKind, start time.Time, replayed bool, err error) {
	result := "committed"
	switch {
	case replayed:
		result = "replayed"
	case err != nil && escrow.IsClientError(err):
		result = "rejected"
	case err != nil:
		result = "failed"
	}
	metrics.RecordOperation(kind, result, time.Since(start))
}
