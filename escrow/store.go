/*
store.go - Persistence contracts for campaigns, contributions and operations

PURPOSE:
  Defines the boundary between the engine and the database. The settlement
  orchestrator is the only writer; every other component reads through it.

KEY INTERFACES:
  Store:   campaign, contribution, refund-counter, operation, event and
           settings persistence
  TxStore: Store plus WithTx for all-or-nothing multi-record writes

RECORDS ARE NEVER DELETED:
  There is no Delete method. Settled and suspended campaigns persist for
  audit; refunded contributions keep their row with Refunded=true.

OPERATION GUARDS (enforced by every implementation):
  - IdempotencyKey is unique across operations.
  - At most one OpPending operation per campaign. A second reservation
    fails with ErrConcurrentModification, which also protects against a
    second process working on the same database.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - escrow/store/memory.go: in-memory, for tests and demo

SEE ALSO:
  - ledger.go: contribution ledger built on Store
*/
package escrow

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// InsertCampaign persists a new campaign and assigns the next id.
	InsertCampaign(ctx context.Context, c Campaign) (CampaignID, error)

	// GetCampaign returns ErrCampaignNotFound for unknown ids.
	GetCampaign(ctx context.Context, id CampaignID) (Campaign, error)

	UpdateCampaign(ctx context.Context, c Campaign) error

	// ListCampaigns returns campaigns ordered by id.
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]Campaign, error)

	// GetContribution reports false when the contributor never deposited.
	GetContribution(ctx context.Context, id CampaignID, contributor Identity) (Contribution, bool, error)

	// PutContribution inserts or updates. On insert the store assigns Seq,
	// which orders the donor list.
	PutContribution(ctx context.Context, c Contribution) error

	// ListContributions returns contributions in donor order.
	ListContributions(ctx context.Context, id CampaignID, offset, limit int) ([]Contribution, error)

	RefundCount(ctx context.Context, key RefundCounterKey) (int64, error)
	IncrementRefundCount(ctx context.Context, key RefundCounterKey) (int64, error)

	// GetOperationByKey reports false when the key was never used.
	GetOperationByKey(ctx context.Context, idempotencyKey string) (Operation, bool, error)

	// PutOperation inserts or updates by ID.
	PutOperation(ctx context.Context, op Operation) error

	ListOperations(ctx context.Context, filter OperationFilter) ([]Operation, error)

	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, id CampaignID) ([]Event, error)

	IsAssetAllowed(ctx context.Context, asset AssetID) (bool, error)
	SetAssetAllowed(ctx context.Context, asset AssetID, allowed bool) error

	// GetCommissionConfig reports false when no config was ever saved.
	GetCommissionConfig(ctx context.Context) (CommissionConfig, bool, error)
	SaveCommissionConfig(ctx context.Context, cfg CommissionConfig) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// OperationFilter narrows ListOperations. Zero values mean "any".
type OperationFilter struct {
	CampaignID    CampaignID
	Status        OperationStatus
	FeeStatus     FeeStatus
	CreatedBefore time.Time
}

// Matches reports whether op passes the filter.
func (f OperationFilter) Matches(op Operation) bool {
	if f.CampaignID != 0 && op.CampaignID != f.CampaignID {
		return false
	}
	if f.Status != "" && op.Status != f.Status {
		return false
	}
	if f.FeeStatus != "" && op.FeeStatus != f.FeeStatus {
		return false
	}
	if !f.CreatedBefore.IsZero() && !op.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Matches reports whether c passes the filter.
func (f CampaignFilter) Matches(c Campaign) bool {
	if f.Creator != "" && c.Creator != f.Creator {
		return false
	}
	if f.Asset != "" && c.Asset != f.Asset {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	return true
}
