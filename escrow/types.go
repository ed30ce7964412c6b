/*
Package escrow provides the core records and storage contracts of the
crowdfunding escrow engine.

PURPOSE:
  Contributors pool fungible-token contributions into campaigns. The
  escrow holds the pool until the creator settles it (withdraw) or the
  contributors reclaim it (refund). This package defines the records every
  other package works with, so the registry, the closure manager and the
  settlement orchestrator all agree on a single model.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: integral token base units, backed by decimal.Decimal
  - Campaign: one fundraising effort (goal, deadline, type, pool)
  - Contribution: one contributor's net running position in one campaign
  - Operation: a reserved/committed/aborted money movement (idempotent)
  - Event: an audit record emitted for external observers

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal holding whole base units
  2. Type Safety: CampaignID, Identity and AssetID cannot be mixed up
  3. Auditability: every money movement is an Operation with an
     idempotency key, and every state change emits an Event
  4. Records are never deleted; terminal campaigns persist for audit

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence contracts
  - ledger.go: contribution ledger (credit, debitAll, markRefunded)
*/
package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Whole token base units
// =============================================================================

// Amount is a quantity of an asset in its smallest unit. It is always
// integral and never negative once validated.
type Amount = decimal.Decimal

// NewAmount returns an Amount of n base units.
func NewAmount(n int64) Amount { return decimal.NewFromInt(n) }

// ParseAmount parses a decimal string and requires an integral value.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: "not a number"}
	}
	if !d.IsInteger() {
		return decimal.Zero, &ValidationError{Field: "amount", Message: "must be a whole number of base units"}
	}
	return d, nil
}

// SumAmounts adds amounts together.
func SumAmounts(amounts ...Amount) Amount {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CampaignID is assigned monotonically by the store.
type CampaignID int64

// Identity is an authenticated party: creator, contributor, sink or admin.
type Identity string

// AssetID names the fungible token a campaign accepts.
type AssetID string

// OperationID identifies one money movement.
type OperationID string

// =============================================================================
// CAMPAIGN
// =============================================================================

type CampaignType string

const (
	// TypeFixed requires the goal (or salvage) before withdrawal and supports refunds.
	TypeFixed CampaignType = "fixed"
	// TypeFlexible allows withdrawal at any time and never refunds.
	TypeFlexible CampaignType = "flexible"
)

func (t CampaignType) Valid() bool { return t == TypeFixed || t == TypeFlexible }

type Status string

const (
	StatusActive         Status = "active"
	StatusSuccessful     Status = "successful"
	StatusFailed         Status = "failed"
	StatusClosurePending Status = "closure_pending"
	StatusSettled        Status = "settled"
	StatusSuspended      Status = "suspended"
)

// Campaign is one fundraising effort.
//
// RaisedNet is the pool currently held in escrow: credited by deposits,
// decremented by refunds and drained by withdrawals. Until the first
// withdrawal it equals the sum of all non-refunded Contribution.NetAmount.
// RaisedTotal is the lifetime net credited and never decreases except by
// refunds.
type Campaign struct {
	ID       CampaignID
	Creator  Identity
	Asset    AssetID
	Goal     Amount
	Deadline time.Time
	Type     CampaignType

	RaisedNet      Amount
	RaisedTotal    Amount
	WithdrawnTotal Amount
	// Withdrawn is set once a Fixed campaign has been settled.
	Withdrawn bool

	ClosureInitiated   bool
	ClosureInitiatedAt time.Time
	ReclaimDeadline    time.Time

	Suspended bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// CONTRIBUTION
// =============================================================================

// Contribution is a contributor's cumulative net position in a campaign.
// Once Refunded is true it stays true and NetAmount stays zero.
type Contribution struct {
	CampaignID  CampaignID
	Contributor Identity
	NetAmount   Amount
	Refunded    bool
	// Seq orders donors by first deposit.
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefundCounterKey selects a refund fee tier: one counter per contributor
// per 30-day epoch.
type RefundCounterKey struct {
	Contributor Identity
	Epoch       int64
}

// =============================================================================
// COMMISSION CONFIG
// =============================================================================

// CommissionConfig is process-wide and changed only by an administrator.
// Rates are basis points in [0, 10000], validated when set.
type CommissionConfig struct {
	DonationBps int64
	SuccessBps  int64
	RefundBps   int64
	Sink        Identity
}

// =============================================================================
// OPERATION - A reserved or settled money movement
// =============================================================================

type OperationKind string

const (
	OpDeposit  OperationKind = "deposit"
	OpWithdraw OperationKind = "withdraw"
	OpRefund   OperationKind = "refund"
)

type OperationStatus string

const (
	OpPending            OperationStatus = "pending"
	OpCommitted          OperationStatus = "committed"
	OpAborted            OperationStatus = "aborted"
	OpCompensationFailed OperationStatus = "compensation_failed"
)

type FeeStatus string

const (
	FeeNone FeeStatus = "none"
	FeeOwed FeeStatus = "owed"
	FeePaid FeeStatus = "paid"
)

// Operation records one deposit, withdrawal or refund. The IdempotencyKey is
// unique: resubmitting a committed operation returns its recorded result.
//
// Gross is what left the payer (contributor for deposits, escrow for
// outflows). Fee goes to the commission sink and Net to the counterparty
// (ledger credit for deposits, payout for outflows). Gross == Fee + Net.
type Operation struct {
	ID             OperationID
	IdempotencyKey string
	Kind           OperationKind
	CampaignID     CampaignID
	Actor          Identity
	Counterparty   Identity
	Asset          AssetID
	Gross          Amount
	Fee            Amount
	Net            Amount
	FeeBps         int64
	Sink           Identity
	Status         OperationStatus
	FeeStatus      FeeStatus

	// Attempt counts executions under this key; transfer references
	// include it so a retry after an abort is a distinct movement.
	Attempt   int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SameRequest reports whether two operations describe the same caller
// request. Used to detect idempotency key reuse with a different payload.
func (o Operation) SameRequest(other Operation) bool {
	return o.Kind == other.Kind &&
		o.CampaignID == other.CampaignID &&
		o.Actor == other.Actor &&
		(o.Kind != OpDeposit || o.Gross.Equal(other.Gross))
}

// =============================================================================
// EVENTS - For external observers (analytics, UIs)
// =============================================================================

type EventType string

const (
	EventCampaignCreated   EventType = "campaign_created"
	EventDeposited         EventType = "deposited"
	EventWithdrawn         EventType = "withdrawn"
	EventRefunded          EventType = "refunded"
	EventClosureInitiated  EventType = "closure_initiated"
	EventCampaignSuspended EventType = "campaign_suspended"
	EventCampaignResumed   EventType = "campaign_resumed"
)

// Event carries the campaign, the actor and the amounts involved.
type Event struct {
	ID          string
	Type        EventType
	CampaignID  CampaignID
	Actor       Identity
	Amount      Amount
	Fee         Amount
	OperationID OperationID
	At          time.Time
}

// =============================================================================
// FILTERS
// =============================================================================

// CampaignFilter narrows ListCampaigns. Zero values mean "any".
type CampaignFilter struct {
	Creator Identity
	Asset   AssetID
	Type    CampaignType
}
