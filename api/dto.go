/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Amounts travel as decimal strings of whole base units ("1500"), never as
  JSON numbers, so no client-side float ever touches a balance.

TYPES:
  Campaigns:     CampaignDTO, CreateCampaignRequest, ClosureDTO
  Money:         DepositRequest, ReceiptDTO
  Positions:     ContributionDTO, RefundEligibilityDTO
  Audit:         EventDTO, OperationDTO
  Admin:         CommissionConfigDTO, AssetRequest, SweepDTO
  Scenarios:     ScenarioDTO, LoadScenarioRequest, AdvanceClockRequest

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/settlement"
)

// =============================================================================
// CAMPAIGN DTOs
// =============================================================================

type CampaignDTO struct {
	ID                 int64      `json:"id"`
	Creator            string     `json:"creator"`
	Asset              string     `json:"asset"`
	Goal               string     `json:"goal"`
	Deadline           time.Time  `json:"deadline"`
	Type               string     `json:"type"`
	Status             string     `json:"status"`
	RaisedNet          string     `json:"raised_net"`
	RaisedTotal        string     `json:"raised_total"`
	WithdrawnTotal     string     `json:"withdrawn_total"`
	Withdrawn          bool       `json:"withdrawn"`
	ClosureInitiated   bool       `json:"closure_initiated"`
	ClosureInitiatedAt *time.Time `json:"closure_initiated_at,omitempty"`
	ReclaimDeadline    *time.Time `json:"reclaim_deadline,omitempty"`
	Suspended          bool       `json:"suspended"`
	CreatedAt          time.Time  `json:"created_at"`
}

// CreateCampaignRequest is the body of POST /api/campaigns. The creator is
// the caller.
type CreateCampaignRequest struct {
	Asset    string    `json:"asset"`
	Goal     string    `json:"goal"`
	Deadline time.Time `json:"deadline"`
	Type     string    `json:"type"`
}

type ClosureDTO struct {
	CampaignID      int64     `json:"campaign_id"`
	ReclaimDeadline time.Time `json:"reclaim_deadline"`
}

// =============================================================================
// MONEY MOVEMENT DTOs
// =============================================================================

type DepositRequest struct {
	Amount string `json:"amount"`
}

// ReceiptDTO reports a deposit, withdrawal or refund. Replayed is true when
// the idempotency key matched an already committed operation.
type ReceiptDTO struct {
	OperationID    string `json:"operation_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Kind           string `json:"kind"`
	CampaignID     int64  `json:"campaign_id"`
	Gross          string `json:"gross"`
	Fee            string `json:"fee"`
	Net            string `json:"net"`
	FeeBps         int64  `json:"fee_bps"`
	Replayed       bool   `json:"replayed"`
}

// =============================================================================
// POSITION DTOs
// =============================================================================

type ContributionDTO struct {
	CampaignID  int64  `json:"campaign_id"`
	Contributor string `json:"contributor"`
	NetAmount   string `json:"net_amount"`
	Refunded    bool   `json:"refunded"`
}

type RefundEligibilityDTO struct {
	CampaignID  int64  `json:"campaign_id"`
	Contributor string `json:"contributor"`
	Eligible    bool   `json:"eligible"`
	Reason      string `json:"reason,omitempty"`
}

// =============================================================================
// AUDIT DTOs
// =============================================================================

type EventDTO struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	CampaignID  int64     `json:"campaign_id"`
	Actor       string    `json:"actor"`
	Amount      string    `json:"amount"`
	Fee         string    `json:"fee"`
	OperationID string    `json:"operation_id,omitempty"`
	At          time.Time `json:"at"`
}

type OperationDTO struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Kind           string    `json:"kind"`
	CampaignID     int64     `json:"campaign_id"`
	Actor          string    `json:"actor"`
	Counterparty   string    `json:"counterparty"`
	Asset          string    `json:"asset"`
	Gross          string    `json:"gross"`
	Fee            string    `json:"fee"`
	Net            string    `json:"net"`
	Status         string    `json:"status"`
	FeeStatus      string    `json:"fee_status"`
	Attempt        int       `json:"attempt"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// =============================================================================
// ADMIN DTOs
// =============================================================================

type CommissionConfigDTO struct {
	DonationBps int64  `json:"donation_bps"`
	SuccessBps  int64  `json:"success_bps"`
	RefundBps   int64  `json:"refund_bps"`
	Sink        string `json:"sink"`
}

type AssetRequest struct {
	Allowed bool `json:"allowed"`
}

type SweepDTO struct {
	Paid int `json:"paid"`
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	NeedsClock  bool   `json:"needs_clock"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type AdvanceClockRequest struct {
	Duration string `json:"duration"`
}

type ScenarioResultDTO struct {
	Scenario  string        `json:"scenario"`
	Steps     []string      `json:"steps"`
	Campaigns []CampaignDTO `json:"campaigns"`
}

// ErrorResponse is the standard error response. Reason carries the
// StateReason of a rejected transition so clients can branch on it.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCampaignDTO(v settlement.CampaignView) CampaignDTO {
	dto := CampaignDTO{
		ID:               int64(v.ID),
		Creator:          string(v.Creator),
		Asset:            string(v.Asset),
		Goal:             v.Goal.String(),
		Deadline:         v.Deadline,
		Type:             string(v.Type),
		Status:           string(v.Status),
		RaisedNet:        v.RaisedNet.String(),
		RaisedTotal:      v.RaisedTotal.String(),
		WithdrawnTotal:   v.WithdrawnTotal.String(),
		Withdrawn:        v.Withdrawn,
		ClosureInitiated: v.ClosureInitiated,
		Suspended:        v.Suspended,
		CreatedAt:        v.CreatedAt,
	}
	if v.ClosureInitiated {
		at, deadline := v.ClosureInitiatedAt, v.ReclaimDeadline
		dto.ClosureInitiatedAt = &at
		dto.ReclaimDeadline = &deadline
	}
	return dto
}

func toReceiptDTO(r settlement.Receipt) ReceiptDTO {
	return ReceiptDTO{
		OperationID:    string(r.OperationID),
		IdempotencyKey: r.IdempotencyKey,
		Kind:           string(r.Kind),
		CampaignID:     int64(r.CampaignID),
		Gross:          r.Gross.String(),
		Fee:            r.Fee.String(),
		Net:            r.Net.String(),
		FeeBps:         r.FeeBps,
		Replayed:       r.Replayed,
	}
}

func toContributionDTO(c escrow.Contribution) ContributionDTO {
	return ContributionDTO{
		CampaignID:  int64(c.CampaignID),
		Contributor: string(c.Contributor),
		NetAmount:   c.NetAmount.String(),
		Refunded:    c.Refunded,
	}
}

func toEventDTO(e escrow.Event) EventDTO {
	return EventDTO{
		ID:          e.ID,
		Type:        string(e.Type),
		CampaignID:  int64(e.CampaignID),
		Actor:       string(e.Actor),
		Amount:      e.Amount.String(),
		Fee:         e.Fee.String(),
		OperationID: string(e.OperationID),
		At:          e.At,
	}
}

func toOperationDTO(op escrow.Operation) OperationDTO {
	return OperationDTO{
		ID:             string(op.ID),
		IdempotencyKey: op.IdempotencyKey,
		Kind:           string(op.Kind),
		CampaignID:     int64(op.CampaignID),
		Actor:          string(op.Actor),
		Counterparty:   string(op.Counterparty),
		Asset:          string(op.Asset),
		Gross:          op.Gross.String(),
		Fee:            op.Fee.String(),
		Net:            op.Net.String(),
		Status:         string(op.Status),
		FeeStatus:      string(op.FeeStatus),
		Attempt:        op.Attempt,
		Error:          op.Error,
		CreatedAt:      op.CreatedAt,
		UpdatedAt:      op.UpdatedAt,
	}
}

func toCommissionConfigDTO(cfg escrow.CommissionConfig) CommissionConfigDTO {
	return CommissionConfigDTO{
		DonationBps: cfg.DonationBps,
		SuccessBps:  cfg.SuccessBps,
		RefundBps:   cfg.RefundBps,
		Sink:        string(cfg.Sink),
	}
}
