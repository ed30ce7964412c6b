/*
Package campaign owns campaign records and their lifecycle status.

PURPOSE:
  Creates campaigns and derives their status. The registry performs no
  value movement; deposits, withdrawals and refunds belong to settlement.

STATUS IS DERIVED, NOT MERELY STORED:
  Stored flags (Suspended, Withdrawn, ClosureInitiated) record explicit
  transitions. Everything else is computed against the injected clock:

    Suspended       ← admin suspension (blocks all money movement)
    Settled         ← a Fixed campaign was withdrawn (success or salvage)
    ClosurePending  ← creator initiated closure of a failed Fixed campaign
    Active          ← now <= deadline
    Successful      ← past deadline and RaisedNet >= Goal
    Failed          ← past deadline and RaisedNet <  Goal (Fixed only)

  Flexible campaigns have Goal == 0, so past their deadline they report
  Successful; they stay eligible for repeated creator withdrawal forever.

CREATION RULES:
  - asset must be on the allow-list
  - deadline strictly in the future
  - Flexible campaigns carry no goal (Goal must be 0); this is a modeling
    choice, flexible campaigns have no goal by definition
  - Fixed campaigns need a positive goal
*/
package campaign

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/escrow-engine/escrow"
)

// =============================================================================
// ASSET ALLOW-LIST
// =============================================================================

// AssetWhitelist is the externally maintained list of accepted assets.
type AssetWhitelist interface {
	IsAllowed(ctx context.Context, asset escrow.AssetID) (bool, error)
}

// StoreWhitelist reads the allow-list from the store's asset table.
type StoreWhitelist struct {
	Store escrow.Store
}

func (w StoreWhitelist) IsAllowed(ctx context.Context, asset escrow.AssetID) (bool, error) {
	return w.Store.IsAssetAllowed(ctx, asset)
}

// =============================================================================
// REGISTRY
// =============================================================================

type Registry struct {
	Store  escrow.Store
	Assets AssetWhitelist
	Clock  escrow.Clock
}

func NewRegistry(store escrow.Store, assets AssetWhitelist, clock escrow.Clock) *Registry {
	return &Registry{Store: store, Assets: assets, Clock: clock}
}

// CreateInput is a new campaign request.
type CreateInput struct {
	Creator  escrow.Identity
	Asset    escrow.AssetID
	Goal     escrow.Amount
	Deadline time.Time
	Type     escrow.CampaignType
}

// Create validates and persists a campaign with status Active.
func (r *Registry) Create(ctx context.Context, in CreateInput) (escrow.Campaign, error) {
	now := r.Clock.Now()
	if err := r.validate(ctx, in, now); err != nil {
		return escrow.Campaign{}, err
	}

	c := escrow.Campaign{
		Creator:        in.Creator,
		Asset:          in.Asset,
		Goal:           in.Goal,
		Deadline:       in.Deadline.UTC(),
		Type:           in.Type,
		RaisedNet:      decimal.Zero,
		RaisedTotal:    decimal.Zero,
		WithdrawnTotal: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := r.Store.InsertCampaign(ctx, c)
	if err != nil {
		return escrow.Campaign{}, err
	}
	c.ID = id
	return c, nil
}

func (r *Registry) validate(ctx context.Context, in CreateInput, now time.Time) error {
	if strings.TrimSpace(string(in.Creator)) == "" {
		return &escrow.ValidationError{Field: "creator", Message: "is required"}
	}
	if !in.Type.Valid() {
		return &escrow.ValidationError{Field: "type", Message: "must be fixed or flexible"}
	}
	if in.Goal.IsNegative() || !in.Goal.IsInteger() {
		return &escrow.ValidationError{Field: "goal", Message: "must be a non-negative whole amount"}
	}
	if in.Type == escrow.TypeFlexible && !in.Goal.IsZero() {
		return &escrow.ValidationError{Field: "goal", Message: "flexible campaigns have no goal"}
	}
	if in.Type == escrow.TypeFixed && !in.Goal.IsPositive() {
		return &escrow.ValidationError{Field: "goal", Message: "fixed campaigns need a positive goal"}
	}
	if !in.Deadline.After(now) {
		return &escrow.ValidationError{Field: "deadline", Message: "must be in the future"}
	}

	allowed, err := r.Assets.IsAllowed(ctx, in.Asset)
	if err != nil {
		return err
	}
	if !allowed {
		return &escrow.ValidationError{Field: "asset", Message: "asset " + string(in.Asset) + " is not allowed"}
	}
	return nil
}

// Get returns the campaign with its record as stored.
func (r *Registry) Get(ctx context.Context, id escrow.CampaignID) (escrow.Campaign, error) {
	return r.Store.GetCampaign(ctx, id)
}

// List returns campaigns matching the filter and, when status is set,
// whose derived status equals it.
func (r *Registry) List(ctx context.Context, filter escrow.CampaignFilter, status escrow.Status) ([]escrow.Campaign, error) {
	all, err := r.Store.ListCampaigns(ctx, filter)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return all, nil
	}
	now := r.Clock.Now()
	var result []escrow.Campaign
	for _, c := range all {
		if StatusOf(c, now) == status {
			result = append(result, c)
		}
	}
	return result, nil
}

// =============================================================================
// STATUS
// =============================================================================

// StatusOf derives the campaign's status at now.
func StatusOf(c escrow.Campaign, now time.Time) escrow.Status {
	switch {
	case c.Suspended:
		return escrow.StatusSuspended
	case c.Withdrawn:
		return escrow.StatusSettled
	case c.ClosureInitiated:
		return escrow.StatusClosurePending
	case !now.After(c.Deadline):
		return escrow.StatusActive
	case c.RaisedNet.GreaterThanOrEqual(c.Goal):
		return escrow.StatusSuccessful
	default:
		return escrow.StatusFailed
	}
}

// AcceptsDeposits reports whether the campaign is Active at now.
func AcceptsDeposits(c escrow.Campaign, now time.Time) bool {
	return StatusOf(c, now) == escrow.StatusActive
}

// GoalReached reports whether a Fixed campaign's pool meets its goal.
func GoalReached(c escrow.Campaign) bool {
	return c.Type == escrow.TypeFixed && c.RaisedNet.GreaterThanOrEqual(c.Goal)
}
