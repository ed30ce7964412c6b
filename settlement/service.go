/*
Package settlement is the only writer of campaign and contribution state.

PURPOSE:
  Orchestrates every money movement (deposit, withdraw, refund) across the
  ledger and the value transfer adapter, plus closure, suspension and the
  administrative settings.

CONCURRENCY:
  Every operation on a campaign holds that campaign's lock for its whole
  duration, transfers included. Different campaigns never contend. Refunds
  additionally hold the contributor's lock so the refund fee tier counter
  cannot race across campaigns. Reads take the campaign lock too, so they
  always observe a committed state.

RESERVATION PROTOCOL:
  The ledger must never reflect a movement that did not happen, and no
  outflow may execute for an amount the ledger does not already reflect.

    Deposit (inflow):   reserve op ──▶ pull gross ──▶ commit (credit net)
                                       │ fails: op aborted, ledger untouched
                                       └ commit fails: push gross back

    Withdraw / Refund:  reserve op + debit ──▶ push net ──▶ finalize
                        (one transaction)      │ fails: restore the prior
                                               │ rows, op aborted
                                               └ (one transaction)

  The fee is recorded as owed on commit and pushed to the sink right after.
  A failed fee push leaves it owed; SweepFees retries it.

IDEMPOTENCY:
  Each money-moving call carries an idempotency key. A committed key
  returns the recorded result, an aborted key is retried under the same
  operation id, a pending key is refused, and a key reused for a different
  request fails with ErrIdempotencyConflict.

SEE ALSO:
  - operations.go: deposit, withdraw, refund, closure
  - idempotency.go: operation bookkeeping
  - fees.go: fee settlement, sweep and audits
*/
package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/escrow-engine/campaign"
	"github.com/warp/escrow-engine/closure"
	"github.com/warp/escrow-engine/commission"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/events"
	"github.com/warp/escrow-engine/transfer"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store     escrow.TxStore
	transfers transfer.Adapter
	assets    campaign.AssetWhitelist
	closure   closure.Manager
	publisher events.Publisher
	clock     escrow.Clock
	logger    logrus.FieldLogger
	admins    map[escrow.Identity]bool
	locks     *keyedMutex
	newID     func() string
}

type Option func(*Service)

func WithClock(c escrow.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithReclaimPeriod sets how long contributors may refund after closure.
func WithReclaimPeriod(d time.Duration) Option {
	return func(s *Service) { s.closure = closure.NewManager(d) }
}

// WithAdmins lists the identities allowed to call administrative operations.
func WithAdmins(ids ...escrow.Identity) Option {
	return func(s *Service) {
		for _, id := range ids {
			s.admins[id] = true
		}
	}
}

// WithAssetWhitelist replaces the store-backed allow-list.
func WithAssetWhitelist(w campaign.AssetWhitelist) Option {
	return func(s *Service) { s.assets = w }
}

func New(store escrow.TxStore, transfers transfer.Adapter, options ...Option) *Service {
	s := &Service{
		store:     store,
		transfers: transfers,
		closure:   closure.NewManager(escrow.DefaultReclaimPeriod),
		publisher: events.Discard{},
		clock:     escrow.SystemClock{},
		logger:    logrus.StandardLogger(),
		admins:    make(map[escrow.Identity]bool),
		locks:     newKeyedMutex(),
		newID:     uuid.NewString,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// registry binds the campaign registry to store, which may be tx-scoped.
// Without an explicit whitelist the allow-list is read through the same store.
func (s *Service) registry(store escrow.Store) *campaign.Registry {
	var assets campaign.AssetWhitelist = campaign.StoreWhitelist{Store: store}
	if s.assets != nil {
		assets = s.assets
	}
	return campaign.NewRegistry(store, assets, s.clock)
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

// CreateCampaign registers a campaign and emits CampaignCreated.
func (s *Service) CreateCampaign(ctx context.Context, in campaign.CreateInput) (escrow.Campaign, error) {
	var created escrow.Campaign
	var evt escrow.Event
	err := s.store.WithTx(ctx, func(tx escrow.Store) error {
		c, err := s.registry(tx).Create(ctx, in)
		if err != nil {
			return err
		}
		created = c
		evt = s.event(escrow.EventCampaignCreated, c.ID, c.Creator, c.Goal, decimal.Zero, "")
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return escrow.Campaign{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"campaign_id": created.ID,
		"creator":     created.Creator,
		"type":        created.Type,
		"goal":        created.Goal.String(),
		"deadline":    created.Deadline,
	}).Info("campaign created")
	s.publisher.Publish(ctx, evt)
	return created, nil
}

// InitiateClosure opens the reclaim window of a failed Fixed campaign and
// returns its reclaim deadline.
func (s *Service) InitiateClosure(ctx context.Context, id escrow.CampaignID, caller escrow.Identity) (time.Time, error) {
	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	closed, err := s.closure.Initiate(c, caller, s.clock.Now())
	if err != nil {
		return time.Time{}, err
	}

	evt := s.event(escrow.EventClosureInitiated, id, caller, closed.RaisedNet, decimal.Zero, "")
	err = s.store.WithTx(ctx, func(tx escrow.Store) error {
		if err := tx.UpdateCampaign(ctx, closed); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return time.Time{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"campaign_id":      id,
		"reclaim_deadline": closed.ReclaimDeadline,
	}).Info("closure initiated")
	s.publisher.Publish(ctx, evt)
	return closed.ReclaimDeadline, nil
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// Authorize fails with an AuthorizationError unless caller is an admin.
func (s *Service) Authorize(caller escrow.Identity, action string) error {
	return s.requireAdmin(caller, action)
}

func (s *Service) requireAdmin(caller escrow.Identity, action string) error {
	if !s.admins[caller] {
		return &escrow.AuthorizationError{Actor: caller, Action: action}
	}
	return nil
}

// Bootstrap installs the startup commission config and allow-list without
// an admin check. Only the process entry point calls it.
func (s *Service) Bootstrap(ctx context.Context, cfg escrow.CommissionConfig, assets []escrow.AssetID) error {
	if err := commission.ValidateConfig(cfg); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx escrow.Store) error {
		if err := tx.SaveCommissionConfig(ctx, cfg); err != nil {
			return err
		}
		for _, a := range assets {
			if err := tx.SetAssetAllowed(ctx, a, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetCommissionConfig validates and replaces the process-wide rates.
func (s *Service) SetCommissionConfig(ctx context.Context, caller escrow.Identity, cfg escrow.CommissionConfig) error {
	if err := s.requireAdmin(caller, "set commission config"); err != nil {
		return err
	}
	if err := commission.ValidateConfig(cfg); err != nil {
		return err
	}
	if err := s.store.SaveCommissionConfig(ctx, cfg); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"admin":        caller,
		"donation_bps": cfg.DonationBps,
		"success_bps":  cfg.SuccessBps,
		"refund_bps":   cfg.RefundBps,
		"sink":         cfg.Sink,
	}).Info("commission config updated")
	return nil
}

func (s *Service) SetAssetAllowed(ctx context.Context, caller escrow.Identity, asset escrow.AssetID, allowed bool) error {
	if err := s.requireAdmin(caller, "change the asset allow-list"); err != nil {
		return err
	}
	if strings.TrimSpace(string(asset)) == "" {
		return &escrow.ValidationError{Field: "asset", Message: "is required"}
	}
	if err := s.store.SetAssetAllowed(ctx, asset, allowed); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"admin": caller, "asset": asset, "allowed": allowed}).Info("asset allow-list updated")
	return nil
}

// Suspend blocks every money movement on a non-settled campaign.
func (s *Service) Suspend(ctx context.Context, caller escrow.Identity, id escrow.CampaignID) error {
	return s.setSuspended(ctx, caller, id, true)
}

func (s *Service) Resume(ctx context.Context, caller escrow.Identity, id escrow.CampaignID) error {
	return s.setSuspended(ctx, caller, id, false)
}

func (s *Service) setSuspended(ctx context.Context, caller escrow.Identity, id escrow.CampaignID, suspend bool) error {
	action, evtType := "resume campaigns", escrow.EventCampaignResumed
	if suspend {
		action, evtType = "suspend campaigns", escrow.EventCampaignSuspended
	}
	if err := s.requireAdmin(caller, action); err != nil {
		return err
	}

	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case suspend && c.Withdrawn:
		return escrow.NewStateError(id, escrow.ReasonCampaignSettled)
	case suspend && c.Suspended:
		return escrow.NewStateError(id, escrow.ReasonCampaignAlreadySuspended)
	case !suspend && !c.Suspended:
		return escrow.NewStateError(id, escrow.ReasonCampaignNotSuspended)
	}

	c.Suspended = suspend
	c.UpdatedAt = s.clock.Now()
	evt := s.event(evtType, id, caller, decimal.Zero, decimal.Zero, "")
	err = s.store.WithTx(ctx, func(tx escrow.Store) error {
		if err := tx.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{"campaign_id": id, "admin": caller, "suspended": suspend}).Warn("campaign suspension changed")
	s.publisher.Publish(ctx, evt)
	return nil
}

// =============================================================================
// READS
// =============================================================================

// CampaignView is a campaign with its derived status.
type CampaignView struct {
	escrow.Campaign
	Status escrow.Status
}

func (s *Service) Campaign(ctx context.Context, id escrow.CampaignID) (CampaignView, error) {
	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	c, err := s.registry(s.store).Get(ctx, id)
	if err != nil {
		return CampaignView{}, err
	}
	return CampaignView{Campaign: c, Status: campaign.StatusOf(c, s.clock.Now())}, nil
}

// ListCampaigns filters by record fields and, when status is set, by
// derived status.
func (s *Service) ListCampaigns(ctx context.Context, filter escrow.CampaignFilter, status escrow.Status) ([]CampaignView, error) {
	list, err := s.registry(s.store).List(ctx, filter, status)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	views := make([]CampaignView, 0, len(list))
	for _, c := range list {
		views = append(views, CampaignView{Campaign: c, Status: campaign.StatusOf(c, now)})
	}
	return views, nil
}

// Contribution returns the contributor's position; never-deposited
// contributors get a zero position.
func (s *Service) Contribution(ctx context.Context, id escrow.CampaignID, contributor escrow.Identity) (escrow.Contribution, error) {
	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	c, _, err := escrow.NewLedger(s.store).Contribution(ctx, id, contributor)
	return c, err
}

func (s *Service) Donors(ctx context.Context, id escrow.CampaignID, offset, limit int) ([]escrow.Contribution, error) {
	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	return escrow.NewLedger(s.store).Donors(ctx, id, offset, limit)
}

// CanRefund reports whether a refund by contributor would pass every
// eligibility check right now, and the reason when it would not.
func (s *Service) CanRefund(ctx context.Context, id escrow.CampaignID, contributor escrow.Identity) (bool, escrow.StateReason, error) {
	unlock := s.locks.Lock(campaignKey(id))
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return false, "", err
	}
	if ok, reason := closure.RefundEligibility(c, s.clock.Now()); !ok {
		return false, reason, nil
	}
	contrib, found, err := s.store.GetContribution(ctx, id, contributor)
	if err != nil {
		return false, "", err
	}
	switch {
	case !found:
		return false, escrow.ReasonNoContribution, nil
	case contrib.Refunded:
		return false, escrow.ReasonAlreadyRefunded, nil
	case !contrib.NetAmount.IsPositive():
		return false, escrow.ReasonNothingToRefund, nil
	}
	return true, "", nil
}

// Events returns the persisted events of a campaign in emission order.
func (s *Service) Events(ctx context.Context, id escrow.CampaignID) ([]escrow.Event, error) {
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

func (s *Service) Operations(ctx context.Context, filter escrow.OperationFilter) ([]escrow.Operation, error) {
	return s.store.ListOperations(ctx, filter)
}

func (s *Service) CommissionConfig(ctx context.Context) (escrow.CommissionConfig, error) {
	cfg, _, err := s.store.GetCommissionConfig(ctx)
	return cfg, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) event(t escrow.EventType, id escrow.CampaignID, actor escrow.Identity, amount, fee escrow.Amount, op escrow.OperationID) escrow.Event {
	return escrow.Event{
		ID:          s.newID(),
		Type:        t,
		CampaignID:  id,
		Actor:       actor,
		Amount:      amount,
		Fee:         fee,
		OperationID: op,
		At:          s.clock.Now(),
	}
}
