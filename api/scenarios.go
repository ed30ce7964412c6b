/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that drive the running engine through the
  canonical campaign lifecycles, so a dashboard has realistic data to show.

AVAILABLE SCENARIOS:
  goal-reached:          Fixed campaign funded past its goal, creator withdraws
  failed-with-closure:   Fixed campaign misses its goal, closure, one refund,
                         salvage after the reclaim window          (demo clock)
  flexible-repeat:       Flexible campaign withdrawn twice between deposits
  refund-fee-escalation: Same contributor refunds twice in one epoch and pays
                         the refund fee the second time            (demo clock)

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Re-install the startup commission config and allow-list
 3. Fund contributors in the in-memory transfer book
 4. Call the settlement service exactly like API clients do
 5. Move the demo clock where a lifecycle needs deadlines to pass

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "failed-with-closure"}

NOTE:
  Scenarios reset the store. Only enable them in development/demo
  environments with the memory transfer adapter.

SEE ALSO:
  - handlers.go: Error mapping
  - cmd/server/main.go: -demo flag
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/escrow-engine/campaign"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/transfer"
)

const (
	demoAsset   escrow.AssetID  = "USDC"
	demoCreator escrow.Identity = "alice"
	demoBob     escrow.Identity = "bob"
	demoCarol   escrow.Identity = "carol"
)

// Resetter clears a store. Both the SQLite and the memory store implement it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ScenarioEnv is what scenario loaders need beyond the settlement service.
type ScenarioEnv struct {
	Store Resetter
	// Book funds demo contributors; nil when the engine talks to a gateway.
	Book *transfer.Memory
	// Clock is the engine's clock. Scenarios that need deadlines to pass
	// require an *escrow.ManualClock.
	Clock      escrow.Clock
	Commission escrow.CommissionConfig
	Assets     []escrow.AssetID
}

// EnableScenarios turns on the /api/scenarios endpoints.
func (h *Handler) EnableScenarios(env ScenarioEnv) {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()
	h.scenarios = &env
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "goal-reached",
		Name:        "Goal Reached",
		Description: "Fixed campaign funded past its goal; the creator withdraws immediately",
	},
	{
		ID:          "failed-with-closure",
		Name:        "Failed With Closure",
		Description: "Fixed campaign misses its goal; closure, one refund, then salvage of the rest",
		NeedsClock:  true,
	},
	{
		ID:          "flexible-repeat",
		Name:        "Flexible Repeat",
		Description: "Flexible campaign withdrawn, topped up and withdrawn again",
	},
	{
		ID:          "refund-fee-escalation",
		Name:        "Refund Fee Escalation",
		Description: "First refund in the epoch is free, the second pays the refund fee",
		NeedsClock:  true,
	},
}

// scenarioRun collects what a loader did, for the response body.
type scenarioRun struct {
	env       *ScenarioEnv
	clock     *escrow.ManualClock
	steps     []string
	campaigns []escrow.CampaignID
}

func (run *scenarioRun) logf(format string, args ...any) {
	run.steps = append(run.steps, fmt.Sprintf(format, args...))
}

var errScenariosDisabled = errors.New("scenarios are disabled")

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and replays a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	env := h.scenarios
	if env == nil {
		writeError(w, http.StatusNotFound, "Scenarios are disabled", errScenariosDisabled)
		return
	}

	var def *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			def = &scenarios[i]
		}
	}
	if def == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	run := &scenarioRun{env: env}
	run.clock, _ = env.Clock.(*escrow.ManualClock)
	if def.NeedsClock && run.clock == nil {
		writeError(w, http.StatusConflict, "Scenario needs the demo clock (start the server with -demo)", nil)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := env.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	if err := h.Service.Bootstrap(ctx, env.Commission, env.Assets); err != nil {
		h.fail(w, r, err)
		return
	}

	var err error
	switch def.ID {
	case "goal-reached":
		err = h.loadGoalReachedScenario(ctx, run)
	case "failed-with-closure":
		err = h.loadFailedWithClosureScenario(ctx, run)
	case "flexible-repeat":
		err = h.loadFlexibleRepeatScenario(ctx, run)
	case "refund-fee-escalation":
		err = h.loadRefundFeeEscalationScenario(ctx, run)
	}
	if err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", def.ID, err))
		return
	}

	// Track the loaded scenario
	h.currentScenario = def.ID

	result := ScenarioResultDTO{Scenario: def.ID, Steps: run.steps, Campaigns: []CampaignDTO{}}
	for _, id := range run.campaigns {
		view, err := h.Service.Campaign(ctx, id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		result.Campaigns = append(result.Campaigns, toCampaignDTO(view))
	}
	writeJSON(w, http.StatusOK, result)
}

// AdvanceClock moves the demo clock forward, e.g. {"duration": "48h"}.
func (h *Handler) AdvanceClock(w http.ResponseWriter, r *http.Request) {
	var req AdvanceClockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if h.scenarios == nil {
		writeError(w, http.StatusNotFound, "Scenarios are disabled", errScenariosDisabled)
		return
	}
	clock, ok := h.scenarios.Clock.(*escrow.ManualClock)
	if !ok {
		writeError(w, http.StatusConflict, "The engine runs on the system clock", nil)
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		h.fail(w, r, &escrow.ValidationError{Field: "duration", Message: "must be a positive duration"})
		return
	}

	clock.Advance(d)
	writeJSON(w, http.StatusOK, map[string]time.Time{"now": clock.Now()})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadGoalReachedScenario(ctx context.Context, run *scenarioRun) error {
	now := run.env.Clock.Now()
	c, err := h.scenarioCampaign(ctx, run, escrow.TypeFixed, 1000, now.Add(30*24*time.Hour))
	if err != nil {
		return err
	}
	if err := h.scenarioDeposit(ctx, run, c.ID, demoBob, 600); err != nil {
		return err
	}
	if err := h.scenarioDeposit(ctx, run, c.ID, demoCarol, 500); err != nil {
		return err
	}
	return h.scenarioWithdraw(ctx, run, c.ID)
}

func (h *Handler) loadFailedWithClosureScenario(ctx context.Context, run *scenarioRun) error {
	now := run.clock.Now()
	c, err := h.scenarioCampaign(ctx, run, escrow.TypeFixed, 5000, now.Add(24*time.Hour))
	if err != nil {
		return err
	}
	if err := h.scenarioDeposit(ctx, run, c.ID, demoBob, 1000); err != nil {
		return err
	}
	if err := h.scenarioDeposit(ctx, run, c.ID, demoCarol, 500); err != nil {
		return err
	}

	run.clock.Set(c.Deadline.Add(time.Hour))
	run.logf("clock moved past the deadline to %s", run.clock.Now().Format(time.RFC3339))

	reclaimDeadline, err := h.Service.InitiateClosure(ctx, c.ID, demoCreator)
	if err != nil {
		return err
	}
	run.logf("%s initiated closure, reclaim window ends %s", demoCreator, reclaimDeadline.Format(time.RFC3339))

	if err := h.scenarioRefund(ctx, run, c.ID, demoBob); err != nil {
		return err
	}

	run.clock.Set(reclaimDeadline.Add(time.Second))
	run.logf("clock moved past the reclaim window to %s", run.clock.Now().Format(time.RFC3339))

	return h.scenarioWithdraw(ctx, run, c.ID)
}

func (h *Handler) loadFlexibleRepeatScenario(ctx context.Context, run *scenarioRun) error {
	now := run.env.Clock.Now()
	c, err := h.scenarioCampaign(ctx, run, escrow.TypeFlexible, 0, now.Add(7*24*time.Hour))
	if err != nil {
		return err
	}
	if err := h.scenarioDeposit(ctx, run, c.ID, demoBob, 300); err != nil {
		return err
	}
	if err := h.scenarioWithdraw(ctx, run, c.ID); err != nil {
		return err
	}
	if err := h.scenarioDeposit(ctx, run, c.ID, demoCarol, 200); err != nil {
		return err
	}
	return h.scenarioWithdraw(ctx, run, c.ID)
}

func (h *Handler) loadRefundFeeEscalationScenario(ctx context.Context, run *scenarioRun) error {
	now := run.clock.Now()
	first, err := h.scenarioCampaign(ctx, run, escrow.TypeFixed, 10000, now.Add(24*time.Hour))
	if err != nil {
		return err
	}
	second, err := h.scenarioCampaign(ctx, run, escrow.TypeFixed, 10000, now.Add(24*time.Hour))
	if err != nil {
		return err
	}
	for _, id := range []escrow.CampaignID{first.ID, second.ID} {
		if err := h.scenarioDeposit(ctx, run, id, demoBob, 1000); err != nil {
			return err
		}
	}

	run.clock.Set(first.Deadline.Add(time.Hour))
	run.logf("clock moved past both deadlines to %s", run.clock.Now().Format(time.RFC3339))

	if err := h.scenarioRefund(ctx, run, first.ID, demoBob); err != nil {
		return err
	}
	return h.scenarioRefund(ctx, run, second.ID, demoBob)
}

// =============================================================================
// LOADER STEPS
// =============================================================================

func (h *Handler) scenarioCampaign(ctx context.Context, run *scenarioRun, typ escrow.CampaignType, goal int64, deadline time.Time) (escrow.Campaign, error) {
	c, err := h.Service.CreateCampaign(ctx, campaign.CreateInput{
		Creator:  demoCreator,
		Asset:    demoAsset,
		Goal:     escrow.NewAmount(goal),
		Deadline: deadline,
		Type:     typ,
	})
	if err != nil {
		return escrow.Campaign{}, err
	}
	run.campaigns = append(run.campaigns, c.ID)
	run.logf("%s created %s campaign %d with goal %d %s", demoCreator, typ, c.ID, goal, demoAsset)
	return c, nil
}

func (h *Handler) scenarioDeposit(ctx context.Context, run *scenarioRun, id escrow.CampaignID, who escrow.Identity, amount int64) error {
	gross := escrow.NewAmount(amount)
	if run.env.Book != nil {
		run.env.Book.Fund(who, demoAsset, gross)
	}
	receipt, err := h.Service.Deposit(ctx, id, who, gross, "")
	if err != nil {
		return err
	}
	run.logf("%s deposited %s into campaign %d (fee %s, credited %s)", who, receipt.Gross, id, receipt.Fee, receipt.Net)
	return nil
}

func (h *Handler) scenarioWithdraw(ctx context.Context, run *scenarioRun, id escrow.CampaignID) error {
	receipt, err := h.Service.Withdraw(ctx, id, demoCreator, "")
	if err != nil {
		return err
	}
	run.logf("%s withdrew %s from campaign %d (fee %s, paid out %s)", demoCreator, receipt.Gross, id, receipt.Fee, receipt.Net)
	return nil
}

func (h *Handler) scenarioRefund(ctx context.Context, run *scenarioRun, id escrow.CampaignID, who escrow.Identity) error {
	receipt, err := h.Service.Refund(ctx, id, who, "")
	if err != nil {
		return err
	}
	run.logf("%s refunded %s from campaign %d (fee %s at %d bps, paid out %s)", who, receipt.Gross, id, receipt.Fee, receipt.FeeBps, receipt.Net)
	return nil
}
