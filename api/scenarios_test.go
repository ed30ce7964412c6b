/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Each scenario drives the engine through a full lifecycle; these tests
	check the resulting campaign states and fee outcomes, so the scenarios
	double as API-level integration tests.
*/
package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
)

func newScenarioAPI(t *testing.T, clock escrow.Clock) *apiHarness {
	t.Helper()
	a := newAPI(t)
	if clock == nil {
		clock = a.clock
	}
	a.handler.EnableScenarios(ScenarioEnv{
		Store:      a.store,
		Book:       a.book,
		Clock:      clock,
		Commission: testCommission,
		Assets:     []escrow.AssetID{"USDC"},
	})
	return a
}

func loadScenario(t *testing.T, a *apiHarness, id string) ScenarioResultDTO {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/scenarios/load", "", "", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[ScenarioResultDTO](t, rec)
}

func TestListScenarios(t *testing.T) {
	a := newAPI(t)

	list := decode[[]ScenarioDTO](t, a.do(t, http.MethodGet, "/api/scenarios", "", "", nil))

	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	assert.ElementsMatch(t, []string{"goal-reached", "failed-with-closure", "flexible-repeat", "refund-fee-escalation"}, ids)
}

func TestScenarioGoalReached(t *testing.T) {
	a := newScenarioAPI(t, nil)

	result := loadScenario(t, a, "goal-reached")

	require.Len(t, result.Campaigns, 1)
	c := result.Campaigns[0]
	assert.Equal(t, "settled", c.Status)
	// 600 + 500 gross at 2% → 588 + 490 credited, 5% success fee on 1078.
	assert.Equal(t, "1078", c.WithdrawnTotal)
	assert.Equal(t, "0", c.RaisedNet)
	assert.Equal(t, "1025", a.book.Balance(alice, "USDC").String())

	current := decode[ScenarioDTO](t, a.do(t, http.MethodGet, "/api/scenarios/current", "", "", nil))
	assert.Equal(t, "goal-reached", current.ID)
}

func TestScenarioFailedWithClosure(t *testing.T) {
	a := newScenarioAPI(t, nil)

	result := loadScenario(t, a, "failed-with-closure")

	// THEN: bob refunded for free, alice salvaged carol's 490
	require.Len(t, result.Campaigns, 1)
	c := result.Campaigns[0]
	assert.Equal(t, "settled", c.Status)
	assert.True(t, c.ClosureInitiated)
	assert.Equal(t, "490", c.WithdrawnTotal)
	assert.Equal(t, "980", a.book.Balance(bob, "USDC").String())
	assert.Contains(t, strings.Join(result.Steps, "\n"), "initiated closure")
}

func TestScenarioFlexibleRepeat(t *testing.T) {
	a := newScenarioAPI(t, nil)

	result := loadScenario(t, a, "flexible-repeat")

	require.Len(t, result.Campaigns, 1)
	c := result.Campaigns[0]
	assert.Equal(t, "active", c.Status)
	assert.False(t, c.Withdrawn)
	assert.Equal(t, "490", c.WithdrawnTotal)
	assert.Equal(t, "0", c.RaisedNet)
}

func TestScenarioRefundFeeEscalation(t *testing.T) {
	a := newScenarioAPI(t, nil)

	result := loadScenario(t, a, "refund-fee-escalation")

	require.Len(t, result.Campaigns, 2)
	steps := strings.Join(result.Steps, "\n")
	assert.Contains(t, steps, "fee 0 at 0 bps, paid out 980")
	assert.Contains(t, steps, "fee 98 at 1000 bps, paid out 882")
}

func TestLoadScenario_ResetsPreviousData(t *testing.T) {
	a := newScenarioAPI(t, nil)
	loadScenario(t, a, "goal-reached")

	loadScenario(t, a, "flexible-repeat")

	list := decode[[]CampaignDTO](t, a.do(t, http.MethodGet, "/api/campaigns", "", "", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "flexible", list[0].Type)
}

func TestLoadScenario_Errors(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		a := newAPI(t)
		rec := a.do(t, http.MethodPost, "/api/scenarios/load", "", "", LoadScenarioRequest{ScenarioID: "goal-reached"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown scenario", func(t *testing.T) {
		a := newScenarioAPI(t, nil)
		rec := a.do(t, http.MethodPost, "/api/scenarios/load", "", "", LoadScenarioRequest{ScenarioID: "moon-landing"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("needs demo clock", func(t *testing.T) {
		a := newScenarioAPI(t, escrow.SystemClock{})
		rec := a.do(t, http.MethodPost, "/api/scenarios/load", "", "", LoadScenarioRequest{ScenarioID: "failed-with-closure"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAdvanceClock(t *testing.T) {
	a := newScenarioAPI(t, nil)

	rec := a.do(t, http.MethodPost, "/api/scenarios/clock", "", "", AdvanceClockRequest{Duration: "48h"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, a.clock.Now().Equal(t0.Add(48*time.Hour)))

	bad := a.do(t, http.MethodPost, "/api/scenarios/clock", "", "", AdvanceClockRequest{Duration: "-1h"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}
