package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/metrics"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHandler_ExposesEngineCollectors(t *testing.T) {
	metrics.RecordOperation(escrow.OpDeposit, "committed", 3*time.Millisecond)
	metrics.RecordTransferFailure(escrow.LegPayout)
	metrics.RecordFeeCollected("USDC", escrow.NewAmount(20))
	metrics.SetCampaignStatusCounts(map[escrow.Status]int{escrow.StatusActive: 2})
	metrics.SetStalePendingOperations(1)

	body := scrape(t)

	assert.Contains(t, body, `escrow_settlement_operations_total{kind="deposit",result="committed"}`)
	assert.Contains(t, body, `escrow_transfer_failures_total{leg="payout"}`)
	assert.Contains(t, body, `escrow_commission_fees_collected_total{asset="USDC"}`)
	assert.Contains(t, body, `escrow_campaigns_by_status{status="active"} 2`)
	assert.Contains(t, body, `escrow_settlement_stale_pending_operations 1`)
}

func TestSetCampaignStatusCounts_ReplacesPreviousSnapshot(t *testing.T) {
	metrics.SetCampaignStatusCounts(map[escrow.Status]int{escrow.StatusFailed: 4})
	metrics.SetCampaignStatusCounts(map[escrow.Status]int{escrow.StatusSettled: 1})

	body := scrape(t)
	assert.NotContains(t, body, `escrow_campaigns_by_status{status="failed"}`)
	assert.Contains(t, body, `escrow_campaigns_by_status{status="settled"} 1`)
}
