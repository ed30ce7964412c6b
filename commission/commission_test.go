package commission_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/commission"
	"github.com/warp/escrow-engine/escrow"
)

func amt(n int64) escrow.Amount { return escrow.NewAmount(n) }

// =============================================================================
// FEE IDENTITY
// =============================================================================

func TestFee_PlusNet_EqualsAmount(t *testing.T) {
	amounts := []int64{0, 1, 7, 99, 100, 999, 1000, 12345, 1_000_000_007}
	rates := []int64{0, 1, 33, 250, 999, 5000, 9999, 10000}

	for _, a := range amounts {
		for _, bps := range rates {
			fee := commission.Fee(amt(a), bps)
			net := commission.Net(amt(a), bps)
			assert.True(t, fee.Add(net).Equal(amt(a)), "fee+net != amount for %d @ %d bps", a, bps)
			assert.False(t, fee.IsNegative())
			assert.False(t, net.IsNegative())
			assert.True(t, fee.IsInteger(), "fee must be whole units")
		}
	}
}

func TestFee_FloorsFractions(t *testing.T) {
	// 999 * 250 / 10000 = 24.975 → 24
	assert.True(t, commission.Fee(amt(999), 250).Equal(amt(24)))
	// 1 * 9999 / 10000 = 0.9999 → 0
	assert.True(t, commission.Fee(amt(1), 9999).Equal(amt(0)))
	assert.True(t, commission.Fee(amt(1000), 1000).Equal(amt(100)))
}

func TestFee_FullRateRoutesEverythingToSink(t *testing.T) {
	fee, net := commission.Split(amt(1000), commission.MaxBps)
	assert.True(t, fee.Equal(amt(1000)))
	assert.True(t, net.IsZero())
}

// =============================================================================
// ESCALATING REFUND TIER
// =============================================================================

func TestCalculator_Refund_FirstInEpochIsFree(t *testing.T) {
	calc := commission.NewCalculator(escrow.CommissionConfig{RefundBps: 1000, Sink: "sink"})

	fee, net, bps := calc.Refund(amt(1000), 0)
	assert.Equal(t, int64(0), bps)
	assert.True(t, fee.IsZero())
	assert.True(t, net.Equal(amt(1000)))

	fee, net, bps = calc.Refund(amt(1000), 1)
	assert.Equal(t, int64(1000), bps)
	assert.True(t, fee.Equal(amt(100)))
	assert.True(t, net.Equal(amt(900)))

	_, _, bps = calc.Refund(amt(1000), 5)
	assert.Equal(t, int64(1000), bps)
}

func TestCalculator_DepositAndWithdrawal(t *testing.T) {
	calc := commission.NewCalculator(escrow.CommissionConfig{DonationBps: 200, SuccessBps: 500, Sink: "sink"})

	fee, net := calc.Deposit(amt(1000))
	assert.True(t, fee.Equal(amt(20)))
	assert.True(t, net.Equal(amt(980)))

	fee, net = calc.Withdrawal(amt(980))
	assert.True(t, fee.Equal(amt(49)))
	assert.True(t, net.Equal(amt(931)))
}

// =============================================================================
// CONFIG VALIDATION
// =============================================================================

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     escrow.CommissionConfig
		wantErr string
	}{
		{name: "valid", cfg: escrow.CommissionConfig{DonationBps: 0, SuccessBps: 10000, RefundBps: 500, Sink: "sink"}},
		{name: "negative donation", cfg: escrow.CommissionConfig{DonationBps: -1, Sink: "sink"}, wantErr: "donation_bps"},
		{name: "success above max", cfg: escrow.CommissionConfig{SuccessBps: 10001, Sink: "sink"}, wantErr: "success_bps"},
		{name: "refund above max", cfg: escrow.CommissionConfig{RefundBps: 20000, Sink: "sink"}, wantErr: "refund_bps"},
		{name: "missing sink", cfg: escrow.CommissionConfig{}, wantErr: "sink"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := commission.ValidateConfig(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, escrow.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
