/*
Package commission computes fees in basis points.

PURPOSE:
  Pure arithmetic over basis points with no state of its own. Every fee in
  the engine (donation, success, refund) goes through Fee/Net so the same
  identity holds everywhere:

    Fee(amount, bps) + Net(amount, bps) == amount

  The sink always receives Fee, the counterparty always receives Net, and
  no value is created or destroyed by rounding.

ROUNDING:
  fee = floor(amount * bps / 10000). Amounts are whole base units and never
  negative, so integer quotient and floor coincide.

VALIDATION:
  Rates are validated when a CommissionConfig is set (ValidateConfig), never
  at call time. The calculator trusts its configuration.

ESCALATING REFUND FEE:
  The first refund a contributor performs within a 30-day epoch is free;
  the second and later refunds in the same epoch pay RefundBps. Epochs are
  fixed calendar slices (escrow.RefundEpoch), not windows anchored to the
  contributor's first refund.
*/
package commission

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/escrow-engine/escrow"
)

// MaxBps is 100%.
const MaxBps int64 = 10000

var bpsDenominator = decimal.NewFromInt(MaxBps)

// Fee returns floor(amount * bps / 10000).
func Fee(amount escrow.Amount, bps int64) escrow.Amount {
	q, _ := amount.Mul(decimal.NewFromInt(bps)).QuoRem(bpsDenominator, 0)
	return q
}

// Net returns amount - Fee(amount, bps).
func Net(amount escrow.Amount, bps int64) escrow.Amount {
	return amount.Sub(Fee(amount, bps))
}

// Split returns (fee, net) for amount at bps.
func Split(amount escrow.Amount, bps int64) (fee, net escrow.Amount) {
	fee = Fee(amount, bps)
	return fee, amount.Sub(fee)
}

// =============================================================================
// CALCULATOR - bound to a validated config
// =============================================================================

// Calculator applies a CommissionConfig.
type Calculator struct {
	Config escrow.CommissionConfig
}

func NewCalculator(cfg escrow.CommissionConfig) Calculator {
	return Calculator{Config: cfg}
}

// Deposit splits a gross deposit into the donation fee and the net credited.
func (c Calculator) Deposit(gross escrow.Amount) (fee, net escrow.Amount) {
	return Split(gross, c.Config.DonationBps)
}

// Withdrawal splits a settled pool into the success fee and the creator payout.
func (c Calculator) Withdrawal(amount escrow.Amount) (fee, net escrow.Amount) {
	return Split(amount, c.Config.SuccessBps)
}

// RefundBps selects the refund tier. priorRefunds is how many refunds the
// contributor already performed in the current epoch.
func (c Calculator) RefundBps(priorRefunds int64) int64 {
	if priorRefunds == 0 {
		return 0
	}
	return c.Config.RefundBps
}

// Refund splits a refunded amount given the contributor's prior refunds in
// the current epoch.
func (c Calculator) Refund(amount escrow.Amount, priorRefunds int64) (fee, net escrow.Amount, bps int64) {
	bps = c.RefundBps(priorRefunds)
	fee, net = Split(amount, bps)
	return fee, net, bps
}

// =============================================================================
// CONFIG VALIDATION
// =============================================================================

// ValidateBps rejects rates outside [0, 10000].
func ValidateBps(field string, bps int64) error {
	if bps < 0 || bps > MaxBps {
		return &escrow.ValidationError{Field: field, Message: "must be between 0 and 10000 basis points"}
	}
	return nil
}

// ValidateConfig checks every rate and requires a sink.
func ValidateConfig(cfg escrow.CommissionConfig) error {
	if err := ValidateBps("donation_bps", cfg.DonationBps); err != nil {
		return err
	}
	if err := ValidateBps("success_bps", cfg.SuccessBps); err != nil {
		return err
	}
	if err := ValidateBps("refund_bps", cfg.RefundBps); err != nil {
		return err
	}
	if strings.TrimSpace(string(cfg.Sink)) == "" {
		return &escrow.ValidationError{Field: "sink", Message: "commission sink is required"}
	}
	return nil
}
