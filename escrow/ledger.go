/*
ledger.go - Contribution ledger

PURPOSE:
  Per-campaign map of contributor → net amount, plus the campaign's pooled
  totals and the ordered donor list.

CRITICAL INVARIANTS:
  1. Campaign.RaisedNet moves in lockstep with contributions: Credit adds
     the same amount to both, MarkRefunded removes the prior amount from both.
  2. A refunded contribution is never refunded again and never credited again.
  3. DebitAll reads and zeroes the pool in one step. Callers run it inside
     TxStore.WithTx while holding the campaign's lock, which makes it
     indivisible with respect to deposits and withdrawals on that campaign.

OWNERSHIP:
  Only the settlement orchestrator calls the mutating methods, and only
  with the tx-scoped Store handed to it by WithTx:

    err := store.WithTx(ctx, func(tx escrow.Store) error {
        return escrow.NewLedger(tx).Credit(ctx, id, who, net, now)
    })

SEE ALSO:
  - store.go: persistence contract
  - settlement/service.go: the only writer
*/
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger applies contribution mutations through a Store.
type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Credit adds net to the contributor's position, creating it (and appending
// the contributor to the donor list) on first use, and adds net to the pool.
// A zero net still creates the record.
func (l *Ledger) Credit(ctx context.Context, id CampaignID, contributor Identity, net Amount, at time.Time) error {
	c, err := l.Store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}

	contrib, found, err := l.Store.GetContribution(ctx, id, contributor)
	if err != nil {
		return err
	}
	if !found {
		contrib = Contribution{
			CampaignID:  id,
			Contributor: contributor,
			NetAmount:   decimal.Zero,
			CreatedAt:   at,
		}
	}
	if contrib.Refunded {
		return NewStateError(id, ReasonAlreadyRefunded)
	}

	contrib.NetAmount = contrib.NetAmount.Add(net)
	contrib.UpdatedAt = at
	if err := l.Store.PutContribution(ctx, contrib); err != nil {
		return err
	}

	c.RaisedNet = c.RaisedNet.Add(net)
	c.RaisedTotal = c.RaisedTotal.Add(net)
	c.UpdatedAt = at
	return l.Store.UpdateCampaign(ctx, c)
}

// DebitAll reads and zeroes the pool, returning the amount read and adding
// it to WithdrawnTotal.
func (l *Ledger) DebitAll(ctx context.Context, id CampaignID, at time.Time) (Amount, error) {
	c, err := l.Store.GetCampaign(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}

	amount := c.RaisedNet
	c.RaisedNet = decimal.Zero
	c.WithdrawnTotal = c.WithdrawnTotal.Add(amount)
	c.UpdatedAt = at
	if err := l.Store.UpdateCampaign(ctx, c); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// MarkRefunded zeroes the contribution, flags it refunded and removes the
// prior amount from the pool. It returns the amount that was zeroed.
func (l *Ledger) MarkRefunded(ctx context.Context, id CampaignID, contributor Identity, at time.Time) (Amount, error) {
	contrib, found, err := l.Store.GetContribution(ctx, id, contributor)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, NewStateError(id, ReasonNoContribution)
	}
	if contrib.Refunded {
		return decimal.Zero, NewStateError(id, ReasonAlreadyRefunded)
	}
	if !contrib.NetAmount.IsPositive() {
		return decimal.Zero, NewStateError(id, ReasonNothingToRefund)
	}

	c, err := l.Store.GetCampaign(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}

	amount := contrib.NetAmount
	contrib.NetAmount = decimal.Zero
	contrib.Refunded = true
	contrib.UpdatedAt = at
	if err := l.Store.PutContribution(ctx, contrib); err != nil {
		return decimal.Zero, err
	}

	c.RaisedNet = c.RaisedNet.Sub(amount)
	c.RaisedTotal = c.RaisedTotal.Sub(amount)
	c.UpdatedAt = at
	if err := l.Store.UpdateCampaign(ctx, c); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// =============================================================================
// READS
// =============================================================================

// Contribution returns the contributor's position. A contributor who never
// deposited gets a zero-valued Contribution and false.
func (l *Ledger) Contribution(ctx context.Context, id CampaignID, contributor Identity) (Contribution, bool, error) {
	if _, err := l.Store.GetCampaign(ctx, id); err != nil {
		return Contribution{}, false, err
	}
	c, found, err := l.Store.GetContribution(ctx, id, contributor)
	if err != nil || found {
		return c, found, err
	}
	return Contribution{CampaignID: id, Contributor: contributor, NetAmount: decimal.Zero}, false, nil
}

// Donors enumerates contributors in first-deposit order.
func (l *Ledger) Donors(ctx context.Context, id CampaignID, offset, limit int) ([]Contribution, error) {
	if offset < 0 {
		return nil, &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	if limit <= 0 {
		return nil, &ValidationError{Field: "limit", Message: "must be positive"}
	}
	if _, err := l.Store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return l.Store.ListContributions(ctx, id, offset, limit)
}
