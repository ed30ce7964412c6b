/*
Package transfer moves value between parties and the escrow account.

PURPOSE:
  The engine never holds tokens itself. Every movement crosses this trust
  boundary through an Adapter:

    Pull: party  ──▶ escrow   (deposits)
    Push: escrow ──▶ party    (payouts, refunds, fees, compensation)

REFERENCES:
  Every request carries a Reference, the engine's operation id plus the
  leg. Adapters must treat a repeated Reference as the same movement, so
  retrying after a timeout never moves value twice.

IMPLEMENTATIONS:
  - Memory:      in-process balance book with failure injection (tests, demo)
  - HTTPGateway: REST payment gateway client with retries
*/
package transfer

import (
	"context"
	"errors"

	"github.com/warp/escrow-engine/escrow"
)

// Request describes one movement between a party and the escrow account.
type Request struct {
	Reference string
	Party     escrow.Identity
	Asset     escrow.AssetID
	Amount    escrow.Amount
}

// Adapter is the value transfer collaborator.
type Adapter interface {
	Pull(ctx context.Context, req Request) error
	Push(ctx context.Context, req Request) error
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejected          = errors.New("transfer rejected")
)
