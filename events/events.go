// Package events delivers engine events to external observers.
//
// Events are persisted by the settlement orchestrator inside the same
// transaction as the state change they describe, then handed to a
// Publisher. Publishing is best effort: a publisher never fails the
// operation that produced the event.
package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/warp/escrow-engine/escrow"
)

type Publisher interface {
	Publish(ctx context.Context, e escrow.Event)
}

// =============================================================================
// RECORDER - keeps everything in memory (tests, demo)
// =============================================================================

type Recorder struct {
	mu     sync.Mutex
	events []escrow.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e escrow.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []escrow.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]escrow.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t escrow.EventType) []escrow.Event {
	var out []escrow.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// LOG PUBLISHER
// =============================================================================

// LogPublisher writes one structured log line per event.
type LogPublisher struct {
	Logger logrus.FieldLogger
}

func NewLogPublisher(logger logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{Logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e escrow.Event) {
	fields := logrus.Fields{
		"event":       e.Type,
		"event_id":    e.ID,
		"campaign_id": e.CampaignID,
		"actor":       e.Actor,
	}
	if !e.Amount.IsZero() {
		fields["amount"] = e.Amount.String()
	}
	if !e.Fee.IsZero() {
		fields["fee"] = e.Fee.String()
	}
	if e.OperationID != "" {
		fields["operation_id"] = e.OperationID
	}
	p.Logger.WithFields(fields).Info("event")
}

// =============================================================================
// MULTI
// =============================================================================

// Multi fans an event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e escrow.Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, escrow.Event) {}
