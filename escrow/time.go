package escrow

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected so deadlines are never compared against caller-supplied time
// =============================================================================

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests and demo scenarios.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// =============================================================================
// TIME CONSTANTS
// =============================================================================

const (
	// RefundEpochLength slices absolute time into fixed refund-fee epochs.
	RefundEpochLength = 30 * 24 * time.Hour

	// DefaultReclaimPeriod is how long contributors may reclaim after closure.
	DefaultReclaimPeriod = 14 * 24 * time.Hour
)

// RefundEpoch returns floor(t / 30 days) counted from the Unix epoch. It is
// a calendar slice, not a window anchored to the contributor's first refund.
func RefundEpoch(t time.Time) int64 {
	secs := t.Unix()
	span := int64(RefundEpochLength / time.Second)
	epoch := secs / span
	if secs < 0 && secs%span != 0 {
		epoch--
	}
	return epoch
}
