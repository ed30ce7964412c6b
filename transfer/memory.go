package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/escrow-engine/escrow"
)

// EscrowAccount is the party holding pooled funds inside a Memory book.
const EscrowAccount escrow.Identity = "escrow"

type balanceKey struct {
	Party escrow.Identity
	Asset escrow.AssetID
}

// Direction selects which movements a failure rule applies to.
type Direction string

const (
	DirPull Direction = "pull"
	DirPush Direction = "push"
)

type failRule struct {
	Dir   Direction
	Party escrow.Identity
}

// Memory is an in-process balance book.
//
// References already applied are remembered and succeed again without
// moving value; reusing one for a different movement is rejected. Failure
// rules make every matching movement fail until cleared.
type Memory struct {
	mu        sync.Mutex
	balances  map[balanceKey]escrow.Amount
	applied   map[string]Request
	failures  map[failRule]error
	overdraft bool
	log       []Request
}

type MemoryOption func(*Memory)

// WithOverdraft lets external parties go negative, as if every party had
// an unlimited bank line. The escrow account never overdraws.
func WithOverdraft() MemoryOption {
	return func(m *Memory) {
		m.overdraft = true
	}
}

func NewMemory(options ...MemoryOption) *Memory {
	m := &Memory{
		balances: make(map[balanceKey]escrow.Amount),
		applied:  make(map[string]Request),
		failures: make(map[failRule]error),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Fund credits a party out of thin air.
func (m *Memory) Fund(party escrow.Identity, asset escrow.AssetID, amount escrow.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey{party, asset}
	m.balances[k] = m.balance(k).Add(amount)
}

func (m *Memory) Balance(party escrow.Identity, asset escrow.AssetID) escrow.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(balanceKey{party, asset})
}

// Fail makes every movement in dir involving party fail with err. An
// empty party matches everyone.
func (m *Memory) Fail(dir Direction, party escrow.Identity, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrRejected
	}
	m.failures[failRule{dir, party}] = err
}

// Heal clears all failure rules.
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[failRule]error)
}

// Movements returns every applied request in order.
func (m *Memory) Movements() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.log))
	copy(out, m.log)
	return out
}

func (m *Memory) Pull(_ context.Context, req Request) error {
	return m.move(DirPull, req, req.Party, EscrowAccount)
}

func (m *Memory) Push(_ context.Context, req Request) error {
	return m.move(DirPush, req, EscrowAccount, req.Party)
}

func (m *Memory) move(dir Direction, req Request, from, to escrow.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrRejected, req.Amount)
	}
	if err := m.failure(dir, req.Party); err != nil {
		return err
	}
	if prev, ok := m.applied[req.Reference]; ok && req.Reference != "" {
		if prev.Party != req.Party || prev.Asset != req.Asset || !prev.Amount.Equal(req.Amount) {
			return fmt.Errorf("%w: reference %s already used for %s %s to %s", ErrRejected, req.Reference, prev.Amount, prev.Asset, prev.Party)
		}
		return nil
	}

	src := balanceKey{from, req.Asset}
	dst := balanceKey{to, req.Asset}
	mayOverdraw := m.overdraft && from != EscrowAccount
	if !mayOverdraw && m.balance(src).LessThan(req.Amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientFunds, from, m.balance(src), req.Asset, req.Amount)
	}

	m.balances[src] = m.balance(src).Sub(req.Amount)
	m.balances[dst] = m.balance(dst).Add(req.Amount)
	if req.Reference != "" {
		m.applied[req.Reference] = req
	}
	m.log = append(m.log, req)
	return nil
}

func (m *Memory) failure(dir Direction, party escrow.Identity) error {
	if err, ok := m.failures[failRule{dir, party}]; ok {
		return err
	}
	if err, ok := m.failures[failRule{dir, ""}]; ok {
		return err
	}
	return nil
}

func (m *Memory) balance(k balanceKey) escrow.Amount {
	if b, ok := m.balances[k]; ok {
		return b
	}
	return decimal.Zero
}
