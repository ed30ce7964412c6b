// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/escrow-engine/escrow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type contribKey struct {
	CampaignID  escrow.CampaignID
	Contributor escrow.Identity
}

type memoryState struct {
	nextCampaignID escrow.CampaignID
	nextSeq        int64
	campaigns      map[escrow.CampaignID]escrow.Campaign
	contributions  map[contribKey]escrow.Contribution
	refundCounts   map[escrow.RefundCounterKey]int64
	operations     map[escrow.OperationID]escrow.Operation
	opKeys         map[string]escrow.OperationID
	events         []escrow.Event
	assets         map[escrow.AssetID]bool
	commission     *escrow.CommissionConfig
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func newMemoryState() memoryState {
	return memoryState{
		campaigns:     make(map[escrow.CampaignID]escrow.Campaign),
		contributions: make(map[contribKey]escrow.Contribution),
		refundCounts:  make(map[escrow.RefundCounterKey]int64),
		operations:    make(map[escrow.OperationID]escrow.Operation),
		opKeys:        make(map[string]escrow.OperationID),
		assets:        make(map[escrow.AssetID]bool),
	}
}

// =============================================================================
// Store interface: lock, then delegate to the unlocked state
// =============================================================================

func (m *Memory) InsertCampaign(ctx context.Context, c escrow.Campaign) (escrow.CampaignID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertCampaign(ctx, c)
}

func (m *Memory) GetCampaign(ctx context.Context, id escrow.CampaignID) (escrow.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetCampaign(ctx, id)
}

func (m *Memory) UpdateCampaign(ctx context.Context, c escrow.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateCampaign(ctx, c)
}

func (m *Memory) ListCampaigns(ctx context.Context, f escrow.CampaignFilter) ([]escrow.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListCampaigns(ctx, f)
}

func (m *Memory) GetContribution(ctx context.Context, id escrow.CampaignID, who escrow.Identity) (escrow.Contribution, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetContribution(ctx, id, who)
}

func (m *Memory) PutContribution(ctx context.Context, c escrow.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.PutContribution(ctx, c)
}

func (m *Memory) ListContributions(ctx context.Context, id escrow.CampaignID, offset, limit int) ([]escrow.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListContributions(ctx, id, offset, limit)
}

func (m *Memory) RefundCount(ctx context.Context, key escrow.RefundCounterKey) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RefundCount(ctx, key)
}

func (m *Memory) IncrementRefundCount(ctx context.Context, key escrow.RefundCounterKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IncrementRefundCount(ctx, key)
}

func (m *Memory) GetOperationByKey(ctx context.Context, key string) (escrow.Operation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetOperationByKey(ctx, key)
}

func (m *Memory) PutOperation(ctx context.Context, op escrow.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.PutOperation(ctx, op)
}

func (m *Memory) ListOperations(ctx context.Context, f escrow.OperationFilter) ([]escrow.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListOperations(ctx, f)
}

func (m *Memory) AppendEvent(ctx context.Context, e escrow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendEvent(ctx, e)
}

func (m *Memory) ListEvents(ctx context.Context, id escrow.CampaignID) ([]escrow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListEvents(ctx, id)
}

func (m *Memory) IsAssetAllowed(ctx context.Context, asset escrow.AssetID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsAssetAllowed(ctx, asset)
}

func (m *Memory) SetAssetAllowed(ctx context.Context, asset escrow.AssetID, allowed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SetAssetAllowed(ctx, asset, allowed)
}

func (m *Memory) GetCommissionConfig(ctx context.Context) (escrow.CommissionConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetCommissionConfig(ctx)
}

func (m *Memory) SaveCommissionConfig(ctx context.Context, cfg escrow.CommissionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveCommissionConfig(ctx, cfg)
}

// Reset drops every record (for demo scenarios).
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(escrow.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()

	if err := fn(&m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		nextCampaignID: s.nextCampaignID,
		nextSeq:        s.nextSeq,
		campaigns:      make(map[escrow.CampaignID]escrow.Campaign, len(s.campaigns)),
		contributions:  make(map[contribKey]escrow.Contribution, len(s.contributions)),
		refundCounts:   make(map[escrow.RefundCounterKey]int64, len(s.refundCounts)),
		operations:     make(map[escrow.OperationID]escrow.Operation, len(s.operations)),
		opKeys:         make(map[string]escrow.OperationID, len(s.opKeys)),
		events:         append([]escrow.Event{}, s.events...),
		assets:         make(map[escrow.AssetID]bool, len(s.assets)),
	}
	for k, v := range s.campaigns {
		c.campaigns[k] = v
	}
	for k, v := range s.contributions {
		c.contributions[k] = v
	}
	for k, v := range s.refundCounts {
		c.refundCounts[k] = v
	}
	for k, v := range s.operations {
		c.operations[k] = v
	}
	for k, v := range s.opKeys {
		c.opKeys[k] = v
	}
	for k, v := range s.assets {
		c.assets[k] = v
	}
	if s.commission != nil {
		cfg := *s.commission
		c.commission = &cfg
	}
	return c
}

// =============================================================================
// UNLOCKED STATE - also serves as the tx-scoped view
// =============================================================================

func (s *memoryState) InsertCampaign(_ context.Context, c escrow.Campaign) (escrow.CampaignID, error) {
	s.nextCampaignID++
	c.ID = s.nextCampaignID
	s.campaigns[c.ID] = c
	return c.ID, nil
}

func (s *memoryState) GetCampaign(_ context.Context, id escrow.CampaignID) (escrow.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return escrow.Campaign{}, escrow.ErrCampaignNotFound
	}
	return c, nil
}

func (s *memoryState) UpdateCampaign(_ context.Context, c escrow.Campaign) error {
	if _, ok := s.campaigns[c.ID]; !ok {
		return escrow.ErrCampaignNotFound
	}
	s.campaigns[c.ID] = c
	return nil
}

func (s *memoryState) ListCampaigns(_ context.Context, f escrow.CampaignFilter) ([]escrow.Campaign, error) {
	var result []escrow.Campaign
	for _, c := range s.campaigns {
		if f.Matches(c) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memoryState) GetContribution(_ context.Context, id escrow.CampaignID, who escrow.Identity) (escrow.Contribution, bool, error) {
	c, ok := s.contributions[contribKey{CampaignID: id, Contributor: who}]
	return c, ok, nil
}

func (s *memoryState) PutContribution(_ context.Context, c escrow.Contribution) error {
	k := contribKey{CampaignID: c.CampaignID, Contributor: c.Contributor}
	if existing, ok := s.contributions[k]; ok {
		c.Seq = existing.Seq
	} else {
		s.nextSeq++
		c.Seq = s.nextSeq
	}
	s.contributions[k] = c
	return nil
}

func (s *memoryState) ListContributions(_ context.Context, id escrow.CampaignID, offset, limit int) ([]escrow.Contribution, error) {
	var all []escrow.Contribution
	for k, c := range s.contributions {
		if k.CampaignID == id {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	if offset >= len(all) {
		return []escrow.Contribution{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *memoryState) RefundCount(_ context.Context, key escrow.RefundCounterKey) (int64, error) {
	return s.refundCounts[key], nil
}

func (s *memoryState) IncrementRefundCount(_ context.Context, key escrow.RefundCounterKey) (int64, error) {
	s.refundCounts[key]++
	return s.refundCounts[key], nil
}

func (s *memoryState) GetOperationByKey(_ context.Context, key string) (escrow.Operation, bool, error) {
	id, ok := s.opKeys[key]
	if !ok {
		return escrow.Operation{}, false, nil
	}
	return s.operations[id], true, nil
}

func (s *memoryState) PutOperation(_ context.Context, op escrow.Operation) error {
	if owner, ok := s.opKeys[op.IdempotencyKey]; ok && owner != op.ID {
		return escrow.ErrIdempotencyConflict
	}
	if op.Status == escrow.OpPending {
		for _, other := range s.operations {
			if other.ID != op.ID && other.CampaignID == op.CampaignID && other.Status == escrow.OpPending {
				return escrow.ErrConcurrentModification
			}
		}
	}
	s.operations[op.ID] = op
	s.opKeys[op.IdempotencyKey] = op.ID
	return nil
}

func (s *memoryState) ListOperations(_ context.Context, f escrow.OperationFilter) ([]escrow.Operation, error) {
	var result []escrow.Operation
	for _, op := range s.operations {
		if f.Matches(op) {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *memoryState) AppendEvent(_ context.Context, e escrow.Event) error {
	s.events = append(s.events, e)
	return nil
}

func (s *memoryState) ListEvents(_ context.Context, id escrow.CampaignID) ([]escrow.Event, error) {
	var result []escrow.Event
	for _, e := range s.events {
		if e.CampaignID == id {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *memoryState) IsAssetAllowed(_ context.Context, asset escrow.AssetID) (bool, error) {
	return s.assets[asset], nil
}

func (s *memoryState) SetAssetAllowed(_ context.Context, asset escrow.AssetID, allowed bool) error {
	s.assets[asset] = allowed
	return nil
}

func (s *memoryState) GetCommissionConfig(_ context.Context) (escrow.CommissionConfig, bool, error) {
	if s.commission == nil {
		return escrow.CommissionConfig{}, false, nil
	}
	return *s.commission, true, nil
}

func (s *memoryState) SaveCommissionConfig(_ context.Context, cfg escrow.CommissionConfig) error {
	s.commission = &cfg
	return nil
}
