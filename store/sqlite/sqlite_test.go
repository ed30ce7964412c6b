package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/campaign"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/settlement"
	"github.com/warp/escrow-engine/store/sqlite"
	"github.com/warp/escrow-engine/transfer"
)

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCampaign(t *testing.T, s *sqlite.Store) escrow.Campaign {
	t.Helper()
	c := escrow.Campaign{
		Creator: "alice", Asset: "USDC", Goal: escrow.NewAmount(1000), Deadline: t0.Add(time.Hour),
		Type: escrow.TypeFixed, RaisedNet: escrow.NewAmount(0), RaisedTotal: escrow.NewAmount(0),
		WithdrawnTotal: escrow.NewAmount(0), CreatedAt: t0, UpdatedAt: t0,
	}
	id, err := s.InsertCampaign(context.Background(), c)
	require.NoError(t, err)
	c.ID = id
	return c
}

func op(id, key string, campaignID escrow.CampaignID, status escrow.OperationStatus, at time.Time) escrow.Operation {
	return escrow.Operation{
		ID: escrow.OperationID(id), IdempotencyKey: key, Kind: escrow.OpDeposit, CampaignID: campaignID,
		Actor: "bob", Counterparty: "bob", Asset: "USDC",
		Gross: escrow.NewAmount(100), Fee: escrow.NewAmount(2), Net: escrow.NewAmount(98), FeeBps: 200,
		Sink: "treasury", Status: status, FeeStatus: escrow.FeeNone, Attempt: 1, CreatedAt: at, UpdatedAt: at,
	}
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func TestCampaign_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedCampaign(t, s)

	c.RaisedNet = escrow.NewAmount(750)
	c.ClosureInitiated = true
	c.ClosureInitiatedAt = t0.Add(2 * time.Hour)
	c.ReclaimDeadline = t0.Add(2*time.Hour + 14*24*time.Hour)
	c.Suspended = true
	require.NoError(t, s.UpdateCampaign(ctx, c))

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "750", got.RaisedNet.String())
	assert.True(t, got.ClosureInitiated)
	assert.True(t, got.Suspended)
	assert.True(t, got.ReclaimDeadline.Equal(c.ReclaimDeadline))
	assert.True(t, got.Deadline.Equal(c.Deadline))
	assert.Equal(t, escrow.TypeFixed, got.Type)
}

func TestCampaign_NotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetCampaign(ctx, 42)
	assert.ErrorIs(t, err, escrow.ErrCampaignNotFound)

	err = s.UpdateCampaign(ctx, escrow.Campaign{ID: 42})
	assert.ErrorIs(t, err, escrow.ErrCampaignNotFound)
}

func TestListCampaigns_FiltersAndOrders(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	first := seedCampaign(t, s)
	second := seedCampaign(t, s)

	all, err := s.ListCampaigns(ctx, escrow.CampaignFilter{Creator: "alice"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	none, err := s.ListCampaigns(ctx, escrow.CampaignFilter{Type: escrow.TypeFlexible})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

func TestContributions_SeqKeptOnUpdate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedCampaign(t, s)

	for _, who := range []escrow.Identity{"bob", "carol", "dave"} {
		require.NoError(t, s.PutContribution(ctx, escrow.Contribution{
			CampaignID: c.ID, Contributor: who, NetAmount: escrow.NewAmount(10), CreatedAt: t0, UpdatedAt: t0,
		}))
	}
	// bob tops up; his place in the donor list stays first
	require.NoError(t, s.PutContribution(ctx, escrow.Contribution{
		CampaignID: c.ID, Contributor: "bob", NetAmount: escrow.NewAmount(25), CreatedAt: t0, UpdatedAt: t0.Add(time.Minute),
	}))

	donors, err := s.ListContributions(ctx, c.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, donors, 3)
	assert.Equal(t, escrow.Identity("bob"), donors[0].Contributor)
	assert.Equal(t, "25", donors[0].NetAmount.String())
	assert.Equal(t, escrow.Identity("dave"), donors[2].Contributor)

	page, err := s.ListContributions(ctx, c.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, escrow.Identity("carol"), page[0].Contributor)

	_, found, err := s.GetContribution(ctx, c.ID, "erin")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRefundCounter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := escrow.RefundCounterKey{Contributor: "bob", Epoch: escrow.RefundEpoch(t0)}

	n, err := s.RefundCount(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.IncrementRefundCount(ctx, key)
	require.NoError(t, err)
	n, err = s.IncrementRefundCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	other, err := s.RefundCount(ctx, escrow.RefundCounterKey{Contributor: "bob", Epoch: key.Epoch + 1})
	require.NoError(t, err)
	assert.Zero(t, other)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestOperations_UniqueKeyAndSinglePending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedCampaign(t, s)

	// GIVEN: a pending operation
	require.NoError(t, s.PutOperation(ctx, op("op-1", "k1", c.ID, escrow.OpPending, t0)))

	// THEN: its key cannot be taken by another operation
	err := s.PutOperation(ctx, op("op-2", "k1", c.ID, escrow.OpCommitted, t0))
	assert.ErrorIs(t, err, escrow.ErrIdempotencyConflict)

	// AND: a second pending operation on the campaign is refused
	err = s.PutOperation(ctx, op("op-3", "k3", c.ID, escrow.OpPending, t0))
	assert.ErrorIs(t, err, escrow.ErrConcurrentModification)

	// AND: once the first commits, the slot is free
	committed := op("op-1", "k1", c.ID, escrow.OpCommitted, t0)
	committed.FeeStatus = escrow.FeeOwed
	require.NoError(t, s.PutOperation(ctx, committed))
	require.NoError(t, s.PutOperation(ctx, op("op-3", "k3", c.ID, escrow.OpPending, t0)))

	got, found, err := s.GetOperationByKey(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, escrow.OpCommitted, got.Status)
	assert.Equal(t, escrow.FeeOwed, got.FeeStatus)
	assert.Equal(t, "98", got.Net.String())
}

func TestListOperations_Filters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedCampaign(t, s)
	other := seedCampaign(t, s)

	require.NoError(t, s.PutOperation(ctx, op("a", "ka", c.ID, escrow.OpPending, t0)))
	require.NoError(t, s.PutOperation(ctx, op("b", "kb", other.ID, escrow.OpPending, t0.Add(time.Hour))))
	require.NoError(t, s.PutOperation(ctx, op("c", "kc", c.ID, escrow.OpAborted, t0.Add(2*time.Hour))))

	stale, err := s.ListOperations(ctx, escrow.OperationFilter{Status: escrow.OpPending, CreatedBefore: t0.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, escrow.OperationID("a"), stale[0].ID)

	forCampaign, err := s.ListOperations(ctx, escrow.OperationFilter{CampaignID: c.ID})
	require.NoError(t, err)
	require.Len(t, forCampaign, 2)
	assert.Equal(t, escrow.OperationID("a"), forCampaign[0].ID, "ordered by creation time")
}

// =============================================================================
// EVENTS AND SETTINGS
// =============================================================================

func TestEvents_AppendOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedCampaign(t, s)

	for i, typ := range []escrow.EventType{escrow.EventCampaignCreated, escrow.EventDeposited, escrow.EventWithdrawn} {
		require.NoError(t, s.AppendEvent(ctx, escrow.Event{
			ID: string(typ), Type: typ, CampaignID: c.ID, Actor: "alice",
			Amount: escrow.NewAmount(int64(i)), Fee: escrow.NewAmount(0), At: t0,
		}))
	}

	evts, err := s.ListEvents(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, escrow.EventCampaignCreated, evts[0].Type)
	assert.Equal(t, escrow.EventWithdrawn, evts[2].Type)
	assert.Equal(t, "2", evts[2].Amount.String())
}

func TestSettings(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, found, err := s.GetCommissionConfig(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	cfg := escrow.CommissionConfig{DonationBps: 100, SuccessBps: 500, RefundBps: 1000, Sink: "treasury"}
	require.NoError(t, s.SaveCommissionConfig(ctx, cfg))
	cfg.SuccessBps = 700
	require.NoError(t, s.SaveCommissionConfig(ctx, cfg))
	got, found, err := s.GetCommissionConfig(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, cfg, got)

	require.NoError(t, s.SetAssetAllowed(ctx, "USDC", true))
	require.NoError(t, s.SetAssetAllowed(ctx, "EURC", true))
	require.NoError(t, s.SetAssetAllowed(ctx, "EURC", false))
	ok, err := s.IsAssetAllowed(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsAssetAllowed(ctx, "EURC")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReset_RestartsIDs(t *testing.T) {
	// GIVEN: two campaigns and a donor
	s := newStore(t)
	ctx := context.Background()
	seedCampaign(t, s)
	c := seedCampaign(t, s)
	require.Equal(t, escrow.CampaignID(2), c.ID)
	require.NoError(t, s.PutContribution(ctx, escrow.Contribution{
		CampaignID: c.ID, Contributor: "bob", NetAmount: escrow.NewAmount(10), CreatedAt: t0, UpdatedAt: t0,
	}))

	// WHEN: the store is reset
	require.NoError(t, s.Reset(ctx))

	// THEN: it behaves like a fresh database
	list, err := s.ListCampaigns(ctx, escrow.CampaignFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	again := seedCampaign(t, s)
	assert.Equal(t, escrow.CampaignID(1), again.ID, "ids restart after reset")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := seedCampaign(t, s)

	err := s.WithTx(ctx, func(tx escrow.Store) error {
		c.RaisedNet = escrow.NewAmount(500)
		if err := tx.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		if _, err := tx.IncrementRefundCount(ctx, escrow.RefundCounterKey{Contributor: "bob", Epoch: 1}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.RaisedNet.IsZero())
	n, err := s.RefundCount(ctx, escrow.RefundCounterKey{Contributor: "bob", Epoch: 1})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWithTx_RollbackOnStatementFailure(t *testing.T) {
	// GIVEN: a mocked driver whose update fails mid-transaction
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := sqlite.NewWithDB(db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaigns SET").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	// WHEN: the transaction runs
	err = s.WithTx(context.Background(), func(tx escrow.Store) error {
		return tx.UpdateCampaign(context.Background(), escrow.Campaign{ID: 1})
	})

	// THEN: the error surfaces and nothing is committed
	assert.ErrorContains(t, err, "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := sqlite.NewWithDB(db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err = s.WithTx(context.Background(), func(tx escrow.Store) error {
		return tx.SetAssetAllowed(context.Background(), "USDC", true)
	})

	assert.ErrorContains(t, err, "failed to commit transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// END TO END
// =============================================================================

func TestSettlementOnSQLite(t *testing.T) {
	// GIVEN: the engine backed by SQLite
	s := newStore(t)
	ctx := context.Background()
	book := transfer.NewMemory(transfer.WithOverdraft())
	clock := escrow.NewManualClock(t0)
	logger, _ := test.NewNullLogger()
	svc := settlement.New(s, book, settlement.WithClock(clock), settlement.WithLogger(logger), settlement.WithAdmins("admin"))
	require.NoError(t, svc.Bootstrap(ctx,
		escrow.CommissionConfig{DonationBps: 100, SuccessBps: 500, RefundBps: 1000, Sink: "treasury"},
		[]escrow.AssetID{"USDC"}))

	reached, err := svc.CreateCampaign(ctx, campaign.CreateInput{
		Creator: "alice", Asset: "USDC", Goal: escrow.NewAmount(900), Deadline: t0.Add(time.Hour), Type: escrow.TypeFixed,
	})
	require.NoError(t, err)
	failed, err := svc.CreateCampaign(ctx, campaign.CreateInput{
		Creator: "alice", Asset: "USDC", Goal: escrow.NewAmount(5000), Deadline: t0.Add(time.Hour), Type: escrow.TypeFixed,
	})
	require.NoError(t, err)

	// WHEN: one campaign reaches its goal and the other fails
	_, err = svc.Deposit(ctx, reached.ID, "bob", escrow.NewAmount(1000), "dep-1")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, failed.ID, "bob", escrow.NewAmount(1000), "dep-2")
	require.NoError(t, err)
	w, err := svc.Withdraw(ctx, reached.ID, "alice", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	r, err := svc.Refund(ctx, failed.ID, "bob", "")
	require.NoError(t, err)

	// THEN: amounts match the commission rules
	assert.Equal(t, "990", w.Gross.String())
	assert.Equal(t, "941", w.Net.String())
	assert.Equal(t, "990", r.Net.String(), "first refund in the epoch is free")
	replay, err := svc.Deposit(ctx, reached.ID, "bob", escrow.NewAmount(1000), "dep-1")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	view, err := svc.Campaign(ctx, reached.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusSettled, view.Status)

	evts, err := svc.Events(ctx, failed.ID)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, escrow.EventRefunded, evts[2].Type)

	// AND: fees reached the sink: 10 + 10 donation, floor(990*5%) = 49 success
	assert.Equal(t, "69", book.Balance("treasury", "USDC").String())
}
