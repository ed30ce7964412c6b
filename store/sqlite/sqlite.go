/*
Package sqlite provides a SQLite-backed implementation of escrow.TxStore.

PURPOSE:
  Persists campaigns, contributions, refund counters, operations, events
  and the administrative settings. In production the same patterns apply
  to PostgreSQL with minor dialect differences.

KEY TABLES:
  campaigns:         Campaign records and their running totals
  contributions:     Per-contributor net position; seq orders donors
  refund_counters:   Refunds per (contributor, 30-day epoch)
  operations:        Idempotent money movements and their status
  events:            Append-only audit of emitted events
  assets:            Asset whitelist
  commission_config: Single-row commission settings

INDEXES:
  - operations.idempotency_key UNIQUE: one operation per key
  - idx_operations_one_pending: at most one pending operation per campaign,
    so a second process cannot reserve the same campaign
  - idx_contributions_donors: donor list in first-deposit order

AMOUNTS AND TIMES:
  Amounts are stored as decimal strings and parsed back exactly. Times are
  stored in UTC with a fixed-width layout so string comparison orders them.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which also
  keeps ":memory:" databases coherent across calls.

USAGE:
  store, err := sqlite.New("./data/escrow.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - escrow/store.go: Interface definitions
  - escrow/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/escrow-engine/escrow"
)

// Store implements escrow.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ escrow.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an open handle and migrates the schema.
func NewWithDB(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS campaigns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		creator TEXT NOT NULL,
		asset TEXT NOT NULL,
		goal TEXT NOT NULL,
		deadline TEXT NOT NULL,
		campaign_type TEXT NOT NULL,
		raised_net TEXT NOT NULL,
		raised_total TEXT NOT NULL,
		withdrawn_total TEXT NOT NULL,
		withdrawn INTEGER NOT NULL DEFAULT 0,
		closure_initiated INTEGER NOT NULL DEFAULT 0,
		closure_initiated_at TEXT,
		reclaim_deadline TEXT,
		suspended INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_campaigns_creator
		ON campaigns(creator);

	CREATE TABLE IF NOT EXISTS contributions (
		campaign_id INTEGER NOT NULL REFERENCES campaigns(id),
		contributor TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		refunded INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (campaign_id, contributor)
	);

	CREATE INDEX IF NOT EXISTS idx_contributions_donors
		ON contributions(campaign_id, seq);

	CREATE TABLE IF NOT EXISTS refund_counters (
		contributor TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		refunds INTEGER NOT NULL,
		PRIMARY KEY (contributor, epoch)
	);

	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		campaign_id INTEGER NOT NULL,
		actor TEXT NOT NULL,
		counterparty TEXT NOT NULL,
		asset TEXT NOT NULL,
		gross TEXT NOT NULL,
		fee TEXT NOT NULL,
		net TEXT NOT NULL,
		fee_bps INTEGER NOT NULL,
		sink TEXT NOT NULL,
		status TEXT NOT NULL,
		fee_status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_one_pending
		ON operations(campaign_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_operations_status
		ON operations(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_operations_fee_status
		ON operations(fee_status) WHERE fee_status = 'owed';

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		campaign_id INTEGER NOT NULL,
		actor TEXT NOT NULL,
		amount TEXT NOT NULL,
		fee TEXT NOT NULL,
		operation_id TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_campaign
		ON events(campaign_id, seq);

	CREATE TABLE IF NOT EXISTS assets (
		asset TEXT PRIMARY KEY,
		allowed INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commission_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		donation_bps INTEGER NOT NULL,
		success_bps INTEGER NOT NULL,
		refund_bps INTEGER NOT NULL,
		sink TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (escrow.Store interface)
// =============================================================================

func (s *Store) q() queries { return queries{db: s.db} }

func (s *Store) InsertCampaign(ctx context.Context, c escrow.Campaign) (escrow.CampaignID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().InsertCampaign(ctx, c)
}

func (s *Store) GetCampaign(ctx context.Context, id escrow.CampaignID) (escrow.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetCampaign(ctx, id)
}

func (s *Store) UpdateCampaign(ctx context.Context, c escrow.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().UpdateCampaign(ctx, c)
}

func (s *Store) ListCampaigns(ctx context.Context, f escrow.CampaignFilter) ([]escrow.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListCampaigns(ctx, f)
}

func (s *Store) GetContribution(ctx context.Context, id escrow.CampaignID, who escrow.Identity) (escrow.Contribution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetContribution(ctx, id, who)
}

func (s *Store) PutContribution(ctx context.Context, c escrow.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().PutContribution(ctx, c)
}

func (s *Store) ListContributions(ctx context.Context, id escrow.CampaignID, offset, limit int) ([]escrow.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListContributions(ctx, id, offset, limit)
}

func (s *Store) RefundCount(ctx context.Context, key escrow.RefundCounterKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().RefundCount(ctx, key)
}

func (s *Store) IncrementRefundCount(ctx context.Context, key escrow.RefundCounterKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().IncrementRefundCount(ctx, key)
}

func (s *Store) GetOperationByKey(ctx context.Context, key string) (escrow.Operation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetOperationByKey(ctx, key)
}

func (s *Store) PutOperation(ctx context.Context, op escrow.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().PutOperation(ctx, op)
}

func (s *Store) ListOperations(ctx context.Context, f escrow.OperationFilter) ([]escrow.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListOperations(ctx, f)
}

func (s *Store) AppendEvent(ctx context.Context, e escrow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().AppendEvent(ctx, e)
}

func (s *Store) ListEvents(ctx context.Context, id escrow.CampaignID) ([]escrow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListEvents(ctx, id)
}

func (s *Store) IsAssetAllowed(ctx context.Context, asset escrow.AssetID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().IsAssetAllowed(ctx, asset)
}

func (s *Store) SetAssetAllowed(ctx context.Context, asset escrow.AssetID, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().SetAssetAllowed(ctx, asset, allowed)
}

func (s *Store) GetCommissionConfig(ctx context.Context) (escrow.CommissionConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetCommissionConfig(ctx)
}

func (s *Store) SaveCommissionConfig(ctx context.Context, cfg escrow.CommissionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().SaveCommissionConfig(ctx, cfg)
}

// =============================================================================
// TRANSACTIONAL STORE (escrow.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store escrow.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// sqlite_sequence holds the AUTOINCREMENT high-water marks; clearing it
	// restarts campaign ids at 1 like a fresh database.
	tables := []string{"events", "operations", "refund_counters", "contributions", "campaigns", "assets", "commission_config", "sqlite_sequence"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - shared by the plain and the tx-scoped store
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db querier
}

type scanner interface {
	Scan(dest ...any) error
}

const campaignColumns = `id, creator, asset, goal, deadline, campaign_type, raised_net, raised_total,
	withdrawn_total, withdrawn, closure_initiated, closure_initiated_at, reclaim_deadline,
	suspended, created_at, updated_at`

func (q queries) InsertCampaign(ctx context.Context, c escrow.Campaign) (escrow.CampaignID, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO campaigns
		(creator, asset, goal, deadline, campaign_type, raised_net, raised_total, withdrawn_total,
		 withdrawn, closure_initiated, closure_initiated_at, reclaim_deadline, suspended, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Creator, c.Asset, c.Goal.String(), formatTime(c.Deadline), c.Type,
		c.RaisedNet.String(), c.RaisedTotal.String(), c.WithdrawnTotal.String(),
		c.Withdrawn, c.ClosureInitiated, nullTime(c.ClosureInitiatedAt), nullTime(c.ReclaimDeadline),
		c.Suspended, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert campaign: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return escrow.CampaignID(id), nil
}

func (q queries) GetCampaign(ctx context.Context, id escrow.CampaignID) (escrow.Campaign, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Campaign{}, escrow.ErrCampaignNotFound
	}
	return c, err
}

func (q queries) UpdateCampaign(ctx context.Context, c escrow.Campaign) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE campaigns SET
			raised_net = ?, raised_total = ?, withdrawn_total = ?, withdrawn = ?,
			closure_initiated = ?, closure_initiated_at = ?, reclaim_deadline = ?,
			suspended = ?, updated_at = ?
		WHERE id = ?
	`,
		c.RaisedNet.String(), c.RaisedTotal.String(), c.WithdrawnTotal.String(), c.Withdrawn,
		c.ClosureInitiated, nullTime(c.ClosureInitiatedAt), nullTime(c.ReclaimDeadline),
		c.Suspended, formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return escrow.ErrCampaignNotFound
	}
	return nil
}

func (q queries) ListCampaigns(ctx context.Context, f escrow.CampaignFilter) ([]escrow.Campaign, error) {
	var (
		where []string
		args  []any
	)
	if f.Creator != "" {
		where, args = append(where, "creator = ?"), append(args, f.Creator)
	}
	if f.Asset != "" {
		where, args = append(where, "asset = ?"), append(args, f.Asset)
	}
	if f.Type != "" {
		where, args = append(where, "campaign_type = ?"), append(args, f.Type)
	}

	rows, err := q.db.QueryContext(ctx, "SELECT "+campaignColumns+" FROM campaigns"+whereClause(where)+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var result []escrow.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanCampaign(row scanner) (escrow.Campaign, error) {
	var (
		c                                          escrow.Campaign
		goal, raisedNet, raisedTotal, withdrawnTot string
		deadline, createdAt, updatedAt             string
		closureAt, reclaimDeadline                 sql.NullString
	)
	err := row.Scan(&c.ID, &c.Creator, &c.Asset, &goal, &deadline, &c.Type, &raisedNet, &raisedTotal,
		&withdrawnTot, &c.Withdrawn, &c.ClosureInitiated, &closureAt, &reclaimDeadline,
		&c.Suspended, &createdAt, &updatedAt)
	if err != nil {
		return escrow.Campaign{}, err
	}

	p := parser{}
	c.Goal = p.amount(goal)
	c.RaisedNet = p.amount(raisedNet)
	c.RaisedTotal = p.amount(raisedTotal)
	c.WithdrawnTotal = p.amount(withdrawnTot)
	c.Deadline = p.time(deadline)
	c.ClosureInitiatedAt = p.nullTime(closureAt)
	c.ReclaimDeadline = p.nullTime(reclaimDeadline)
	c.CreatedAt = p.time(createdAt)
	c.UpdatedAt = p.time(updatedAt)
	return c, p.err
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

const contributionColumns = `campaign_id, contributor, net_amount, refunded, seq, created_at, updated_at`

func (q queries) GetContribution(ctx context.Context, id escrow.CampaignID, who escrow.Identity) (escrow.Contribution, bool, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+contributionColumns+" FROM contributions WHERE campaign_id = ? AND contributor = ?", id, who)
	c, err := scanContribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Contribution{}, false, nil
	}
	if err != nil {
		return escrow.Contribution{}, false, err
	}
	return c, true, nil
}

// PutContribution upserts; seq is assigned on first insert only.
func (q queries) PutContribution(ctx context.Context, c escrow.Contribution) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO contributions (campaign_id, contributor, net_amount, refunded, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM contributions), ?, ?)
		ON CONFLICT (campaign_id, contributor) DO UPDATE SET
			net_amount = excluded.net_amount,
			refunded = excluded.refunded,
			updated_at = excluded.updated_at
	`, c.CampaignID, c.Contributor, c.NetAmount.String(), c.Refunded, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save contribution: %w", err)
	}
	return nil
}

func (q queries) ListContributions(ctx context.Context, id escrow.CampaignID, offset, limit int) ([]escrow.Contribution, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+contributionColumns+" FROM contributions WHERE campaign_id = ? ORDER BY seq LIMIT ? OFFSET ?",
		id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	defer rows.Close()

	result := []escrow.Contribution{}
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanContribution(row scanner) (escrow.Contribution, error) {
	var (
		c                         escrow.Contribution
		net, createdAt, updatedAt string
	)
	if err := row.Scan(&c.CampaignID, &c.Contributor, &net, &c.Refunded, &c.Seq, &createdAt, &updatedAt); err != nil {
		return escrow.Contribution{}, err
	}
	p := parser{}
	c.NetAmount = p.amount(net)
	c.CreatedAt = p.time(createdAt)
	c.UpdatedAt = p.time(updatedAt)
	return c, p.err
}

// =============================================================================
// REFUND COUNTERS
// =============================================================================

func (q queries) RefundCount(ctx context.Context, key escrow.RefundCounterKey) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		"SELECT refunds FROM refund_counters WHERE contributor = ? AND epoch = ?", key.Contributor, key.Epoch,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (q queries) IncrementRefundCount(ctx context.Context, key escrow.RefundCounterKey) (int64, error) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO refund_counters (contributor, epoch, refunds) VALUES (?, ?, 1)
		ON CONFLICT (contributor, epoch) DO UPDATE SET refunds = refunds + 1
	`, key.Contributor, key.Epoch)
	if err != nil {
		return 0, fmt.Errorf("failed to increment refund counter: %w", err)
	}
	return q.RefundCount(ctx, key)
}

// =============================================================================
// OPERATIONS
// =============================================================================

const operationColumns = `id, idempotency_key, kind, campaign_id, actor, counterparty, asset, gross, fee, net,
	fee_bps, sink, status, fee_status, attempt, error, created_at, updated_at`

func (q queries) GetOperationByKey(ctx context.Context, key string) (escrow.Operation, bool, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM operations WHERE idempotency_key = ?", key)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Operation{}, false, nil
	}
	if err != nil {
		return escrow.Operation{}, false, err
	}
	return op, true, nil
}

// PutOperation upserts by id. The unique indexes turn a reused key into
// ErrIdempotencyConflict and a second pending operation on the same
// campaign into ErrConcurrentModification.
func (q queries) PutOperation(ctx context.Context, op escrow.Operation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			gross = excluded.gross,
			fee = excluded.fee,
			net = excluded.net,
			fee_bps = excluded.fee_bps,
			sink = excluded.sink,
			status = excluded.status,
			fee_status = excluded.fee_status,
			attempt = excluded.attempt,
			error = excluded.error,
			updated_at = excluded.updated_at
	`,
		op.ID, op.IdempotencyKey, op.Kind, op.CampaignID, op.Actor, op.Counterparty, op.Asset,
		op.Gross.String(), op.Fee.String(), op.Net.String(), op.FeeBps, op.Sink,
		op.Status, op.FeeStatus, op.Attempt, op.Error, formatTime(op.CreatedAt), formatTime(op.UpdatedAt),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err, "operations.idempotency_key"):
			return escrow.ErrIdempotencyConflict
		case isUniqueViolation(err, "operations.campaign_id"):
			return escrow.ErrConcurrentModification
		}
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

func (q queries) ListOperations(ctx context.Context, f escrow.OperationFilter) ([]escrow.Operation, error) {
	var (
		where []string
		args  []any
	)
	if f.CampaignID != 0 {
		where, args = append(where, "campaign_id = ?"), append(args, f.CampaignID)
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, f.Status)
	}
	if f.FeeStatus != "" {
		where, args = append(where, "fee_status = ?"), append(args, f.FeeStatus)
	}
	if !f.CreatedBefore.IsZero() {
		where, args = append(where, "created_at < ?"), append(args, formatTime(f.CreatedBefore))
	}

	rows, err := q.db.QueryContext(ctx,
		"SELECT "+operationColumns+" FROM operations"+whereClause(where)+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var result []escrow.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

func scanOperation(row scanner) (escrow.Operation, error) {
	var (
		op                   escrow.Operation
		gross, fee, net      string
		createdAt, updatedAt string
	)
	err := row.Scan(&op.ID, &op.IdempotencyKey, &op.Kind, &op.CampaignID, &op.Actor, &op.Counterparty, &op.Asset,
		&gross, &fee, &net, &op.FeeBps, &op.Sink, &op.Status, &op.FeeStatus, &op.Attempt, &op.Error,
		&createdAt, &updatedAt)
	if err != nil {
		return escrow.Operation{}, err
	}
	p := parser{}
	op.Gross = p.amount(gross)
	op.Fee = p.amount(fee)
	op.Net = p.amount(net)
	op.CreatedAt = p.time(createdAt)
	op.UpdatedAt = p.time(updatedAt)
	return op, p.err
}

// =============================================================================
// EVENTS
// =============================================================================

func (q queries) AppendEvent(ctx context.Context, e escrow.Event) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, campaign_id, actor, amount, fee, operation_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Type, e.CampaignID, e.Actor, e.Amount.String(), e.Fee.String(), nullString(string(e.OperationID)), formatTime(e.At))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (q queries) ListEvents(ctx context.Context, id escrow.CampaignID) ([]escrow.Event, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, event_type, campaign_id, actor, amount, fee, operation_id, at
		FROM events WHERE campaign_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []escrow.Event
	for rows.Next() {
		var (
			e               escrow.Event
			amount, fee, at string
			opID            sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.CampaignID, &e.Actor, &amount, &fee, &opID, &at); err != nil {
			return nil, err
		}
		p := parser{}
		e.Amount = p.amount(amount)
		e.Fee = p.amount(fee)
		e.OperationID = escrow.OperationID(opID.String)
		e.At = p.time(at)
		if p.err != nil {
			return nil, p.err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// ADMINISTRATIVE SETTINGS
// =============================================================================

func (q queries) IsAssetAllowed(ctx context.Context, asset escrow.AssetID) (bool, error) {
	var allowed bool
	err := q.db.QueryRowContext(ctx, "SELECT allowed FROM assets WHERE asset = ?", asset).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return allowed, err
}

func (q queries) SetAssetAllowed(ctx context.Context, asset escrow.AssetID, allowed bool) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO assets (asset, allowed) VALUES (?, ?)
		ON CONFLICT (asset) DO UPDATE SET allowed = excluded.allowed
	`, asset, allowed)
	if err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

func (q queries) GetCommissionConfig(ctx context.Context) (escrow.CommissionConfig, bool, error) {
	var cfg escrow.CommissionConfig
	err := q.db.QueryRowContext(ctx,
		"SELECT donation_bps, success_bps, refund_bps, sink FROM commission_config WHERE id = 1",
	).Scan(&cfg.DonationBps, &cfg.SuccessBps, &cfg.RefundBps, &cfg.Sink)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.CommissionConfig{}, false, nil
	}
	if err != nil {
		return escrow.CommissionConfig{}, false, err
	}
	return cfg, true, nil
}

func (q queries) SaveCommissionConfig(ctx context.Context, cfg escrow.CommissionConfig) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO commission_config (id, donation_bps, success_bps, refund_bps, sink) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			donation_bps = excluded.donation_bps,
			success_bps = excluded.success_bps,
			refund_bps = excluded.refund_bps,
			sink = excluded.sink
	`, cfg.DonationBps, cfg.SuccessBps, cfg.RefundBps, cfg.Sink)
	if err != nil {
		return fmt.Errorf("failed to save commission config: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so stored times sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// parser keeps the first decode error so scans read straight through.
type parser struct {
	err error
}

func (p *parser) amount(s string) escrow.Amount {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("corrupt amount %q: %w", s, err)
	}
	return d
}

func (p *parser) time(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t
}

func (p *parser) nullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return p.time(s.String)
}

// isUniqueViolation reports a UNIQUE failure naming column ("table.column").
func isUniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return strings.Contains(se.Error(), column)
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}
