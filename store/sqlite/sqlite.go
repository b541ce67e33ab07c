/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements settlement.TxStore and settlement.RunLocker using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  settlement.LedgerStore: Work ledger reads + ApplyRemittance
  settlement.RunStore:    Settlement runs, remittances, lines
  settlement.WorkStore:   Entry boundary and read surface
  settlement.TxStore:     Transactional composition
  settlement.RunLocker:   Run-level advisory lock

KEY TABLES:
  worklogs:         One per worker/task pairing
  time_segments:    Recorded work (rate snapshot, soft delete)
  adjustments:      Manual corrections
  settlements:      Run history
  remittances:      Payout instructions
  remittance_lines: Audit trail, one entry per line
  run_locks:        Singleton advisory lock row

CLAIM GUARD:
  ApplyRemittance uses a conditional UPDATE plus rows-affected check: the
  update only lands if the entry is UNSETTLED or every remittance holding
  it (other than the one being applied) has failed or cancelled. A lost
  race surfaces as settlement.ErrConcurrentClaim and rolls the worker's
  transaction back.

INDEXES:
  The eligibility queries are covered by indexes on segment_date,
  settlement_state, and remittance_id, plus line-side indexes on
  segment_id/adjustment_id - no full scans on the hot path.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - settlement/store.go: Interface definitions
  - settlement/orchestrator.go: Run loop using WithTx
  - settlement/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/money"
	"github.com/warp/settlement-engine/settlement"
)

// runLockTTL bounds how long a crashed run can hold the advisory lock.
const runLockTTL = 15 * time.Minute

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ settlement.TxStore = (*Store)(nil)
var _ settlement.RunLocker = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
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
	-- Work logs (one per worker/task pairing)
	CREATE TABLE IF NOT EXISTS worklogs (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		task_reference TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_worklogs_worker
		ON worklogs(worker_id);

	-- Time segments (rate snapshot captured at recording time)
	CREATE TABLE IF NOT EXISTS time_segments (
		id TEXT PRIMARY KEY,
		worklog_id TEXT NOT NULL REFERENCES worklogs(id),
		hours_worked TEXT NOT NULL,
		hourly_rate TEXT NOT NULL,
		segment_date TEXT NOT NULL,
		settlement_state TEXT NOT NULL DEFAULT 'unsettled',
		remittance_id TEXT,
		deleted_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_segments_worklog
		ON time_segments(worklog_id);
	CREATE INDEX IF NOT EXISTS idx_segments_state_date
		ON time_segments(settlement_state, segment_date);
	CREATE INDEX IF NOT EXISTS idx_segments_remittance
		ON time_segments(remittance_id) WHERE remittance_id IS NOT NULL;

	-- Adjustments (manual corrections, period-agnostic)
	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		worklog_id TEXT NOT NULL REFERENCES worklogs(id),
		adjustment_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT,
		effective_date TEXT NOT NULL,
		settlement_state TEXT NOT NULL DEFAULT 'unsettled',
		remittance_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_worklog
		ON adjustments(worklog_id);
	CREATE INDEX IF NOT EXISTS idx_adjustments_state
		ON adjustments(settlement_state);
	CREATE INDEX IF NOT EXISTS idx_adjustments_remittance
		ON adjustments(remittance_id) WHERE remittance_id IS NOT NULL;

	-- Settlement runs
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		remittances_created INTEGER NOT NULL DEFAULT 0,
		total_gross TEXT NOT NULL DEFAULT '0.00',
		total_net TEXT NOT NULL DEFAULT '0.00'
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_status
		ON settlements(status);

	-- Remittances (one payout instruction per worker per run)
	CREATE TABLE IF NOT EXISTS remittances (
		id TEXT PRIMARY KEY,
		settlement_id TEXT NOT NULL REFERENCES settlements(id),
		worker_id TEXT NOT NULL,
		gross_amount TEXT NOT NULL,
		adjustments_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		paid_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_remittances_settlement
		ON remittances(settlement_id);
	CREATE INDEX IF NOT EXISTS idx_remittances_worker
		ON remittances(worker_id);
	CREATE INDEX IF NOT EXISTS idx_remittances_status
		ON remittances(status);

	-- Remittance lines (exactly one of segment_id/adjustment_id is set)
	CREATE TABLE IF NOT EXISTS remittance_lines (
		id TEXT PRIMARY KEY,
		remittance_id TEXT NOT NULL REFERENCES remittances(id),
		segment_id TEXT REFERENCES time_segments(id),
		adjustment_id TEXT REFERENCES adjustments(id),
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		CHECK ((segment_id IS NULL) != (adjustment_id IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_lines_remittance
		ON remittance_lines(remittance_id);
	CREATE INDEX IF NOT EXISTS idx_lines_segment
		ON remittance_lines(segment_id) WHERE segment_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_lines_adjustment
		ON remittance_lines(adjustment_id) WHERE adjustment_id IS NOT NULL;

	-- Run-level advisory lock (singleton row)
	CREATE TABLE IF NOT EXISTS run_locks (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		acquired_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer abstracts *sql.DB and *sql.Tx so write paths can run either
// standalone or inside WithTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER STORE (settlement.LedgerStore interface)
// =============================================================================

const segmentColumns = `
	s.id, s.worklog_id, w.worker_id, s.hours_worked, s.hourly_rate, s.segment_date,
	s.settlement_state, s.remittance_id, s.deleted_at, s.created_at`

// blockedSegment matches segments held by a PAID or PENDING remittance,
// excluding the remittance bound as the extra argument (the one being
// applied). This is the eligibility rule's canonical form in SQL.
const blockedSegment = `EXISTS (
		SELECT 1 FROM remittance_lines l
		JOIN remittances r ON r.id = l.remittance_id
		WHERE l.segment_id = s.id AND l.remittance_id != ? AND r.status IN ('paid', 'pending')
	)`

const blockedAdjustment = `EXISTS (
		SELECT 1 FROM remittance_lines l
		JOIN remittances r ON r.id = l.remittance_id
		WHERE l.adjustment_id = a.id AND l.remittance_id != ? AND r.status IN ('paid', 'pending')
	)`

// FindUnsettledSegments returns non-deleted UNSETTLED segments dated
// within the period, inclusive of both boundary days.
func (s *Store) FindUnsettledSegments(ctx context.Context, p settlement.Period) ([]settlement.TimeSegment, error) {
	query := `
		SELECT ` + segmentColumns + `
		FROM time_segments s
		JOIN worklogs w ON w.id = s.worklog_id
		WHERE s.deleted_at IS NULL
		  AND s.settlement_state = 'unsettled'
		  AND s.segment_date >= ? AND s.segment_date <= ?
		ORDER BY s.segment_date ASC, s.created_at ASC
	`
	return s.querySegments(ctx, query, p.Start.String(), p.End.String())
}

// FindStrandedSegments returns segments whose every remittance failed or
// was cancelled. They re-enter settlement regardless of period.
func (s *Store) FindStrandedSegments(ctx context.Context) ([]settlement.TimeSegment, error) {
	query := `
		SELECT ` + segmentColumns + `
		FROM time_segments s
		JOIN worklogs w ON w.id = s.worklog_id
		WHERE s.deleted_at IS NULL
		  AND s.settlement_state = 'remitted'
		  AND EXISTS (
			SELECT 1 FROM remittance_lines l WHERE l.segment_id = s.id
		  )
		  AND NOT ` + blockedSegment + `
		ORDER BY s.segment_date ASC, s.created_at ASC
	`
	return s.querySegments(ctx, query, "")
}

const adjustmentColumns = `
	a.id, a.worklog_id, w.worker_id, a.adjustment_type, a.amount, a.reason,
	a.effective_date, a.settlement_state, a.remittance_id, a.created_at`

// FindUnsettledAdjustments returns UNSETTLED adjustments with any
// effective date. Adjustments are retroactive, so no period filter.
func (s *Store) FindUnsettledAdjustments(ctx context.Context) ([]settlement.Adjustment, error) {
	query := `
		SELECT ` + adjustmentColumns + `
		FROM adjustments a
		JOIN worklogs w ON w.id = a.worklog_id
		WHERE a.settlement_state = 'unsettled'
		ORDER BY a.effective_date ASC, a.created_at ASC
	`
	return s.queryAdjustments(ctx, query)
}

// FindStrandedAdjustments is the adjustment counterpart of
// FindStrandedSegments.
func (s *Store) FindStrandedAdjustments(ctx context.Context) ([]settlement.Adjustment, error) {
	query := `
		SELECT ` + adjustmentColumns + `
		FROM adjustments a
		JOIN worklogs w ON w.id = a.worklog_id
		WHERE a.settlement_state = 'remitted'
		  AND EXISTS (
			SELECT 1 FROM remittance_lines l WHERE l.adjustment_id = a.id
		  )
		  AND NOT ` + blockedAdjustment + `
		ORDER BY a.effective_date ASC, a.created_at ASC
	`
	return s.queryAdjustments(ctx, query, "")
}

// ApplyRemittance claims every entry for the given remittance. The
// conditional UPDATE is the optimistic concurrency guard: it only lands
// on entries still claimable, so a racing run loses by rows-affected.
func (s *Store) ApplyRemittance(ctx context.Context, entries []settlement.Entry, id settlement.RemittanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyRemittance(ctx, s.db, entries, id)
}

func (s *Store) applyRemittance(ctx context.Context, db execer, entries []settlement.Entry, id settlement.RemittanceID) error {
	segmentUpdate := `
		UPDATE time_segments SET settlement_state = 'remitted', remittance_id = ?
		WHERE id = ? AND deleted_at IS NULL
		  AND (settlement_state = 'unsettled' OR NOT EXISTS (
			SELECT 1 FROM remittance_lines l
			JOIN remittances r ON r.id = l.remittance_id
			WHERE l.segment_id = time_segments.id
			  AND l.remittance_id != ? AND r.status IN ('paid', 'pending')
		  ))
	`
	adjustmentUpdate := `
		UPDATE adjustments SET settlement_state = 'remitted', remittance_id = ?
		WHERE id = ?
		  AND (settlement_state = 'unsettled' OR NOT EXISTS (
			SELECT 1 FROM remittance_lines l
			JOIN remittances r ON r.id = l.remittance_id
			WHERE l.adjustment_id = adjustments.id
			  AND l.remittance_id != ? AND r.status IN ('paid', 'pending')
		  ))
	`

	for _, e := range entries {
		var (
			res sql.Result
			err error
		)
		if e.IsSegment() {
			res, err = db.ExecContext(ctx, segmentUpdate, id, e.Segment.ID, id)
		} else {
			res, err = db.ExecContext(ctx, adjustmentUpdate, id, e.Adjustment.ID, id)
		}
		if err != nil {
			return storeErr("apply remittance", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storeErr("apply remittance", err)
		}
		if affected != 1 {
			if e.IsSegment() {
				return &settlement.ClaimConflictError{WorkerID: e.Segment.WorkerID, SegmentID: e.Segment.ID}
			}
			return &settlement.ClaimConflictError{WorkerID: e.Adjustment.WorkerID, AdjustmentID: e.Adjustment.ID}
		}
	}
	return nil
}

func (s *Store) querySegments(ctx context.Context, query string, args ...any) ([]settlement.TimeSegment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query segments", err)
	}
	defer rows.Close()

	var segments []settlement.TimeSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func scanSegment(rows *sql.Rows) (settlement.TimeSegment, error) {
	var (
		seg          settlement.TimeSegment
		hours        string
		rate         string
		date         string
		remittanceID sql.NullString
		deletedAt    sql.NullString
		createdAt    string
	)
	err := rows.Scan(
		&seg.ID, &seg.WorkLogID, &seg.WorkerID, &hours, &rate, &date,
		&seg.State, &remittanceID, &deletedAt, &createdAt,
	)
	if err != nil {
		return seg, fmt.Errorf("failed to scan segment: %w", err)
	}

	if seg.HoursWorked, err = decimal.NewFromString(hours); err != nil {
		return seg, fmt.Errorf("segment %s: bad hours %q: %w", seg.ID, hours, err)
	}
	if seg.HourlyRate, err = decimal.NewFromString(rate); err != nil {
		return seg, fmt.Errorf("segment %s: bad rate %q: %w", seg.ID, rate, err)
	}
	if seg.Date, err = settlement.ParseDate(date); err != nil {
		return seg, fmt.Errorf("segment %s: bad date %q: %w", seg.ID, date, err)
	}
	seg.RemittanceID = settlement.RemittanceID(remittanceID.String)
	seg.DeletedAt = parseNullTime(deletedAt)
	seg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return seg, nil
}

func (s *Store) queryAdjustments(ctx context.Context, query string, args ...any) ([]settlement.Adjustment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query adjustments", err)
	}
	defer rows.Close()

	var adjustments []settlement.Adjustment
	for rows.Next() {
		adj, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, rows.Err()
}

func scanAdjustment(rows *sql.Rows) (settlement.Adjustment, error) {
	var (
		adj          settlement.Adjustment
		amount       string
		reason       sql.NullString
		date         string
		remittanceID sql.NullString
		createdAt    string
	)
	err := rows.Scan(
		&adj.ID, &adj.WorkLogID, &adj.WorkerID, &adj.Type, &amount, &reason,
		&date, &adj.State, &remittanceID, &createdAt,
	)
	if err != nil {
		return adj, fmt.Errorf("failed to scan adjustment: %w", err)
	}

	if adj.Amount, err = money.FromString(amount); err != nil {
		return adj, fmt.Errorf("adjustment %s: bad amount %q: %w", adj.ID, amount, err)
	}
	if adj.EffectiveDate, err = settlement.ParseDate(date); err != nil {
		return adj, fmt.Errorf("adjustment %s: bad date %q: %w", adj.ID, date, err)
	}
	adj.Reason = reason.String
	adj.RemittanceID = settlement.RemittanceID(remittanceID.String)
	adj.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return adj, nil
}

// =============================================================================
// RUN STORE (settlement.RunStore interface)
// =============================================================================

func (s *Store) CreateSettlement(ctx context.Context, run *settlement.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSettlement(ctx, s.db, run)
}

func (s *Store) createSettlement(ctx context.Context, db execer, run *settlement.Settlement) error {
	query := `
		INSERT INTO settlements
		(id, period_start, period_end, started_at, finished_at, status,
		 remittances_created, total_gross, total_net)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		run.ID,
		run.PeriodStart.String(),
		run.PeriodEnd.String(),
		run.StartedAt.UTC().Format(time.RFC3339),
		formatNullTime(run.FinishedAt),
		run.Status,
		run.RemittancesCreated,
		run.TotalGross.String(),
		run.TotalNet.String(),
	)
	if err != nil {
		return storeErr("create settlement", err)
	}
	return nil
}

func (s *Store) FinishSettlement(ctx context.Context, run *settlement.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishSettlement(ctx, s.db, run)
}

func (s *Store) finishSettlement(ctx context.Context, db execer, run *settlement.Settlement) error {
	query := `
		UPDATE settlements
		SET finished_at = ?, status = ?, remittances_created = ?, total_gross = ?, total_net = ?
		WHERE id = ? AND finished_at IS NULL
	`
	res, err := db.ExecContext(ctx, query,
		formatNullTime(run.FinishedAt),
		run.Status,
		run.RemittancesCreated,
		run.TotalGross.String(),
		run.TotalNet.String(),
		run.ID,
	)
	if err != nil {
		return storeErr("finish settlement", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("finish settlement", err)
	}
	if affected == 0 {
		return settlement.ErrSettlementNotFound
	}
	return nil
}

const settlementColumns = `
	id, period_start, period_end, started_at, finished_at, status,
	remittances_created, total_gross, total_net`

func (s *Store) GetSettlement(ctx context.Context, id settlement.SettlementID) (*settlement.Settlement, error) {
	runs, err := s.querySettlements(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, settlement.ErrSettlementNotFound
	}
	return &runs[0], nil
}

func (s *Store) ListSettlements(ctx context.Context) ([]settlement.Settlement, error) {
	return s.querySettlements(ctx,
		"SELECT "+settlementColumns+" FROM settlements ORDER BY started_at ASC, id ASC")
}

func (s *Store) querySettlements(ctx context.Context, query string, args ...any) ([]settlement.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query settlements", err)
	}
	defer rows.Close()

	var runs []settlement.Settlement
	for rows.Next() {
		var (
			run         settlement.Settlement
			periodStart string
			periodEnd   string
			startedAt   string
			finishedAt  sql.NullString
			totalGross  string
			totalNet    string
		)
		if err := rows.Scan(&run.ID, &periodStart, &periodEnd, &startedAt, &finishedAt,
			&run.Status, &run.RemittancesCreated, &totalGross, &totalNet); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		if run.PeriodStart, err = settlement.ParseDate(periodStart); err != nil {
			return nil, err
		}
		if run.PeriodEnd, err = settlement.ParseDate(periodEnd); err != nil {
			return nil, err
		}
		run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		run.FinishedAt = parseNullTime(finishedAt)
		if run.TotalGross, err = money.FromString(totalGross); err != nil {
			return nil, err
		}
		if run.TotalNet, err = money.FromString(totalNet); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) CreateRemittance(ctx context.Context, r *settlement.Remittance, lines []settlement.RemittanceLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRemittance(ctx, s.db, r, lines)
}

func (s *Store) createRemittance(ctx context.Context, db execer, r *settlement.Remittance, lines []settlement.RemittanceLine) error {
	query := `
		INSERT INTO remittances
		(id, settlement_id, worker_id, gross_amount, adjustments_amount, net_amount,
		 status, created_at, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		r.ID, r.SettlementID, r.WorkerID,
		r.Gross.String(), r.Adjustments.String(), r.Net.String(),
		r.Status,
		r.CreatedAt.UTC().Format(time.RFC3339),
		formatNullTime(r.PaidAt),
	)
	if err != nil {
		return storeErr("create remittance", err)
	}

	lineQuery := `
		INSERT INTO remittance_lines (id, remittance_id, segment_id, adjustment_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, line := range lines {
		var segID, adjID any
		if line.SegmentID != nil {
			segID = string(*line.SegmentID)
		}
		if line.AdjustmentID != nil {
			adjID = string(*line.AdjustmentID)
		}
		_, err := db.ExecContext(ctx, lineQuery,
			line.ID, line.RemittanceID, segID, adjID,
			line.Amount.String(),
			line.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return storeErr("create remittance line", err)
		}
	}
	return nil
}

const remittanceColumns = `
	id, settlement_id, worker_id, gross_amount, adjustments_amount, net_amount,
	status, created_at, paid_at`

func (s *Store) GetRemittance(ctx context.Context, id settlement.RemittanceID) (*settlement.Remittance, error) {
	remits, err := s.queryRemittances(ctx,
		"SELECT "+remittanceColumns+" FROM remittances WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(remits) == 0 {
		return nil, settlement.ErrRemittanceNotFound
	}
	return &remits[0], nil
}

func (s *Store) ListRemittancesByWorker(ctx context.Context, workerID settlement.WorkerID) ([]settlement.Remittance, error) {
	return s.queryRemittances(ctx,
		"SELECT "+remittanceColumns+" FROM remittances WHERE worker_id = ? ORDER BY created_at ASC, id ASC",
		workerID)
}

func (s *Store) ListRemittancesBySettlement(ctx context.Context, id settlement.SettlementID) ([]settlement.Remittance, error) {
	return s.queryRemittances(ctx,
		"SELECT "+remittanceColumns+" FROM remittances WHERE settlement_id = ? ORDER BY created_at ASC, id ASC",
		id)
}

func (s *Store) queryRemittances(ctx context.Context, query string, args ...any) ([]settlement.Remittance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query remittances", err)
	}
	defer rows.Close()

	var remits []settlement.Remittance
	for rows.Next() {
		var (
			r         settlement.Remittance
			gross     string
			adjs      string
			net       string
			createdAt string
			paidAt    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SettlementID, &r.WorkerID, &gross, &adjs, &net,
			&r.Status, &createdAt, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan remittance: %w", err)
		}
		if r.Gross, err = money.FromString(gross); err != nil {
			return nil, err
		}
		if r.Adjustments, err = money.FromString(adjs); err != nil {
			return nil, err
		}
		if r.Net, err = money.FromString(net); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.PaidAt = parseNullTime(paidAt)
		remits = append(remits, r)
	}
	return remits, rows.Err()
}

func (s *Store) ListRemittanceLines(ctx context.Context, id settlement.RemittanceID) ([]settlement.RemittanceLine, error) {
	query := `
		SELECT id, remittance_id, segment_id, adjustment_id, amount, created_at
		FROM remittance_lines
		WHERE remittance_id = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, storeErr("query remittance lines", err)
	}
	defer rows.Close()

	var lines []settlement.RemittanceLine
	for rows.Next() {
		var (
			line      settlement.RemittanceLine
			segID     sql.NullString
			adjID     sql.NullString
			amount    string
			createdAt string
		)
		if err := rows.Scan(&line.ID, &line.RemittanceID, &segID, &adjID, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan remittance line: %w", err)
		}
		if segID.Valid {
			v := settlement.SegmentID(segID.String)
			line.SegmentID = &v
		}
		if adjID.Valid {
			v := settlement.AdjustmentID(adjID.String)
			line.AdjustmentID = &v
		}
		if line.Amount, err = money.FromString(amount); err != nil {
			return nil, err
		}
		line.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// UpdateRemittanceStatus records the payment rail's verdict. Only
// PENDING remittances transition; the WHERE clause makes the check
// atomic with the write.
func (s *Store) UpdateRemittanceStatus(ctx context.Context, id settlement.RemittanceID, status settlement.RemittanceStatus, paidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRemittanceStatus(ctx, s.db, id, status, paidAt)
}

func (s *Store) updateRemittanceStatus(ctx context.Context, db execer, id settlement.RemittanceID, status settlement.RemittanceStatus, paidAt *time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE remittances SET status = ?, paid_at = ? WHERE id = ? AND status = 'pending'",
		status, formatNullTime(paidAt), id,
	)
	if err != nil {
		return storeErr("update remittance status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("update remittance status", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a missing remittance from a terminal one.
	var current settlement.RemittanceStatus
	err = db.QueryRowContext(ctx, "SELECT status FROM remittances WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return settlement.ErrRemittanceNotFound
	}
	if err != nil {
		return storeErr("update remittance status", err)
	}
	return &settlement.StatusTransitionError{RemittanceID: id, From: current, To: status}
}

// =============================================================================
// WORK STORE (settlement.WorkStore interface)
// =============================================================================

func (s *Store) CreateWorkLog(ctx context.Context, w *settlement.WorkLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createWorkLog(ctx, s.db, w)
}

func (s *Store) createWorkLog(ctx context.Context, db execer, w *settlement.WorkLog) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO worklogs (id, worker_id, task_reference, created_at) VALUES (?, ?, ?, ?)",
		w.ID, w.WorkerID, w.TaskReference, w.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return storeErr("create worklog", err)
	}
	return nil
}

func (s *Store) GetWorkLog(ctx context.Context, id settlement.WorkLogID) (*settlement.WorkLog, error) {
	var (
		w         settlement.WorkLog
		taskRef   sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, worker_id, task_reference, created_at FROM worklogs WHERE id = ?", id,
	).Scan(&w.ID, &w.WorkerID, &taskRef, &createdAt)
	if err == sql.ErrNoRows {
		return nil, settlement.ErrWorkLogNotFound
	}
	if err != nil {
		return nil, storeErr("get worklog", err)
	}
	w.TaskReference = taskRef.String
	w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &w, nil
}

func (s *Store) ListWorkLogs(ctx context.Context, workerID settlement.WorkerID) ([]settlement.WorkLog, error) {
	query := "SELECT id, worker_id, task_reference, created_at FROM worklogs"
	var args []any
	if workerID != "" {
		query += " WHERE worker_id = ?"
		args = append(args, workerID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query worklogs", err)
	}
	defer rows.Close()

	var logs []settlement.WorkLog
	for rows.Next() {
		var (
			w         settlement.WorkLog
			taskRef   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&w.ID, &w.WorkerID, &taskRef, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan worklog: %w", err)
		}
		w.TaskReference = taskRef.String
		w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		logs = append(logs, w)
	}
	return logs, rows.Err()
}

func (s *Store) CreateSegment(ctx context.Context, seg *settlement.TimeSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSegment(ctx, s.db, seg)
}

func (s *Store) createSegment(ctx context.Context, db execer, seg *settlement.TimeSegment) error {
	if seg.State == "" {
		seg.State = settlement.StateUnsettled
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO time_segments
		(id, worklog_id, hours_worked, hourly_rate, segment_date, settlement_state, remittance_id, deleted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.WorkLogID,
		seg.HoursWorked.String(), seg.HourlyRate.String(),
		seg.Date.String(), seg.State,
		nullString(string(seg.RemittanceID)),
		formatNullTime(seg.DeletedAt),
		seg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return storeErr("create segment", err)
	}
	return nil
}

func (s *Store) CreateAdjustment(ctx context.Context, adj *settlement.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAdjustment(ctx, s.db, adj)
}

func (s *Store) createAdjustment(ctx context.Context, db execer, adj *settlement.Adjustment) error {
	if adj.State == "" {
		adj.State = settlement.StateUnsettled
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO adjustments
		(id, worklog_id, adjustment_type, amount, reason, effective_date, settlement_state, remittance_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adj.ID, adj.WorkLogID, adj.Type,
		adj.Amount.String(), adj.Reason,
		adj.EffectiveDate.String(), adj.State,
		nullString(string(adj.RemittanceID)),
		adj.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return storeErr("create adjustment", err)
	}
	return nil
}

// SoftDeleteSegment marks a segment disputed. Segments covered by a
// PAID remittance are settled history and refuse the delete.
func (s *Store) SoftDeleteSegment(ctx context.Context, id settlement.SegmentID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.softDeleteSegment(ctx, s.db, id, at)
}

func (s *Store) softDeleteSegment(ctx context.Context, db execer, id settlement.SegmentID, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE time_segments SET deleted_at = ?
		WHERE id = ? AND deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM remittance_lines l
			JOIN remittances r ON r.id = l.remittance_id
			WHERE l.segment_id = time_segments.id AND r.status = 'paid'
		  )`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return storeErr("soft delete segment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("soft delete segment", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a missing (or already deleted) segment from a paid one.
	var paid int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM remittance_lines l
		JOIN remittances r ON r.id = l.remittance_id
		WHERE l.segment_id = ? AND r.status = 'paid'`, id).Scan(&paid)
	if err != nil {
		return storeErr("soft delete segment", err)
	}
	if paid > 0 {
		return settlement.ErrSegmentPaid
	}
	return settlement.ErrSegmentNotFound
}

// SegmentsByWorkLog includes soft-deleted rows; the read surface needs
// them to tell "everything paid" apart from "nothing left to pay".
func (s *Store) SegmentsByWorkLog(ctx context.Context, id settlement.WorkLogID) ([]settlement.TimeSegment, error) {
	query := `
		SELECT ` + segmentColumns + `
		FROM time_segments s
		JOIN worklogs w ON w.id = s.worklog_id
		WHERE s.worklog_id = ?
		ORDER BY s.segment_date ASC, s.created_at ASC
	`
	return s.querySegments(ctx, query, id)
}

func (s *Store) AdjustmentsByWorkLog(ctx context.Context, id settlement.WorkLogID) ([]settlement.Adjustment, error) {
	query := `
		SELECT ` + adjustmentColumns + `
		FROM adjustments a
		JOIN worklogs w ON w.id = a.worklog_id
		WHERE a.worklog_id = ?
		ORDER BY a.effective_date ASC, a.created_at ASC
	`
	return s.queryAdjustments(ctx, query, id)
}

func (s *Store) RemittanceStatusesForSegment(ctx context.Context, id settlement.SegmentID) ([]settlement.RemittanceStatus, error) {
	query := `
		SELECT r.status
		FROM remittance_lines l
		JOIN remittances r ON r.id = l.remittance_id
		WHERE l.segment_id = ?
		ORDER BY r.created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, storeErr("query segment statuses", err)
	}
	defer rows.Close()

	var statuses []settlement.RemittanceStatus
	for rows.Next() {
		var status settlement.RemittanceStatus
		if err := rows.Scan(&status); err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (settlement.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. A returned
// error rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// txStore routes writes through the open transaction and reads through
// the parent. SQLite serializes writers, so reads observe the committed
// snapshot the transaction started from.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

var _ settlement.Store = (*txStore)(nil)

func (ts *txStore) CreateRemittance(ctx context.Context, r *settlement.Remittance, lines []settlement.RemittanceLine) error {
	return ts.parent.createRemittance(ctx, ts.tx, r, lines)
}

func (ts *txStore) ApplyRemittance(ctx context.Context, entries []settlement.Entry, id settlement.RemittanceID) error {
	return ts.parent.applyRemittance(ctx, ts.tx, entries, id)
}

func (ts *txStore) FindUnsettledSegments(ctx context.Context, p settlement.Period) ([]settlement.TimeSegment, error) {
	return ts.parent.FindUnsettledSegments(ctx, p)
}

func (ts *txStore) FindStrandedSegments(ctx context.Context) ([]settlement.TimeSegment, error) {
	return ts.parent.FindStrandedSegments(ctx)
}

func (ts *txStore) FindUnsettledAdjustments(ctx context.Context) ([]settlement.Adjustment, error) {
	return ts.parent.FindUnsettledAdjustments(ctx)
}

func (ts *txStore) FindStrandedAdjustments(ctx context.Context) ([]settlement.Adjustment, error) {
	return ts.parent.FindStrandedAdjustments(ctx)
}

func (ts *txStore) CreateSettlement(ctx context.Context, run *settlement.Settlement) error {
	return ts.parent.createSettlement(ctx, ts.tx, run)
}

func (ts *txStore) FinishSettlement(ctx context.Context, run *settlement.Settlement) error {
	return ts.parent.finishSettlement(ctx, ts.tx, run)
}

func (ts *txStore) GetSettlement(ctx context.Context, id settlement.SettlementID) (*settlement.Settlement, error) {
	return ts.parent.GetSettlement(ctx, id)
}

func (ts *txStore) ListSettlements(ctx context.Context) ([]settlement.Settlement, error) {
	return ts.parent.ListSettlements(ctx)
}

func (ts *txStore) GetRemittance(ctx context.Context, id settlement.RemittanceID) (*settlement.Remittance, error) {
	return ts.parent.GetRemittance(ctx, id)
}

func (ts *txStore) ListRemittanceLines(ctx context.Context, id settlement.RemittanceID) ([]settlement.RemittanceLine, error) {
	return ts.parent.ListRemittanceLines(ctx, id)
}

func (ts *txStore) ListRemittancesByWorker(ctx context.Context, workerID settlement.WorkerID) ([]settlement.Remittance, error) {
	return ts.parent.ListRemittancesByWorker(ctx, workerID)
}

func (ts *txStore) ListRemittancesBySettlement(ctx context.Context, id settlement.SettlementID) ([]settlement.Remittance, error) {
	return ts.parent.ListRemittancesBySettlement(ctx, id)
}

func (ts *txStore) UpdateRemittanceStatus(ctx context.Context, id settlement.RemittanceID, status settlement.RemittanceStatus, paidAt *time.Time) error {
	return ts.parent.updateRemittanceStatus(ctx, ts.tx, id, status, paidAt)
}

func (ts *txStore) CreateWorkLog(ctx context.Context, w *settlement.WorkLog) error {
	return ts.parent.createWorkLog(ctx, ts.tx, w)
}

func (ts *txStore) GetWorkLog(ctx context.Context, id settlement.WorkLogID) (*settlement.WorkLog, error) {
	return ts.parent.GetWorkLog(ctx, id)
}

func (ts *txStore) ListWorkLogs(ctx context.Context, workerID settlement.WorkerID) ([]settlement.WorkLog, error) {
	return ts.parent.ListWorkLogs(ctx, workerID)
}

func (ts *txStore) CreateSegment(ctx context.Context, seg *settlement.TimeSegment) error {
	return ts.parent.createSegment(ctx, ts.tx, seg)
}

func (ts *txStore) CreateAdjustment(ctx context.Context, adj *settlement.Adjustment) error {
	return ts.parent.createAdjustment(ctx, ts.tx, adj)
}

func (ts *txStore) SoftDeleteSegment(ctx context.Context, id settlement.SegmentID, at time.Time) error {
	return ts.parent.softDeleteSegment(ctx, ts.tx, id, at)
}

func (ts *txStore) SegmentsByWorkLog(ctx context.Context, id settlement.WorkLogID) ([]settlement.TimeSegment, error) {
	return ts.parent.SegmentsByWorkLog(ctx, id)
}

func (ts *txStore) AdjustmentsByWorkLog(ctx context.Context, id settlement.WorkLogID) ([]settlement.Adjustment, error) {
	return ts.parent.AdjustmentsByWorkLog(ctx, id)
}

func (ts *txStore) RemittanceStatusesForSegment(ctx context.Context, id settlement.SegmentID) ([]settlement.RemittanceStatus, error) {
	return ts.parent.RemittanceStatusesForSegment(ctx, id)
}

// =============================================================================
// RUN LOCK (settlement.RunLocker interface)
// =============================================================================

// AcquireRunLock claims the singleton lock row. Contention returns
// ErrRunInProgress rather than blocking; rows older than runLockTTL are
// treated as abandoned by a crashed run and stolen.
func (s *Store) AcquireRunLock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stale := now.Add(-runLockTTL).Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM run_locks WHERE acquired_at < ?", stale); err != nil {
		return nil, storeErr("acquire run lock", err)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_locks (id, acquired_at) VALUES (1, ?)",
		now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, settlement.ErrRunInProgress
		}
		return nil, storeErr("acquire run lock", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.db.Exec("DELETE FROM run_locks WHERE id = 1")
		})
	}
	return release, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"remittance_lines", "remittances", "settlements", "adjustments", "time_segments", "worklogs", "run_locks"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return storeErr("reset", err)
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// storeErr classifies persistence failures as systemic so the
// orchestrator aborts the run rather than skipping a worker.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, settlement.ErrStoreUnavailable, err)
}
