package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the journal database.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			from_state INTEGER NOT NULL,
			to_state INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			exposure TEXT NOT NULL DEFAULT '',
			at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_cycle ON transitions(cycle_id)`,

		`CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			state INTEGER NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			close_reason INTEGER NOT NULL DEFAULT 0,
			net_pnl TEXT NOT NULL DEFAULT '0',
			realized_cost TEXT NOT NULL DEFAULT '0',
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at)`,

		`CREATE TABLE IF NOT EXISTS capital_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			equity TEXT NOT NULL,
			at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_capital_venue ON capital_snapshots(venue, at)`,

		`CREATE TABLE IF NOT EXISTS legs (
			id TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			target_size TEXT NOT NULL,
			filled_size TEXT NOT NULL DEFAULT '0',
			fill_price TEXT NOT NULL DEFAULT '0',
			status INTEGER NOT NULL,
			client_order_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_legs_cycle ON legs(cycle_id)`,
	}

	for _, m := range migrations {
		if _, err := r.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// AppendTransition appends one transition to the journal.
func (r *SQLiteRepository) AppendTransition(ctx context.Context, rec TransitionRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transitions (cycle_id, from_state, to_state, reason, exposure, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CycleID, int(rec.From), int(rec.To), rec.Reason, rec.Exposure, rec.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// GetTransitions returns a cycle's transitions in journal order.
func (r *SQLiteRepository) GetTransitions(ctx context.Context, cycleID string) ([]TransitionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, cycle_id, from_state, to_state, reason, exposure, at
		 FROM transitions WHERE cycle_id = ? ORDER BY id ASC`,
		cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var from, to int
		if err := rows.Scan(&rec.ID, &rec.CycleID, &from, &to, &rec.Reason, &rec.Exposure, &rec.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.From = types.CycleState(from)
		rec.To = types.CycleState(to)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveCycle inserts or updates a cycle record.
func (r *SQLiteRepository) SaveCycle(ctx context.Context, rec CycleRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cycles (id, state, outcome, close_reason, net_pnl, realized_cost, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			outcome = excluded.outcome,
			close_reason = excluded.close_reason,
			net_pnl = excluded.net_pnl,
			realized_cost = excluded.realized_cost,
			ended_at = excluded.ended_at,
			updated_at = CURRENT_TIMESTAMP`,
		rec.ID, int(rec.State), rec.Outcome, int(rec.CloseReason),
		rec.NetPnL.String(), rec.RealizedCost.String(),
		rec.StartedAt.UTC(), nullableTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	return nil
}

// LastCycle returns the most recently started cycle, nil if none exist.
func (r *SQLiteRepository) LastCycle(ctx context.Context) (*CycleRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, state, outcome, close_reason, net_pnl, realized_cost, started_at, ended_at
		 FROM cycles ORDER BY started_at DESC LIMIT 1`,
	)

	var rec CycleRecord
	var state, reason int
	var netPnL, cost string
	var endedAt sql.NullTime
	err := row.Scan(&rec.ID, &state, &rec.Outcome, &reason, &netPnL, &cost, &rec.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cycle: %w", err)
	}

	rec.State = types.CycleState(state)
	rec.CloseReason = types.CloseReason(reason)
	rec.NetPnL = mustDecimal(netPnL)
	rec.RealizedCost = mustDecimal(cost)
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

// SaveCapitalSnapshot records one venue equity figure.
func (r *SQLiteRepository) SaveCapitalSnapshot(ctx context.Context, snap types.CapitalSnapshot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO capital_snapshots (cycle_id, venue, equity, at) VALUES (?, ?, ?, ?)`,
		snap.CycleID, snap.Venue, snap.Equity.String(), snap.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save capital snapshot: %w", err)
	}
	return nil
}

// GetCapitalHistory returns a venue's equity series within [from, to].
func (r *SQLiteRepository) GetCapitalHistory(ctx context.Context, venue string, from, to time.Time) ([]types.CapitalSnapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT cycle_id, venue, equity, at FROM capital_snapshots
		 WHERE venue = ? AND at >= ? AND at <= ? ORDER BY at ASC`,
		venue, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query capital history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.CapitalSnapshot
	for rows.Next() {
		var snap types.CapitalSnapshot
		var equity string
		if err := rows.Scan(&snap.CycleID, &snap.Venue, &equity, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("scan capital snapshot: %w", err)
		}
		snap.Equity = mustDecimal(equity)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveLeg upserts one leg's execution record.
func (r *SQLiteRepository) SaveLeg(ctx context.Context, cycleID string, leg types.Leg) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO legs (id, cycle_id, venue, symbol, side, target_size, filled_size, fill_price, status, client_order_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			filled_size = excluded.filled_size,
			fill_price = excluded.fill_price,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		leg.ID, cycleID, leg.Venue, leg.Asset.Symbol, int(leg.Side),
		leg.TargetSize.String(), leg.FilledSize.String(), leg.FillPrice.String(),
		int(leg.Status), leg.ClientOrderID,
	)
	if err != nil {
		return fmt.Errorf("save leg: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
