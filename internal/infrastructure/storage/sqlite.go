package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/risk_lifecycle/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			lifecycle_state TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_side ON positions(symbol, side);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			filled_steps INTEGER NOT NULL,
			trailing_state TEXT NOT NULL,
			final_state TEXT NOT NULL,
			reason TEXT,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_position_history_closed_at ON position_history(closed_at);`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT NOT NULL,
			reason TEXT,
			critical BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_position ON lifecycle_events(position_id);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// PositionRepository Implementation

// SavePosition upserts the whole position as one JSON row.
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", pos.ID, err)
	}
	query := `INSERT INTO positions (id, symbol, side, lifecycle_state, version, data, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  lifecycle_state=excluded.lifecycle_state,
			  version=excluded.version,
			  data=excluded.data,
			  updated_at=excluded.updated_at`
	updated := pos.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx, query,
		pos.ID, pos.Symbol, string(pos.Side), string(pos.LifecycleState), pos.Version, string(data), updated)
	return err
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM positions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodePosition(data)
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM positions ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p, err := decodePosition(data)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func decodePosition(data string) (*domain.Position, error) {
	var p domain.Position
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	if p.FilledLadderSteps == nil {
		p.FilledLadderSteps = make(map[int]bool)
	}
	return &p, nil
}

func (s *SQLiteStore) DeletePosition(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM positions WHERE id = ?", id)
	return err
}

// History

func (s *SQLiteStore) SavePositionHistory(ctx context.Context, h *domain.PositionHistory) error {
	query := `INSERT INTO position_history (position_id, symbol, side, quantity, entry_price, exit_price, realized_pnl, filled_steps, trailing_state, final_state, reason, opened_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		h.PositionID, h.Symbol, string(h.Side), h.Quantity, h.EntryPrice, h.ExitPrice, h.RealizedPnL,
		h.FilledSteps, string(h.TrailingState), string(h.FinalState), h.Reason, h.OpenedAt, h.ClosedAt)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	return nil
}

// ListPositionHistory returns the newest records first.
func (s *SQLiteStore) ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, position_id, symbol, side, quantity, entry_price, exit_price, realized_pnl, filled_steps, trailing_state, final_state, reason, opened_at, closed_at
			  FROM position_history ORDER BY closed_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*domain.PositionHistory
	for rows.Next() {
		var h domain.PositionHistory
		var side, trailing, final string
		var reason sql.NullString
		if err := rows.Scan(&h.ID, &h.PositionID, &h.Symbol, &side, &h.Quantity, &h.EntryPrice, &h.ExitPrice, &h.RealizedPnL,
			&h.FilledSteps, &trailing, &final, &reason, &h.OpenedAt, &h.ClosedAt); err != nil {
			return nil, err
		}
		h.Side = domain.Side(side)
		h.TrailingState = domain.TrailingState(trailing)
		h.FinalState = domain.LifecycleState(final)
		h.Reason = reason.String
		history = append(history, &h)
	}
	return history, rows.Err()
}

// Lifecycle events

func (s *SQLiteStore) SaveLifecycleEvent(ctx context.Context, e domain.LifecycleEvent) error {
	query := `INSERT INTO lifecycle_events (position_id, symbol, from_state, to_state, reason, critical, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.PositionID, e.Symbol, string(e.FromState), string(e.ToState), e.Reason, e.Critical, e.Timestamp)
	return err
}

// ListLifecycleEvents returns the events of one position in order.
func (s *SQLiteStore) ListLifecycleEvents(ctx context.Context, positionID string) ([]domain.LifecycleEvent, error) {
	query := `SELECT position_id, symbol, from_state, to_state, reason, critical, created_at
			  FROM lifecycle_events WHERE position_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.LifecycleEvent
	for rows.Next() {
		var e domain.LifecycleEvent
		var from, to string
		var reason sql.NullString
		if err := rows.Scan(&e.PositionID, &e.Symbol, &from, &to, &reason, &e.Critical, &e.Timestamp); err != nil {
			return nil, err
		}
		e.FromState = domain.LifecycleState(from)
		e.ToState = domain.LifecycleState(to)
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}
