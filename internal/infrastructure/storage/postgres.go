package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/vitos/risk_lifecycle/internal/domain"
)

// PostgresStore keeps the same tables as SQLiteStore for deployments that
// share one database between several manager instances.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			lifecycle_state TEXT NOT NULL,
			version BIGINT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_side ON positions(symbol, side)`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id BIGSERIAL PRIMARY KEY,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			filled_steps INTEGER NOT NULL,
			trailing_state TEXT NOT NULL,
			final_state TEXT NOT NULL,
			reason TEXT,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_history_closed_at ON position_history(closed_at)`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id BIGSERIAL PRIMARY KEY,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT NOT NULL,
			reason TEXT,
			critical BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_position ON lifecycle_events(position_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", pos.ID, err)
	}
	updated := pos.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO positions (id, symbol, side, lifecycle_state, version, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		lifecycle_state = EXCLUDED.lifecycle_state,
		version = EXCLUDED.version,
		data = EXCLUDED.data,
		updated_at = EXCLUDED.updated_at`,
		pos.ID, pos.Symbol, string(pos.Side), string(pos.LifecycleState), pos.Version, data, updated)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM positions WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodePosition(string(data))
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM positions ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p, err := decodePosition(string(data))
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) DeletePosition(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) SavePositionHistory(ctx context.Context, h *domain.PositionHistory) error {
	return s.db.QueryRowContext(ctx, `INSERT INTO position_history (position_id, symbol, side, quantity, entry_price, exit_price, realized_pnl, filled_steps, trailing_state, final_state, reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		h.PositionID, h.Symbol, string(h.Side), h.Quantity, h.EntryPrice, h.ExitPrice, h.RealizedPnL,
		h.FilledSteps, string(h.TrailingState), string(h.FinalState), h.Reason, h.OpenedAt, h.ClosedAt).Scan(&h.ID)
}

func (s *PostgresStore) ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, position_id, symbol, side, quantity, entry_price, exit_price, realized_pnl, filled_steps, trailing_state, final_state, reason, opened_at, closed_at
		FROM position_history ORDER BY closed_at DESC, id DESC LIMIT $1`, limit)
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

func (s *PostgresStore) SaveLifecycleEvent(ctx context.Context, e domain.LifecycleEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO lifecycle_events (position_id, symbol, from_state, to_state, reason, critical, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.PositionID, e.Symbol, string(e.FromState), string(e.ToState), e.Reason, e.Critical, e.Timestamp)
	return err
}

func (s *PostgresStore) ListLifecycleEvents(ctx context.Context, positionID string) ([]domain.LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT position_id, symbol, from_state, to_state, reason, critical, created_at
		FROM lifecycle_events WHERE position_id = $1 ORDER BY id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.LifecycleEvent
	for rows.Next() {
		var e domain.LifecycleEvent
		var from, to, reason sql.NullString
		if err := rows.Scan(&e.PositionID, &e.Symbol, &from, &to, &reason, &e.Critical, &e.Timestamp); err != nil {
			return nil, err
		}
		e.FromState = domain.LifecycleState(from.String)
		e.ToState = domain.LifecycleState(to.String)
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}
