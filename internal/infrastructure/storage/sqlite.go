package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_grid_bot/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			tp_price REAL NOT NULL DEFAULT 0,
			tp_order_id TEXT NOT NULL DEFAULT '',
			leverage INTEGER NOT NULL DEFAULT 1,
			fees REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			exit_price REAL NOT NULL DEFAULT 0,
			pnl REAL NOT NULL DEFAULT 0,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades(symbol, status);`,
		`CREATE TABLE IF NOT EXISTS tp_adjustments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			old_tp_percent REAL NOT NULL,
			new_tp_percent REAL NOT NULL,
			funding_accumulated REAL NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Migration: fees column arrived after the first schema version.
	_, _ = s.db.Exec(`ALTER TABLE trades ADD COLUMN fees REAL NOT NULL DEFAULT 0`)

	return nil
}

func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *domain.PersistedTrade) (int64, error) {
	query := `INSERT INTO trades (order_id, symbol, entry_price, quantity, tp_price, tp_order_id, leverage, fees, status, opened_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		trade.OrderID, trade.Symbol, trade.EntryPrice, trade.Quantity, trade.TPPrice,
		trade.TPOrderID, trade.Leverage, trade.Fees, domain.TradeStatusOpen, trade.OpenedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) UpdateTradeExit(ctx context.Context, id int64, exitPrice, pnl float64, closedAt time.Time) error {
	query := `UPDATE trades SET status = ?, exit_price = ?, pnl = ?, closed_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, domain.TradeStatusClosed, exitPrice, pnl, closedAt, id)
	return err
}

func (s *SQLiteStore) UpdateTradeTP(ctx context.Context, id int64, tpPrice float64, tpOrderID string) error {
	query := `UPDATE trades SET tp_price = ?, tp_order_id = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, tpPrice, tpOrderID, id)
	return err
}

func (s *SQLiteStore) SaveTPAdjustment(ctx context.Context, upd *domain.PositionTPUpdate) error {
	query := `INSERT INTO tp_adjustments (order_id, old_tp_percent, new_tp_percent, funding_accumulated, updated_at)
			  VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		upd.OrderID, upd.OldTPPercent, upd.NewTPPercent, upd.FundingAccumulated, upd.UpdatedAt)
	return err
}

func (s *SQLiteStore) LogActivity(ctx context.Context, event, detail string) error {
	query := `INSERT INTO activity_log (event, detail, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, event, detail, time.Now())
	return err
}

func (s *SQLiteStore) ListOpenTrades(ctx context.Context, symbol string) ([]*domain.PersistedTrade, error) {
	query := `SELECT id, order_id, symbol, entry_price, quantity, tp_price, tp_order_id, leverage, fees, status, exit_price, pnl, opened_at, closed_at
			  FROM trades WHERE symbol = ? AND status = ?`
	rows, err := s.db.QueryContext(ctx, query, symbol, domain.TradeStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.PersistedTrade
	for rows.Next() {
		var t domain.PersistedTrade
		var closedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.EntryPrice, &t.Quantity, &t.TPPrice,
			&t.TPOrderID, &t.Leverage, &t.Fees, &t.Status, &t.ExitPrice, &t.PnL, &t.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			t.ClosedAt = &closedAt.Time
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
