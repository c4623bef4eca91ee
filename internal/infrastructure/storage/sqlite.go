package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
)

// SQLiteStore keeps trade history, the audit trail and the recorded
// position. Decimals are stored as TEXT to keep them exact.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway
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
		`CREATE TABLE IF NOT EXISTS trade_records (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			buy_order_id TEXT NOT NULL,
			buy_price TEXT NOT NULL,
			buy_quantity TEXT NOT NULL,
			sell_order_id TEXT NOT NULL,
			sell_price TEXT NOT NULL,
			sell_quantity TEXT NOT NULL,
			cost_basis TEXT NOT NULL,
			proceeds TEXT NOT NULL,
			fee_paid TEXT NOT NULL,
			realized_profit TEXT NOT NULL,
			cost_basis_degraded BOOLEAN NOT NULL DEFAULT 0,
			opened_at DATETIME,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_closed ON trade_records(closed_at);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			trigger_name TEXT NOT NULL,
			reason TEXT,
			order_id TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rejections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			side TEXT NOT NULL,
			proposed_price TEXT NOT NULL,
			minimum_price TEXT NOT NULL,
			confidence REAL NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			quantity TEXT NOT NULL,
			cost_basis TEXT NOT NULL,
			buy_price TEXT NOT NULL,
			buy_order_id TEXT,
			buy_fee TEXT NOT NULL,
			source TEXT NOT NULL,
			acquired_at DATETIME,
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// TradeRepository Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	query := `INSERT OR IGNORE INTO trade_records (id, symbol, buy_order_id, buy_price, buy_quantity, sell_order_id, sell_price, sell_quantity, cost_basis, proceeds, fee_paid, realized_profit, cost_basis_degraded, opened_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Symbol, rec.BuyOrderID, rec.BuyPrice.String(), rec.BuyQuantity.String(),
		rec.SellOrderID, rec.SellPrice.String(), rec.SellQuantity.String(),
		rec.CostBasis.String(), rec.Proceeds.String(), rec.FeePaid.String(), rec.RealizedProfit.String(),
		rec.CostBasisDegraded, rec.OpenedAt, rec.ClosedAt)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", rec.ID, err)
	}
	return nil
}

// ListTrades returns the newest trades first. limit <= 0 returns all.
func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	query := `SELECT id, symbol, buy_order_id, buy_price, buy_quantity, sell_order_id, sell_price, sell_quantity, cost_basis, proceeds, fee_paid, realized_profit, cost_basis_degraded, opened_at, closed_at
			  FROM trade_records ORDER BY closed_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var buyPrice, buyQty, sellPrice, sellQty, cost, proceeds, fee, profit string
		var opened sql.NullTime
		if err := rows.Scan(&r.ID, &r.Symbol, &r.BuyOrderID, &buyPrice, &buyQty, &r.SellOrderID, &sellPrice, &sellQty,
			&cost, &proceeds, &fee, &profit, &r.CostBasisDegraded, &opened, &r.ClosedAt); err != nil {
			return nil, err
		}
		r.BuyPrice, _ = decimal.NewFromString(buyPrice)
		r.BuyQuantity, _ = decimal.NewFromString(buyQty)
		r.SellPrice, _ = decimal.NewFromString(sellPrice)
		r.SellQuantity, _ = decimal.NewFromString(sellQty)
		r.CostBasis, _ = decimal.NewFromString(cost)
		r.Proceeds, _ = decimal.NewFromString(proceeds)
		r.FeePaid, _ = decimal.NewFromString(fee)
		r.RealizedProfit, _ = decimal.NewFromString(profit)
		if opened.Valid {
			r.OpenedAt = opened.Time
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) SaveTransition(ctx context.Context, t domain.Transition) error {
	query := `INSERT INTO transitions (from_state, to_state, trigger_name, reason, order_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, t.From.String(), t.To.String(), t.Trigger, t.Reason, t.OrderID, t.At)
	return err
}

// ListTransitions returns the newest transitions first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, limit int) ([]domain.Transition, error) {
	query := `SELECT from_state, to_state, trigger_name, COALESCE(reason, ''), COALESCE(order_id, ''), created_at
			  FROM transitions ORDER BY id DESC LIMIT ?`
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var from, to string
		if err := rows.Scan(&from, &to, &t.Trigger, &t.Reason, &t.OrderID, &t.At); err != nil {
			return nil, err
		}
		t.From, _ = domain.ParseCycleState(from)
		t.To, _ = domain.ParseCycleState(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveRejection(ctx context.Context, r domain.ProposalRejection) error {
	query := `INSERT INTO rejections (side, proposed_price, minimum_price, confidence, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, string(r.Side), r.ProposedPrice.String(), r.MinimumPrice.String(), r.Confidence, r.Reason, r.At)
	return err
}

// CostBasisStore Implementation

func (s *SQLiteStore) SavePosition(ctx context.Context, symbol string, pos *domain.Position) error {
	query := `INSERT INTO positions (symbol, quantity, cost_basis, buy_price, buy_order_id, buy_fee, source, acquired_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(symbol) DO UPDATE SET
				quantity = excluded.quantity,
				cost_basis = excluded.cost_basis,
				buy_price = excluded.buy_price,
				buy_order_id = excluded.buy_order_id,
				buy_fee = excluded.buy_fee,
				source = excluded.source,
				acquired_at = excluded.acquired_at,
				updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		symbol, pos.Quantity.String(), pos.CostBasis.String(), pos.BuyPrice.String(), pos.BuyOrderID,
		pos.BuyFee.String(), string(pos.Source), pos.AcquiredAt, time.Now())
	if err != nil {
		return fmt.Errorf("save position %s: %w", symbol, err)
	}
	return nil
}

// LoadPosition returns nil without error when nothing is recorded.
func (s *SQLiteStore) LoadPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	query := `SELECT quantity, cost_basis, buy_price, COALESCE(buy_order_id, ''), buy_fee, source, acquired_at FROM positions WHERE symbol = ?`
	row := s.db.QueryRowContext(ctx, query, symbol)

	var (
		p                          domain.Position
		qty, cost, price, fee, src string
		acquired                   sql.NullTime
	)
	err := row.Scan(&qty, &cost, &price, &p.BuyOrderID, &fee, &src, &acquired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", symbol, err)
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.CostBasis, _ = decimal.NewFromString(cost)
	p.BuyPrice, _ = decimal.NewFromString(price)
	p.BuyFee, _ = decimal.NewFromString(fee)
	p.Source = domain.CostBasisSource(src)
	if acquired.Valid {
		p.AcquiredAt = acquired.Time
	}
	return &p, nil
}

func (s *SQLiteStore) ClearPosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}
