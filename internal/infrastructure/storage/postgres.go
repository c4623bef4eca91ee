package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
)

// PostgresStore is the shared-database alternative to SQLiteStore.
// Monetary values are NUMERIC and cross the wire as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trade_records (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			buy_order_id TEXT NOT NULL,
			buy_price NUMERIC NOT NULL,
			buy_quantity NUMERIC NOT NULL,
			sell_order_id TEXT NOT NULL,
			sell_price NUMERIC NOT NULL,
			sell_quantity NUMERIC NOT NULL,
			cost_basis NUMERIC NOT NULL,
			proceeds NUMERIC NOT NULL,
			fee_paid NUMERIC NOT NULL,
			realized_profit NUMERIC NOT NULL,
			cost_basis_degraded BOOLEAN NOT NULL DEFAULT FALSE,
			opened_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id BIGSERIAL PRIMARY KEY,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			trigger_name TEXT NOT NULL,
			reason TEXT,
			order_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rejections (
			id BIGSERIAL PRIMARY KEY,
			side TEXT NOT NULL,
			proposed_price NUMERIC NOT NULL,
			minimum_price NUMERIC NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			quantity NUMERIC NOT NULL,
			cost_basis NUMERIC NOT NULL,
			buy_price NUMERIC NOT NULL,
			buy_order_id TEXT,
			buy_fee NUMERIC NOT NULL,
			source TEXT NOT NULL,
			acquired_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_records (id, symbol, buy_order_id, buy_price, buy_quantity, sell_order_id, sell_price, sell_quantity,
		                            cost_basis, proceeds, fee_paid, realized_profit, cost_basis_degraded, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14, $15)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Symbol, rec.BuyOrderID, rec.BuyPrice.String(), rec.BuyQuantity.String(),
		rec.SellOrderID, rec.SellPrice.String(), rec.SellQuantity.String(),
		rec.CostBasis.String(), rec.Proceeds.String(), rec.FeePaid.String(), rec.RealizedProfit.String(),
		rec.CostBasisDegraded, rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	query := `SELECT id, symbol, buy_order_id, buy_price::TEXT, buy_quantity::TEXT, sell_order_id, sell_price::TEXT, sell_quantity::TEXT,
	                 cost_basis::TEXT, proceeds::TEXT, fee_paid::TEXT, realized_profit::TEXT, cost_basis_degraded, opened_at, closed_at
	          FROM trade_records ORDER BY closed_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var buyPrice, buyQty, sellPrice, sellQty, cost, proceeds, fee, profit string
		var opened *time.Time
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
		if opened != nil {
			r.OpenedAt = *opened
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) SaveTransition(ctx context.Context, t domain.Transition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transitions (from_state, to_state, trigger_name, reason, order_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.From.String(), t.To.String(), t.Trigger, t.Reason, t.OrderID, t.At,
	)
	return err
}

func (s *PostgresStore) ListTransitions(ctx context.Context, limit int) ([]domain.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT from_state, to_state, trigger_name, COALESCE(reason, ''), COALESCE(order_id, ''), created_at
		 FROM transitions ORDER BY id DESC LIMIT $1`, limit)
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

func (s *PostgresStore) SaveRejection(ctx context.Context, r domain.ProposalRejection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rejections (side, proposed_price, minimum_price, confidence, reason, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6)`,
		string(r.Side), r.ProposedPrice.String(), r.MinimumPrice.String(), r.Confidence, r.Reason, r.At,
	)
	return err
}

func (s *PostgresStore) SavePosition(ctx context.Context, symbol string, pos *domain.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (symbol, quantity, cost_basis, buy_price, buy_order_id, buy_fee, source, acquired_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (symbol) DO UPDATE SET
		     quantity = EXCLUDED.quantity,
		     cost_basis = EXCLUDED.cost_basis,
		     buy_price = EXCLUDED.buy_price,
		     buy_order_id = EXCLUDED.buy_order_id,
		     buy_fee = EXCLUDED.buy_fee,
		     source = EXCLUDED.source,
		     acquired_at = EXCLUDED.acquired_at,
		     updated_at = EXCLUDED.updated_at`,
		symbol, pos.Quantity.String(), pos.CostBasis.String(), pos.BuyPrice.String(), pos.BuyOrderID,
		pos.BuyFee.String(), string(pos.Source), pos.AcquiredAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", symbol, err)
	}
	return nil
}

func (s *PostgresStore) LoadPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	var p domain.Position
	var qty, cost, price, fee, src string
	var orderID *string
	var acquired *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT quantity::TEXT, cost_basis::TEXT, buy_price::TEXT, buy_order_id, buy_fee::TEXT, source, acquired_at
		 FROM positions WHERE symbol = $1`, symbol).
		Scan(&qty, &cost, &price, &orderID, &fee, &src, &acquired)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if orderID != nil {
		p.BuyOrderID = *orderID
	}
	if acquired != nil {
		p.AcquiredAt = *acquired
	}
	return &p, nil
}

func (s *PostgresStore) ClearPosition(ctx context.Context, symbol string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol)
	return err
}
