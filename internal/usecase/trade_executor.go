package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     uint          `yaml:"max_attempts"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxAttempts:     5,
	}
}

func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	return b
}

func (c RetryConfig) attempts() uint {
	if c.MaxAttempts == 0 {
		return 1
	}
	return c.MaxAttempts
}

// RetryObserver is told about every failed attempt that will be retried.
type RetryObserver interface {
	ObserveRetry(op string, err error)
}

// TradeExecutor decorates the exchange with bounded exponential backoff.
// Only errors wrapping domain.ErrTransient are retried; rejections and
// unrecoverable errors are returned on the first attempt.
type TradeExecutor struct {
	exchange domain.OrderExecutor
	retry    RetryConfig
	observer RetryObserver
	logger   *zap.Logger
}

func NewTradeExecutor(exchange domain.OrderExecutor, retry RetryConfig, observer RetryObserver, logger *zap.Logger) *TradeExecutor {
	return &TradeExecutor{
		exchange: exchange,
		retry:    retry,
		observer: observer,
		logger:   logger.Named("executor"),
	}
}

func withRetry[T any](ctx context.Context, e *TradeExecutor, op string, fn func() (T, error)) (T, error) {
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrTransient) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(e.retry.newBackOff()),
		backoff.WithMaxTries(e.retry.attempts()),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("Exchange call failed, retrying",
				zap.String("op", op),
				zap.Duration("next", next),
				zap.Error(err),
			)
			if e.observer != nil {
				e.observer.ObserveRetry(op, err)
			}
		}),
	)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// PlaceLimitOrder retries transient failures. Before every retry it looks
// the order up by client order id, since a timed out request may still have
// reached the matching engine.
func (e *TradeExecutor) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OpenOrder, error) {
	attempt := 0
	return withRetry(ctx, e, "place_order", func() (*domain.OpenOrder, error) {
		attempt++
		if attempt > 1 && req.ClientOrderID != "" {
			report, err := e.exchange.GetOrder(ctx, domain.OrderRef{ClientOrderID: req.ClientOrderID})
			switch {
			case err == nil:
				e.logger.Warn("Order was placed despite failed request",
					zap.String("client_order_id", req.ClientOrderID),
					zap.String("order_id", report.OrderID),
					zap.String("status", string(report.Status)),
				)
				if report.Status == domain.OrderStatusRejected {
					return nil, fmt.Errorf("%w: order %s rejected", domain.ErrOrderRejected, report.OrderID)
				}
				return report.OpenOrder(), nil
			case errors.Is(err, domain.ErrOrderNotFound):
				// not placed, safe to send again
			default:
				return nil, err
			}
		}
		return e.exchange.PlaceLimitOrder(ctx, req)
	})
}

func (e *TradeExecutor) CancelOrder(ctx context.Context, orderID string) error {
	_, err := withRetry(ctx, e, "cancel_order", func() (struct{}, error) {
		return struct{}{}, e.exchange.CancelOrder(ctx, orderID)
	})
	return err
}

func (e *TradeExecutor) GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	return withRetry(ctx, e, "open_orders", func() ([]domain.OpenOrder, error) {
		return e.exchange.GetOpenOrders(ctx)
	})
}

func (e *TradeExecutor) GetOrder(ctx context.Context, ref domain.OrderRef) (*domain.OrderReport, error) {
	return withRetry(ctx, e, "get_order", func() (*domain.OrderReport, error) {
		return e.exchange.GetOrder(ctx, ref)
	})
}

func (e *TradeExecutor) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	return withRetry(ctx, e, "balance", func() (domain.Balance, error) {
		return e.exchange.GetBalance(ctx, asset)
	})
}

func (e *TradeExecutor) GetRecentFills(ctx context.Context, limit int) ([]domain.OwnFill, error) {
	return withRetry(ctx, e, "recent_fills", func() ([]domain.OwnFill, error) {
		return e.exchange.GetRecentFills(ctx, limit)
	})
}

func (e *TradeExecutor) GetSymbolRules(ctx context.Context) (domain.SymbolRules, error) {
	return withRetry(ctx, e, "symbol_rules", func() (domain.SymbolRules, error) {
		return e.exchange.GetSymbolRules(ctx)
	})
}
