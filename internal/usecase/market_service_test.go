package usecase

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/cycle_trader/internal/domain"
)

// MockFeed for MarketService
type MockFeed struct {
	Price     decimal.Decimal
	Closes    []float64
	OrderBook *domain.OrderBook
	BookCalls int
	Err       error
}

func (m *MockFeed) GetLastPrice(ctx context.Context) (decimal.Decimal, error) {
	return m.Price, m.Err
}

func (m *MockFeed) GetCandles(ctx context.Context, interval string, limit int) ([]domain.Candle, error) {
	candles := make([]domain.Candle, len(m.Closes))
	for i, c := range m.Closes {
		candles[i] = domain.Candle{Time: int64(i) * 60000, Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return candles, nil
}

func (m *MockFeed) GetOrderBook(ctx context.Context, depth int) (*domain.OrderBook, error) {
	m.BookCalls++
	return m.OrderBook, nil
}

func level(price, qty string) domain.BookLevel {
	return domain.BookLevel{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

// rising accelerates upward so the MACD line stays above its signal.
func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 40 + 0.01*float64(i*i)
	}
	return out
}

func falling(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 - 0.01*float64(i*i)
	}
	return out
}

func TestMarketService_Snapshot(t *testing.T) {
	feed := &MockFeed{
		Price:  decimal.RequireFromString("64"),
		Closes: rising(50),
		OrderBook: &domain.OrderBook{
			Bids: []domain.BookLevel{level("44.8", "30"), level("44.7", "10")},
			Asks: []domain.BookLevel{level("45.0", "10"), level("45.1", "10")},
		},
	}
	svc := NewMarketService(feed, "TRUMPUSDC", MarketConfig{})

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "TRUMPUSDC", snap.Symbol)
	assert.True(t, snap.Price.Equal(feed.Price))
	assert.Len(t, snap.Candles, 50)
	// (40 - 20) / 60
	assert.InDelta(t, 1.0/3.0, snap.Imbalance, 1e-9)
	assert.Equal(t, 100.0, snap.Indicators.RSI14)
	assert.Greater(t, snap.Indicators.MA5, snap.Indicators.MA20)
	assert.Equal(t, "bullish", snap.Indicators.Trend)
	assert.Equal(t, 1, snap.Signals["ma_signal"])
	assert.Greater(t, snap.VolatilitySpread, 0.0)
}

func TestMarketService_OrderBookCache(t *testing.T) {
	feed := &MockFeed{Closes: rising(5), OrderBook: &domain.OrderBook{}}
	svc := NewMarketService(feed, "TRUMPUSDC", MarketConfig{BookCacheTTL: time.Second})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.timeNow = func() time.Time { return now }

	_, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	_, err = svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, feed.BookCalls)

	now = now.Add(2 * time.Second)
	_, err = svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, feed.BookCalls)
}

func TestMarketService_FeedError(t *testing.T) {
	feed := &MockFeed{Err: errors.New("boom"), OrderBook: &domain.OrderBook{}}
	svc := NewMarketService(feed, "TRUMPUSDC", MarketConfig{})

	_, err := svc.Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last price")
}

func TestIndicators(t *testing.T) {
	t.Run("not enough history is neutral", func(t *testing.T) {
		ind := ComputeIndicators([]float64{1, 2, 3})
		assert.Equal(t, 50.0, ind.RSI14)
		assert.Zero(t, ind.MA20)
		assert.Zero(t, ind.MACD)
		assert.Equal(t, "neutral", ind.Trend)
	})

	t.Run("sma", func(t *testing.T) {
		assert.Equal(t, 4.0, SMA([]float64{1, 2, 3, 4, 5}, 3))
		assert.Zero(t, SMA([]float64{1}, 3))
	})

	t.Run("rsi mixed", func(t *testing.T) {
		closes := []float64{10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10}
		// seven gains and seven losses of equal size
		assert.InDelta(t, 50.0, RSI(closes, 14), 1e-9)
	})

	t.Run("falling market", func(t *testing.T) {
		ind := ComputeIndicators(falling(40))
		assert.Equal(t, 0.0, ind.RSI14)
		assert.Less(t, ind.MACD, 0.0)
		assert.Equal(t, "bearish", ind.Trend)
	})

	t.Run("volatility", func(t *testing.T) {
		assert.Zero(t, Volatility([]float64{10, 10, 10, 10}))
		v := Volatility([]float64{10, 11, 10, 11})
		assert.False(t, math.IsNaN(v))
		assert.Greater(t, v, 0.05)
	})

	t.Run("imbalance empty book", func(t *testing.T) {
		assert.Zero(t, Imbalance(&domain.OrderBook{}))
		assert.Zero(t, Imbalance(nil))
	})
}
