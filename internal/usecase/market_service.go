package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"github.com/vitos/cycle_trader/internal/domain"
)

const (
	rsiPeriod  = 14
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
	// a resting level this many times the average is reported as a wall
	largeOrderFactor = 3.0
)

type MarketConfig struct {
	CandleInterval string        `yaml:"candle_interval"`
	CandleLimit    int           `yaml:"candle_limit"`
	BookDepth      int           `yaml:"book_depth"`
	BookCacheTTL   time.Duration `yaml:"book_cache_ttl"`
}

func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		CandleInterval: "1m",
		CandleLimit:    50,
		BookDepth:      10,
		BookCacheTTL:   2 * time.Second,
	}
}

type cachedBook struct {
	book   *domain.OrderBook
	expiry time.Time
}

// MarketService assembles the advisory input for a tick. It only reads.
type MarketService struct {
	feed   domain.MarketDataFeed
	symbol string
	cfg    MarketConfig

	mu      sync.Mutex
	book    cachedBook
	timeNow func() time.Time // For testing
}

func NewMarketService(feed domain.MarketDataFeed, symbol string, cfg MarketConfig) *MarketService {
	def := DefaultMarketConfig()
	if cfg.CandleInterval == "" {
		cfg.CandleInterval = def.CandleInterval
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = def.CandleLimit
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = def.BookDepth
	}
	return &MarketService{
		feed:    feed,
		symbol:  symbol,
		cfg:     cfg,
		timeNow: time.Now,
	}
}

// Snapshot fetches price, candles and depth in parallel and derives the
// indicators the advisor is given.
func (s *MarketService) Snapshot(ctx context.Context) (*domain.MarketSnapshot, error) {
	var (
		price   decimal.Decimal
		candles []domain.Candle
		book    *domain.OrderBook
	)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		var err error
		price, err = s.feed.GetLastPrice(ctx)
		if err != nil {
			return fmt.Errorf("last price: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		var err error
		candles, err = s.feed.GetCandles(ctx, s.cfg.CandleInterval, s.cfg.CandleLimit)
		if err != nil {
			return fmt.Errorf("candles: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		var err error
		book, err = s.orderBook(ctx)
		return err
	})
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("market snapshot %s: %w", s.symbol, err)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	ind := ComputeIndicators(closes)
	snap := &domain.MarketSnapshot{
		Symbol:           s.symbol,
		Price:            price,
		Candles:          candles,
		Bids:             book.Bids,
		Asks:             book.Asks,
		Imbalance:        Imbalance(book),
		VolatilitySpread: Volatility(closes),
		Indicators:       ind,
		TakenAt:          s.timeNow(),
	}
	snap.Signals = signals(ind, book)
	return snap, nil
}

func (s *MarketService) orderBook(ctx context.Context) (*domain.OrderBook, error) {
	s.mu.Lock()
	cached := s.book
	s.mu.Unlock()

	now := s.timeNow()
	if cached.book != nil && now.Before(cached.expiry) {
		return cached.book, nil
	}

	book, err := s.feed.GetOrderBook(ctx, s.cfg.BookDepth)
	if err != nil {
		return nil, fmt.Errorf("order book: %w", err)
	}

	s.mu.Lock()
	s.book = cachedBook{book: book, expiry: now.Add(s.cfg.BookCacheTTL)}
	s.mu.Unlock()
	return book, nil
}

// ComputeIndicators returns RSI(14), MA5, MA20 and MACD(12,26,9) over
// closes, oldest first. Indicators without enough history are left at
// their neutral value.
func ComputeIndicators(closes []float64) domain.Indicators {
	ind := domain.Indicators{
		RSI14: RSI(closes, rsiPeriod),
		MA5:   SMA(closes, 5),
		MA20:  SMA(closes, 20),
		Trend: "neutral",
	}
	ind.MACD, ind.MACDSignal = MACD(closes)

	switch {
	case ind.MA5 == 0 || ind.MA20 == 0:
	case ind.MA5 > ind.MA20 && ind.MACD >= ind.MACDSignal:
		ind.Trend = "bullish"
	case ind.MA5 < ind.MA20 && ind.MACD <= ind.MACDSignal:
		ind.Trend = "bearish"
	}
	return ind
}

// SMA of the last n values, 0 when there are fewer than n.
func SMA(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// RSI over the last period changes using simple averages. 50 means not
// enough data.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}
	window := closes[len(closes)-period-1:]
	var gain, loss float64
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change >= 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

func ema(values []float64, n int) []float64 {
	if len(values) < n {
		return nil
	}
	out := make([]float64, 0, len(values)-n+1)
	seed := SMA(values[:n], n)
	out = append(out, seed)
	k := 2 / float64(n+1)
	for _, v := range values[n:] {
		prev := out[len(out)-1]
		out = append(out, v*k+prev*(1-k))
	}
	return out
}

// MACD returns the MACD line and its signal line.
func MACD(closes []float64) (line, signal float64) {
	fast := ema(closes, macdFast)
	slow := ema(closes, macdSlow)
	if slow == nil {
		return 0, 0
	}
	// align the fast series with the shorter slow one
	fast = fast[len(fast)-len(slow):]
	macd := make([]float64, len(slow))
	for i := range slow {
		macd[i] = fast[i] - slow[i]
	}
	line = macd[len(macd)-1]
	if sig := ema(macd, macdSignal); sig != nil {
		signal = sig[len(sig)-1]
	}
	return line, signal
}

// Imbalance is (bid - ask) / (bid + ask) volume, in [-1, 1].
func Imbalance(book *domain.OrderBook) float64 {
	if book == nil {
		return 0
	}
	bid, ask := bookVolume(book.Bids), bookVolume(book.Asks)
	total := bid + ask
	if total == 0 {
		return 0
	}
	return (bid - ask) / total
}

func bookVolume(levels []domain.BookLevel) float64 {
	var sum float64
	for _, l := range levels {
		sum += l.Quantity.InexactFloat64()
	}
	return sum
}

// Volatility is the sample standard deviation of close-to-close returns.
func Volatility(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	return math.Sqrt(sq / float64(len(returns)-1))
}

func signals(ind domain.Indicators, book *domain.OrderBook) map[string]any {
	maSignal := 0
	if ind.MA5 != 0 && ind.MA20 != 0 {
		if ind.MA5 > ind.MA20 {
			maSignal = 1
		} else if ind.MA5 < ind.MA20 {
			maSignal = -1
		}
	}
	macdSig := 0
	if hist := ind.MACD - ind.MACDSignal; hist > 0 {
		macdSig = 1
	} else if hist < 0 {
		macdSig = -1
	}

	bid, ask := bookVolume(book.Bids), bookVolume(book.Asks)
	ratio := 0.0
	if ask > 0 {
		ratio = bid / ask
	}
	return map[string]any{
		"ma_signal":      maSignal,
		"macd_signal":    macdSig,
		"bid_volume":     bid,
		"ask_volume":     ask,
		"buy_sell_ratio": ratio,
		"large_bids":     largeLevels(book.Bids),
		"large_asks":     largeLevels(book.Asks),
	}
}

func largeLevels(levels []domain.BookLevel) []domain.BookLevel {
	if len(levels) == 0 {
		return nil
	}
	avg := bookVolume(levels) / float64(len(levels))
	var out []domain.BookLevel
	for _, l := range levels {
		if l.Quantity.InexactFloat64() > avg*largeOrderFactor {
			out = append(out, l)
		}
	}
	return out
}
