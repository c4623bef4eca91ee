package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

type UserStreamConfig struct {
	WSURL             string
	Symbol            string
	KeepaliveInterval time.Duration
	// ReadTimeout drops a silent connection; server pings extend it.
	ReadTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// UserStream follows our own order updates on the Binance user data
// stream. It reconnects forever with backoff and announces every
// successful connect with a Connected event.
type UserStream struct {
	rest   *binance.Client
	cfg    UserStreamConfig
	dialer *websocket.Dialer
	events chan domain.StreamEvent
	logger *zap.Logger

	startOnce sync.Once
}

func NewUserStream(rest *binance.Client, cfg UserStreamConfig, logger *zap.Logger) *UserStream {
	if cfg.WSURL == "" {
		cfg.WSURL = BinanceWSURL
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Minute
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &UserStream{
		rest:   rest,
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		events: make(chan domain.StreamEvent, 256),
		logger: logger.Named("user_stream"),
	}
}

func (s *UserStream) Events() <-chan domain.StreamEvent {
	return s.events
}

// Start launches the connection loop and returns immediately.
func (s *UserStream) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
	return nil
}

func (s *UserStream) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitial
	b.MaxInterval = s.cfg.ReconnectMax

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Warn("User stream disconnected, reconnecting", zap.Error(err), zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session runs one listen key and one connection until either fails.
func (s *UserStream) session(ctx context.Context) (bool, error) {
	listenKey, err := s.rest.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return false, classify("start user stream", err)
	}

	conn, _, err := s.dialer.DialContext(ctx, strings.TrimRight(s.cfg.WSURL, "/")+"/"+listenKey, nil)
	if err != nil {
		return false, fmt.Errorf("dial user stream: %w", err)
	}
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// unblock ReadMessage on shutdown
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()
	go s.keepalive(sessCtx, listenKey)

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	s.logger.Info("User stream connected")
	if !s.emit(ctx, domain.StreamEvent{Kind: domain.StreamEventConnected}) {
		return true, ctx.Err()
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		ev, expired, err := s.parse(msg)
		if err != nil {
			s.logger.Warn("Unreadable user stream message", zap.Error(err))
			continue
		}
		if expired {
			return true, fmt.Errorf("listen key expired")
		}
		if ev != nil && !s.emit(ctx, domain.StreamEvent{Kind: domain.StreamEventFill, Fill: ev}) {
			return true, ctx.Err()
		}
	}
}

func (s *UserStream) keepalive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.rest.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				s.logger.Warn("Listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

func (s *UserStream) emit(ctx context.Context, ev domain.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

type streamHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

// executionReport lists every key of the payload; encoding/json would
// otherwise fold keys that differ only in case onto the same field.
type executionReport struct {
	Event             string  `json:"e"`
	EventTime         int64   `json:"E"`
	Symbol            string  `json:"s"`
	Side              string  `json:"S"`
	ClientOrderID     string  `json:"c"`
	OrigClientOrderID string  `json:"C"`
	OrderType         string  `json:"o"`
	OrderCreated      int64   `json:"O"`
	TimeInForce       string  `json:"f"`
	IcebergQuantity   string  `json:"F"`
	Quantity          string  `json:"q"`
	QuoteQuantity     string  `json:"Q"`
	Price             string  `json:"p"`
	StopPrice         string  `json:"P"`
	ExecutionType     string  `json:"x"`
	Status            string  `json:"X"`
	RejectReason      string  `json:"r"`
	OrderID           int64   `json:"i"`
	Ignored           int64   `json:"I"`
	LastQuantity      string  `json:"l"`
	LastPrice         string  `json:"L"`
	CumQuantity       string  `json:"z"`
	CumQuote          string  `json:"Z"`
	Commission        string  `json:"n"`
	CommissionAsset   *string `json:"N"`
	TradeTime         int64   `json:"T"`
	TradeID           int64   `json:"t"`
	IsWorking         bool    `json:"w"`
	WorkingTime       int64   `json:"W"`
	IsMaker           bool    `json:"m"`
	IgnoredM          bool    `json:"M"`
}

// parse returns a fill for executionReports on our symbol and reports
// listen key expiry. Other events yield nothing.
func (s *UserStream) parse(msg []byte) (*domain.FillEvent, bool, error) {
	var h streamHeader
	if err := json.Unmarshal(msg, &h); err != nil {
		return nil, false, err
	}
	switch h.Event {
	case "listenKeyExpired":
		return nil, true, nil
	case "executionReport":
	default:
		return nil, false, nil
	}

	var r executionReport
	if err := json.Unmarshal(msg, &r); err != nil {
		return nil, false, err
	}
	if s.cfg.Symbol != "" && r.Symbol != s.cfg.Symbol {
		return nil, false, nil
	}
	return r.fill(), false, nil
}

func (r *executionReport) fill() *domain.FillEvent {
	side := domain.SideBuy
	if r.Side == string(binance.SideTypeSell) {
		side = domain.SideSell
	}
	clientID := r.ClientOrderID
	if r.OrigClientOrderID != "" {
		// cancels carry the cancel request id in c
		clientID = r.OrigClientOrderID
	}
	ev := &domain.FillEvent{
		OrderID:            strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:      clientID,
		Side:               side,
		Status:             domain.OrderStatus(r.Status),
		CumulativeQuantity: parseDecimal(r.CumQuantity),
		CumulativeQuote:    parseDecimal(r.CumQuote),
		LastPrice:          parseDecimal(r.LastPrice),
		LastQuantity:       parseDecimal(r.LastQuantity),
		Commission:         parseDecimal(r.Commission),
		Source:             domain.FillSourceStream,
		Timestamp:          msTime(r.EventTime),
	}
	if r.CommissionAsset != nil {
		ev.CommissionAsset = *r.CommissionAsset
	}
	if r.RejectReason != "" && r.RejectReason != "NONE" {
		ev.Reason = r.RejectReason
	}
	return ev
}
