// Package metrics provides Prometheus instrumentation for the cycle controller.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/usecase"
)

var (
	// CycleState is 1 for the current state and 0 for the others.
	CycleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cycle_state",
		Help: "Current controller state",
	}, []string{"state"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_transitions_total",
		Help: "State transitions by target state and trigger",
	}, []string{"to", "trigger"})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_proposal_rejections_total",
		Help: "Proposals not acted on, by side",
	}, []string{"side"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_trades_total",
		Help: "Completed buy/sell cycles by outcome",
	}, []string{"outcome"})

	RealizedProfit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cycle_realized_profit_quote",
		Help: "Cumulative realized profit in quote asset (losses not subtracted)",
	})

	RealizedLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cycle_realized_loss_quote",
		Help: "Cumulative realized loss in quote asset",
	})

	AdvisoryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_advisory_total",
		Help: "Advisory consultations by outcome kind",
	}, []string{"kind", "stale"})

	AdvisoryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cycle_advisory_latency_seconds",
		Help:    "Advisory call latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30},
	})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_exchange_retries_total",
		Help: "Retried exchange calls by operation",
	}, []string{"op"})

	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_ticks_total",
		Help: "Decision ticks by result",
	}, []string{"result"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cycle_tick_duration_seconds",
		Help:    "Decision tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cycle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Recorder feeds controller events into the collectors above.
type Recorder struct{}

var (
	_ domain.TelemetrySink  = Recorder{}
	_ usecase.RetryObserver = Recorder{}
	_ usecase.TickObserver  = Recorder{}
)

func NewRecorder() Recorder {
	setState(domain.StateAwaitingBuy)
	return Recorder{}
}

func setState(current domain.CycleState) {
	for _, s := range domain.AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		CycleState.WithLabelValues(s.String()).Set(v)
	}
}

func (Recorder) RecordTransition(_ context.Context, t domain.Transition) {
	TransitionsTotal.WithLabelValues(t.To.String(), t.Trigger).Inc()
	setState(t.To)
}

func (Recorder) RecordRejection(_ context.Context, r domain.ProposalRejection) {
	RejectionsTotal.WithLabelValues(string(r.Side)).Inc()
}

func (Recorder) RecordTrade(_ context.Context, rec *domain.TradeRecord) {
	profit := rec.RealizedProfit.InexactFloat64()
	switch {
	case profit > 0:
		TradesTotal.WithLabelValues("win").Inc()
		RealizedProfit.Add(profit)
	case profit < 0:
		TradesTotal.WithLabelValues("loss").Inc()
		RealizedLoss.Add(-profit)
	default:
		TradesTotal.WithLabelValues("flat").Inc()
	}
}

func (Recorder) RecordAdvisory(_ context.Context, out domain.AdvisoryOutcome) {
	stale := out.Proposal != nil && out.Proposal.Stale
	AdvisoryTotal.WithLabelValues(string(out.Kind), strconv.FormatBool(stale)).Inc()
	if out.Latency > 0 {
		AdvisoryLatency.Observe(out.Latency.Seconds())
	}
}

func (Recorder) ObserveRetry(op string, _ error) {
	RetriesTotal.WithLabelValues(op).Inc()
}

func (Recorder) ObserveTick(result usecase.TickResult, took time.Duration) {
	TicksTotal.WithLabelValues(string(result)).Inc()
	if result != usecase.TickSkipped {
		TickDuration.Observe(took.Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
