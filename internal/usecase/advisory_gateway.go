package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

type AdvisoryConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	ConfidenceFloor float64       `yaml:"confidence_floor"`
	// Cooldown suppresses consultations after a timeout or invalid answer.
	Cooldown time.Duration `yaml:"cooldown"`
	// LastKnownGoodMaxAge bounds reuse of the last valid proposal. Zero disables reuse.
	LastKnownGoodMaxAge time.Duration `yaml:"lkg_max_age"`
}

func DefaultAdvisoryConfig() AdvisoryConfig {
	return AdvisoryConfig{
		Timeout:             15 * time.Second,
		ConfidenceFloor:     0.8,
		Cooldown:            10 * time.Second,
		LastKnownGoodMaxAge: 60 * time.Second,
	}
}

// AdvisoryGateway wraps the untrusted advisor. Propose never returns an
// error: every failure maps to a Timeout, Invalid or Skipped outcome.
type AdvisoryGateway struct {
	advisor   domain.Advisor
	cfg       AdvisoryConfig
	telemetry domain.TelemetrySink
	logger    *zap.Logger

	mu        sync.Mutex
	lastGood  *domain.AdvisoryProposal
	coolUntil time.Time
	timeNow   func() time.Time
}

func NewAdvisoryGateway(advisor domain.Advisor, cfg AdvisoryConfig, telemetry domain.TelemetrySink, logger *zap.Logger) *AdvisoryGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAdvisoryConfig().Timeout
	}
	return &AdvisoryGateway{
		advisor:   advisor,
		cfg:       cfg,
		telemetry: telemetry,
		logger:    logger.Named("advisory"),
		timeNow:   time.Now,
	}
}

func (g *AdvisoryGateway) Propose(ctx context.Context, snapshot domain.MarketSnapshot, tctx domain.TradingContext) domain.AdvisoryOutcome {
	out := g.consult(ctx, snapshot, tctx)
	if !out.Usable() {
		out = g.lastKnownGood(out)
	}

	fields := []zap.Field{
		zap.String("kind", string(out.Kind)),
		zap.Duration("latency", out.Latency),
		zap.String("state", tctx.State.String()),
	}
	if out.Proposal != nil {
		fields = append(fields,
			zap.String("buy_price", out.Proposal.BuyPrice.String()),
			zap.String("sell_price", out.Proposal.SellPrice.String()),
			zap.Float64("confidence", out.Proposal.Confidence),
			zap.Bool("stale", out.Proposal.Stale),
		)
	}
	if out.Reason != "" {
		fields = append(fields, zap.String("reason", out.Reason))
	}
	if out.Usable() {
		g.logger.Info("Advisory proposal", fields...)
	} else {
		g.logger.Warn("Advisory unavailable", fields...)
	}

	if g.telemetry != nil {
		g.telemetry.RecordAdvisory(ctx, out)
	}
	return out
}

func (g *AdvisoryGateway) consult(ctx context.Context, snapshot domain.MarketSnapshot, tctx domain.TradingContext) domain.AdvisoryOutcome {
	now := g.timeNow()

	g.mu.Lock()
	coolUntil := g.coolUntil
	g.mu.Unlock()
	if now.Before(coolUntil) {
		return domain.AdvisoryOutcome{
			Kind:   domain.AdvisorySkipped,
			Reason: fmt.Sprintf("cooling down for %s", coolUntil.Sub(now).Round(time.Millisecond)),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := g.advisor.Advise(callCtx, domain.AdvisoryRequest{Snapshot: snapshot, Context: tctx})
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// caller went away, not the advisor's fault
			return domain.AdvisoryOutcome{Kind: domain.AdvisorySkipped, Reason: ctx.Err().Error(), Latency: latency}
		}
		kind := domain.AdvisoryInvalid
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = domain.AdvisoryTimeout
		}
		g.startCooldown(now)
		return domain.AdvisoryOutcome{Kind: kind, Reason: err.Error(), Latency: latency}
	}

	proposal, err := ParseAdvisoryResponse(raw)
	if err != nil {
		g.startCooldown(now)
		return domain.AdvisoryOutcome{Kind: domain.AdvisoryInvalid, Reason: err.Error(), Latency: latency}
	}
	proposal.ObtainedAt = g.timeNow()

	if proposal.Confidence < g.cfg.ConfidenceFloor {
		g.startCooldown(now)
		return domain.AdvisoryOutcome{
			Kind:     domain.AdvisoryInvalid,
			Proposal: proposal,
			Reason:   fmt.Sprintf("confidence %.2f below floor %.2f", proposal.Confidence, g.cfg.ConfidenceFloor),
			Latency:  latency,
		}
	}

	g.mu.Lock()
	g.lastGood = proposal
	g.mu.Unlock()

	return domain.AdvisoryOutcome{Kind: domain.AdvisoryValid, Proposal: proposal, Latency: latency}
}

func (g *AdvisoryGateway) startCooldown(now time.Time) {
	if g.cfg.Cooldown <= 0 {
		return
	}
	g.mu.Lock()
	g.coolUntil = now.Add(g.cfg.Cooldown)
	g.mu.Unlock()
}

// lastKnownGood substitutes the last valid proposal for a failed outcome
// while it is young enough and still meets the confidence floor.
func (g *AdvisoryGateway) lastKnownGood(failed domain.AdvisoryOutcome) domain.AdvisoryOutcome {
	if g.cfg.LastKnownGoodMaxAge <= 0 {
		return failed
	}

	g.mu.Lock()
	lkg := g.lastGood
	g.mu.Unlock()

	if lkg == nil || lkg.Confidence < g.cfg.ConfidenceFloor {
		return failed
	}
	if g.timeNow().Sub(lkg.ObtainedAt) > g.cfg.LastKnownGoodMaxAge {
		return failed
	}

	reused := *lkg
	reused.Stale = true
	return domain.AdvisoryOutcome{
		Kind:     domain.AdvisoryValid,
		Proposal: &reused,
		Reason:   fmt.Sprintf("reusing last known good after %s: %s", failed.Kind, failed.Reason),
		Latency:  failed.Latency,
	}
}

type advisoryPayload struct {
	BuyPrice   *json.Number `json:"buy_price"`
	SellPrice  *json.Number `json:"sell_price"`
	Confidence *json.Number `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
}

// ParseAdvisoryResponse extracts and validates the JSON object in a model
// answer. Prose and code fences around the object are tolerated; missing
// fields and out-of-range numbers are not.
func ParseAdvisoryResponse(raw string) (*domain.AdvisoryProposal, error) {
	body, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var p advisoryPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("malformed advisory json: %w", err)
	}
	if p.BuyPrice == nil || p.SellPrice == nil || p.Confidence == nil {
		return nil, errors.New("advisory response missing buy_price, sell_price or confidence")
	}

	buy, err := decimal.NewFromString(p.BuyPrice.String())
	if err != nil {
		return nil, fmt.Errorf("buy_price: %w", err)
	}
	sell, err := decimal.NewFromString(p.SellPrice.String())
	if err != nil {
		return nil, fmt.Errorf("sell_price: %w", err)
	}
	confidence, err := p.Confidence.Float64()
	if err != nil || math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return nil, fmt.Errorf("confidence %q is not a number", p.Confidence.String())
	}

	if !buy.IsPositive() || !sell.IsPositive() {
		return nil, fmt.Errorf("prices must be positive (buy %s, sell %s)", buy, sell)
	}
	if !sell.GreaterThan(buy) {
		return nil, fmt.Errorf("sell_price %s not above buy_price %s", sell, buy)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", confidence)
	}

	return &domain.AdvisoryProposal{
		BuyPrice:   buy,
		SellPrice:  sell,
		Confidence: confidence,
		Reasoning:  strings.TrimSpace(p.Reasoning),
	}, nil
}

func extractJSONObject(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errors.New("no json object in advisory response")
	}
	return s[start : end+1], nil
}
