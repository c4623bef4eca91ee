package usecase

import (
	"context"

	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

// Telemetry fans controller output out to every sink. Sinks own their
// error handling, so one failing sink never starves the others.
type Telemetry struct {
	sinks []domain.TelemetrySink
}

func NewTelemetry(sinks ...domain.TelemetrySink) *Telemetry {
	t := &Telemetry{}
	for _, s := range sinks {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
	return t
}

func (t *Telemetry) RecordTransition(ctx context.Context, tr domain.Transition) {
	for _, s := range t.sinks {
		s.RecordTransition(ctx, tr)
	}
}

func (t *Telemetry) RecordRejection(ctx context.Context, r domain.ProposalRejection) {
	for _, s := range t.sinks {
		s.RecordRejection(ctx, r)
	}
}

func (t *Telemetry) RecordTrade(ctx context.Context, rec *domain.TradeRecord) {
	for _, s := range t.sinks {
		s.RecordTrade(ctx, rec)
	}
}

func (t *Telemetry) RecordAdvisory(ctx context.Context, out domain.AdvisoryOutcome) {
	for _, s := range t.sinks {
		s.RecordAdvisory(ctx, out)
	}
}

// RepositorySink persists transitions, rejections and trades.
type RepositorySink struct {
	repo   domain.TradeRepository
	logger *zap.Logger
}

func NewRepositorySink(repo domain.TradeRepository, logger *zap.Logger) *RepositorySink {
	return &RepositorySink{repo: repo, logger: logger.Named("repository_sink")}
}

func (s *RepositorySink) RecordTransition(ctx context.Context, tr domain.Transition) {
	if err := s.repo.SaveTransition(ctx, tr); err != nil {
		s.logger.Error("Failed to save transition", zap.Error(err))
	}
}

func (s *RepositorySink) RecordRejection(ctx context.Context, r domain.ProposalRejection) {
	if err := s.repo.SaveRejection(ctx, r); err != nil {
		s.logger.Error("Failed to save rejection", zap.Error(err))
	}
}

func (s *RepositorySink) RecordTrade(ctx context.Context, rec *domain.TradeRecord) {
	if err := s.repo.SaveTrade(ctx, rec); err != nil {
		s.logger.Error("Failed to save trade record", zap.String("id", rec.ID), zap.Error(err))
	}
}

func (s *RepositorySink) RecordAdvisory(ctx context.Context, out domain.AdvisoryOutcome) {}
