package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/usecase"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type failingRepo struct {
	err   error
	saved []string
}

func (r *failingRepo) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	r.saved = append(r.saved, "trade")
	return r.err
}

func (r *failingRepo) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	return nil, r.err
}

func (r *failingRepo) SaveTransition(ctx context.Context, t domain.Transition) error {
	r.saved = append(r.saved, "transition")
	return r.err
}

func (r *failingRepo) SaveRejection(ctx context.Context, rej domain.ProposalRejection) error {
	r.saved = append(r.saved, "rejection")
	return r.err
}

func TestTelemetry_FansOutToEverySink(t *testing.T) {
	a, b := &recordingTelemetry{}, &recordingTelemetry{}
	tel := usecase.NewTelemetry(a, nil, b)
	ctx := context.Background()

	tel.RecordTransition(ctx, domain.Transition{From: domain.StateAwaitingBuy, To: domain.StateBuyPending, At: time.Now()})
	tel.RecordRejection(ctx, domain.ProposalRejection{Side: domain.SideSell})
	tel.RecordTrade(ctx, &domain.TradeRecord{ID: "t1"})
	tel.RecordAdvisory(ctx, domain.AdvisoryOutcome{Kind: domain.AdvisoryTimeout})

	for _, s := range []*recordingTelemetry{a, b} {
		assert.Equal(t, 1, s.transitionsTo(domain.StateBuyPending))
		assert.Equal(t, 1, s.rejectionCount())
		assert.Equal(t, 1, s.tradeCount())
		assert.Len(t, s.advisories, 1)
	}
}

func TestRepositorySink_LogsAndContinues(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	repo := &failingRepo{err: errors.New("database is locked")}
	sink := usecase.NewRepositorySink(repo, zap.New(core))
	ctx := context.Background()

	sink.RecordTransition(ctx, domain.Transition{})
	sink.RecordRejection(ctx, domain.ProposalRejection{})
	sink.RecordTrade(ctx, &domain.TradeRecord{ID: "t1"})
	sink.RecordAdvisory(ctx, domain.AdvisoryOutcome{})

	assert.Equal(t, []string{"transition", "rejection", "trade"}, repo.saved)
	require.Equal(t, 3, logs.Len())
	assert.Equal(t, "Failed to save trade record", logs.All()[2].Message)
}
