package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

const (
	filePrefix = "advisory_"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
)

// Entry is one journal line.
type Entry struct {
	Time      time.Time                 `json:"time"`
	Type      string                    `json:"type"`
	Advisory  *domain.AdvisoryOutcome   `json:"advisory,omitempty"`
	Rejection *domain.ProposalRejection `json:"rejection,omitempty"`
	Trade     *domain.TradeRecord       `json:"trade,omitempty"`
}

// Journal appends advisory outcomes, rejections and trades to one JSONL
// file per day and deletes files older than the retention.
type Journal struct {
	dir       string
	retention time.Duration
	logger    *zap.Logger
	timeNow   func() time.Time

	mu sync.Mutex
}

func NewJournal(dir string, retention time.Duration, logger *zap.Logger) *Journal {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &Journal{
		dir:       dir,
		retention: retention,
		logger:    logger.Named("journal"),
		timeNow:   time.Now,
	}
}

// Run sweeps old files now and then hourly until ctx is done.
func (j *Journal) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	j.Cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Cleanup()
		}
	}
}

func (j *Journal) RecordAdvisory(_ context.Context, out domain.AdvisoryOutcome) {
	j.write(Entry{Type: "advisory", Advisory: &out})
}

func (j *Journal) RecordRejection(_ context.Context, r domain.ProposalRejection) {
	j.write(Entry{Type: "rejection", Rejection: &r})
}

func (j *Journal) RecordTrade(_ context.Context, rec *domain.TradeRecord) {
	j.write(Entry{Type: "trade", Trade: rec})
}

func (j *Journal) RecordTransition(context.Context, domain.Transition) {}

func (j *Journal) write(e Entry) {
	e.Time = j.timeNow()
	data, err := json.Marshal(e)
	if err != nil {
		j.logger.Error("Failed to marshal journal entry", zap.Error(err))
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		j.logger.Error("Failed to create journal directory", zap.Error(err))
		return
	}
	name := filepath.Join(j.dir, fmt.Sprintf("%s%s%s", filePrefix, e.Time.Format(dayLayout), fileSuffix))
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		j.logger.Error("Failed to open journal file", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		j.logger.Error("Failed to write journal entry", zap.Error(err))
	}
}

// Cleanup removes day files older than the retention.
func (j *Journal) Cleanup() {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Error("Failed to read journal directory", zap.Error(err))
		}
		return
	}

	cutoff := j.timeNow().Add(-j.retention)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day, err := time.ParseInLocation(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), time.Local)
		if err != nil {
			continue
		}
		// a day file is complete at the following midnight
		if day.AddDate(0, 0, 1).Before(cutoff) {
			if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
				j.logger.Error("Failed to delete old journal file", zap.String("file", name), zap.Error(err))
				continue
			}
			j.logger.Info("Deleted old journal file", zap.String("file", name))
		}
	}
}
