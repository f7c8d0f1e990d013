// Package retention compacts old confirmed messages. Compaction drops the
// payload bytes but keeps the message row, so ids stay reserved and
// resubmissions are still rejected as duplicates.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/events"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/metrics"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/system"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

const (
	defaultSchedule  = "@every 1h"
	defaultBatchSize = 500
	maxBatchesPerRun = 1000
)

var _ system.Service = (*Pruner)(nil)

// Config controls the sweep. A zero ConfirmedAfter disables it.
type Config struct {
	Schedule       string
	ConfirmedAfter time.Duration
	BatchSize      int
}

// Pruner runs compaction on a cron schedule.
type Pruner struct {
	store   storage.MessageStore
	cfg     Config
	log     *logger.Logger
	journal events.Journal
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a pruner.
func New(store storage.MessageStore, cfg Config, log *logger.Logger) *Pruner {
	if log == nil {
		log = logger.NewDefault("retention")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Pruner{
		store:   store,
		cfg:     cfg,
		log:     log,
		journal: events.NoOpJournal{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithJournal records sweeps on the event journal.
func (p *Pruner) WithJournal(j events.Journal) {
	if j != nil {
		p.journal = j
	}
}

func (p *Pruner) Name() string { return "retention" }

// Start schedules the sweep. It is a no-op when retention is disabled.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if p.cfg.ConfirmedAfter <= 0 {
		p.log.Info("retention disabled")
		return nil
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(p.cfg.Schedule, func() {
		if _, err := p.Sweep(context.Background()); err != nil {
			p.log.WithError(err).Warn("retention sweep failed")
		}
	}); err != nil {
		return err
	}
	c.Start()
	p.cron = c
	p.running = true

	p.log.WithField("schedule", p.cfg.Schedule).
		WithField("confirmed_after", p.cfg.ConfirmedAfter.String()).
		Info("retention started")
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (p *Pruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	done := p.cron.Stop()
	p.running = false
	p.mu.Unlock()

	select {
	case <-done.Done():
		p.log.Info("retention stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep compacts every message confirmed before now minus ConfirmedAfter,
// in batches, and returns how many were compacted.
func (p *Pruner) Sweep(ctx context.Context) (int, error) {
	if p.cfg.ConfirmedAfter <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.cfg.ConfirmedAfter)

	total := 0
	for i := 0; i < maxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.store.CompactConfirmedMessages(ctx, cutoff, p.cfg.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < p.cfg.BatchSize {
			break
		}
	}

	metrics.RecordCompacted(total)
	if total > 0 {
		p.log.WithField("compacted", total).
			WithField("cutoff", cutoff.Format(time.RFC3339)).
			Info("confirmed messages compacted")
		events.NewEvent(events.EventRetentionCompacted).
			Component("retention").
			MetadataInt("compacted", int64(total)).
			Metadata("cutoff", cutoff.Format(time.RFC3339)).
			LogToWithContext(ctx, p.journal)
	}
	return total, nil
}
