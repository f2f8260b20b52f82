package persistence

import (
	"context"
	"fmt"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Snapshotter takes a snapshot every interval applied commands.
type Snapshotter struct {
	store     *SnapshotStore
	processor *core.Processor
	interval  int64
	every     time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewSnapshotter(store *SnapshotStore, processor *core.Processor, interval int64, metrics *observability.Metrics) *Snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	return &Snapshotter{
		store:     store,
		processor: processor,
		interval:  interval,
		every:     10 * time.Second,
		metrics:   metrics,
		logger:    observability.NewLogger("snapshotter"),
	}
}

// Run checks the sequence periodically until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	last := s.processor.GetSequence()
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := s.processor.GetSequence()
			if current-last < s.interval {
				continue
			}
			if err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
		}
	}
}

// Take captures the processor state, saves it and marks it verified. A
// snapshot built from live state needs no replay to be trusted.
func (s *Snapshotter) Take(ctx context.Context) error {
	start := time.Now()
	snap := s.processor.CreateSnapshotState()
	if snap.Sequence < 0 {
		return nil
	}

	size, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.store.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
