package persistence

import (
	"context"
	"fmt"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Decoder turns a logged payload back into a command.
type Decoder func(et event.EventType, payload []byte) (event.Event, error)

// Recovery rebuilds a processor from the latest verified snapshot plus the
// events logged after it.
type Recovery struct {
	store     *SnapshotStore
	decode    Decoder
	batchSize int
	logger    zerolog.Logger
}

// RecoveryResult summarizes a recovery run.
type RecoveryResult struct {
	SnapshotSequence int64 // -1 on a cold start
	Replayed         int64
}

func NewRecovery(store *SnapshotStore, decode Decoder) *Recovery {
	return &Recovery{
		store:     store,
		decode:    decode,
		batchSize: 1000,
		logger:    observability.NewLogger("recovery"),
	}
}

// Run restores p in place. Any replay divergence is returned: the log and
// the code disagree and the service must not start.
func (r *Recovery) Run(ctx context.Context, p *core.Processor) (RecoveryResult, error) {
	result := RecoveryResult{SnapshotSequence: -1}

	snap, err := r.store.LoadLatestSnapshot(ctx)
	if err != nil {
		return result, err
	}
	if snap != nil {
		if err := p.RestoreFromSnapshot(snap); err != nil {
			return result, fmt.Errorf("restore snapshot: %w", err)
		}
		result.SnapshotSequence = snap.Sequence
	} else {
		r.logger.Info().Msg("no snapshot found, replaying the full log")
	}

	from := p.GetSequence()
	for {
		rows, err := r.store.LoadEventsFrom(ctx, from, r.batchSize)
		if err != nil {
			return result, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			et, ok := event.ParseEventType(row.EventType)
			if !ok {
				return result, fmt.Errorf("seq %d: unknown event type %q", row.Sequence, row.EventType)
			}
			evt, err := r.decode(et, row.Payload)
			if err != nil {
				return result, fmt.Errorf("seq %d: %w", row.Sequence, err)
			}
			var hash [32]byte
			copy(hash[:], row.StateHash)
			if err := p.Replay(evt, row.Sequence, hash); err != nil {
				return result, err
			}
			result.Replayed++
		}

		from = rows[len(rows)-1].Sequence + 1
	}

	r.logger.Info().
		Int64("snapshot_sequence", result.SnapshotSequence).
		Int64("replayed", result.Replayed).
		Int64("next_sequence", p.GetSequence()).
		Msg("recovery complete")
	return result, nil
}
