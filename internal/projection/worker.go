package projection

import (
	"context"
	"database/sql"
	"fmt"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker maintains the read-model tables from applied commands.
// Its channel is fed without blocking, so it may skip outputs; the tables
// can always be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.Apply(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
			}
		}
	}
}

// Apply projects one output in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, out core.CoreOutput) error {
	seq := out.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			amount := j.Amount.String()
			if err := addBalance(ctx, tx, j.DebitAccount.AccountPath(), amount, seq); err != nil {
				return fmt.Errorf("debit projection: %w", err)
			}
			if err := addBalance(ctx, tx, j.CreditAccount.AccountPath(), "-"+amount, seq); err != nil {
				return fmt.Errorf("credit projection: %w", err)
			}
		}
	}

	if r := out.Result; r != nil {
		for _, c := range r.Closed {
			pos := c.Position
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.closed_positions
					(position_id, trader, pool_id, base, quote, side, multiple,
					 leveraged_held, open_margin, realized, settled, closed_by, sequence, closed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				ON CONFLICT (position_id) DO NOTHING
			`, int64(pos.ID), pos.Owner, int64(pos.Pool), string(pos.Pair.Base), string(pos.Pair.Quote),
				pos.Leverage.Side.String(), int(pos.Leverage.Multiple),
				pos.LeveragedHeld.String(), pos.OpenMargin.String(), c.Realized.String(), c.Settled.String(),
				out.Envelope.EventType.String(), seq, out.Envelope.Timestamp,
			); err != nil {
				return fmt.Errorf("closed position projection: %w", err)
			}
		}

		if s := r.Safety; s != nil {
			subject, id := "trader", ""
			if s.Trader != nil {
				id = s.Trader.String()
			}
			if s.Pool != nil {
				subject, id = "pool", fmt.Sprintf("%d", *s.Pool)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.safety_transitions (sequence, subject, subject_id, state, at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (sequence) DO NOTHING
			`, seq, subject, id, s.State.String(), out.Envelope.Timestamp); err != nil {
				return fmt.Errorf("safety projection: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func addBalance(ctx context.Context, tx *sql.Tx, account, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, balance, last_sequence)
		VALUES ($1, $2::NUMERIC, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.account_balances.balance + $2::NUMERIC, last_sequence = $3
	`, account, delta, seq)
	return err
}

// RebuildBalances recomputes account_balances from the journal.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`TRUNCATE projections.account_balances`,
		`INSERT INTO projections.account_balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, -amount AS delta, sequence FROM event_log.journal
		) movements
		GROUP BY account_path`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger := observability.NewLogger("projection")
	logger.Info().Msg("balance projection rebuilt")
	return nil
}
