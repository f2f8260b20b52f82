package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"MarginLedger/internal/core"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a queried position or pool does not exist.
var ErrNotFound = errors.New("not found")

// QueryService serves read-only queries. Risk figures (margin level, ENP,
// ELL, free balance) are computed against the live core under its read
// lock; history is read from event_log and the projection tables. Every
// response carries as_of_sequence for freshness semantics.
type QueryService struct {
	processor *core.Processor
	db        *sql.DB
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewQueryService(processor *core.Processor, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		processor: processor,
		db:        db,
		metrics:   metrics,
		logger:    observability.NewLogger("query"),
	}
}

// observe wraps a query with request, latency and error metrics.
func (qs *QueryService) observe(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if qs.metrics != nil {
		qs.metrics.QueryRequests.WithLabelValues(name).Inc()
		qs.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			qs.metrics.QueryErrors.WithLabelValues(name, errorReason(err)).Inc()
		}
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		qs.logger.Warn().Err(err).Str("query", name).Msg("query failed")
	}
	return err
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, fpmath.ErrOutOfBound):
		return "out_of_bound"
	default:
		return "internal"
	}
}

// === Live reads ===

// GetTrader returns a trader's balance, free balance, equity, margin level,
// safety state and open positions.
func (qs *QueryService) GetTrader(ctx context.Context, trader uuid.UUID) (*TraderResponse, error) {
	var resp *TraderResponse
	err := qs.observe("trader", func() error {
		return qs.read(ctx, func(l *state.Ledger, engine *risk.Engine, seq int64) error {
			held, err := engine.MarginHeld(l, trader)
			if err != nil {
				return fmt.Errorf("margin held: %w", err)
			}
			free, err := engine.FreeBalance(l, trader)
			if err != nil {
				return fmt.Errorf("free balance: %w", err)
			}
			equity, err := engine.EquityOfTrader(l, trader)
			if err != nil {
				return fmt.Errorf("equity: %w", err)
			}
			level, err := engine.MarginLevel(l, trader, nil)
			if err != nil {
				return fmt.Errorf("margin level: %w", err)
			}

			positions := make([]PositionResponse, 0)
			for _, p := range l.TraderPositions(trader) {
				view, err := positionView(engine, &p, seq)
				if err != nil {
					return err
				}
				positions = append(positions, view)
			}

			resp = &TraderResponse{
				Trader:       trader,
				Balance:      l.Balance(trader).String(),
				MarginHeld:   held.String(),
				FreeBalance:  free.String(),
				Equity:       equity.String(),
				MarginLevel:  ratio(level),
				Safety:       l.TraderSafety(trader).String(),
				Positions:    positions,
				AsOfSequence: seq,
			}
			return nil
		})
	})
	return resp, err
}

// GetPosition returns one open position.
func (qs *QueryService) GetPosition(ctx context.Context, id uint64) (*PositionResponse, error) {
	var resp *PositionResponse
	err := qs.observe("position", func() error {
		return qs.read(ctx, func(l *state.Ledger, engine *risk.Engine, seq int64) error {
			p, ok := l.Position(state.PositionID(id))
			if !ok {
				return fmt.Errorf("position %d: %w", id, ErrNotFound)
			}
			view, err := positionView(engine, &p, seq)
			if err != nil {
				return err
			}
			resp = &view
			return nil
		})
	})
	return resp, err
}

// GetPool returns a pool's liquidity, exposure legs, ENP, ELL and safety
// state.
func (qs *QueryService) GetPool(ctx context.Context, pool uint32) (*PoolResponse, error) {
	id := state.PoolID(pool)
	var resp *PoolResponse
	err := qs.observe("pool", func() error {
		if _, ok := qs.processor.Registry().Pool(id); !ok {
			return fmt.Errorf("pool %d: %w", pool, ErrNotFound)
		}
		return qs.read(ctx, func(l *state.Ledger, engine *risk.Engine, seq int64) error {
			equity, err := engine.EquityOfPool(l, id)
			if err != nil {
				return fmt.Errorf("pool equity: %w", err)
			}
			long, short, err := engine.PoolExposure(l, id, nil)
			if err != nil {
				return fmt.Errorf("pool exposure: %w", err)
			}
			enp, err := engine.ENP(l, id, nil)
			if err != nil {
				return fmt.Errorf("enp: %w", err)
			}
			ell, err := engine.ELL(l, id, nil)
			if err != nil {
				return fmt.Errorf("ell: %w", err)
			}

			resp = &PoolResponse{
				Pool:          pool,
				Liquidity:     qs.processor.Registry().Liquidity(id).String(),
				Equity:        equity.String(),
				LongExposure:  long.String(),
				ShortExposure: short.String(),
				ENP:           ratio(enp),
				ELL:           ratio(ell),
				Safety:        l.PoolSafety(id).String(),
				OpenPositions: len(l.PoolPositionIDs(id)),
				AsOfSequence:  seq,
			}
			return nil
		})
	})
	return resp, err
}

// GetSystemStatus reports the core's next sequence and chain tip alongside
// the projection watermark.
func (qs *QueryService) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	var resp *SystemStatus
	err := qs.observe("status", func() error {
		watermark, err := qs.getWatermark(ctx)
		if err != nil {
			return fmt.Errorf("watermark: %w", err)
		}
		open := 0
		if err := qs.processor.Read(func(l *state.Ledger, _ *risk.Engine) error {
			open = l.PositionCount()
			return nil
		}); err != nil {
			return err
		}
		hash := qs.processor.GetStateHash()
		resp = &SystemStatus{
			NextSequence:       qs.processor.GetSequence(),
			StateHash:          hex.EncodeToString(hash[:]),
			ProjectionSequence: watermark,
			OpenPositions:      open,
		}
		return nil
	})
	return resp, err
}

func (qs *QueryService) read(ctx context.Context, fn func(l *state.Ledger, engine *risk.Engine, seq int64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Sequence of the last applied command; -1 before the first.
	seq := qs.processor.GetSequence() - 1
	return qs.processor.Read(func(l *state.Ledger, engine *risk.Engine) error {
		return fn(l, engine, seq)
	})
}

func positionView(engine *risk.Engine, p *state.Position, seq int64) (PositionResponse, error) {
	openPrice, err := p.OpenPrice()
	if err != nil {
		return PositionResponse{}, fmt.Errorf("position %d open price: %w", p.ID, err)
	}
	upl, err := engine.UnrealizedPL(p)
	if err != nil {
		return PositionResponse{}, fmt.Errorf("position %d unrealized: %w", p.ID, err)
	}
	swap, err := engine.AccumulatedSwap(p)
	if err != nil {
		return PositionResponse{}, fmt.Errorf("position %d swap: %w", p.ID, err)
	}
	return PositionResponse{
		ID:              uint64(p.ID),
		Owner:           p.Owner,
		Pool:            uint32(p.Pool),
		Pair:            p.Pair.String(),
		Side:            p.Leverage.Side.String(),
		Multiple:        p.Leverage.Multiple,
		LeveragedHeld:   p.LeveragedHeld.String(),
		LeveragedDebit:  p.LeveragedDebit.String(),
		HeldInUSD:       p.LeveragedHeldInUSD.String(),
		OpenMargin:      p.OpenMargin.String(),
		OpenPrice:       openPrice.String(),
		UnrealizedPL:    upl.String(),
		AccumulatedSwap: swap.String(),
		AsOfSequence:    seq,
	}, nil
}

// ratio maps the fpmath.Max sentinel (no exposure) to nil.
func ratio(v fpmath.Fixed) *string {
	if v.Equal(fpmath.Max()) {
		return nil
	}
	s := v.String()
	return &s
}

// === History reads ===

// GetJournalHistory returns journal entries touching any account of the
// trader, newest first. beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	trader uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	var entries []JournalHistoryEntry
	err := qs.observe("journals", func() error {
		accountPrefix := fmt.Sprintf("trader:%s:%%", trader)

		query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::TEXT, journal_type, position_id, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
		args := []interface{}{accountPrefix}
		argIdx := 2

		if beforeSequence != nil {
			query += fmt.Sprintf(" AND sequence < $%d", argIdx)
			args = append(args, *beforeSequence)
			argIdx++
		}

		query += " ORDER BY sequence DESC"
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, clampLimit(limit))

		rows, err := qs.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e JournalHistoryEntry
			var positionID sql.NullInt64
			if err := rows.Scan(
				&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
				&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType,
				&positionID, &e.Timestamp,
			); err != nil {
				return err
			}
			if positionID.Valid {
				id := positionID.Int64
				e.PositionID = &id
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

// GetClosedPositions returns the trader's settled positions, newest first.
func (qs *QueryService) GetClosedPositions(ctx context.Context, trader uuid.UUID, limit int) ([]ClosedPositionResponse, error) {
	var closed []ClosedPositionResponse
	err := qs.observe("closed_positions", func() error {
		asOfSeq, err := qs.getWatermark(ctx)
		if err != nil {
			return fmt.Errorf("watermark: %w", err)
		}

		rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, pool_id, base, quote, side, multiple,
		       leveraged_held::TEXT, open_margin::TEXT, realized::TEXT, settled::TEXT,
		       closed_by, sequence, closed_at
		FROM projections.closed_positions
		WHERE trader = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, trader, clampLimit(limit))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			c := ClosedPositionResponse{Owner: trader, AsOfSequence: asOfSeq}
			var base, quote string
			var closedAt time.Time
			if err := rows.Scan(
				&c.PositionID, &c.Pool, &base, &quote, &c.Side, &c.Multiple,
				&c.Held, &c.OpenMargin, &c.Realized, &c.Settled,
				&c.ClosedBy, &c.Sequence, &closedAt,
			); err != nil {
				return err
			}
			c.Pair = state.TradingPair{Base: state.Currency(base), Quote: state.Currency(quote)}.String()
			c.Timestamp = closedAt.UnixNano()
			closed = append(closed, c)
		}
		return rows.Err()
	})
	return closed, err
}

// GetSafetyTransitions returns the recorded safety changes of a trader
// ("trader", uuid) or a pool ("pool", id), newest first.
func (qs *QueryService) GetSafetyTransitions(ctx context.Context, subject, subjectID string, limit int) ([]SafetyTransitionResponse, error) {
	var transitions []SafetyTransitionResponse
	err := qs.observe("safety_transitions", func() error {
		rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, subject, subject_id, state, at
		FROM projections.safety_transitions
		WHERE subject = $1 AND subject_id = $2
		ORDER BY sequence DESC
		LIMIT $3
	`, subject, subjectID, clampLimit(limit))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t SafetyTransitionResponse
			var at time.Time
			if err := rows.Scan(&t.Sequence, &t.Subject, &t.SubjectID, &t.State, &at); err != nil {
				return err
			}
			t.Timestamp = at.UnixNano()
			transitions = append(transitions, t)
		}
		return rows.Err()
	})
	return transitions, err
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in event_log and that the
// projected account balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	err := qs.observe("verify_integrity", func() error {
		rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		var total string
		if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0)::TEXT FROM projections.account_balances
	`).Scan(&total); err != nil {
			return fmt.Errorf("balance sum: %w", err)
		}
		sum, err := decimal.NewFromString(total)
		if err != nil {
			return fmt.Errorf("balance sum %q: %w", total, err)
		}
		if !sum.IsZero() {
			report.Imbalance = sum.String()
		}

		report.IsHealthy = len(report.HashChainBreaks) == 0 && report.Imbalance == ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
