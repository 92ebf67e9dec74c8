// Package projection maintains Postgres read models from the engine's
// envelope stream. The projection channel is non-blocking with drop:
// a worker that falls behind rebuilds from the op log.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"PerpClear/internal/event"
	"PerpClear/internal/observability"
)

// Loader pages envelopes out of the op log, fromSequence inclusive.
type Loader func(ctx context.Context, fromSequence int64, limit int) ([]event.Envelope, error)

// Worker applies envelopes to the projection tables.
type Worker struct {
	db      *sql.DB
	input   <-chan event.Envelope
	lastSeq int64
	log     zerolog.Logger
}

func NewWorker(db *sql.DB, input <-chan event.Envelope) *Worker {
	return &Worker{
		db:    db,
		input: input,
		log:   observability.NewLogger("projection"),
	}
}

// Run consumes envelopes until ctx is cancelled or the channel closes.
// Failures are logged and skipped: projections are eventually consistent
// and Rebuild recovers any gap.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.apply(ctx, env); err != nil {
				w.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
				continue
			}
			w.lastSeq = env.Sequence
		}
	}
}

func (w *Worker) apply(ctx context.Context, env event.Envelope) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.project(ctx, tx, env); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) project(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	switch env.EventType {
	case event.EventTypeFundingRateUpdated:
		var ev event.FundingRateUpdated
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode funding payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.funding_history
				(sequence, market, premium_fraction, mark_twap, index_twap,
				 cumulative_premium_fraction, next_funding_time, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sequence) DO NOTHING
		`, env.Sequence, ev.Market, ev.PremiumFraction, ev.MarkTwap, ev.IndexTwap,
			ev.CumulativePremiumFraction, ev.NextFundingTime, env.Timestamp)
		return err

	case event.EventTypePositionModified:
		var ev event.PositionModified
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode trade payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.trades
				(sequence, market, trader, base_qty, quote, fee, realized_pnl, mark_price, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (sequence) DO NOTHING
		`, env.Sequence, ev.Market, ev.Trader.Hex(), ev.BaseQty.String(),
			ev.Quote, ev.Fee, ev.RealizedPnl, ev.MarkPrice, env.Timestamp)
		return err

	case event.EventTypePositionLiquidated:
		var ev event.PositionLiquidated
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode liquidation payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidations
				(sequence, market, trader, liquidator, closed_size, quote, realized_pnl, penalty, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (sequence) DO NOTHING
		`, env.Sequence, ev.Market, ev.Trader.Hex(), ev.Liquidator.Hex(),
			ev.ClosedSize.String(), ev.Quote, ev.RealizedPnl, ev.Penalty, env.Timestamp)
		return err

	default:
		// Other event types have no projection table yet.
		return nil
	}
}

// Rebuild truncates the projection tables and replays the op log through
// the loader.
func (w *Worker) Rebuild(ctx context.Context, load Loader) error {
	truncates := []string{
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.trades`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncates {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	const pageSize = 10_000
	next := int64(0)
	for {
		envs, err := load(ctx, next, pageSize)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			w.log.Info().Int64("through", next-1).Msg("projection rebuild complete")
			return nil
		}
		for _, env := range envs {
			if err := w.apply(ctx, env); err != nil {
				return fmt.Errorf("rebuild at sequence %d: %w", env.Sequence, err)
			}
			w.lastSeq = env.Sequence
		}
		next = envs[len(envs)-1].Sequence + 1
	}
}
