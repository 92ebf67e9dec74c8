package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"PerpClear/internal/event"
	"PerpClear/internal/observability"
)

// Worker drains the persist channel and batch-writes envelopes to
// Postgres. The engine sends on this channel with a BLOCKING send: if the
// worker falls behind, the engine stalls rather than lose an envelope.
type Worker struct {
	writer       *OpLogWriter
	input        <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	input <-chan event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewOpLogWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

// Run batches incoming envelopes and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or input closes.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]event.Envelope, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("envelopes", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("envelopes", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, env)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// a batch: it retries until the write succeeds, and on cancellation makes
// one last attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []event.Envelope) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("envelopes", len(batch)).
				Msg("retrying op-log flush")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("shutdown flush failed, batch not in the op log")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("op-log flush recovered")
			}
			return
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []event.Envelope) error {
	start := time.Now()

	if err := w.writer.WriteBatch(ctx, batch); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistOpsWritten.Add(float64(len(batch)))
		w.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}
	return nil
}
