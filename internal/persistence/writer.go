// Package persistence owns the durable op log. A worker goroutine drains
// the engine's persist channel and batch-writes envelopes to Postgres;
// recovery reads them back to restore the hash chain on restart.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpClear/internal/event"
)

// OpLogWriter writes envelope batches to Postgres using multi-row INSERT.
// ON CONFLICT (sequence) DO NOTHING makes retried batches idempotent, so
// the worker can replay a whole batch after a partial failure.
type OpLogWriter struct {
	db *sql.DB
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

const envelopeColumns = 9

// WriteBatch inserts a batch of envelopes into oplog.events.
func (w *OpLogWriter) WriteBatch(ctx context.Context, envs []event.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	query := `INSERT INTO oplog.events
		(sequence, event_type, idempotency_key, command_key, market_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(envs))
	args := make([]interface{}, 0, len(envs)*envelopeColumns)

	for i, env := range envs {
		base := i * envelopeColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			env.Sequence, int32(env.EventType), env.IdempotencyKey, env.CommandKey,
			env.MarketID, env.Payload, env.StateHash[:], env.PrevHash[:], env.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}
