package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"PerpClear/internal/engine"
	"PerpClear/internal/observability"
)

// Runner drains raw commands from the subscriber, parses them and submits
// them to the engine. Malformed payloads and duplicates are acked so the
// broker never redelivers them; only transient submit failures are nak'd.
type Runner struct {
	eng     *engine.Engine
	input   <-chan RawCommand
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewRunner(eng *engine.Engine, input <-chan RawCommand, metrics *observability.Metrics) *Runner {
	return &Runner{
		eng:     eng,
		input:   input,
		metrics: metrics,
		log:     observability.NewLogger("ingestion"),
	}
}

// Run loops until the context is cancelled or the input channel closes.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				return
			}
			r.handle(ctx, raw)
		}
	}
}

func (r *Runner) handle(ctx context.Context, raw RawCommand) {
	cmd, err := ParseCommand(raw.Kind, raw.Data)
	if err != nil {
		// A payload that does not parse will never parse. Ack it away.
		r.log.Warn().Err(err).Str("kind", raw.Kind).Msg("rejecting unparseable command")
		r.count(raw.Kind, "malformed")
		raw.Ack()
		return
	}

	_, err = r.eng.Submit(ctx, cmd)
	switch {
	case err == nil:
		r.count(raw.Kind, "applied")
		raw.Ack()
	case errors.Is(err, engine.ErrDuplicateCommand):
		// Redelivery of an already applied command. The intent took
		// effect, so the message is done.
		r.count(raw.Kind, "duplicate")
		raw.Ack()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.count(raw.Kind, "retried")
		raw.Nak()
	default:
		// Domain rejection (validation, margin, unknown market). The
		// command is terminal; redelivering it would fail identically.
		r.log.Warn().Err(err).Str("kind", raw.Kind).Msg("command rejected")
		r.count(raw.Kind, "rejected")
		raw.Ack()
	}
}

func (r *Runner) count(kind, outcome string) {
	if r.metrics != nil {
		r.metrics.IngestCommands.WithLabelValues(kind, outcome).Inc()
	}
}
