package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpClear/internal/observability"
)

// Publisher forwards envelopes to NATS JetStream for downstream indexers.
// Outbound events are published after persistence is confirmed; a publish
// failure is non-fatal since consumers can replay the operation log.
// Subjects follow the pattern: perp.clear.events.{event_type}.{market_id}
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan Envelope
	log       zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan Envelope) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		log:       observability.NewLogger("publisher"),
	}
}

// Run starts the publish loop. Returns when the context is cancelled or
// the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("perp.clear.events.%s", env.EventType)
	if env.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *env.MarketID)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_CLEAR_EVENTS",
		Subjects:  []string{"perp.clear.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
