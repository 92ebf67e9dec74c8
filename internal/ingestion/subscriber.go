// Package ingestion is the command intake surface. A gateway publishes
// JSON commands to NATS JetStream; the subscriber feeds them through the
// parser into the engine with explicit ack semantics, so a crashed
// process redelivers and the engine's idempotency layer dedupes.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpClear/internal/observability"
)

const (
	// CommandStream holds every inbound command subject.
	CommandStream = "PERP_CLEAR_COMMANDS"

	// CommandSubjectPrefix is followed by the command kind, e.g.
	// perp.clear.cmd.open_position.
	CommandSubjectPrefix = "perp.clear.cmd."

	consumerName = "perpclear-engine"
)

// RawCommand is one unparsed command off the wire. Ack after the engine
// accepted (or deduped) it; Nak to redeliver.
type RawCommand struct {
	Kind string
	Data []byte
	Ack  func()
	Nak  func()
}

// Subscriber pulls commands from JetStream into a channel.
type Subscriber struct {
	js       jetstream.JetStream
	cmdChan  chan<- RawCommand
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, cmdChan chan<- RawCommand) *Subscriber {
	return &Subscriber{
		js:      js,
		cmdChan: cmdChan,
		log:     observability.NewLogger("ingestion"),
	}
}

// Subscribe creates the durable consumer and starts delivery. Explicit
// ACK, bounded redelivery: a poison message stops being retried after
// MaxDeliver attempts.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawCommand{
			Kind: kindFromSubject(msg.Subject()),
			Data: msg.Data(),
			Ack:  func() { msg.Ack() },
			Nak:  func() { msg.Nak() },
		}
		select {
		case s.cmdChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	s.consumer = cc
	s.log.Info().Str("subject", CommandSubjectPrefix+">").Msg("subscribed to command stream")
	return nil
}

// Stop halts delivery.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

func kindFromSubject(subject string) string {
	return subject[strings.LastIndexByte(subject, '.')+1:]
}

// EnsureCommandStream creates the inbound command stream.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream
// context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
