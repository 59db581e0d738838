package client

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// EventHandler processes one decoded event. Returning an error asks for
// redelivery.
type EventHandler func(ctx context.Context, env *service.Envelope) error

// EventSubscriber attaches durable consumers to the approvals stream.
type EventSubscriber struct {
	js      nats.JetStreamContext
	stream  string
	prefix  string
	timeout time.Duration
	log     *logger.Logger
}

// NewEventSubscriber binds to an existing stream.
func NewEventSubscriber(nc *nats.Conn, stream, prefix string, log *logger.Logger) (*EventSubscriber, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &EventSubscriber{
		js:      js,
		stream:  stream,
		prefix:  prefix,
		timeout: 30 * time.Second,
		log:     log.Component("event_subscriber"),
	}, nil
}

// Subscribe consumes events of one type under a durable name. Messages are
// acknowledged only after handler succeeds.
func (s *EventSubscriber) Subscribe(eventType service.EventType, durable string, handler EventHandler) (*nats.Subscription, error) {
	subject := service.Subject(s.prefix, eventType)
	sub, err := s.js.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		var ackErr error
		switch d := dispatch(ctx, msg.Data, handler); d.outcome {
		case ack:
			ackErr = msg.Ack()
		case nak:
			s.log.Warn().Err(d.err).Str("subject", msg.Subject).Msg("event subscriber: handler failed, requesting redelivery")
			ackErr = msg.Nak()
		case term:
			s.log.Error().Err(d.err).Str("subject", msg.Subject).Msg("event subscriber: dropping malformed event")
			ackErr = msg.Term()
		}
		if ackErr != nil {
			s.log.Warn().Err(ackErr).Str("subject", msg.Subject).Msg("event subscriber: failed to acknowledge")
		}
	},
		nats.BindStream(s.stream),
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.MaxDeliver(10),
	)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("subject", subject).Str("durable", durable).Msg("event subscriber: subscribed")
	return sub, nil
}

type outcome int

const (
	ack outcome = iota
	nak
	term
)

type disposition struct {
	outcome outcome
	err     error
}

// dispatch decides how a delivered message is acknowledged. Envelopes that
// cannot be decoded are terminated since redelivery will not fix them.
func dispatch(ctx context.Context, data []byte, handler EventHandler) disposition {
	env, err := service.DecodeEnvelope(data)
	if err != nil {
		return disposition{outcome: term, err: err}
	}
	if env.ID == "" || env.Type == "" {
		return disposition{outcome: term, err: errors.New(errors.ErrCodeInvalidInput, "event envelope without id or type")}
	}
	if err := handler(ctx, env); err != nil {
		return disposition{outcome: nak, err: err}
	}
	return disposition{outcome: ack}
}
