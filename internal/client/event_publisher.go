package client

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
)

// Connect dials NATS with unlimited reconnects. Connection state changes are
// logged rather than surfaced.
func Connect(url, name string, log *logger.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
}

// JetStreamPublisher publishes outbox events to a JetStream stream. Each
// message carries the event ID as Nats-Msg-Id so redelivered events are
// dropped by the server's duplicate window.
type JetStreamPublisher struct {
	js      nats.JetStreamContext
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// NewJetStreamPublisher binds to stream, creating it over "<prefix>.>" when
// it does not exist yet.
func NewJetStreamPublisher(nc *nats.Conn, stream, prefix string, log *logger.Logger) (*JetStreamPublisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if err := ensureStream(js, stream, prefix); err != nil {
		return nil, err
	}

	log = log.Component("event_publisher")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "jetstream",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("event publisher: circuit breaker state changed")
		},
	})

	return &JetStreamPublisher{js: js, breaker: breaker, log: log}, nil
}

func ensureStream(js nats.JetStreamContext, stream, prefix string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !stderrors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{prefix + ".>"},
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	return err
}

// Publish sends one message. An open breaker fails fast with UNAVAILABLE so
// the relay keeps the event for the next tick.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(msgID))
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "event bus unavailable")
	}
	if err != nil {
		return err
	}
	p.log.Debug().Str("subject", subject).Str("event_id", msgID).Msg("event publisher: event published")
	return nil
}

// LogPublisher stands in when no bus is configured: events are logged and
// treated as delivered.
type LogPublisher struct {
	log *logger.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{log: log.Component("event_publisher")}
}

// Publish logs the event at info level and always succeeds.
func (p *LogPublisher) Publish(_ context.Context, subject, msgID string, data []byte) error {
	p.log.Info().
		Str("subject", subject).
		Str("event_id", msgID).
		RawJSON("payload", data).
		Msg("event publisher: no bus configured, event logged")
	return nil
}
