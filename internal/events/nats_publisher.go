package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/flightdeckci/flightdeck/internal/logfields"
)

const publishTimeout = 5 * time.Second

// NATSPublisher publishes lifecycle events to a JetStream stream.
type NATSPublisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	stream  string
	logger  *slog.Logger
}

// NewNATSPublisher connects to the broker and ensures the lifecycle stream
// exists. subject is the publish subject; stream is the JetStream stream name
// that captures it.
func NewNATSPublisher(url, subject, stream string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure lifecycle stream: %w", err)
	}

	logger.Info("event publisher connected", slog.String("subject", subject), slog.String("stream", stream))

	return &NATSPublisher{
		conn:    conn,
		js:      js,
		subject: subject,
		stream:  stream,
		logger:  logger,
	}, nil
}

// Publish emits the event. Failures are logged and dropped; lifecycle
// operations never fail because the broker is away.
func (p *NATSPublisher) Publish(ev BuildEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("drop unmarshalable event", slog.String("type", ev.Type), logfields.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := p.js.Publish(ctx, p.subject, data); err != nil {
		p.logger.Warn("drop lifecycle event",
			slog.String("type", ev.Type),
			logfields.BuildID(ev.BuildID),
			logfields.Error(err))
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
