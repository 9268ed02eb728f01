package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// NATSConfig configures the JetStream publisher.
type NATSConfig struct {
	URL     string
	Name    string
	Stream  string
	Timeout time.Duration
}

// NATSPublisher publishes events to a JetStream stream, creating the stream
// on first connect when it does not exist.
type NATSPublisher struct {
	conn *natsgo.Conn
	js   natsgo.JetStreamContext
}

// NewNATSPublisher connects to cfg.URL and ensures the stream exists.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "vinskraper"
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	conn, err := natsgo.Connect(url, natsgo.Name(name), natsgo.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	if err := ensureStream(js, stream); err != nil {
		conn.Close()
		return nil, err
	}

	return &NATSPublisher{conn: conn, js: js}, nil
}

func ensureStream(js natsgo.JetStreamContext, stream string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, natsgo.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %s: %w", stream, err)
	}

	_, err = js.AddStream(&natsgo.StreamConfig{
		Name:     stream,
		Subjects: []string{SubjectPrefix + ">"},
		Storage:  natsgo.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", stream, err)
	}
	return nil
}

// Publish sends ev on its subject. The event id doubles as the JetStream
// message id so redelivered publishes are deduplicated by the server.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := natsgo.NewMsg(ev.Subject())
	msg.Data = data
	msg.Header.Set(natsgo.MsgIdHdr, ev.ID)

	if _, err := p.js.PublishMsg(msg, natsgo.Context(ctx)); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Subject(), err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}
