// Package events publishes product lifecycle changes to NATS JetStream.
//
// Publishing is best effort. Events are buffered in a bounded queue and
// drained by a background goroutine; failures are logged and never reach the
// harvest that produced them.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snublejuice/vinskraper/internal/lifecycle"
)

// Event types, which are also the last subject token.
const (
	TypeDiscovered  = "discovered"
	TypeExpired     = "expired"
	TypeReactivated = "reactivated"
)

const (
	// SubjectPrefix is prepended to the event type to form the subject.
	SubjectPrefix = "vinskraper.product."
	// DefaultStream is the JetStream stream covering all product subjects.
	DefaultStream = "VINSKRAPER"

	defaultQueueSize      = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Event is the JSON payload of one lifecycle message.
type Event struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	Index int64     `json:"index"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	RunID string    `json:"runId,omitempty"`
	Time  time.Time `json:"time"`
}

// Subject returns the NATS subject for the event.
func (e Event) Subject() string {
	return SubjectPrefix + e.Type
}

// FromTransition maps a lifecycle transition to an event. Transitions that do
// not move a product between collections (refreshes, archive updates) have no
// event.
func FromTransition(t lifecycle.Transition, runID string, now time.Time) (Event, bool) {
	var typ string
	switch t.Reason {
	case lifecycle.ReasonDiscovered:
		typ = TypeDiscovered
	case lifecycle.ReasonExpired:
		typ = TypeExpired
	case lifecycle.ReasonReactivated:
		typ = TypeReactivated
	default:
		return Event{}, false
	}

	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Index: t.Index,
		From:  t.From.String(),
		To:    t.To.String(),
		RunID: runID,
		Time:  now.UTC(),
	}, true
}

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards every event. It is used when no NATS URL is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// EmitterOption customizes an Emitter.
type EmitterOption func(*Emitter)

// WithQueueSize bounds the number of buffered events.
func WithQueueSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the emitter logger.
func WithLogger(logger zerolog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger.With().Str("component", "events").Logger()
	}
}

// Emitter turns transitions into events and publishes them asynchronously.
type Emitter struct {
	pub       Publisher
	queue     *queue
	queueSize int
	now       func() time.Time
	logger    zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
}

// NewEmitter returns an emitter over pub. A nil pub behaves like Noop.
func NewEmitter(pub Publisher, opts ...EmitterOption) *Emitter {
	if pub == nil {
		pub = Noop{}
	}
	e := &Emitter{
		pub:       pub,
		queueSize: defaultQueueSize,
		now:       time.Now,
		logger:    zerolog.Nop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = newQueue(e.queueSize)
	return e
}

// Start launches the drain goroutine. It returns once ctx is canceled or the
// emitter is closed and the buffer is empty.
func (e *Emitter) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go e.drain(ctx)
	})
}

// Emit queues events for the given transitions. It blocks only while the
// queue is full.
func (e *Emitter) Emit(ctx context.Context, runID string, transitions []lifecycle.Transition) error {
	for _, t := range transitions {
		ev, ok := FromTransition(t, runID, e.now())
		if !ok {
			continue
		}
		if err := e.queue.enqueue(ctx, ev); err != nil {
			return fmt.Errorf("queueing %s event for %d: %w", ev.Type, ev.Index, err)
		}
	}
	return nil
}

// Close stops accepting events, waits for the buffer to drain and closes the
// publisher.
func (e *Emitter) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.queue.close()
		if e.started.Load() {
			<-e.done
		}
		err = e.pub.Close()
	})
	return err
}

func (e *Emitter) drain(ctx context.Context) {
	defer close(e.done)

	for {
		ev, err := e.queue.dequeue(ctx)
		if err != nil {
			if !errors.Is(err, errQueueClosed) {
				e.logger.Debug().Err(err).Msg("event drain stopped")
			}
			return
		}

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
		if err := e.pub.Publish(pubCtx, ev); err != nil {
			e.logger.Warn().
				Err(err).
				Str("subject", ev.Subject()).
				Int64("index", ev.Index).
				Msg("failed to publish lifecycle event")
		}
		cancel()
	}
}
