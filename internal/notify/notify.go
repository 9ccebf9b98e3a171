// Package notify publishes operation lifecycle events to subscribers.
//
// The Broadcaster interface is what the rest of opsd depends on. Bus is the
// in-process implementation: each subscriber owns a buffered channel. A
// subscriber that does not keep up loses progress events; started, complete
// and the reset side effect topics wait for room in the buffer, bounded by
// the delivery timeout. Subscribers must treat every event as a snapshot;
// intermediate progress events are not guaranteed to be delivered.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Topic string

const (
	TopicStarted             Topic = "started"
	TopicProgress            Topic = "progress"
	TopicComplete            Topic = "complete"
	TopicSessionsInvalidated Topic = "sessions_invalidated"
	TopicPreferencesReset    Topic = "preferences_reset"
)

type Event struct {
	Topic       Topic             `json:"topic"`
	OperationID string            `json:"operationId,omitempty"`
	Type        string            `json:"type,omitempty"`
	Status      string            `json:"status,omitempty"`
	Percent     float64           `json:"percentComplete"`
	Message     string            `json:"message,omitempty"`
	Counters    map[string]uint64 `json:"counters,omitempty"`
	Success     bool              `json:"success"`
	Cancelled   bool              `json:"cancelled"`
	Time        time.Time         `json:"time"`
}

type Broadcaster interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// DefaultDeliveryTimeout bounds how long Publish waits for a full
// subscriber before it gives up on a lifecycle event.
const DefaultDeliveryTimeout = 5 * time.Second

type Bus struct {
	mx      sync.RWMutex
	nextID  int
	subs    map[int]*subscriber
	closed  bool
	timeout time.Duration
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber), timeout: DefaultDeliveryTimeout}
}

// WithDeliveryTimeout sets how long Publish waits on a full subscriber.
func (b *Bus) WithDeliveryTimeout(d time.Duration) *Bus {
	b.timeout = d
	return b
}

type subscriber struct {
	id     int
	ch     chan Event
	gone   chan struct{}
	once   sync.Once
	mx     sync.Mutex // held while sending and while closing ch
	closed bool
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.gone)
		s.mx.Lock()
		defer s.mx.Unlock()
		s.closed = true
		close(s.ch)
	})
}

// send drops progress events on a full buffer. Every other topic waits
// for room until the subscriber leaves, ctx is done or timeout passes.
func (s *subscriber) send(ctx context.Context, e Event, timeout time.Duration) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
	}
	if e.Topic == TopicProgress {
		slog.DebugContext(ctx, "subscriber is slow: dropping event", "subscriber", s.id, "topic", e.Topic)
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- e:
	case <-s.gone:
	case <-ctx.Done():
		slog.WarnContext(ctx, "event not delivered", "subscriber", s.id, "topic", e.Topic, "error", ctx.Err())
	case <-timer.C:
		slog.WarnContext(ctx, "subscriber is stuck: dropping event", "subscriber", s.id, "topic", e.Topic, "timeout", timeout)
	}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:   b.nextID,
		ch:   make(chan Event, buffer),
		gone: make(chan struct{}),
	}
	b.nextID++
	b.subs[sub.id] = sub

	return sub.ch, func() {
		b.mx.Lock()
		delete(b.subs, sub.id)
		b.mx.Unlock()
		sub.close()
	}
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mx.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	timeout := b.timeout
	b.mx.RUnlock()

	for _, sub := range subs {
		sub.send(ctx, e, timeout)
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mx.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mx.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// Recorder keeps every published event. Used by tests and the reset CLI.
type Recorder struct {
	mx     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]Event(nil), r.events...)
}

// Topics returns the topics of all recorded events in publish order.
func (r *Recorder) Topics() []Topic {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]Topic, 0, len(r.events))
	for _, e := range r.events {
		ret = append(ret, e.Topic)
	}
	return ret
}

// Multi publishes to several broadcasters in order.
type Multi []Broadcaster

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, b := range m {
		b.Publish(ctx, e)
	}
}
