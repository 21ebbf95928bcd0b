// Package events fans session and chat events out to every connected dashboard.
//
// The Distributor serializes each event once and enqueues it to all
// subscribers under a single lock, so every subscriber observes the same
// global order. Each subscriber owns a bounded queue drained by exactly one
// transport goroutine; a subscriber that falls a full queue behind is dropped
// rather than allowed to stall the publisher.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/stream-watch/telemetry"
)

// DefaultBuffer is the per-subscriber queue length when none is configured.
const DefaultBuffer = 256

// Subscriber is one connected event stream.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	ch     chan []byte
	closed bool // guarded by Distributor.mu
}

// Events yields encoded events in publish order. It is closed when the
// subscriber is unsubscribed or dropped.
func (s *Subscriber) Events() <-chan []byte { return s.ch }

// Distributor is safe for concurrent use.
type Distributor struct {
	buffer int

	mu     sync.Mutex
	subs   map[string]*Subscriber
	active func() (string, bool)
}

// NewDistributor returns a Distributor whose subscriber queues hold buffer events.
func NewDistributor(buffer int) *Distributor {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Distributor{
		buffer: buffer,
		subs:   make(map[string]*Subscriber),
		active: func() (string, bool) { return "", false },
	}
}

// SetActiveSource installs the function Subscribe uses to find the active
// session channel. It is called with the distributor lock held and must not
// block or call back into the Distributor.
func (d *Distributor) SetActiveSource(fn func() (string, bool)) {
	d.mu.Lock()
	d.active = fn
	d.mu.Unlock()
}

// Subscribe registers a new subscriber. When a session is active the
// subscriber's queue starts with subscriber-joined-active-session; no other
// subscriber sees that event and no publish can interleave with the join.
func (d *Distributor) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		ch:          make(chan []byte, d.buffer),
	}

	d.mu.Lock()
	d.subs[sub.ID] = sub
	if channel, ok := d.active(); ok {
		if b, err := encode(SubscriberJoinedActiveSession(channel)); err == nil {
			sub.ch <- b
			telemetry.IncEventPublished(string(KindSubscriberJoinedSession))
		}
	}
	n := len(d.subs)
	d.mu.Unlock()

	telemetry.SetSubscribers(n)
	slog.Debug("subscriber joined", slog.String("component", "events"), slog.String("subscriber", sub.ID), slog.Int("subscribers", n))
	return sub
}

// Unsubscribe removes sub and closes its queue. It is idempotent.
func (d *Distributor) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	removed := d.removeLocked(sub)
	n := len(d.subs)
	d.mu.Unlock()
	if removed {
		telemetry.SetSubscribers(n)
		slog.Debug("subscriber left", slog.String("component", "events"), slog.String("subscriber", sub.ID), slog.Int("subscribers", n))
	}
}

// Publish enqueues ev to every subscriber. It never blocks.
func (d *Distributor) Publish(ev Event) {
	d.PublishTransition(nil, ev)
}

// PublishTransition runs apply and enqueues ev as one step with respect to
// Subscribe, so a joining subscriber sees either the state before apply and
// then ev, or the state after apply without ev.
func (d *Distributor) PublishTransition(apply func(), ev Event) {
	b, err := encode(ev)
	if err != nil {
		slog.Error("encode event failed", slog.String("component", "events"), slog.String("event", string(ev.Kind)), slog.Any("err", err))
		if apply != nil {
			d.mu.Lock()
			apply()
			d.mu.Unlock()
		}
		return
	}

	var dropped []string
	d.mu.Lock()
	if apply != nil {
		apply()
	}
	for _, sub := range d.subs {
		select {
		case sub.ch <- b:
		default:
			d.removeLocked(sub)
			dropped = append(dropped, sub.ID)
		}
	}
	n := len(d.subs)
	d.mu.Unlock()

	telemetry.IncEventPublished(string(ev.Kind))
	if len(dropped) > 0 {
		telemetry.SetSubscribers(n)
		for _, id := range dropped {
			telemetry.Inc(telemetry.SubscribersDropped)
			slog.Warn("dropping slow subscriber", slog.String("component", "events"), slog.String("subscriber", id), slog.Int("buffer", d.buffer))
		}
	}
}

// Count returns the number of registered subscribers.
func (d *Distributor) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close unsubscribes everyone, ending every transport's writer loop.
func (d *Distributor) Close() {
	d.mu.Lock()
	for _, sub := range d.subs {
		d.removeLocked(sub)
	}
	d.mu.Unlock()
	telemetry.SetSubscribers(0)
}

func (d *Distributor) removeLocked(sub *Subscriber) bool {
	if sub.closed {
		return false
	}
	sub.closed = true
	delete(d.subs, sub.ID)
	close(sub.ch)
	return true
}

func encode(ev Event) ([]byte, error) { return json.Marshal(ev) }
