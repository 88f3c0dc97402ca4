package events

import (
	"log/slog"
	"sync"
)

type subscription struct {
	id int
	fn Handler
}

// Dispatcher is the default Bus: a mutex-guarded subscriber list with
// synchronous delivery. Handlers that fail or panic are logged and skipped;
// delivery continues with the next subscriber.
type Dispatcher struct {
	mu     sync.RWMutex
	log    *slog.Logger
	nextID int
	subs   []subscription
}

// NewDispatcher creates a dispatcher logging handler failures to log.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log}
}

// Subscribe registers fn and returns its cancel function. Handlers run in
// subscribe order.
func (d *Dispatcher) Subscribe(fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, fn: fn})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every current subscriber, synchronously.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	subs := make([]subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		d.deliver(s, ev)
	}
}

func (d *Dispatcher) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("event handler panicked", "event", string(ev.Type), "panic", r)
		}
	}()

	if err := s.fn(ev); err != nil {
		d.log.Warn("event handler failed", "event", string(ev.Type), "error", err)
	}
}

var _ Bus = (*Dispatcher)(nil)
