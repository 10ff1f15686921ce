// Package notify fans committed messages out to non-durable listeners.
//
// Listeners see only messages committed while they are attached. Delivery
// is a non-blocking send: a listener that cannot keep up loses messages,
// which are counted but never retried.
package notify

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/maxpert/burrow/selector"
	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/telemetry"
)

// DefaultBufferSize is the channel capacity of a listener created with buffer <= 0.
const DefaultBufferSize = 16

// Listener is a non-durable subscription to one destination or a
// destination pattern ("orders.*").
type Listener struct {
	id       uint64
	pattern  string
	matcher  glob.Glob // nil for an exact destination
	expr     selector.Expr
	ch       chan *store.Message
	closed   atomic.Bool
	dropped  atomic.Uint64
	received atomic.Uint64
	hub      *Hub
}

// C returns the delivery channel. It is closed by Close.
func (l *Listener) C() <-chan *store.Message {
	return l.ch
}

// Pattern returns the destination or destination pattern the listener was created with.
func (l *Listener) Pattern() string {
	return l.pattern
}

// Dropped returns the number of messages lost because the buffer was full.
func (l *Listener) Dropped() uint64 {
	return l.dropped.Load()
}

// Received returns the number of messages handed to the channel.
func (l *Listener) Received() uint64 {
	return l.received.Load()
}

// Close detaches the listener and closes its channel. It is idempotent.
func (l *Listener) Close() {
	l.hub.unsubscribe(l.id)
}

func (l *Listener) matches(dest string) bool {
	if l.matcher == nil {
		return l.pattern == dest
	}
	return l.matcher.Match(dest)
}

func (l *Listener) close() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.ch)
	}
}

// Hub is a thread-safe registry of listeners.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]*Listener
	nextID    atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[uint64]*Listener),
	}
}

// Subscribe attaches a listener. pattern is an exact destination name, or a
// glob with '.' as separator when it contains '*', '?' or '['. A nil expr
// matches every message.
func (h *Hub) Subscribe(pattern string, expr selector.Expr, buffer int) (*Listener, error) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	l := &Listener{
		id:      h.nextID.Add(1),
		pattern: pattern,
		expr:    expr,
		ch:      make(chan *store.Message, buffer),
		hub:     h,
	}
	if strings.ContainsAny(pattern, "*?[") {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, err
		}
		l.matcher = g
	}

	h.mu.Lock()
	h.listeners[l.id] = l
	h.mu.Unlock()
	return l, nil
}

// Signal offers committed messages to every matching listener (non-blocking).
// It returns, per destination, how many messages at least one listener took.
func (h *Hub) Signal(msgs []*store.Message) map[string]uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.listeners) == 0 {
		return nil
	}
	taken := make([]bool, len(msgs))
	for _, l := range h.listeners {
		for i, m := range msgs {
			if !l.matches(m.Destination) || !selector.Matches(m, l.expr) {
				continue
			}
			select {
			case l.ch <- m:
				l.received.Add(1)
				taken[i] = true
			default:
				l.dropped.Add(1)
				telemetry.ListenerDroppedTotal.Inc()
			}
		}
	}

	var counts map[string]uint64
	for i, m := range msgs {
		if !taken[i] {
			continue
		}
		if counts == nil {
			counts = make(map[string]uint64)
		}
		counts[m.Destination]++
	}
	return counts
}

// Len returns the number of attached listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// CloseAll detaches every listener.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	listeners := h.listeners
	h.listeners = make(map[uint64]*Listener)
	h.mu.Unlock()

	for _, l := range listeners {
		l.close()
	}
}

// unsubscribe removes a listener and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	l, ok := h.listeners[id]
	if ok {
		delete(h.listeners, id)
	}
	h.mu.Unlock()

	if ok {
		l.close()
	}
}
