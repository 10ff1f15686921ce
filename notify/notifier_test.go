package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/maxpert/burrow/selector"
	"github.com/maxpert/burrow/store"
)

func message(dest string, seq uint64, color string) *store.Message {
	return &store.Message{
		Seq:         seq,
		Destination: dest,
		Priority:    store.DefaultPriority,
		Properties:  map[string]selector.Value{"color": selector.String(color)},
	}
}

func mustSubscribe(t *testing.T, hub *Hub, pattern, sel string, buffer int) *Listener {
	t.Helper()
	var expr selector.Expr
	if sel != "" {
		var err error
		if expr, err = selector.Parse(sel); err != nil {
			t.Fatalf("parse %q: %v", sel, err)
		}
	}
	l, err := hub.Subscribe(pattern, expr, buffer)
	if err != nil {
		t.Fatalf("subscribe %q: %v", pattern, err)
	}
	return l
}

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()
	l := mustSubscribe(t, hub, "orders", "", 0)
	defer l.Close()

	hub.Signal([]*store.Message{message("orders", 1, "red")})

	select {
	case m := <-l.C():
		if m.Destination != "orders" || m.Seq != 1 {
			t.Errorf("expected orders#1, got %s", m)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestHub_FilterDestination(t *testing.T) {
	hub := NewHub()
	l := mustSubscribe(t, hub, "orders", "", 0)
	defer l.Close()

	hub.Signal([]*store.Message{message("audit", 1, "red")})

	select {
	case m := <-l.C():
		t.Errorf("should not receive audit messages, got %s", m)
	case <-time.After(50 * time.Millisecond):
		// Expected - no message
	}
}

func TestHub_FilterSelector(t *testing.T) {
	hub := NewHub()
	l := mustSubscribe(t, hub, "orders", "color = 'red'", 0)
	defer l.Close()

	hub.Signal([]*store.Message{
		message("orders", 1, "red"),
		message("orders", 2, "blue"),
		message("orders", 3, "red"),
	})

	var got []uint64
	timeout := time.After(100 * time.Millisecond)
	for len(got) < 2 {
		select {
		case m := <-l.C():
			got = append(got, m.Seq)
		case <-timeout:
			t.Fatalf("timeout, received %v", got)
		}
	}
	if got[0] != 1 || got[1] != 3 {
		t.Errorf("expected [1 3], got %v", got)
	}
	if l.Received() != 2 {
		t.Errorf("expected 2 received, got %d", l.Received())
	}
}

func TestHub_DestinationPattern(t *testing.T) {
	hub := NewHub()
	l := mustSubscribe(t, hub, "orders.*", "", 0)
	defer l.Close()

	hub.Signal([]*store.Message{
		message("orders.eu", 1, "red"),
		message("orders", 1, "red"),
		message("orders.eu.paris", 1, "red"),
		message("orders.us", 1, "red"),
	})

	received := make(map[string]bool)
	timeout := time.After(100 * time.Millisecond)
	for len(received) < 2 {
		select {
		case m := <-l.C():
			received[m.Destination] = true
		case <-timeout:
			t.Fatalf("timeout, received %v", received)
		}
	}
	if !received["orders.eu"] || !received["orders.us"] {
		t.Errorf("received unexpected destinations: %v", received)
	}

	select {
	case m := <-l.C():
		t.Errorf("should not receive more, got %s", m)
	case <-time.After(50 * time.Millisecond):
		// Expected
	}
}

func TestHub_InvalidPattern(t *testing.T) {
	hub := NewHub()
	if _, err := hub.Subscribe("orders.[", nil, 0); err == nil {
		t.Error("expected error for invalid pattern")
	}
	if hub.Len() != 0 {
		t.Errorf("expected no listeners, got %d", hub.Len())
	}
}

func TestHub_CloseUnsubscribes(t *testing.T) {
	hub := NewHub()
	l := mustSubscribe(t, hub, "orders", "", 0)

	hub.Signal([]*store.Message{message("orders", 1, "red")})
	select {
	case <-l.C():
		// Expected
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}

	l.Close()

	select {
	case _, ok := <-l.C():
		if ok {
			t.Error("channel should be closed after Close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	// Subsequent signals should not panic
	hub.Signal([]*store.Message{message("orders", 2, "red")})
	l.Close()
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub()
	l := mustSubscribe(t, hub, "orders", "", 4)
	defer l.Close()

	var msgs []*store.Message
	for i := uint64(1); i <= 10; i++ {
		msgs = append(msgs, message("orders", i, "red"))
	}
	hub.Signal(msgs)

	if l.Received() != 4 {
		t.Errorf("expected 4 received, got %d", l.Received())
	}
	if l.Dropped() != 6 {
		t.Errorf("expected 6 dropped, got %d", l.Dropped())
	}
	// the oldest messages are kept
	if m := <-l.C(); m.Seq != 1 {
		t.Errorf("expected seq 1 first, got %d", m.Seq)
	}
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub()
	const numGoroutines = 10
	const numSignals = 100

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			l, err := hub.Subscribe("orders", nil, numSignals)
			if err != nil {
				t.Error(err)
				return
			}
			defer l.Close()

			received := 0
			timeout := time.After(2 * time.Second)
			for received < numSignals {
				select {
				case <-l.C():
					received++
				case <-timeout:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numSignals; i++ {
			hub.Signal([]*store.Message{message("orders", uint64(i+1), "red")})
		}
	}()

	wg.Wait()
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub()
	a := mustSubscribe(t, hub, "orders", "", 0)
	b := mustSubscribe(t, hub, "audit", "", 0)

	hub.CloseAll()

	if hub.Len() != 0 {
		t.Errorf("expected 0 listeners, got %d", hub.Len())
	}
	for _, l := range []*Listener{a, b} {
		if _, ok := <-l.C(); ok {
			t.Error("channel should be closed")
		}
	}
	a.Close()
}

func TestHub_SignalCountsTakenOnce(t *testing.T) {
	hub := NewHub()
	if counts := hub.Signal([]*store.Message{message("orders", 1, "red")}); counts != nil {
		t.Errorf("expected no counts without listeners, got %v", counts)
	}

	red := mustSubscribe(t, hub, "orders", "color = 'red'", 0)
	defer red.Close()
	all := mustSubscribe(t, hub, "orders.*", "", 0)
	defer all.Close()

	counts := hub.Signal([]*store.Message{
		message("orders", 2, "red"),
		message("orders", 3, "blue"),
		message("orders.eu", 1, "blue"),
	})
	if counts["orders"] != 1 {
		t.Errorf("expected 1 taken from orders, got %d", counts["orders"])
	}
	if counts["orders.eu"] != 1 {
		t.Errorf("expected 1 taken from orders.eu, got %d", counts["orders.eu"])
	}
}
