package telemetry

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of broker gauges
type Snapshot struct {
	Destinations  int
	Subscriptions map[string]int // by state name
	InFlight      int64
	Pending       map[string]int64 // by destination
	AuditSize     int
}

// StatsProvider interface for components that provide stats
type StatsProvider interface {
	MetricsSnapshot() Snapshot
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// states seen on a previous round, reset to zero once they disappear
	seenStates map[string]bool
	seenDests  map[string]bool
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider:   provider,
		interval:   interval,
		stopCh:     make(chan struct{}),
		seenStates: make(map[string]bool),
		seenDests:  make(map[string]bool),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	snap := mc.provider.MetricsSnapshot()

	Destinations.Set(float64(snap.Destinations))
	InFlightMessages.Set(float64(snap.InFlight))
	AuditFilterSize.Set(float64(snap.AuditSize))

	for state := range mc.seenStates {
		if _, ok := snap.Subscriptions[state]; !ok {
			Subscriptions.With(state).Set(0)
			delete(mc.seenStates, state)
		}
	}
	for state, n := range snap.Subscriptions {
		Subscriptions.With(state).Set(float64(n))
		mc.seenStates[state] = true
	}

	for dest := range mc.seenDests {
		if _, ok := snap.Pending[dest]; !ok {
			PendingMessages.With(dest).Set(0)
			delete(mc.seenDests, dest)
		}
	}
	for dest, n := range snap.Pending {
		PendingMessages.With(dest).Set(float64(n))
		mc.seenDests[dest] = true
	}
}
