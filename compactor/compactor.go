// Package compactor reclaims storage that no durable subscription references
// any more. It runs off the publish and acknowledge paths.
package compactor

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

const DefaultInterval = time.Minute

// Target is what a compaction round runs against.
type Target interface {
	Compact(ctx context.Context) (*store.CompactResult, error)
}

// Compactor runs Target.Compact every interval and shortly after Trigger.
type Compactor struct {
	target   Target
	interval time.Duration
	timeout  time.Duration

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	mu   sync.Mutex
	last Result
}

// Result summarizes the most recent round.
type Result struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Segments int           `json:"segments_removed"`
	Slots    int           `json:"slots_reclaimed"`
	Messages int           `json:"messages_removed"`
	Err      string        `json:"error,omitempty"`
}

func New(target Target, interval time.Duration) *Compactor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Compactor{
		target:    target,
		interval:  interval,
		timeout:   interval,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background loop.
func (c *Compactor) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.loop()
	})
}

// Stop waits for a running round to finish.
func (c *Compactor) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// Trigger requests a round without waiting for it. Requests coalesce.
func (c *Compactor) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Last returns the result of the most recent round.
func (c *Compactor) Last() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Compactor) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-c.triggerCh:
		case <-c.stopCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		_, _ = c.RunOnce(ctx)
		cancel()
	}
}

// RunOnce runs a single round in the caller's goroutine.
func (c *Compactor) RunOnce(ctx context.Context) (*store.CompactResult, error) {
	start := time.Now()
	res, err := c.target.Compact(ctx)
	elapsed := time.Since(start)
	telemetry.CompactionDurationSeconds.Observe(elapsed.Seconds())

	last := Result{At: start, Duration: elapsed}
	if err != nil {
		telemetry.CompactionRunsTotal.With("failed").Inc()
		last.Err = err.Error()
		c.record(last)
		log.Error().Err(err).Dur("duration", elapsed).Msg("Compaction failed")
		return nil, err
	}

	last.Segments = res.SegmentsRemoved
	last.Slots = res.SlotsReclaimed
	last.Messages = res.MessagesRemoved
	c.record(last)

	if res.SegmentsRemoved == 0 && res.SlotsReclaimed == 0 && res.MessagesRemoved == 0 {
		telemetry.CompactionRunsTotal.With("noop").Inc()
		log.Debug().Dur("duration", elapsed).Msg("Compaction found nothing to reclaim")
		return res, nil
	}

	telemetry.CompactionRunsTotal.With("success").Inc()
	telemetry.SegmentsReclaimedTotal.Add(float64(res.SegmentsRemoved))
	telemetry.SlotsReclaimedTotal.Add(float64(res.SlotsReclaimed))
	telemetry.MessagesRemovedTotal.Add(float64(res.MessagesRemoved))
	log.Info().
		Int("segments", res.SegmentsRemoved).
		Int("slots", res.SlotsReclaimed).
		Int("messages", res.MessagesRemoved).
		Dur("duration", elapsed).
		Msg("Compaction completed")
	return res, nil
}

func (c *Compactor) record(r Result) {
	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
}
