package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/burrow/dedup"
	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

const retryDelay = 100 * time.Millisecond

// Delivery is one message handed to a consumer.
type Delivery struct {
	Message  *store.Message
	consumer *Consumer
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.consumer.Acknowledge(ctx, d.Message.Seq)
}

// Consumer streams the pending references of one activation of a durable
// subscription, backlog first, then live messages, in sequence order.
type Consumer struct {
	id       string
	b        *Broker
	sub      *Subscription
	topic    *topic
	key      store.SubscriptionKey
	dest     string
	gen      uint64
	snapshot uint64 // destination head when activated
	mode     AckMode
	prefetch int

	ch     chan *Delivery
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// ackMu serializes acknowledgements with deactivation
	ackMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	lastFetched uint64
	outstanding map[uint64]struct{}
	dupsOk      []uint64 // acknowledged, not yet persisted
	window      *dedup.Window
}

func newConsumer(b *Broker, sub *Subscription, t *topic, opts ConsumerOptions) *Consumer {
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = b.opts.Prefetch
	}
	return &Consumer{
		id:          uuid.NewString(),
		b:           b,
		sub:         sub,
		topic:       t,
		key:         sub.key,
		dest:        sub.rec.Destination,
		gen:         sub.rec.Generation,
		snapshot:    t.head,
		mode:        opts.AckMode,
		prefetch:    prefetch,
		ch:          make(chan *Delivery, prefetch),
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		outstanding: make(map[uint64]struct{}),
		window:      dedup.NewWindow(b.opts.AuditWindow),
	}
}

// ID identifies this activation.
func (c *Consumer) ID() string {
	return c.id
}

// Messages returns the delivery channel. It is closed on deactivation.
// Deliveries read from it directly are not auto-acknowledged.
func (c *Consumer) Messages() <-chan *Delivery {
	return c.ch
}

func (c *Consumer) start(handler Handler) {
	c.wg.Add(1)
	go c.run()
	if handler != nil {
		c.wg.Add(1)
		go c.handle(handler)
	}
}

func (c *Consumer) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Consumer) awaitingAck() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

// run is the dispatch loop. It is the only sender on ch.
func (c *Consumer) run() {
	defer c.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		more, err := c.fetch(ctx)
		if err != nil {
			log.Error().Err(err).Str("subscription", c.key.String()).Msg("Consumer fetch failed")
			select {
			case <-c.stopCh:
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		if more {
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-c.wakeCh:
		}
	}
}

// fetch hands the next batch of pending references to ch. It reports false
// when there is nothing to do until a wakeup: prefetch is exhausted or the
// backlog is drained.
func (c *Consumer) fetch(ctx context.Context) (bool, error) {
	c.mu.Lock()
	room := c.prefetch - len(c.outstanding)
	after := c.lastFetched
	c.mu.Unlock()
	if room <= 0 {
		return false, nil
	}
	if room > c.b.opts.ReadBatch {
		room = c.b.opts.ReadBatch
	}

	seqs, err := c.b.store.PendingRefs(ctx, c.key, after, room)
	if err != nil {
		return false, fmt.Errorf("failed to read pending references: %w", err)
	}
	if len(seqs) == 0 {
		c.markActive()
		return false, nil
	}
	msgs, err := c.b.store.ReadMessages(ctx, c.dest, seqs)
	if err != nil {
		return false, fmt.Errorf("failed to read messages: %w", err)
	}
	if c.b.opts.PrioritizedMessages {
		sort.SliceStable(msgs, func(i, j int) bool {
			if msgs[i].Priority != msgs[j].Priority {
				return msgs[i].Priority > msgs[j].Priority
			}
			return msgs[i].Seq < msgs[j].Seq
		})
	}

	var dups []uint64
	for _, m := range msgs {
		if c.window.Seen(m.ProducerID, m.ProducerSeq) {
			dups = append(dups, m.Seq)
			continue
		}
		c.mu.Lock()
		c.outstanding[m.Seq] = struct{}{}
		c.mu.Unlock()
		c.topic.inFlight.Add(1)

		select {
		case c.ch <- &Delivery{Message: m, consumer: c}:
			telemetry.DeliveriesTotal.Inc()
		case <-c.stopCh:
			c.mu.Lock()
			delete(c.outstanding, m.Seq)
			c.mu.Unlock()
			c.topic.inFlight.Add(-1)
			return false, nil
		}
	}

	c.mu.Lock()
	c.lastFetched = seqs[len(seqs)-1]
	c.mu.Unlock()

	if len(dups) > 0 {
		log.Warn().Str("subscription", c.key.String()).Int("count", len(dups)).Msg("Dropped redelivered producer duplicates")
		if err := c.persistAcks(ctx, dups, false); err != nil {
			return false, err
		}
	}
	if c.lastFetched >= c.snapshot {
		c.markActive()
	}
	return true, nil
}

func (c *Consumer) markActive() {
	c.sub.mu.Lock()
	defer c.sub.mu.Unlock()
	if c.sub.consumer == c && c.sub.state == StateActivating {
		c.sub.state = StateActive
	}
}

// handle runs the handler for every delivery until the channel closes.
func (c *Consumer) handle(h Handler) {
	defer c.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-c.stopCh:
			return
		case d, ok := <-c.ch:
			if !ok {
				return
			}
			if err := h(ctx, d); err != nil {
				log.Warn().Err(err).Str("subscription", c.key.String()).Uint64("seq", d.Message.Seq).Msg("Handler failed, delivery stays unacknowledged")
				continue
			}
			if c.mode != ClientAck {
				if err := c.Acknowledge(ctx, d.Message.Seq); err != nil && !errors.Is(err, ErrConsumerClosed) {
					log.Error().Err(err).Str("subscription", c.key.String()).Msg("Failed to acknowledge delivery")
				}
			}
		}
	}
}

// Receive waits up to timeout for the next delivery. It returns nil, nil on
// timeout. Under AutoAck and DupsOkAck the delivery is acknowledged before
// it is returned.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	// a buffered delivery always wins over an expired wait
	select {
	case d, ok := <-c.ch:
		return c.received(ctx, d, ok)
	default:
	}
	if timeout <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-c.ch:
		return c.received(ctx, d, ok)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Consumer) received(ctx context.Context, d *Delivery, ok bool) (*Delivery, error) {
	if !ok {
		return nil, ErrConsumerClosed
	}
	if c.mode != ClientAck {
		if err := c.Acknowledge(ctx, d.Message.Seq); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Acknowledge acknowledges an outstanding delivery of this activation.
func (c *Consumer) Acknowledge(ctx context.Context, seq uint64) error {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}
	if _, ok := c.outstanding[seq]; !ok {
		c.mu.Unlock()
		return &InvalidStateError{Key: c.key, State: c.sub.State(), Op: "acknowledge", Seq: seq}
	}
	if c.mode == DupsOkAck {
		delete(c.outstanding, seq)
		c.dupsOk = append(c.dupsOk, seq)
		batch := len(c.dupsOk) >= c.b.opts.DupsOkBatch
		c.mu.Unlock()
		c.topic.inFlight.Add(-1)
		c.wake()
		if batch {
			return c.flushDupsOk(ctx)
		}
		return nil
	}
	c.mu.Unlock()

	if err := c.persistAcks(ctx, []uint64{seq}, true); err != nil {
		return err
	}
	c.wake()
	return nil
}

// flushDupsOk persists buffered DupsOkAck acknowledgements. Requires ackMu.
func (c *Consumer) flushDupsOk(ctx context.Context) error {
	c.mu.Lock()
	seqs := c.dupsOk
	c.dupsOk = nil
	c.mu.Unlock()
	if len(seqs) == 0 {
		return nil
	}
	if err := c.persistAcks(ctx, seqs, false); err != nil {
		// the references stay and are redelivered on the next activation
		return err
	}
	return nil
}

// persistAcks drops the references of seqs and applies the counter changes.
// With outstanding set, seqs are removed from the outstanding set and the
// in-flight count.
func (c *Consumer) persistAcks(ctx context.Context, seqs []uint64, outstanding bool) error {
	res, err := c.b.store.Acknowledge(ctx, &store.Ack{Key: c.key, Generation: c.gen, Seqs: seqs})
	if errors.Is(err, store.ErrNotFound) {
		return &InvalidStateError{Key: c.key, State: c.sub.State(), Op: "acknowledge", Seq: seqs[0]}
	}
	if err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", c.key, err)
	}

	if outstanding {
		c.mu.Lock()
		for _, seq := range seqs {
			delete(c.outstanding, seq)
		}
		c.mu.Unlock()
		c.topic.inFlight.Add(-int64(len(seqs)))
	}

	c.sub.mu.Lock()
	c.sub.rec.DequeueCounter += uint64(len(res.Acked))
	for _, seq := range res.Acked {
		if seq > c.sub.rec.Cursor {
			c.sub.rec.Cursor = seq
		}
	}
	c.sub.mu.Unlock()
	c.topic.released.Add(uint64(len(res.Released)))

	telemetry.AcksTotal.With(c.mode.String()).Add(float64(len(res.Acked)))
	return nil
}

// stop ends the activation: the loop and handler exit, buffered
// acknowledgements are flushed and unacknowledged deliveries return to the
// backlog. It returns the number of deliveries returned.
func (c *Consumer) stop(ctx context.Context) (int, error) {
	close(c.stopCh)
	c.wg.Wait()

	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	err := c.flushDupsOk(ctx)

	c.mu.Lock()
	c.closed = true
	returned := len(c.outstanding)
	c.outstanding = make(map[uint64]struct{})
	c.window.Reset()
	c.mu.Unlock()
	c.topic.inFlight.Add(-int64(returned))

	close(c.ch)
	for range c.ch {
	}
	return returned, err
}
