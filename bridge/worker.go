package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/broker"
	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before the worker gives up
	DefaultMaxRetries = 100
	// Default wait for a delivery before checking for shutdown
	DefaultReceiveTimeout = time.Second
)

var errStopped = errors.New("worker stopped")

// WorkerConfig configures a bridge worker
type WorkerConfig struct {
	Name            string         // Subscription name under ClientID
	Destination     string         // Destination to forward
	Selector        string         // Optional message selector
	Broker          *broker.Broker // Broker to consume from
	Sink            Sink           // External sink
	Transformer     Transformer    // Payload encoding
	Topic           string         // Sink topic; defaults to Destination
	Prefetch        int            // Deliveries buffered ahead of the sink
	RetryInitial    time.Duration  // Initial retry delay
	RetryMax        time.Duration  // Max retry delay
	RetryMultiplier float64        // Backoff multiplier
	MaxRetries      int            // Maximum retry attempts
	ReceiveTimeout  time.Duration  // Wait per receive
}

// Worker forwards one durable subscription to a sink
type Worker struct {
	config WorkerConfig
	sub    *broker.Subscription

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	forwarded atomic.Uint64
}

// NewWorker validates config and registers the bridge's durable subscription
func NewWorker(ctx context.Context, config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Destination == "" {
		return nil, fmt.Errorf("destination is required")
	}
	if config.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		config.Transformer = RawTransformer{}
	}

	if config.Topic == "" {
		config.Topic = config.Destination
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ReceiveTimeout <= 0 {
		config.ReceiveTimeout = DefaultReceiveTimeout
	}

	sub, err := config.Broker.CreateDurableSubscription(ctx, ClientID, config.Name, config.Selector, config.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge subscription: %w", err)
	}

	return &Worker{
		config: config,
		sub:    sub,
	}, nil
}

// Forwarded returns the number of messages the sink accepted
func (w *Worker) Forwarded() uint64 {
	return w.forwarded.Load()
}

// Start activates the subscription and starts the worker goroutine
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return nil
	}

	c, err := w.config.Broker.Activate(ctx, w.sub, broker.ConsumerOptions{
		AckMode:  broker.ClientAck,
		Prefetch: w.config.Prefetch,
	})
	if err != nil {
		return fmt.Errorf("failed to activate bridge %s: %w", w.config.Name, err)
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("bridge", w.config.Name).
		Str("destination", w.config.Destination).
		Str("topic", w.config.Topic).
		Msg("Starting bridge worker")

	go w.forwardLoop(c)
	return nil
}

// Stop stops the worker and deactivates its subscription. Unacknowledged
// deliveries stay in the backlog.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("bridge", w.config.Name).Msg("Stopping bridge worker")

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	if err := w.config.Broker.Deactivate(context.Background(), w.sub); err != nil {
		log.Warn().Err(err).Str("bridge", w.config.Name).Msg("Failed to deactivate bridge subscription")
	}

	log.Info().Str("bridge", w.config.Name).Uint64("forwarded", w.forwarded.Load()).Msg("Bridge worker stopped")
}

func (w *Worker) forwardLoop(c *broker.Consumer) {
	defer close(w.doneCh)
	ctx := context.Background()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		d, err := c.Receive(ctx, w.config.ReceiveTimeout)
		if errors.Is(err, broker.ErrConsumerClosed) {
			log.Warn().Str("bridge", w.config.Name).Msg("Bridge consumer closed")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("bridge", w.config.Name).Msg("Failed to receive")
			if !w.sleep(w.config.RetryInitial) {
				return
			}
			continue
		}
		if d == nil {
			continue
		}

		if err := w.forward(d); err != nil {
			if !errors.Is(err, errStopped) {
				telemetry.BridgeForwardedTotal.With(w.config.Name, "failed").Inc()
				log.Error().
					Err(err).
					Str("bridge", w.config.Name).
					Uint64("seq", d.Message.Seq).
					Msg("Giving up on message, bridge halted until restart")
			}
			return
		}
	}
}

// forward publishes one delivery and acknowledges it after the sink accepted it
func (w *Worker) forward(d *broker.Delivery) error {
	data, err := w.config.Transformer.Transform(d.Message)
	if err != nil {
		return fmt.Errorf("failed to transform message: %w", err)
	}

	if err := w.publishWithRetry(w.config.Topic, d.Message, data); err != nil {
		return err
	}

	if err := d.Ack(context.Background()); err != nil {
		// the sink has the message; a redelivery duplicates it
		log.Warn().
			Err(err).
			Str("bridge", w.config.Name).
			Uint64("seq", d.Message.Seq).
			Msg("Failed to acknowledge forwarded message - it may be forwarded again")
	}

	w.forwarded.Add(1)
	telemetry.BridgeForwardedTotal.With(w.config.Name, "success").Inc()
	return nil
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic string, m *store.Message, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0
	key := messageKey(m)

	for {
		err := w.publish(topic, key, m, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("bridge", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish message, retrying")
		telemetry.BridgeRetriesTotal.With(w.config.Name).Inc()

		if !w.sleep(delay) {
			return errStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

func (w *Worker) publish(topic, key string, m *store.Message, data []byte) error {
	if ms, ok := w.config.Sink.(MessageSink); ok {
		return ms.PublishMessage(topic, key, m, data)
	}
	return w.config.Sink.Publish(topic, key, data)
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
