package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/burrow/broker"
	"github.com/maxpert/burrow/cfg"
	"github.com/rs/zerolog/log"
)

// Registry manages the lifecycle of all bridge workers
type Registry struct {
	broker  *broker.Broker
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker for every bridge configuration
func NewRegistry(ctx context.Context, b *broker.Broker, configs []cfg.BridgeConfiguration) (*Registry, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}

	registry := &Registry{
		broker:  b,
		workers: make([]*Worker, 0, len(configs)),
	}

	for _, bc := range configs {
		if err := registry.AddBridge(ctx, bc); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add bridge %q: %w", bc.Name, err)
		}
	}

	log.Info().Int("workers", len(registry.workers)).Msg("Bridge registry initialized")
	return registry, nil
}

// AddBridge creates and adds a new worker for the given bridge configuration
func (r *Registry) AddBridge(ctx context.Context, config cfg.BridgeConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := NewSink(config.Sink)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Sink.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	worker, err := NewWorker(ctx, WorkerConfig{
		Name:            config.Name,
		Destination:     config.Destination,
		Selector:        config.Selector,
		Broker:          r.broker,
		Sink:            snk,
		Transformer:     trans,
		Topic:           config.Sink.Topic,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
		ReceiveTimeout:  time.Duration(config.ReceiveTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("bridge", config.Name).
		Str("type", config.Sink.Type).
		Str("format", config.Sink.Format).
		Str("destination", config.Destination).
		Msg("Added bridge")
	return nil
}

// Start starts all workers
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting bridge registry")
	for i, worker := range r.workers {
		if err := worker.Start(ctx); err != nil {
			for _, started := range r.workers[:i] {
				started.Stop()
			}
			return err
		}
	}

	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping bridge registry")
	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("bridge", worker.config.Name).Msg("Failed to close sink")
		}
	}
	log.Info().Msg("Bridge registry stopped")
}

// Workers returns the registered workers
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Worker(nil), r.workers...)
}

// NewSink creates a sink of the registered type
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = map[string]TransformerFactory{
		"":        func() Transformer { return RawTransformer{} },
		"raw":     func() Transformer { return RawTransformer{} },
		"msgpack": func() Transformer { return MsgpackTransformer{} },
	}
	factoryMu sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
