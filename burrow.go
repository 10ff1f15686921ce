package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/burrow/admin"
	"github.com/maxpert/burrow/bridge"
	_ "github.com/maxpert/burrow/bridge/sink"
	"github.com/maxpert/burrow/broker"
	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/compactor"
	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/store/kaha"
	"github.com/maxpert/burrow/store/memory"
	"github.com/maxpert/burrow/store/sqlite"
	"github.com/maxpert/burrow/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("broker_id", cfg.Config.BrokerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Burrow - durable topic subscriptions")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	if cfg.Config.Prometheus.Enabled {
		telemetry.InitMetrics()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Phase 1: Open persistence
	log.Info().Str("type", string(cfg.Config.Store.Type)).Msg("Opening store")
	st, err := openStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	// Phase 2: Compactor and broker
	comp := compactor.New(st, time.Duration(cfg.Config.Compactor.IntervalSeconds)*time.Second)

	auditWindow := 0
	if cfg.Config.Audit.Enabled {
		auditWindow = cfg.Config.Audit.Window
	}
	b, err := broker.Open(ctx, st, broker.Options{
		Prefetch:            cfg.Config.Dispatch.Prefetch,
		ReadBatch:           cfg.Config.Dispatch.ReadBatch,
		PrioritizedMessages: cfg.Config.Dispatch.PrioritizedMessages,
		DupsOkBatch:         cfg.Config.Dispatch.DupsOkBatch,
		AuditWindow:         auditWindow,
		SelectorCacheSize:   cfg.Config.Selector.CacheSize,
		ListenerBuffer:      cfg.Config.Dispatch.ListenerBuffer,
		Compactor:           comp,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open broker")
		return
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close broker")
		}
	}()

	comp.Start()
	defer comp.Stop()

	// Phase 3: Metrics collection
	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(b, time.Duration(cfg.Config.Prometheus.CollectIntervalSeconds)*time.Second)
		collector.Start()
		defer collector.Stop()
	}

	// Phase 4: Bridges
	bridges, err := bridge.NewRegistry(ctx, b, cfg.Config.Bridges)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridges")
		return
	}
	if err := bridges.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridges")
		return
	}
	defer bridges.Stop()

	// Phase 5: Admin HTTP surface
	if cfg.Config.Admin.Enabled {
		srv := startAdminServer(b, comp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint64("broker_id", cfg.Config.BrokerID).
		Str("data_dir", cfg.Config.DataDir).
		Str("store", string(cfg.Config.Store.Type)).
		Int("bridges", len(cfg.Config.Bridges)).
		Msg("Broker is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

func openStore() (store.Adapter, error) {
	switch cfg.Config.Store.Type {
	case cfg.StoreKaha:
		return kaha.Open(cfg.GetJournalDir(), kaha.Options{
			MaxSegmentSize:   int64(cfg.Config.Store.SegmentSizeMB) << 20,
			Sync:             cfg.Config.Store.Sync,
			CompressionLevel: cfg.Config.Store.CompressionLevel,
			RecordCacheSize:  cfg.Config.Store.RecordCacheSize,
		})
	case cfg.StoreSQLite:
		return sqlite.Open(cfg.GetSQLitePath())
	case cfg.StoreMemory:
		log.Warn().Msg("Memory store selected, nothing survives a restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Config.Store.Type)
	}
}

func startAdminServer(b *broker.Broker, comp *compactor.Compactor) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(b, comp), cfg.Config.Admin.Secret)
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("address", srv.Addr).Msg("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return srv
}
