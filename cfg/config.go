package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreType selects the persistence adapter backing the broker
type StoreType string

const (
	StoreKaha   StoreType = "kaha"   // Journal segments + Pebble index
	StoreSQLite StoreType = "sqlite" // Relational tables in a SQLite file
	StoreMemory StoreType = "memory" // Non-durable, for tests and ephemeral brokers
)

// StoreConfiguration controls the persistence adapter
type StoreConfiguration struct {
	Type             StoreType `toml:"type"`
	SegmentSizeMB    int       `toml:"segment_size_mb"`   // Journal segment rotation size
	Sync             bool      `toml:"sync"`              // fsync every group commit
	CompressionLevel int       `toml:"compression_level"` // 0 = off, 1-4 = zstd speed/ratio
	RecordCacheSize  int       `toml:"record_cache_size"` // Decoded journal records kept in memory
	SQLitePath       string    `toml:"sqlite_path"`       // Defaults to <data_dir>/burrow.db
}

// DispatchConfiguration controls delivery to durable consumers
type DispatchConfiguration struct {
	Prefetch            int  `toml:"prefetch"`             // Bounded delivery channel size per consumer
	ReadBatch           int  `toml:"read_batch"`           // Pending references fetched per backlog read
	PrioritizedMessages bool `toml:"prioritized_messages"` // Order each fetched batch by priority
	DupsOkBatch         int  `toml:"dups_ok_batch"`        // Acknowledgements buffered in dups-ok mode
	ListenerBuffer      int  `toml:"listener_buffer"`      // Buffer of non-durable listeners
}

// CompactorConfiguration controls journal reclamation
type CompactorConfiguration struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// SelectorConfiguration controls compiled selector caching
type SelectorConfiguration struct {
	CacheSize int `toml:"cache_size"`
}

// AuditConfiguration controls producer duplicate detection
type AuditConfiguration struct {
	Enabled bool `toml:"enabled"`
	Window  int  `toml:"window"` // Producer sequences remembered
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled                bool `toml:"enabled"`
	CollectIntervalSeconds int  `toml:"collect_interval_seconds"`
}

// AdminConfiguration for the read-only HTTP stats surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Pre-shared key; empty disables authentication
}

// SinkConfiguration configures the external system a bridge forwards to
type SinkConfiguration struct {
	Type              string   `toml:"type"`   // "nats" or "kafka"
	Format            string   `toml:"format"` // "raw" (payload only) or "msgpack" (full message); default "raw"
	NatsURL           string   `toml:"nats_url"`
	KafkaBrokers      []string `toml:"kafka_brokers"`
	KafkaBatchSize    int      `toml:"kafka_batch_size"`
	KafkaRequiredAcks string   `toml:"kafka_required_acks"` // "all" (default), "one" or "none"
	KafkaCompression  string   `toml:"kafka_compression"`   // "", "gzip", "snappy", "lz4" or "zstd"
	Topic             string   `toml:"topic"`               // Subject/topic; defaults to the destination name
}

// BridgeConfiguration forwards one durable subscription to a sink
type BridgeConfiguration struct {
	Name             string            `toml:"name"` // Subscription name; client id is "bridge"
	Destination      string            `toml:"destination"`
	Selector         string            `toml:"selector"`
	Sink             SinkConfiguration `toml:"sink"`
	RetryInitialMS   int               `toml:"retry_initial_ms"`
	RetryMaxMS       int               `toml:"retry_max_ms"`
	RetryMultiplier  float64           `toml:"retry_multiplier"`
	MaxRetries       int               `toml:"max_retries"`
	ReceiveTimeoutMS int               `toml:"receive_timeout_ms"`
}

// Configuration is the main configuration structure
type Configuration struct {
	BrokerID uint64 `toml:"broker_id"`
	DataDir  string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Dispatch   DispatchConfiguration   `toml:"dispatch"`
	Compactor  CompactorConfiguration  `toml:"compactor"`
	Selector   SelectorConfiguration   `toml:"selector"`
	Audit      AuditConfiguration      `toml:"audit"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
	Bridges    []BridgeConfiguration   `toml:"bridges"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	BrokerIDFlag   = flag.Uint64("broker-id", 0, "Broker ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	StoreTypeFlag  = flag.String("store", "", "Store type: kaha, sqlite or memory (overrides config)")
)

// Default configuration
var Config = &Configuration{
	BrokerID: 0, // Auto-generate
	DataDir:  "./burrow-data",

	Store: StoreConfiguration{
		Type:             StoreKaha,
		SegmentSizeMB:    32,
		Sync:             true,
		CompressionLevel: 1,
		RecordCacheSize:  4096,
	},

	Dispatch: DispatchConfiguration{
		Prefetch:       100,
		ReadBatch:      100,
		DupsOkBatch:    32,
		ListenerBuffer: 256,
	},

	Compactor: CompactorConfiguration{
		IntervalSeconds: 30,
	},

	Selector: SelectorConfiguration{
		CacheSize: 1024,
	},

	Audit: AuditConfiguration{
		Enabled: true,
		Window:  65536,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:                true,
		CollectIntervalSeconds: 5,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8161,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *BrokerIDFlag != 0 {
		Config.BrokerID = *BrokerIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *StoreTypeFlag != "" {
		Config.Store.Type = StoreType(*StoreTypeFlag)
	}

	// Auto-generate broker ID if not set
	if Config.BrokerID == 0 {
		var err error
		Config.BrokerID, err = generateBrokerID()
		if err != nil {
			return fmt.Errorf("failed to generate broker ID: %w", err)
		}
		log.Info().Uint64("broker_id", Config.BrokerID).Msg("Auto-generated broker ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateBrokerID creates a unique broker ID based on machine ID
func generateBrokerID() (uint64, error) {
	id, err := machineid.ProtectedID("burrow")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Type {
	case StoreKaha, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("invalid store type: %q", Config.Store.Type)
	}

	if Config.Store.Type == StoreKaha && Config.Store.SegmentSizeMB < 1 {
		return fmt.Errorf("journal segment size must be >= 1 MB")
	}

	if Config.Store.CompressionLevel < 0 || Config.Store.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 0 and 4")
	}

	if Config.Dispatch.Prefetch < 1 {
		return fmt.Errorf("dispatch prefetch must be >= 1")
	}

	if Config.Dispatch.ReadBatch < 1 {
		return fmt.Errorf("dispatch read batch must be >= 1")
	}

	if Config.Dispatch.DupsOkBatch < 1 {
		return fmt.Errorf("dups-ok batch must be >= 1")
	}

	if Config.Compactor.IntervalSeconds < 1 {
		return fmt.Errorf("compactor interval must be >= 1 second")
	}

	if Config.Audit.Enabled && Config.Audit.Window < 1 {
		return fmt.Errorf("audit window must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	seen := make(map[string]bool)
	for i, b := range Config.Bridges {
		if b.Name == "" {
			return fmt.Errorf("bridge %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("bridge %q: duplicate name", b.Name)
		}
		seen[b.Name] = true
		if b.Destination == "" {
			return fmt.Errorf("bridge %q: destination is required", b.Name)
		}
		if b.Sink.Type == "" {
			return fmt.Errorf("bridge %q: sink type is required", b.Name)
		}
	}

	return nil
}

// GetSQLitePath returns the SQLite store file path
func GetSQLitePath() string {
	if Config.Store.SQLitePath != "" {
		return Config.Store.SQLitePath
	}
	return filepath.Join(Config.DataDir, "burrow.db")
}

// GetJournalDir returns the kaha store directory
func GetJournalDir() string {
	return filepath.Join(Config.DataDir, "kaha")
}
