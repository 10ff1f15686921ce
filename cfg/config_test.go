package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		BrokerID: 1,
		DataDir:  "./test-data",
		Store: StoreConfiguration{
			Type:          StoreKaha,
			SegmentSizeMB: 32,
		},
		Dispatch: DispatchConfiguration{
			Prefetch:    100,
			ReadBatch:   100,
			DupsOkBatch: 32,
		},
		Compactor: CompactorConfiguration{
			IntervalSeconds: 30,
		},
		Audit: AuditConfiguration{
			Enabled: true,
			Window:  1024,
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8161,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	err := Validate()
	if err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_DefaultConfig(t *testing.T) {
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_InvalidStoreType(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Store.Type = "leveldb"

	err := Validate()
	if err == nil {
		t.Error("Expected error for unknown store type")
	}
}

func TestValidate_SegmentSizeOnlyCheckedForKaha(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Store.SegmentSizeMB = 0
	if err := Validate(); err == nil {
		t.Error("Expected error for zero segment size with kaha store")
	}

	Config.Store.Type = StoreSQLite
	if err := Validate(); err != nil {
		t.Errorf("Expected segment size to be ignored for sqlite, got: %v", err)
	}
}

func TestValidate_InvalidCompressionLevel(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, level := range []int{-1, 5} {
		Config = validConfig()
		Config.Store.CompressionLevel = level

		err := Validate()
		if err == nil {
			t.Errorf("Expected error for compression level %d", level)
		}
	}
}

func TestValidate_InvalidDispatch(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	mutations := map[string]func(c *Configuration){
		"prefetch":   func(c *Configuration) { c.Dispatch.Prefetch = 0 },
		"read batch": func(c *Configuration) { c.Dispatch.ReadBatch = 0 },
		"dups ok":    func(c *Configuration) { c.Dispatch.DupsOkBatch = 0 },
		"compactor":  func(c *Configuration) { c.Compactor.IntervalSeconds = 0 },
		"audit":      func(c *Configuration) { c.Audit.Window = 0 },
	}

	for name, mutate := range mutations {
		Config = validConfig()
		mutate(Config)
		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid %s setting", name)
		}
	}
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []int{-1, 0, 70000}

	for _, port := range tests {
		Config = validConfig()
		Config.Admin.Port = port

		err := Validate()
		if err == nil {
			t.Errorf("Expected error for invalid admin port %d", port)
		}
	}

	Config = validConfig()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected disabled admin to skip port check, got: %v", err)
	}
}

func TestValidate_Bridges(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Bridges = []BridgeConfiguration{
		{Name: "orders", Destination: "orders", Sink: SinkConfiguration{Type: "nats"}},
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected valid bridge, got: %v", err)
	}

	Config.Bridges = append(Config.Bridges, BridgeConfiguration{
		Name: "orders", Destination: "orders", Sink: SinkConfiguration{Type: "kafka"},
	})
	if err := Validate(); err == nil {
		t.Error("Expected error for duplicate bridge name")
	}

	Config.Bridges = []BridgeConfiguration{{Name: "orders", Sink: SinkConfiguration{Type: "nats"}}}
	if err := Validate(); err == nil {
		t.Error("Expected error for bridge without destination")
	}

	Config.Bridges = []BridgeConfiguration{{Name: "orders", Destination: "orders"}}
	if err := Validate(); err == nil {
		t.Error("Expected error for bridge without sink type")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "burrow-test-load")

	Config = validConfig()
	Config.DataDir = tempDir
	Config.BrokerID = 0

	// Load non-existent file should use defaults
	err := Load("non-existent-file.toml")
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	// Broker ID should be auto-generated
	if Config.BrokerID == 0 {
		t.Error("Expected broker ID to be auto-generated")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
broker_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[store]
type = "sqlite"
sqlite_path = "custom.db"

[dispatch]
prefetch = 7
prioritized_messages = true

[[bridges]]
name = "audit"
destination = "orders"
selector = "region = 'eu'"

[bridges.sink]
type = "kafka"
kafka_brokers = ["localhost:9092"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	Config = validConfig()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.BrokerID != 42 {
		t.Errorf("Expected broker ID 42, got %d", Config.BrokerID)
	}
	if Config.Store.Type != StoreSQLite {
		t.Errorf("Expected sqlite store, got %s", Config.Store.Type)
	}
	if GetSQLitePath() != "custom.db" {
		t.Errorf("Expected custom sqlite path, got %s", GetSQLitePath())
	}
	if Config.Dispatch.Prefetch != 7 || !Config.Dispatch.PrioritizedMessages {
		t.Errorf("Dispatch section not decoded: %+v", Config.Dispatch)
	}
	// Untouched keys keep their previous values
	if Config.Dispatch.ReadBatch != 100 {
		t.Errorf("Expected read batch to stay 100, got %d", Config.Dispatch.ReadBatch)
	}
	if len(Config.Bridges) != 1 || Config.Bridges[0].Sink.Type != "kafka" {
		t.Fatalf("Bridges not decoded: %+v", Config.Bridges)
	}
	if Config.Bridges[0].Sink.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("Unexpected kafka brokers: %v", Config.Bridges[0].Sink.KafkaBrokers)
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected loaded config to validate, got: %v", err)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "burrow-test-data")

	Config = &Configuration{
		BrokerID: 7,
		DataDir:  tempDir,
	}

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	// Verify directory was created
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
	if GetJournalDir() != filepath.Join(tempDir, "kaha") {
		t.Errorf("Unexpected journal dir %s", GetJournalDir())
	}
	if GetSQLitePath() != filepath.Join(tempDir, "burrow.db") {
		t.Errorf("Unexpected sqlite path %s", GetSQLitePath())
	}
}

func TestGenerateBrokerID(t *testing.T) {
	id1, err := generateBrokerID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated broker ID should not be 0")
	}

	// Generate another ID - should be the same (deterministic for machine)
	id2, err := generateBrokerID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Broker ID should be deterministic for same machine")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "burrow-test-override")

	*DataDirFlag = tempDir
	*BrokerIDFlag = 12345
	*AdminPortFlag = 9999
	*StoreTypeFlag = "memory"

	defer func() {
		*DataDirFlag = ""
		*BrokerIDFlag = 0
		*AdminPortFlag = 0
		*StoreTypeFlag = ""
	}()

	Config = &Configuration{
		DataDir:  "./default-data",
		BrokerID: 0,
		Store: StoreConfiguration{
			Type: StoreKaha,
		},
		Admin: AdminConfiguration{
			Port: 8161,
		},
	}

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}

	if Config.BrokerID != 12345 {
		t.Errorf("Expected broker ID 12345, got %d", Config.BrokerID)
	}

	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}

	if Config.Store.Type != StoreMemory {
		t.Errorf("Expected memory store, got %s", Config.Store.Type)
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
