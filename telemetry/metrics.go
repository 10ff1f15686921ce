package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CommitBuckets for publish and acknowledgement commits (journal fsync + index apply)
	CommitBuckets = []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// BatchBuckets for records per journal group commit
	BatchBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512}

	// CompactionBuckets for background reclamation rounds
	CompactionBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}
)

// Journal Metrics
var (
	// JournalSegments tracks live segment files
	JournalSegments Gauge = NoopStat{}

	// JournalBytesWritten counts framed bytes appended to segments
	JournalBytesWritten Counter = NoopStat{}

	// JournalGroupCommitSize measures records flushed per fsync
	JournalGroupCommitSize Histogram = NoopStat{}

	// JournalFlushSeconds measures write + fsync latency of a group commit
	JournalFlushSeconds Histogram = NoopStat{}
)

// Broker Metrics
var (
	// MessagesPublishedTotal counts committed messages
	MessagesPublishedTotal Counter = NoopStat{}

	// PublishDurationSeconds measures publish/transaction commit latency by kind (single, txn)
	PublishDurationSeconds HistogramVec = noopHistogramVec{}

	// DuplicatesRejectedTotal counts sends rejected by the producer audit
	DuplicatesRejectedTotal Counter = NoopStat{}

	// ReferencesCreatedTotal counts per-subscription pending references created by publishes
	ReferencesCreatedTotal Counter = NoopStat{}

	// DeliveriesTotal counts messages handed to durable consumers
	DeliveriesTotal Counter = NoopStat{}

	// AcksTotal counts acknowledgements by mode (auto, client, dups_ok)
	AcksTotal CounterVec = noopCounterVec{}

	// ListenerDroppedTotal counts messages dropped for slow non-durable listeners
	ListenerDroppedTotal Counter = NoopStat{}

	// SubscriptionResetsTotal counts durable subscriptions reset by a selector or destination change
	SubscriptionResetsTotal Counter = NoopStat{}

	// Destinations tracks known destinations
	Destinations Gauge = NoopStat{}

	// Subscriptions tracks durable subscriptions by state (inactive, activating, active)
	Subscriptions GaugeVec = noopGaugeVec{}

	// InFlightMessages tracks delivered but unacknowledged messages
	InFlightMessages Gauge = NoopStat{}

	// PendingMessages tracks unacknowledged references per destination
	PendingMessages GaugeVec = noopGaugeVec{}

	// AuditFilterSize tracks producer sequences held by the duplicate audit
	AuditFilterSize Gauge = NoopStat{}
)

// Compaction Metrics
var (
	// CompactionRunsTotal counts compaction rounds by result (success, failed, noop)
	CompactionRunsTotal CounterVec = noopCounterVec{}

	// CompactionDurationSeconds measures compaction round duration
	CompactionDurationSeconds Histogram = NoopStat{}

	// SegmentsReclaimedTotal counts journal segments deleted by compaction
	SegmentsReclaimedTotal Counter = NoopStat{}

	// SlotsReclaimedTotal counts subscription slots returned to the arena
	SlotsReclaimedTotal Counter = NoopStat{}

	// MessagesRemovedTotal counts message bodies dropped once unreferenced
	MessagesRemovedTotal Counter = NoopStat{}
)

// Bridge Metrics
var (
	// BridgeForwardedTotal counts forwarded messages by bridge and result (success, failed)
	BridgeForwardedTotal CounterVec = noopCounterVec{}

	// BridgeRetriesTotal counts sink retries by bridge
	BridgeRetriesTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Journal Metrics
	JournalSegments = NewGauge(
		"journal", "segments",
		"Number of live journal segment files",
	)
	JournalBytesWritten = NewCounter(
		"journal", "bytes_written_total",
		"Total bytes appended to journal segments",
	)
	JournalGroupCommitSize = NewHistogram(
		"journal", "group_commit_records",
		"Records flushed per journal group commit",
		BatchBuckets,
	)
	JournalFlushSeconds = NewHistogram(
		"journal", "flush_seconds",
		"Journal group commit write and sync duration in seconds",
		CommitBuckets,
	)

	// Broker Metrics
	MessagesPublishedTotal = NewCounter(
		"broker", "messages_published_total",
		"Total messages committed to destinations",
	)
	PublishDurationSeconds = NewHistogramVec(
		"broker", "publish_duration_seconds",
		"Publish commit duration in seconds by kind",
		[]string{"kind"},
		CommitBuckets,
	)
	DuplicatesRejectedTotal = NewCounter(
		"broker", "duplicates_rejected_total",
		"Total sends rejected as producer duplicates",
	)
	ReferencesCreatedTotal = NewCounter(
		"broker", "references_created_total",
		"Total pending references created for durable subscriptions",
	)
	DeliveriesTotal = NewCounter(
		"broker", "deliveries_total",
		"Total messages delivered to durable consumers",
	)
	AcksTotal = NewCounterVec(
		"broker", "acks_total",
		"Acknowledgements by mode",
		[]string{"mode"},
	)
	ListenerDroppedTotal = NewCounter(
		"broker", "listener_dropped_total",
		"Messages dropped because a non-durable listener was full",
	)
	SubscriptionResetsTotal = NewCounter(
		"broker", "subscription_resets_total",
		"Durable subscriptions reset by a definition change",
	)
	Destinations = NewGauge(
		"broker", "destinations",
		"Number of known destinations",
	)
	Subscriptions = NewGaugeVec(
		"broker", "subscriptions",
		"Durable subscriptions by state",
		[]string{"state"},
	)
	InFlightMessages = NewGauge(
		"broker", "in_flight_messages",
		"Delivered but unacknowledged messages",
	)
	PendingMessages = NewGaugeVec(
		"broker", "pending_messages",
		"Unacknowledged references per destination",
		[]string{"destination"},
	)
	AuditFilterSize = NewGauge(
		"broker", "audit_filter_size",
		"Producer sequences remembered by the duplicate audit",
	)

	// Compaction Metrics
	CompactionRunsTotal = NewCounterVec(
		"compactor", "runs_total",
		"Compaction rounds by result",
		[]string{"result"},
	)
	CompactionDurationSeconds = NewHistogram(
		"compactor", "duration_seconds",
		"Compaction round duration in seconds",
		CompactionBuckets,
	)
	SegmentsReclaimedTotal = NewCounter(
		"compactor", "segments_reclaimed_total",
		"Journal segments deleted by compaction",
	)
	SlotsReclaimedTotal = NewCounter(
		"compactor", "slots_reclaimed_total",
		"Subscription slots returned to the arena",
	)
	MessagesRemovedTotal = NewCounter(
		"compactor", "messages_removed_total",
		"Unreferenced message bodies removed",
	)

	// Bridge Metrics
	BridgeForwardedTotal = NewCounterVec(
		"bridge", "forwarded_total",
		"Messages forwarded to external sinks by bridge and result",
		[]string{"bridge", "result"},
	)
	BridgeRetriesTotal = NewCounterVec(
		"bridge", "retries_total",
		"Sink publish retries by bridge",
		[]string{"bridge"},
	)
}
