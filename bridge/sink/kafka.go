package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/maxpert/burrow/bridge"
	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/store"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

// Headers attached to every record forwarded to Kafka
const (
	HeaderDestination = "burrow-destination"
	HeaderSeq         = "burrow-seq"
	HeaderPriority    = "burrow-priority"
	HeaderProducerID  = "burrow-producer-id"
	HeaderProducerSeq = "burrow-producer-seq"
)

func init() {
	bridge.RegisterSink("kafka", func(config cfg.SinkConfiguration) (bridge.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.KafkaBrokers)
		if config.KafkaBatchSize > 0 {
			kafkaConfig.BatchSize = config.KafkaBatchSize
		}

		acks, err := parseRequiredAcks(config.KafkaRequiredAcks)
		if err != nil {
			return nil, err
		}
		kafkaConfig.RequiredAcks = acks

		codec, err := parseCompression(config.KafkaCompression)
		if err != nil {
			return nil, err
		}
		kafkaConfig.Compression = codec

		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink forwards bridge deliveries to Kafka, one record per message.
// Records of one producer share a key and therefore a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Batch size for writes (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	Compression      kafka.Compression  // Record batch codec; zero disables compression
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
}

// DefaultKafkaConfig returns the configuration used by kafka bridges
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink creates a KafkaSink. No connection is made until the first write.
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Compression:            config.Compression,
		Async:                  false, // the bridge acknowledges only after the write
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish writes a bare record. Bridge workers use PublishMessage.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	return k.writer.WriteMessages(context.Background(), kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// PublishMessage writes value as a record carrying m's broker headers and
// commit time. The bridge worker owns retries and shutdown, so the write
// itself is not bounded by a context.
func (k *KafkaSink) PublishMessage(topic, key string, m *store.Message, value []byte) error {
	return k.writer.WriteMessages(context.Background(), kafkaRecord(topic, key, m, value))
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func kafkaRecord(topic, key string, m *store.Message, value []byte) kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderDestination, Value: []byte(m.Destination)},
		{Key: HeaderSeq, Value: strconv.AppendUint(nil, m.Seq, 10)},
		{Key: HeaderPriority, Value: strconv.AppendUint(nil, uint64(m.Priority), 10)},
	}
	if m.ProducerID != "" {
		headers = append(headers,
			kafka.Header{Key: HeaderProducerID, Value: []byte(m.ProducerID)},
			kafka.Header{Key: HeaderProducerSeq, Value: strconv.AppendUint(nil, m.ProducerSeq, 10)},
		)
	}

	rec := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	}
	if m.Timestamp > 0 {
		rec.Time = time.UnixMilli(m.Timestamp)
	}
	return rec
}

func parseRequiredAcks(s string) (kafka.RequiredAcks, error) {
	switch s {
	case "", "all":
		return kafka.RequireAll, nil
	case "one":
		return kafka.RequireOne, nil
	case "none":
		return kafka.RequireNone, nil
	default:
		return 0, fmt.Errorf("unknown kafka_required_acks: %q", s)
	}
}

func parseCompression(s string) (kafka.Compression, error) {
	switch s {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown kafka_compression: %q", s)
	}
}
