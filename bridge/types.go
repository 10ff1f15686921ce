// Package bridge forwards durable subscriptions to external systems.
//
// Each bridge owns a durable subscription under client id "bridge". A worker
// activates it with client acknowledgement, publishes every delivery to a
// sink and acknowledges only after the sink accepted it. A crash between the
// two redelivers the message: delivery to the sink is at-least-once.
package bridge

import (
	"fmt"

	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/selector"
	"github.com/maxpert/burrow/store"
)

// ClientID owns every bridge subscription.
const ClientID = "bridge"

// Sink represents an external destination (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// MessageSink is a Sink that also carries the broker headers of the
// forwarded message. The worker prefers it over Publish when implemented.
type MessageSink interface {
	Sink
	PublishMessage(topic, key string, m *store.Message, value []byte) error
}

// Transformer converts broker messages to sink payloads
type Transformer interface {
	Transform(m *store.Message) ([]byte, error)
}

// RawTransformer forwards the payload unchanged
type RawTransformer struct{}

func (RawTransformer) Transform(m *store.Message) ([]byte, error) {
	return m.Payload, nil
}

// Envelope is the msgpack form of a forwarded message
type Envelope struct {
	Destination string                 `msgpack:"destination"`
	Seq         uint64                 `msgpack:"seq"`
	ProducerID  string                 `msgpack:"producer_id,omitempty"`
	ProducerSeq uint64                 `msgpack:"producer_seq,omitempty"`
	Priority    uint8                  `msgpack:"priority"`
	Timestamp   int64                  `msgpack:"timestamp"`
	Properties  map[string]interface{} `msgpack:"properties,omitempty"`
	Payload     []byte                 `msgpack:"payload"`
}

// MsgpackTransformer forwards headers, properties and payload as an Envelope
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(m *store.Message) ([]byte, error) {
	env := Envelope{
		Destination: m.Destination,
		Seq:         m.Seq,
		ProducerID:  m.ProducerID,
		ProducerSeq: m.ProducerSeq,
		Priority:    m.Priority,
		Timestamp:   m.Timestamp,
		Payload:     m.Payload,
	}
	if len(m.Properties) > 0 {
		env.Properties = make(map[string]interface{}, len(m.Properties))
		for k, v := range m.Properties {
			if v.Kind != selector.KindAbsent {
				env.Properties[k] = v.Interface()
			}
		}
	}
	data, err := encoding.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope for %s: %w", m, err)
	}
	return data, nil
}

// messageKey routes messages of one producer to the same partition.
func messageKey(m *store.Message) string {
	if m.ProducerID != "" {
		return m.ProducerID
	}
	return fmt.Sprintf("%s/%d", m.Destination, m.Seq)
}
