package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/burrow/bridge"
	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/store"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsPublishTimeout = 5 * time.Second

func init() {
	bridge.RegisterSink("nats", func(config cfg.SinkConfiguration) (bridge.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]bool // subjects with an ensured stream
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: make(map[string]bool)}, nil
}

// Publish sends a message to NATS JetStream with key as a header
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	return n.publish(&nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	})
}

// PublishMessage publishes value with m's broker headers. The message id is
// destination/seq, so JetStream drops a redelivery that reaches it again
// within the stream's duplicate window.
func (n *NatsSink) PublishMessage(topic, key string, m *store.Message, value []byte) error {
	return n.publish(natsMsg(topic, key, m, value), jetstream.WithMsgID(natsMsgID(m)))
}

func (n *NatsSink) publish(msg *nats.Msg, opts ...jetstream.PublishOpt) error {
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, msg.Subject); err != nil {
		return err
	}
	if _, err := n.js.PublishMsg(ctx, msg, opts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

func natsMsg(topic, key string, m *store.Message, value []byte) *nats.Msg {
	h := nats.Header{}
	h.Set("key", key)
	h.Set(HeaderDestination, m.Destination)
	h.Set(HeaderSeq, strconv.FormatUint(m.Seq, 10))
	h.Set(HeaderPriority, strconv.FormatUint(uint64(m.Priority), 10))
	if m.ProducerID != "" {
		h.Set(HeaderProducerID, m.ProducerID)
		h.Set(HeaderProducerSeq, strconv.FormatUint(m.ProducerSeq, 10))
	}
	return &nats.Msg{Subject: topic, Data: value, Header: h}
}

func natsMsgID(m *store.Message) string {
	return m.Destination + "/" + strconv.FormatUint(m.Seq, 10)
}

func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.streams[topic] {
		return nil
	}

	streamName := sanitizeStreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	n.streams[topic] = true
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain '.', '*', '>' or whitespace.
func sanitizeStreamName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, topic)
}
