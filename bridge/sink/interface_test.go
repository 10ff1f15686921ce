package sink

import "github.com/maxpert/burrow/bridge"

// Compile-time interface verification
var (
	_ bridge.Sink = (*KafkaSink)(nil)
	_ bridge.Sink = (*NatsSink)(nil)
	_ bridge.Sink = (*MockSink)(nil)

	_ bridge.MessageSink = (*KafkaSink)(nil)
	_ bridge.MessageSink = (*NatsSink)(nil)
)
