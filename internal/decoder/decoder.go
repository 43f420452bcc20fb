// Package decoder defines the capability-set contract the original C
// gateway exposed as a vtable-like record {name, init, reload, done,
// callback, ...}. Each concrete decoder (dumb, MSE, Meraki, ZZ)
// implements either BatchDecoder or StreamDecoder depending on whether
// it advertises streaming support.
package decoder

import "github.com/example/n2kafka/internal/broker"

// MsgVars is the per-invocation metadata the listener façade extracts
// before calling into a decoder: {topic, sensor_uuid, client_ip}, plus
// the listener's own "enrichment" config block, applied before any
// per-stream or per-sensor enrichment.
type MsgVars struct {
	Topic              string
	SensorUUID         string
	ClientIP           string
	ListenerEnrichment map[string]any
}

// Decoder is the common capability every decoder variant exposes.
type Decoder interface {
	// Name identifies the decoder for metrics and logging, e.g. "MSE".
	Name() string
	// SupportsStreaming reports whether the listener may call this
	// decoder's callback repeatedly with partial buffers. Only ZZ
	// answers true.
	SupportsStreaming() bool
}

// BatchDecoder is implemented by decoders the listener calls exactly
// once with the whole accumulated request body: dumb, MSE, Meraki.
type BatchDecoder interface {
	Decoder
	Decode(vars MsgVars, body []byte) ([]broker.Message, error)
}

// StreamSession is one streaming decoder invocation's state, created on
// the first chunk of a request and fed chunks until an empty buffer
// signals end-of-stream.
type StreamSession interface {
	// Feed processes chunk (nil/empty signals end-of-stream) and returns
	// zero or more messages ready to publish. The session finalizes and
	// should not be fed again once it has returned from an empty-buffer
	// call.
	Feed(chunk []byte) ([]broker.Message, error)
}

// StreamDecoder is implemented by decoders the listener may call
// repeatedly per request: only ZZ today.
type StreamDecoder interface {
	Decoder
	// NewSession authenticates vars (unknown topic/sensor is reported as
	// an error here, before any bytes are parsed) and returns a fresh
	// session.
	NewSession(vars MsgVars) (StreamSession, error)
}
