// Package zz implements the streaming JSON rewriter: an unbounded
// concatenation of top-level JSON objects arrives over one connection,
// each object is rewritten with the sensor's enrichment merged in
// (server values winning over any client key they collide with), and
// the rewritten object is enqueued as one broker message. The queue
// drains only when the session finalizes.
package zz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/example/n2kafka/internal/broker"
	"github.com/example/n2kafka/internal/decoder"
	"github.com/example/n2kafka/internal/registry"
	"github.com/example/n2kafka/internal/topic"
	"github.com/example/n2kafka/internal/warn"
)

// Decoder is the ZZ streaming decoder. It resolves sensors/organizations
// from the registry and topics from the topic registry; both are owned
// by the gateway and swapped independently on reload.
type Decoder struct {
	root   *registry.Root
	topics *topic.Registry
	nodeID string
	logger *log.Logger

	macWarn *warn.Table

	mu           sync.RWMutex
	onLimitReach func(orgUUID string)
}

// New creates a ZZ decoder bound to root and topics. Both are live
// registries the decoder never owns: reload swaps them in place under
// the caller's own locking.
func New(root *registry.Root, topics *topic.Registry, nodeID string, logger *log.Logger) *Decoder {
	return &Decoder{root: root, topics: topics, nodeID: nodeID, logger: logger, macWarn: warn.NewTable(warn.DefaultThreshold, logger)}
}

// SetLimitReachedCallback installs the hook invoked the moment an
// organization's quota latch transitions. The accounting subsystem
// sets this to its own HTTP PUT notifier; the decoder never speaks
// HTTP itself.
func (d *Decoder) SetLimitReachedCallback(cb func(orgUUID string)) {
	d.mu.Lock()
	d.onLimitReach = cb
	d.mu.Unlock()
}

func (d *Decoder) limitReached(orgUUID string) {
	d.mu.RLock()
	cb := d.onLimitReach
	d.mu.RUnlock()
	if cb != nil {
		cb(orgUUID)
	}
}

// Name implements decoder.Decoder.
func (d *Decoder) Name() string { return "zz_http2k" }

// SupportsStreaming implements decoder.Decoder.
func (d *Decoder) SupportsStreaming() bool { return true }

// NewSession authenticates vars against the registry before any bytes
// are parsed: unknown topic and unknown sensor are both reported here.
// The decoder distinguishes them via ErrUnknownTopic / ErrUnknownSensor.
// The listener façade does not map these two errors to status codes: its
// own 403/401 answers come from the redborder_uri Authorizer check made
// before a session is created, and an error returned here reaches it as
// a failed dispatch.
func (d *Decoder) NewSession(vars decoder.MsgVars) (decoder.StreamSession, error) {
	th, ok := d.topics.Lookup(vars.Topic)
	if !ok {
		return nil, ErrUnknownTopic
	}

	sensor, org, ok := d.root.LookupSensor(vars.SensorUUID)
	if !ok {
		d.topics.Release(th)
		return nil, ErrUnknownSensor
	}

	s := &session{
		topic:        th,
		sensor:       sensor,
		org:          org,
		nodeID:       d.nodeID,
		logger:       d.logger,
		macWarn:      d.macWarn,
		onLimitReach: d.limitReached,
		doneCh:       make(chan struct{}),
	}
	s.pr, s.pw = io.Pipe()
	go s.run()
	return s, nil
}

// ErrUnknownTopic and ErrUnknownSensor are the two authorization
// failures NewSession reports.
var (
	ErrUnknownTopic  = fmt.Errorf("zz: unknown topic")
	ErrUnknownSensor = fmt.Errorf("zz: unknown sensor")
)

// session is one ZZ streaming decoder invocation's state, modeled as a
// small state machine (Parsing, QuotaExceeded, Finalized). Feed runs on
// the listener's
// goroutine; run (the parser) runs on its own goroutine, connected to
// Feed via an io.Pipe so the parser can block on json.Decoder.Token()
// without blocking the listener's I/O loop.
type session struct {
	topic        *topic.Handle
	sensor       *registry.Sensor
	org          *registry.Organization
	nodeID       string
	logger       *log.Logger
	macWarn      *warn.Table
	onLimitReach func(orgUUID string)

	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	queue    []broker.Message
	quota    bool // QuotaExceeded: bytes counted, not parsed
	parseErr error

	doneCh chan struct{} // closed when run() returns (pipe drained)
}

// Feed implements decoder.StreamSession. A nil/empty chunk signals
// end-of-stream: it closes the write side of the pipe, waits for the
// parser goroutine to finish, and returns the whole drained queue. Any
// other chunk is written to the pipe (or, once QuotaExceeded, just
// counted) and Feed returns no messages of its own -- messages surface
// only at finalize, when the queue drains via a single batch-produce
// call.
func (s *session) Feed(chunk []byte) ([]broker.Message, error) {
	if len(chunk) == 0 {
		return s.finalize()
	}

	s.mu.Lock()
	quota := s.quota
	s.mu.Unlock()

	if quota {
		s.accountQuotaBytes(int64(len(chunk)))
		return nil, nil
	}

	if _, err := s.pw.Write(chunk); err != nil {
		// The parser goroutine already exited, most likely on a parse
		// error; surface it once and stop feeding.
		s.mu.Lock()
		perr := s.parseErr
		s.mu.Unlock()
		if perr != nil {
			return nil, perr
		}
		return nil, err
	}
	return nil, nil
}

func (s *session) accountQuotaBytes(n int64) {
	if s.org != nil {
		s.org.AddConsumed(n)
	}
}

func (s *session) finalize() ([]broker.Message, error) {
	s.pw.Close()
	<-s.doneCh

	s.mu.Lock()
	msgs := s.queue
	s.queue = nil
	perr := s.parseErr
	s.mu.Unlock()

	s.topic.Release()
	if s.sensor != nil {
		s.sensor.Release()
	}
	if s.org != nil {
		s.org.Release()
	}

	if perr != nil && perr != io.EOF {
		return msgs, perr
	}
	return msgs, nil
}

// run is the parser goroutine: it pulls JSON tokens off the pipe and
// rewrites each top-level object, using the Go call stack (via
// consumeValue's recursion) to track JSON nesting depth instead of a
// manual counter.
func (s *session) run() {
	defer close(s.doneCh)
	defer s.pr.Close()

	dec := json.NewDecoder(s.pr)
	dec.UseNumber()

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.mu.Lock()
			s.parseErr = fmt.Errorf("zz: parse error: %w", err)
			s.mu.Unlock()
			s.logger.Printf("zz: session parse error, aborting: %v", err)
			return
		}

		delim, ok := tok.(json.Delim)
		if !ok || delim != '{' {
			// Multiple top-level values are allowed: a bare scalar
			// between objects is tolerated and ignored, only a genuine
			// object starts a message. Bytes that are not valid JSON are
			// not skipped: they end the session with a parse error above.
			continue
		}

		var buf bytes.Buffer
		buf.WriteByte('{')
		if err := s.consumeObjectBody(dec, &buf); err != nil {
			s.mu.Lock()
			s.parseErr = fmt.Errorf("zz: parse error: %w", err)
			s.mu.Unlock()
			s.logger.Printf("zz: session parse error, aborting: %v", err)
			return
		}

		s.emit(buf.Bytes())
	}
}

// consumeObjectBody consumes the top-level object's keys and values
// (the '{' token has already been read) and writes the rewritten body,
// not including the closing brace, into w. Depth-1 key suppression
// happens here: a key matching one of the sensor's enrichment keys is
// dropped along with its value.
func (s *session) consumeObjectBody(dec *json.Decoder, w *bytes.Buffer) error {
	enrichment := map[string]any{}
	if s.sensor != nil {
		enrichment = s.sensor.Enrichment
	}

	first := true
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", keyTok)
		}

		if _, suppressed := enrichment[key]; suppressed {
			// Consume and discard the value without writing it.
			if err := s.consumeValue(dec, nil, true); err != nil {
				return err
			}
			continue
		}

		if !first {
			w.WriteByte(',')
		}
		first = false

		keyBytes, err := json.Marshal(key)
		if err != nil {
			return err
		}
		w.Write(keyBytes)
		w.WriteByte(':')

		if err := s.consumeValue(dec, w, false); err != nil {
			return err
		}
	}

	// Consume the closing '}'.
	if _, err := dec.Token(); err != nil {
		return err
	}

	// Message boundary: merge the sensor's enrichment, server values
	// last so they win over anything suppressed above.
	for k, v := range enrichment {
		if !first {
			w.WriteByte(',')
		}
		first = false
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return err
		}
		w.Write(kb)
		w.WriteByte(':')
		w.Write(vb)
	}
	w.WriteByte('}')
	return nil
}

// consumeValue consumes one JSON value (scalar, object, or array) from
// dec. If skip is false, the value is re-serialized verbatim into w;
// nested objects/arrays recurse, with the call stack itself tracking
// depth rather than a counter. At depth > 1, suppression never
// triggers: keys and values pass through verbatim -- only the
// top-level consumeObjectBody call evaluates suppression.
func (s *session) consumeValue(dec *json.Decoder, w *bytes.Buffer, skip bool) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			if !skip {
				w.WriteByte('{')
			}
			first := true
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key := keyTok.(string)
				if !skip {
					if !first {
						w.WriteByte(',')
					}
					first = false
					kb, _ := json.Marshal(key)
					w.Write(kb)
					w.WriteByte(':')
				}
				if err := s.consumeValue(dec, w, skip); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return err
			}
			if !skip {
				w.WriteByte('}')
			}
		case '[':
			if !skip {
				w.WriteByte('[')
			}
			first := true
			for dec.More() {
				if !skip && !first {
					w.WriteByte(',')
				}
				first = false
				if err := s.consumeValue(dec, w, skip); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return err
			}
			if !skip {
				w.WriteByte(']')
			}
		default:
			return fmt.Errorf("unexpected delimiter %v", t)
		}
	default:
		if !skip {
			b, err := json.Marshal(t)
			if err != nil {
				return err
			}
			w.Write(b)
		}
	}
	return nil
}

// emit finishes one top-level object: accounts its length against the
// organization's quota, and either enqueues it (Parsing state) or
// drops it while still having counted the bytes (QuotaExceeded state),
// implementing the Parsing -> QuotaExceeded transition.
func (s *session) emit(body []byte) {
	var crossed bool
	if s.org != nil {
		crossed = s.org.AddConsumed(int64(len(body)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quota {
		return
	}
	if crossed {
		s.quota = true
		if s.onLimitReach != nil {
			// Run off the parser goroutine: the callback may make an
			// HTTP call (internal/accounting's PUT notifier) and must
			// not stall parsing of the rest of the stream.
			go s.onLimitReach(s.org.UUID)
		}
		return
	}

	partition := broker.RandomPartition
	if s.topic.PartitionCount > 0 && s.topic.PartitionKey != "" {
		if key, ok := extractKey(body, s.topic.PartitionKey); ok {
			partition = s.topic.Partitioner([]byte(key), s.topic.PartitionCount)
			if s.topic.PartitionAlgo == "mac" && partition == broker.RandomPartition {
				s.macWarn.Warn(s.topic.Name, fmt.Sprintf("zz: invalid mac address %q for partition_key %q on topic %s, falling back to random partition", key, s.topic.PartitionKey, s.topic.Name))
			}
		}
	}

	s.queue = append(s.queue, broker.Message{
		Topic:     s.topic.Name,
		Partition: partition,
		Value:     append([]byte(nil), body...),
	})
}

// extractKey pulls a top-level string field named key out of a
// rewritten message body, for the topic's configured partition_key: an
// interior string pulled from the payload after parsing. Re-parsing
// the small rewritten body is simpler and safer than threading key
// extraction through consumeObjectBody's streaming write.
func extractKey(body []byte, key string) (string, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return "", false
	}
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
