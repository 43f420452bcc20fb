// Package mse implements the batched JSON enrichment decoder for Cisco
// MSE location notifications: recognizes the v8 and v10 notification
// shapes, applies listener-then-stream enrichment, timestamp-guards
// inputs, and splits multi-device batches into independently
// partitioned messages.
package mse

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/example/n2kafka/internal/broker"
	"github.com/example/n2kafka/internal/decoder"
	"github.com/example/n2kafka/internal/enrich"
	"github.com/example/n2kafka/internal/partition"
	"github.com/example/n2kafka/internal/warn"
)

// flagHasDefaultStream resolves an ambiguity documented in DESIGN.md:
// the original source guarded default-stream fallback with
// "!flags & CONST", which parses as "(!flags) & CONST" but was clearly
// meant as "(flags & CONST) == 0" — see original_source/src/decoder/mse
// /rb_mse.c. hasDefaultStream below implements the corrected,
// unambiguous form.
const flagHasDefaultStream uint8 = 1 << 0

func hasDefaultStream(flags uint8) bool {
	return flags&flagHasDefaultStream == 0
}

// Config is the MSE decoder's reloadable state: per-stream enrichment
// table, topic binding, and timestamp-guard parameters.
type Config struct {
	// Streams lists subscriptionName -> enrichment rows. The
	// distinguished stream "*" is the default stream.
	Streams []StreamEntry
	Topic   string
	// PartitionCount configures the MAC partitioner's modulus for this
	// topic; 0 leaves partitioning to the broker (RandomPartition).
	PartitionCount           int32
	MaxTimeOffset            time.Duration
	MaxTimeOffsetWarningWait time.Duration

	flags uint8
}

// StreamEntry is one row of "mse-sensors".
type StreamEntry struct {
	Stream     string
	Enrichment map[string]any
}

func (c Config) streamTable() map[string]map[string]any {
	t := make(map[string]map[string]any, len(c.Streams))
	for _, s := range c.Streams {
		t[s.Stream] = s.Enrichment
	}
	return t
}

// DefaultMaxTimeOffset and DefaultMaxTimeOffsetWarningWait are the
// decoder's stated defaults.
const (
	DefaultMaxTimeOffset            = 3600 * time.Second
	DefaultMaxTimeOffsetWarningWait = 0 * time.Second
)

// Decoder is the MSE decoder. It is safe for concurrent use; Reload
// swaps in a new Config built off-lock.
type Decoder struct {
	mu  sync.RWMutex
	cfg Config

	streams map[string]map[string]any // derived from cfg.Streams, kept alongside under mu

	warnTable *warn.Table
	logger    *log.Logger
	now       func() time.Time
}

// New creates an MSE decoder. logger receives one line per dropped or
// malformed message; warnings fire at most once per subscriptionName
// per cfg.MaxTimeOffsetWarningWait.
func New(logger *log.Logger) *Decoder {
	d := &Decoder{
		logger: logger,
		now:    time.Now,
		cfg: Config{
			MaxTimeOffset:            DefaultMaxTimeOffset,
			MaxTimeOffsetWarningWait: DefaultMaxTimeOffsetWarningWait,
		},
	}
	d.warnTable = warn.NewTable(DefaultMaxTimeOffsetWarningWait, logger)
	return d
}

// Reload atomically replaces the stream enrichment table, topic
// binding, and offset parameters, building the new table off-lock
// first.
func (d *Decoder) Reload(cfg Config) {
	streams := cfg.streamTable()

	d.mu.Lock()
	d.cfg = cfg
	d.streams = streams
	d.mu.Unlock()

	d.warnTable = warn.NewTable(cfg.MaxTimeOffsetWarningWait, d.logger)
}

func (d *Decoder) snapshot() (Config, map[string]map[string]any) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.streams
}

// Name implements decoder.Decoder.
func (d *Decoder) Name() string { return "MSE" }

// SupportsStreaming implements decoder.Decoder.
func (d *Decoder) SupportsStreaming() bool { return false }

func getTimestampSeconds(n map[string]any) (time.Time, bool) {
	for _, key := range []string{"timestampMillis", "timestamp"} {
		if v, ok := n[key]; ok {
			if f, ok := toFloat(v); ok {
				return time.Unix(int64(f/1000), 0), true
			}
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Decode implements decoder.BatchDecoder.
func (d *Decoder) Decode(vars decoder.MsgVars, body []byte) ([]broker.Message, error) {
	var top map[string]any
	if err := json.Unmarshal(body, &top); err != nil {
		d.logger.Printf("MSE: malformed payload: %v", err)
		return nil, nil
	}

	isV8 := false
	var notifications []map[string]any
	if sn, ok := top["StreamingNotification"].(map[string]any); ok {
		isV8 = true
		notifications = []map[string]any{sn}
	} else if arr, ok := top["notifications"].([]any); ok {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				notifications = append(notifications, m)
			}
		}
	} else {
		d.logger.Printf("MSE: unrecognized schema, dropping")
		return nil, nil
	}

	cfg, streams := d.snapshot()
	topicName := cfg.Topic
	if vars.Topic != "" {
		topicName = vars.Topic
	}

	var msgs []broker.Message
	now := d.now()

	for _, n := range notifications {
		subscriptionName, _ := n["subscriptionName"].(string)
		deviceID, _ := n["deviceId"].(string)

		var partitionKey []byte
		partitionVal := broker.RandomPartition
		if _, err := partition.ParseMAC(deviceID); err == nil {
			partitionKey = []byte(deviceID)
			if cfg.PartitionCount > 0 {
				partitionVal = partition.MAC(partitionKey, cfg.PartitionCount)
			}
		}

		if ts, ok := getTimestampSeconds(n); ok {
			if diff := math.Abs(now.Sub(ts).Seconds()); diff > cfg.MaxTimeOffset.Seconds() {
				d.warnTable.Warn(subscriptionName, fmt.Sprintf("timestamp offset %.0fs exceeds max_time_offset", diff))
			}
		}

		var layers []map[string]any
		if vars.ListenerEnrichment != nil {
			layers = append(layers, vars.ListenerEnrichment)
		}
		if len(streams) > 0 {
			streamEnrichment, ok := streams[subscriptionName]
			if !ok && hasDefaultStream(cfg.flags) {
				streamEnrichment, ok = streams["*"]
			}
			if !ok {
				continue // no matching stream and no default: drop
			}
			layers = append(layers, streamEnrichment)
		}
		enrich.Merge(n, layers...)

		var out map[string]any
		if isV8 {
			cloned := make(map[string]any, len(top))
			for k, v := range top {
				cloned[k] = v
			}
			cloned["StreamingNotification"] = n
			out = cloned
		} else {
			out = map[string]any{"notifications": []any{n}}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return msgs, fmt.Errorf("MSE: marshal output: %w", err)
		}
		msgs = append(msgs, broker.Message{
			Topic:     topicName,
			Partition: partitionVal,
			Key:       partitionKey,
			Value:     b,
		})
	}

	return msgs, nil
}
