// Package meraki implements the secret-keyed decoder for Cisco Meraki
// CMX observations: authorizes by a shared secret carried inside the
// payload, then flattens each observation into its own broker message.
package meraki

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/broker"
	"github.com/example/n2kafka/internal/decoder"
	"github.com/example/n2kafka/internal/enrich"
)

// payload mirrors the Meraki "DevicesSeen" webhook body.
type payload struct {
	Secret string `json:"secret"`
	Type   string `json:"type"`
	Data   struct {
		APMac        string           `json:"apMac"`
		Observations []map[string]any `json:"observations"`
	} `json:"data"`
}

// Decoder is the Meraki decoder. Reload swaps its secret table under a
// read-write lock (build-then-swap, per DESIGN.md's Open Question
// resolution).
type Decoder struct {
	mu      sync.RWMutex
	secrets map[string]config.Secret
	topic   string

	logger *log.Logger
}

// New creates a Meraki decoder.
func New(logger *log.Logger) *Decoder {
	return &Decoder{logger: logger, secrets: map[string]config.Secret{}}
}

// Reload replaces the secret table and default topic.
func (d *Decoder) Reload(secrets map[string]config.Secret, topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secrets = secrets
	d.topic = topic
}

func (d *Decoder) snapshot() (map[string]config.Secret, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.secrets, d.topic
}

// Name implements decoder.Decoder.
func (d *Decoder) Name() string { return "meraki" }

// SupportsStreaming implements decoder.Decoder.
func (d *Decoder) SupportsStreaming() bool { return false }

// lookupSecret finds secret's config, comparing in constant time with
// crypto/subtle.ConstantTimeCompare since the secret is effectively a
// bearer credential. Falls back to the distinguished "*" entry on miss.
func lookupSecret(secrets map[string]config.Secret, secret string) (config.Secret, bool) {
	for k, v := range secrets {
		if k == "*" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(k), []byte(secret)) == 1 {
			return v, true
		}
	}
	if def, ok := secrets["*"]; ok {
		return def, true
	}
	return nil, false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

// Decode implements decoder.BatchDecoder.
func (d *Decoder) Decode(vars decoder.MsgVars, body []byte) ([]broker.Message, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		d.logger.Printf("meraki: malformed payload: %v", err)
		return nil, nil
	}

	secrets, topicDefault := d.snapshot()
	secretCfg, ok := lookupSecret(secrets, p.Secret)
	if !ok {
		d.logger.Printf("meraki: unknown secret, dropping")
		return nil, nil
	}

	topicName := topicDefault
	if vars.Topic != "" {
		topicName = vars.Topic
	}

	msgs := make([]broker.Message, 0, len(p.Data.Observations))
	for _, obs := range p.Data.Observations {
		src, _ := obs["ipv4"].(string)
		src = strings.TrimPrefix(src, "/")

		fields := map[string]any{
			"type":              "meraki",
			"wireless_station":  p.Data.APMac,
			"src":               src,
			"client_os":         obs["os"],
			"client_mac_vendor": obs["manufacturer"],
			"client_mac":        obs["clientMac"],
			"timestamp":         obs["seenEpoch"],
			"client_rssi_num":   toFloat(obs["rssi"]) - 95,
			"client_latlong":    fmt.Sprintf("%.5f,%.5f", toFloat(obs["lat"]), toFloat(obs["lng"])),
			"wireless_id":       obs["ssid"],
		}
		enrich.Merge(fields, vars.ListenerEnrichment, secretCfg)

		b, err := json.Marshal(fields)
		if err != nil {
			return msgs, fmt.Errorf("meraki: marshal output: %w", err)
		}
		msgs = append(msgs, broker.Message{
			Topic:     topicName,
			Partition: broker.RandomPartition,
			Value:     b,
		})
	}

	return msgs, nil
}
