// Package config loads and validates the gateway's JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config is the root JSON configuration object, read at startup and on
// every SIGHUP reload.
type Config struct {
	Brokers        string            `json:"brokers"`
	Topic          string            `json:"topic"`
	PartitionCount int32             `json:"partition_count"`
	NodeID         string            `json:"n2kafka_id"`
	Debug          bool              `json:"debug"`
	ResponseFile   string            `json:"response"`
	Blacklist      []string          `json:"blacklist"`
	Listeners      []ListenerConfig  `json:"listeners"`
	MSESensors     []MSESensorConfig `json:"mse-sensors"`
	MerakiSecrets  map[string]Secret `json:"meraki-secrets"`
	ZZ             ZZConfig          `json:"zz_http2k_config"`
	// AdminPort, if non-zero, serves the Prometheus /metrics endpoint on
	// its own listener, separate from the ingestion ports in Listeners.
	AdminPort uint16 `json:"admin_port"`

	// RDKafka holds every "rdkafka.<k>" top-level key, passthrough
	// configuration for the broker client. Keys prefixed "topic." within
	// this set route to topic-level configuration; that split is left to
	// the broker client collaborator.
	RDKafka map[string]string `json:"-"`
}

// ListenerConfig describes one entry of the "listeners" array.
type ListenerConfig struct {
	Proto                 string         `json:"proto"`
	Port                  uint16         `json:"port"`
	Mode                  string         `json:"mode"`
	NumThreads            int            `json:"num_threads"`
	RedborderURI          bool           `json:"redborder_uri"`
	DecodeAs              string         `json:"decode_as"`
	ConnectionMemoryLimit int64          `json:"connection_memory_limit"`
	ConnectionLimit       int            `json:"connection_limit"`
	ConnectionTimeout     int            `json:"connection_timeout"`
	PerIPConnectionLimit  int            `json:"per_ip_connection_limit"`
	Enrichment            map[string]any `json:"enrichment"`
}

// MSESensorConfig is one entry of "mse-sensors": a per-stream enrichment
// table row. Stream == "*" is the distinguished default-stream entry.
type MSESensorConfig struct {
	Stream     string         `json:"stream"`
	Enrichment map[string]any `json:"enrichment"`
}

// Secret is one value of the "meraki-secrets" map, keyed by the shared
// secret string (or "*" for the default). The value object itself is
// the enrichment merged into every observation the secret authorizes,
// e.g. {"sensor_name": "meraki1", "sensor_id": 2}: there is no
// separate "enrichment" wrapper key.
type Secret map[string]any

// ZZConfig is "zz_http2k_config".
type ZZConfig struct {
	SensorsUUIDs       map[string]ZZSensor       `json:"sensors_uuids"`
	OrganizationsUUIDs map[string]ZZOrganization `json:"organizations_uuids"`
	Topics             map[string]ZZTopic        `json:"topics"`
	OrganizationsSync  OrganizationsSyncConfig   `json:"organizations_sync"`
}

// ZZSensor is one value of "sensors_uuids".
type ZZSensor struct {
	Enrichment       map[string]any `json:"enrichment"`
	OrganizationUUID string         `json:"organization_uuid"`
}

// ZZOrganization is one value of "organizations_uuids".
type ZZOrganization struct {
	BytesLimit *int64 `json:"bytes_limit"`
}

// ZZTopic is one value of "topics".
type ZZTopic struct {
	PartitionKey  string `json:"partition_key"`
	PartitionAlgo string `json:"partition_algo"`
}

// OrganizationsSyncConfig drives the accounting subsystem (spec 4.8).
type OrganizationsSyncConfig struct {
	Topics    []string      `json:"topics"`
	IntervalS int           `json:"interval_s"`
	PutURL    string        `json:"put_url"`
	CleanOn   CleanOnConfig `json:"clean_on"`
	// InfluxURL, InfluxToken, InfluxOrg, InfluxBucket are not part of the
	// original spec's config shape; they configure the optional InfluxDB
	// usage-snapshot sink described in SPEC_FULL.md's DOMAIN STACK table.
	InfluxURL    string `json:"influx_url,omitempty"`
	InfluxToken  string `json:"influx_token,omitempty"`
	InfluxOrg    string `json:"influx_org,omitempty"`
	InfluxBucket string `json:"influx_bucket,omitempty"`
}

// CleanOnConfig is "clean_on": the clean-timer schedule.
type CleanOnConfig struct {
	TimestampModS    int64 `json:"timestamp_s_mod"`
	TimestampOffsetS int64 `json:"timestamp_s_offset"`
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	var extra map[string]json.RawMessage
	if err := json.Unmarshal(raw, &extra); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.RDKafka = make(map[string]string)
	for k, v := range extra {
		if !strings.HasPrefix(k, "rdkafka.") {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		cfg.RDKafka[k] = s
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the structural invariants Load depends on: well-formed
// UUIDs on every sensor and organization entity, and listeners naming a
// decoder the gateway knows about.
func (c Config) Validate() error {
	for u := range c.ZZ.SensorsUUIDs {
		if _, err := uuid.Parse(u); err != nil {
			return fmt.Errorf("zz_http2k_config.sensors_uuids: invalid uuid %q: %w", u, err)
		}
	}
	for u := range c.ZZ.OrganizationsUUIDs {
		if _, err := uuid.Parse(u); err != nil {
			return fmt.Errorf("zz_http2k_config.organizations_uuids: invalid uuid %q: %w", u, err)
		}
	}
	for _, l := range c.Listeners {
		switch l.Proto {
		case "tcp", "udp", "http":
		default:
			return fmt.Errorf("listener: unknown proto %q", l.Proto)
		}
		switch l.DecodeAs {
		case "dumb", "MSE", "meraki", "zz_http2k":
		default:
			return fmt.Errorf("listener on port %d: unknown decode_as %q", l.Port, l.DecodeAs)
		}
	}
	if c.Brokers == "" {
		return fmt.Errorf("brokers: must not be empty")
	}
	return nil
}
