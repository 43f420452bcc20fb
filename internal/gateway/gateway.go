// Package gateway wires configuration, registries, decoders, listeners,
// and the accounting subsystem into one running process, exposed as a
// single *Gateway with New/Start/Close/Reload.
package gateway

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/accounting"
	"github.com/example/n2kafka/internal/broker"
	"github.com/example/n2kafka/internal/decoder"
	"github.com/example/n2kafka/internal/decoder/dumb"
	"github.com/example/n2kafka/internal/decoder/meraki"
	"github.com/example/n2kafka/internal/decoder/mse"
	"github.com/example/n2kafka/internal/decoder/zz"
	"github.com/example/n2kafka/internal/influx"
	"github.com/example/n2kafka/internal/listener"
	"github.com/example/n2kafka/internal/metrics"
	"github.com/example/n2kafka/internal/partition"
	"github.com/example/n2kafka/internal/registry"
	"github.com/example/n2kafka/internal/topic"
)

// decoderSet implements listener.Dispatcher over the gateway's four
// concrete decoders, keyed by their own Name().
type decoderSet map[string]decoder.Decoder

func (s decoderSet) Decoder(name string) (decoder.Decoder, bool) {
	d, ok := s[name]
	return d, ok
}

// authorizer implements listener.Authorizer against the live sensor and
// topic registries, for redborder_uri requests. It is deliberately the
// only place in the gateway that bridges listener.Authorizer to
// internal/registry and internal/topic.
type authorizer struct {
	root   *registry.Root
	topics *topic.Registry
}

func (a *authorizer) Authorize(topicName, sensorUUID string) error {
	th, ok := a.topics.Lookup(topicName)
	if !ok {
		return listener.ErrUnknownTopic
	}
	a.topics.Release(th)

	sensor, org, ok := a.root.LookupSensor(sensorUUID)
	if !ok {
		return listener.ErrUnknownSensor
	}
	sensor.Release()
	if org != nil {
		org.Release()
	}
	return nil
}

// Gateway owns every long-lived collaborator the ingestion pipeline
// needs and exposes a New/Start/Close lifecycle, plus Reload for the
// SIGHUP-driven config reload contract.
type Gateway struct {
	logger *log.Logger

	producer   broker.Producer
	partitions *partition.Registry
	topics     *topic.Registry
	root       *registry.Root

	dumbDec   *dumb.Decoder
	mseDec    *mse.Decoder
	merakiDec *meraki.Decoder
	zzDec     *zz.Decoder

	listeners  *listener.Service
	accounting *accounting.Service
	influx     *influx.Writer

	nodeID     string
	adminClose func() error
}

// New builds a Gateway from cfg and starts its listeners (and the admin
// listener, if configured); Start then launches the accounting timers.
func New(cfg config.Config) (*Gateway, error) {
	logger := log.New(os.Stdout, fmt.Sprintf("[%s] ", nodeIDOrDefault(cfg.NodeID)), log.LstdFlags)

	metrics.InitMetrics(nodeIDOrDefault(cfg.NodeID))

	producer, err := newProducer(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: create producer: %w", err)
	}

	partitions := partition.NewRegistry()
	topics := topic.NewRegistry(partitions)
	for name, t := range cfg.ZZ.Topics {
		if _, err := topics.Add(name, t.PartitionKey, t.PartitionAlgo, partitionCountOrDefault(cfg.PartitionCount)); err != nil {
			return nil, fmt.Errorf("gateway: register topic %s: %w", name, err)
		}
	}

	root, err := registry.Parse(cfg.ZZ)
	if err != nil {
		return nil, fmt.Errorf("gateway: build registry: %w", err)
	}

	dumbDec := dumb.New(cfg.Topic)

	mseDec := mse.New(logger)
	mseDec.Reload(mseConfigFrom(cfg))

	merakiDec := meraki.New(logger)
	merakiDec.Reload(cfg.MerakiSecrets, cfg.Topic)

	zzDec := zz.New(root, topics, cfg.NodeID, logger)

	var influxWriter *influx.Writer
	if cfg.ZZ.OrganizationsSync.InfluxURL != "" {
		influxWriter = influx.NewWriter(
			cfg.ZZ.OrganizationsSync.InfluxURL,
			cfg.ZZ.OrganizationsSync.InfluxToken,
			cfg.ZZ.OrganizationsSync.InfluxOrg,
			cfg.ZZ.OrganizationsSync.InfluxBucket,
		)
	}

	acct := accounting.New(root, producer, cfg.ZZ.OrganizationsSync, cfg.NodeID, logger, influxWriter)
	zzDec.SetLimitReachedCallback(acct.HandleLimitReached)

	decoders := decoderSet{
		dumbDec.Name():   dumbDec,
		mseDec.Name():    mseDec,
		merakiDec.Name(): merakiDec,
		zzDec.Name():     zzDec,
	}

	listeners := listener.New(decoders, &authorizer{root: root, topics: topics}, producer, logger)
	listeners.SetBlacklist(cfg.Blacklist)
	if err := listeners.Reload(cfg.Listeners); err != nil {
		return nil, fmt.Errorf("gateway: start listeners: %w", err)
	}

	var adminClose func() error
	if cfg.AdminPort != 0 {
		closer, err := listeners.StartAdmin(cfg.AdminPort)
		if err != nil {
			return nil, fmt.Errorf("gateway: start admin listener: %w", err)
		}
		adminClose = closer
	}

	return &Gateway{
		logger:     logger,
		producer:   producer,
		partitions: partitions,
		topics:     topics,
		root:       root,
		dumbDec:    dumbDec,
		mseDec:     mseDec,
		merakiDec:  merakiDec,
		zzDec:      zzDec,
		listeners:  listeners,
		accounting: acct,
		influx:     influxWriter,
		nodeID:     nodeIDOrDefault(cfg.NodeID),
		adminClose: adminClose,
	}, nil
}

// Start launches the accounting subsystem's timers. The listeners
// themselves are already live once New returns (each listener's Accept
// loop runs its own goroutine from Reload); Start is where the
// gateway's own background work begins.
func (g *Gateway) Start() {
	g.accounting.Start()
}

// Reload re-validates and re-applies cfg to every reloadable
// collaborator: decoders rebuild off-lock and swap, the registry
// rebuilds and swaps, and listeners reconcile by port. Topic and
// partition registries are not swapped: topic/partitioner identity is
// treated as stable for the process lifetime, only their enrichment and
// routing configuration churns.
func (g *Gateway) Reload(cfg config.Config) error {
	newRoot, err := registry.Parse(cfg.ZZ)
	if err != nil {
		return fmt.Errorf("gateway: reload registry: %w", err)
	}
	g.root.Swap(newRoot)

	g.mseDec.Reload(mseConfigFrom(cfg))
	g.merakiDec.Reload(cfg.MerakiSecrets, cfg.Topic)

	g.listeners.SetBlacklist(cfg.Blacklist)
	if err := g.listeners.Reload(cfg.Listeners); err != nil {
		return fmt.Errorf("gateway: reload listeners: %w", err)
	}
	return nil
}

// Close stops the listeners, the accounting timers, and the broker
// producer, in that order, so no in-flight request can still be
// producing once the broker connection goes away.
func (g *Gateway) Close() error {
	metrics.SetServiceHealth(g.nodeID, false)

	var firstErr error
	if g.adminClose != nil {
		if err := g.adminClose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := g.listeners.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.accounting.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if g.influx != nil {
		g.influx.Close()
	}
	if err := g.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func nodeIDOrDefault(id string) string {
	if id == "" {
		return "n2kafka"
	}
	return id
}

func partitionCountOrDefault(n int32) int32 {
	if n <= 0 {
		return 1
	}
	return n
}

// newProducer selects the broker transport from cfg.Brokers: a
// "redis://" prefix selects internal/broker.RedisProducer, anything
// else is treated as an HTTP broker front end base URL.
func newProducer(cfg config.Config) (broker.Producer, error) {
	if strings.HasPrefix(cfg.Brokers, "redis://") {
		return broker.NewRedisProducer(strings.TrimPrefix(cfg.Brokers, "redis://")), nil
	}
	if cfg.Brokers == "" {
		return nil, fmt.Errorf("brokers must not be empty")
	}
	return broker.NewHTTPProducer(cfg.Brokers, partitionCountOrDefault(cfg.PartitionCount)), nil
}

// mseConfigFrom translates the config package's "mse-sensors" shape
// into mse.Config, resolving topic and partition binding from the
// top-level gateway configuration: MSE has no separate topic/partition
// config of its own, it shares the gateway's default topic and
// partition count.
func mseConfigFrom(cfg config.Config) mse.Config {
	streams := make([]mse.StreamEntry, 0, len(cfg.MSESensors))
	for _, s := range cfg.MSESensors {
		streams = append(streams, mse.StreamEntry{Stream: s.Stream, Enrichment: s.Enrichment})
	}
	return mse.Config{
		Streams:                  streams,
		Topic:                    cfg.Topic,
		PartitionCount:           partitionCountOrDefault(cfg.PartitionCount),
		MaxTimeOffset:            mse.DefaultMaxTimeOffset,
		MaxTimeOffsetWarningWait: mse.DefaultMaxTimeOffsetWarningWait,
	}
}
