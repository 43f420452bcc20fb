// Package accounting implements the organization accounting subsystem:
// a report timer that publishes periodic usage snapshots, a clean
// timer that resets each organization's counters on a fixed wall-clock
// schedule, and the limit-reached HTTP callback the ZZ decoder invokes
// the moment an organization's quota latch trips.
package accounting

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/broker"
	"github.com/example/n2kafka/internal/influx"
	"github.com/example/n2kafka/internal/metrics"
	"github.com/example/n2kafka/internal/registry"
)

// Service runs the report and clean timers against root's live
// organizations, exposing a New/Start/Close lifecycle.
type Service struct {
	root     *registry.Root
	producer broker.Producer
	cfg      config.OrganizationsSyncConfig
	nodeID   string
	logger   *log.Logger
	influx   *influx.Writer
	http     *http.Client

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates an accounting service. influxWriter may be nil: the
// InfluxDB sink is optional, layered on top of the required broker
// publish path.
func New(root *registry.Root, producer broker.Producer, cfg config.OrganizationsSyncConfig, nodeID string, logger *log.Logger, influxWriter *influx.Writer) *Service {
	return &Service{
		root:     root,
		producer: producer,
		cfg:      cfg,
		nodeID:   nodeID,
		logger:   logger,
		influx:   influxWriter,
		http:     &http.Client{Timeout: 10 * time.Second},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the report and clean timer goroutines. Either timer is
// skipped if its configured interval is zero, so a gateway that omits
// organizations_sync entirely starts an inert accounting service.
func (s *Service) Start() {
	if s.cfg.IntervalS > 0 {
		s.wg.Add(1)
		go s.runReportTimer()
	}
	if s.cfg.CleanOn.TimestampModS > 0 {
		s.wg.Add(1)
		go s.runCleanTimer()
	}
}

// Close stops both timers and waits for their goroutines to exit.
func (s *Service) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *Service) runReportTimer() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.report(time.Now())
		}
	}
}

// report walks every live organization under a single registry read
// lock acquisition (via Root.Organizations) and publishes one snapshot
// per organization to every topic named in organizations_sync.topics.
func (s *Service) report(now time.Time) {
	orgs := s.root.Organizations()
	defer func() {
		for _, o := range orgs {
			o.Release()
		}
	}()

	for _, org := range orgs {
		metrics.SetOrgConsumedBytes(org.UUID, float64(org.ConsumedBytes()))

		body, err := registry.SnapshotInterval(org, now, s.nodeID, false)
		if err != nil {
			s.logger.Printf("accounting: snapshot %s: %v", org.UUID, err)
			continue
		}

		if len(s.cfg.Topics) > 0 {
			msgs := make([]broker.Message, len(s.cfg.Topics))
			for i, topic := range s.cfg.Topics {
				msgs[i] = broker.Message{Topic: topic, Partition: broker.RandomPartition, Value: body}
			}
			errs := s.producer.ProduceBatch(context.Background(), msgs)
			for i, err := range errs {
				if err != nil {
					s.logger.Printf("accounting: publish snapshot for %s to %s: %v", org.UUID, s.cfg.Topics[i], err)
				}
			}
		}

		if s.influx != nil {
			point := influx.UsagePoint{
				OrgUUID:       org.UUID,
				ConsumedBytes: org.ConsumedBytes(),
				LimitReached:  org.LimitReached(),
				NodeID:        s.nodeID,
				Timestamp:     now,
			}
			if err := s.influx.WriteUsage(context.Background(), point); err != nil {
				s.logger.Printf("accounting: influx write for %s: %v", org.UUID, err)
			}
		}
	}
}

// cleanSchedule computes the clean timer's first absolute firing time
// and its steady-state period: fires at
// (now - now mod clean_mod) + clean_offset + clean_mod, with
// clean_offset normalized to clean_offset mod clean_mod when the
// configured offset is itself larger than the modulus.
func cleanSchedule(now time.Time, modS, offsetS int64) (first time.Time, period time.Duration) {
	if modS <= 0 {
		return time.Time{}, 0
	}
	offsetS = offsetS % modS
	if offsetS < 0 {
		offsetS += modS
	}

	nowUnix := now.Unix()
	floor := nowUnix - (nowUnix % modS)
	firstUnix := floor + offsetS + modS
	return time.Unix(firstUnix, 0), time.Duration(modS) * time.Second
}

func (s *Service) runCleanTimer() {
	defer s.wg.Done()

	first, period := cleanSchedule(time.Now(), s.cfg.CleanOn.TimestampModS, s.cfg.CleanOn.TimestampOffsetS)
	if period == 0 {
		return
	}

	timer := time.NewTimer(time.Until(first))
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return
	case <-timer.C:
		s.clean(time.Now())
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.clean(time.Now())
		}
	}
}

// clean resets every live organization's consumed counter and quota
// latch. It reuses SnapshotInterval's reset path rather than poking the
// organization's atomics directly, so the reset happens at the same
// point the report timer would have captured a final snapshot value.
func (s *Service) clean(now time.Time) {
	orgs := s.root.Organizations()
	defer func() {
		for _, o := range orgs {
			o.Release()
		}
	}()

	for _, org := range orgs {
		if _, err := registry.SnapshotInterval(org, now, s.nodeID, true); err != nil {
			s.logger.Printf("accounting: clean reset %s: %v", org.UUID, err)
			continue
		}
		metrics.SetOrgConsumedBytes(org.UUID, 0)
	}
}

// HandleLimitReached PUTs <put_url>/<org_uuid>/reach_bytes_limit with an
// empty body. Failures are logged and not retried -- the next crossing
// (or the periodic report) will reflect the organization's true state
// regardless. It is wired into the ZZ decoder via
// zz.Decoder.SetLimitReachedCallback.
func (s *Service) HandleLimitReached(orgUUID string) {
	metrics.RecordOrgLimitReached(orgUUID)

	if s.cfg.PutURL == "" {
		return
	}

	url := fmt.Sprintf("%s/%s/reach_bytes_limit", strings.TrimRight(s.cfg.PutURL, "/"), orgUUID)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(nil))
	if err != nil {
		s.logger.Printf("accounting: build limit-reached request for %s: %v", orgUUID, err)
		return
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.logger.Printf("accounting: limit-reached callback for %s: %v", orgUUID, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Printf("accounting: limit-reached callback for %s: unexpected status %s", orgUUID, resp.Status)
	}
}
