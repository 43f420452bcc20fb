// Package influx writes organization usage snapshots to InfluxDB, the
// optional sink the accounting subsystem publishes alongside the
// broker topics named in organizations_sync.topics.
package influx

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// UsagePoint is one organization's accounting snapshot: the fields of
// internal/registry.Snapshot plus the quota latch, decoupled from that
// package so
// internal/influx has no import-cycle risk with internal/accounting.
type UsagePoint struct {
	OrgUUID       string
	ConsumedBytes int64
	LimitReached  bool
	NodeID        string
	Timestamp     time.Time
}

// Writer writes usage snapshots to an InfluxDB bucket. No read/query
// methods are exposed: the gateway only ever writes accounting points
// (see DESIGN.md).
type Writer struct {
	client influxdb2.Client
	org    string
	bucket string
}

// NewWriter creates a Writer against the InfluxDB instance at url.
func NewWriter(url, token, org, bucket string) *Writer {
	return &Writer{client: influxdb2.NewClient(url, token), org: org, bucket: bucket}
}

// WriteUsage writes one organization usage point, blocking until the
// server acknowledges it: accounting snapshots are low-volume and
// synchronous writes keep error handling simple.
func (w *Writer) WriteUsage(ctx context.Context, p UsagePoint) error {
	writeAPI := w.client.WriteAPIBlocking(w.org, w.bucket)
	point := influxdb2.NewPoint(
		"org_usage",
		map[string]string{
			"organization": p.OrgUUID,
			"node_id":      p.NodeID,
		},
		map[string]interface{}{
			"consumed_bytes": p.ConsumedBytes,
			"limit_reached":  p.LimitReached,
		},
		p.Timestamp,
	)
	return writeAPI.WritePoint(ctx, point)
}

// Close releases the underlying InfluxDB client.
func (w *Writer) Close() {
	w.client.Close()
}
