package accounting

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/broker"
	"github.com/example/n2kafka/internal/registry"
)

type fakeProducer struct {
	produced []broker.Message
}

func (p *fakeProducer) Produce(context.Context, broker.Message) error { return nil }
func (p *fakeProducer) ProduceBatch(_ context.Context, msgs []broker.Message) []error {
	p.produced = append(p.produced, msgs...)
	return make([]error, len(msgs))
}
func (p *fakeProducer) Close() error { return nil }

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestRoot(t *testing.T, limit *int64) (*registry.Root, string) {
	t.Helper()
	const orgUUID = "55555555-5555-5555-5555-555555555555"
	root, err := registry.Parse(config.ZZConfig{
		OrganizationsUUIDs: map[string]config.ZZOrganization{
			orgUUID: {BytesLimit: limit},
		},
	})
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}
	return root, orgUUID
}

func TestReportPublishesOneSnapshotPerTopic(t *testing.T) {
	root, orgUUID := newTestRoot(t, nil)
	org, _ := root.LookupOrganization(orgUUID)
	org.AddConsumed(42)
	org.Release()

	producer := &fakeProducer{}
	svc := New(root, producer, config.OrganizationsSyncConfig{
		Topics: []string{"org-usage-a", "org-usage-b"},
	}, "node-1", testLogger(), nil)

	svc.report(time.Now())

	if len(producer.produced) != 2 {
		t.Fatalf("expected 2 published snapshots, got %d", len(producer.produced))
	}
	seen := map[string]bool{}
	for _, m := range producer.produced {
		seen[m.Topic] = true
	}
	if !seen["org-usage-a"] || !seen["org-usage-b"] {
		t.Errorf("expected snapshots on both topics, got %v", producer.produced)
	}

	org, _ = root.LookupOrganization(orgUUID)
	defer org.Release()
	if org.ConsumedBytes() != 42 {
		t.Errorf("report must not reset the counter, got %d", org.ConsumedBytes())
	}
}

func TestCleanResetsConsumedAndLatch(t *testing.T) {
	limit := int64(10)
	root, orgUUID := newTestRoot(t, &limit)
	org, _ := root.LookupOrganization(orgUUID)
	org.AddConsumed(20)
	org.Release()

	svc := New(root, &fakeProducer{}, config.OrganizationsSyncConfig{}, "node-1", testLogger(), nil)
	svc.clean(time.Now())

	org, _ = root.LookupOrganization(orgUUID)
	defer org.Release()
	if org.ConsumedBytes() != 0 {
		t.Errorf("ConsumedBytes = %d, want 0 after clean", org.ConsumedBytes())
	}
	if org.LimitReached() {
		t.Error("expected quota latch cleared after clean")
	}
}

func TestCleanScheduleNormalizesOversizedOffset(t *testing.T) {
	now := time.Unix(1000, 0)

	first, period := cleanSchedule(now, 100, 250) // 250 mod 100 == 50
	wantFirst := time.Unix(1000-(1000%100)+50+100, 0)
	if !first.Equal(wantFirst) {
		t.Errorf("first = %v, want %v", first, wantFirst)
	}
	if period != 100*time.Second {
		t.Errorf("period = %v, want 100s", period)
	}
}

func TestCleanScheduleZeroModDisabled(t *testing.T) {
	_, period := cleanSchedule(time.Now(), 0, 5)
	if period != 0 {
		t.Errorf("expected zero period for zero modulus, got %v", period)
	}
}

func TestHandleLimitReachedPutsToConfiguredURL(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root, _ := newTestRoot(t, nil)
	svc := New(root, &fakeProducer{}, config.OrganizationsSyncConfig{PutURL: srv.URL}, "node-1", testLogger(), nil)

	svc.HandleLimitReached("org-xyz")

	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotPath != "/org-xyz/reach_bytes_limit" {
		t.Errorf("path = %q, want /org-xyz/reach_bytes_limit", gotPath)
	}
}

func TestHandleLimitReachedNoopWithoutPutURL(t *testing.T) {
	root, _ := newTestRoot(t, nil)
	svc := New(root, &fakeProducer{}, config.OrganizationsSyncConfig{}, "node-1", testLogger(), nil)
	svc.HandleLimitReached("org-xyz") // must not panic or block
}

func TestStartCloseWithZeroIntervalsIsInert(t *testing.T) {
	root, _ := newTestRoot(t, nil)
	svc := New(root, &fakeProducer{}, config.OrganizationsSyncConfig{}, "node-1", testLogger(), nil)
	svc.Start()
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
