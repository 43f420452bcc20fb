package zz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/decoder"
	"github.com/example/n2kafka/internal/partition"
	"github.com/example/n2kafka/internal/registry"
	"github.com/example/n2kafka/internal/topic"
)

func newTestDecoder(t *testing.T, zz config.ZZConfig) (*Decoder, *registry.Root, *topic.Registry) {
	t.Helper()
	root, err := registry.Parse(zz)
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}
	topics := topic.NewRegistry(partition.NewRegistry())
	if _, err := topics.Add("events", "", "random", 0); err != nil {
		t.Fatalf("topics.Add: %v", err)
	}
	d := New(root, topics, "node-1", log.New(io.Discard, "", 0))
	return d, root, topics
}

func feedAll(t *testing.T, sess decoder.StreamSession, chunks ...string) []byte {
	t.Helper()
	for _, c := range chunks {
		if _, err := sess.Feed([]byte(c)); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	msgs, err := sess.Feed(nil)
	if err != nil {
		t.Fatalf("Feed(finalize): %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	return msgs[0].Value
}

// Sensor enrichment {a:1,b:"c"}; input {"a":99,"x":"y"}; expected
// output {"x":"y","a":1,"b":"c"} (server enrichment wins, original a
// suppressed).
func TestEnrichmentKeyCollisionServerWins(t *testing.T) {
	d, _, _ := newTestDecoder(t, config.ZZConfig{
		SensorsUUIDs: map[string]config.ZZSensor{
			"11111111-1111-1111-1111-111111111111": {
				Enrichment: map[string]any{"a": 1.0, "b": "c"},
			},
		},
	})

	sess, err := d.NewSession(decoder.MsgVars{
		Topic:      "events",
		SensorUUID: "11111111-1111-1111-1111-111111111111",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	out := feedAll(t, sess, `{"a":99,"x":"y"}`)

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal output %s: %v", out, err)
	}
	want := map[string]any{"x": "y", "a": 1.0, "b": "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %s = %v, want %v", k, got[k], v)
		}
	}
}

// Passthrough with empty sensor enrichment: the emitted object is
// semantically equal to the input object.
func TestPassthroughEmptyEnrichment(t *testing.T) {
	d, _, _ := newTestDecoder(t, config.ZZConfig{
		SensorsUUIDs: map[string]config.ZZSensor{
			"22222222-2222-2222-2222-222222222222": {},
		},
	})

	sess, err := d.NewSession(decoder.MsgVars{
		Topic:      "events",
		SensorUUID: "22222222-2222-2222-2222-222222222222",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	in := `{"nested":{"a":[1,2,3],"b":"c"},"top":42}`
	out := feedAll(t, sess, in)

	var gotM, wantM map[string]any
	json.Unmarshal(out, &gotM)
	json.Unmarshal([]byte(in), &wantM)

	gotJSON, _ := json.Marshal(gotM)
	wantJSON, _ := json.Marshal(wantM)
	var gotCanon, wantCanon any
	json.Unmarshal(gotJSON, &gotCanon)
	json.Unmarshal(wantJSON, &wantCanon)

	gb, _ := json.Marshal(gotCanon)
	wb, _ := json.Marshal(wantCanon)
	if string(gb) != string(wb) {
		t.Errorf("output %s != input %s", out, in)
	}
}

// An invalid MAC in the configured partition_key field falls back to a
// random partition and logs a rate-limited warning.
func TestInvalidMACPartitionKeyWarns(t *testing.T) {
	root, err := registry.Parse(config.ZZConfig{
		SensorsUUIDs: map[string]config.ZZSensor{"55555555-5555-5555-5555-555555555555": {}},
	})
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}
	topics := topic.NewRegistry(partition.NewRegistry())
	if _, err := topics.Add("events", "deviceId", "mac", 4); err != nil {
		t.Fatalf("topics.Add: %v", err)
	}

	var buf bytes.Buffer
	d := New(root, topics, "node-1", log.New(&buf, "", 0))

	sess, err := d.NewSession(decoder.MsgVars{
		Topic:      "events",
		SensorUUID: "55555555-5555-5555-5555-555555555555",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	feedAll(t, sess, `{"deviceId":"not-a-mac"}`)

	if !strings.Contains(buf.String(), "invalid mac address") {
		t.Errorf("expected invalid mac address warning, got log: %q", buf.String())
	}
}

func TestUnknownTopicRejected(t *testing.T) {
	d, _, _ := newTestDecoder(t, config.ZZConfig{})
	if _, err := d.NewSession(decoder.MsgVars{Topic: "nope", SensorUUID: "x"}); err != ErrUnknownTopic {
		t.Fatalf("NewSession: got %v, want ErrUnknownTopic", err)
	}
}

func TestUnknownSensorRejected(t *testing.T) {
	d, _, _ := newTestDecoder(t, config.ZZConfig{})
	if _, err := d.NewSession(decoder.MsgVars{Topic: "events", SensorUUID: "unknown"}); err != ErrUnknownSensor {
		t.Fatalf("NewSession: got %v, want ErrUnknownSensor", err)
	}
}

// The parser must survive a top-level object split at arbitrary byte
// offsets.
func TestSurvivesArbitraryChunkSplits(t *testing.T) {
	in := `{"a":1,"nested":{"b":[1,2,{"c":3}]},"d":"hello world"}`

	for split := 1; split < len(in); split++ {
		d, _, _ := newTestDecoder(t, config.ZZConfig{
			SensorsUUIDs: map[string]config.ZZSensor{"s": {}},
		})
		sess, err := d.NewSession(decoder.MsgVars{Topic: "events", SensorUUID: "s"})
		if err != nil {
			t.Fatalf("split %d: NewSession: %v", split, err)
		}
		out := feedAll(t, sess, in[:split], in[split:])

		var gotM, wantM map[string]any
		if err := json.Unmarshal(out, &gotM); err != nil {
			t.Fatalf("split %d: unmarshal output %s: %v", split, out, err)
		}
		json.Unmarshal([]byte(in), &wantM)
		gb, _ := json.Marshal(gotM)
		wb, _ := json.Marshal(wantM)
		if string(gb) != string(wb) {
			t.Errorf("split %d: output %s != input %s", split, gb, wb)
		}
	}
}

// An org with bytes_limit=1000 sends enough JSON objects to cross 1000
// bytes; once crossed, no further object yields a broker message, but
// the organization's quota latch fires exactly once.
func TestQuotaStopsEmissionOnceCrossed(t *testing.T) {
	limit := int64(1000)
	d, root, _ := newTestDecoder(t, config.ZZConfig{
		OrganizationsUUIDs: map[string]config.ZZOrganization{
			"33333333-3333-3333-3333-333333333333": {BytesLimit: &limit},
		},
		SensorsUUIDs: map[string]config.ZZSensor{
			"44444444-4444-4444-4444-444444444444": {
				OrganizationUUID: "33333333-3333-3333-3333-333333333333",
			},
		},
	})

	sess, err := d.NewSession(decoder.MsgVars{
		Topic:      "events",
		SensorUUID: "44444444-4444-4444-4444-444444444444",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	var stream strings.Builder
	const objectCount = 20
	pad := strings.Repeat("x", 80)
	for i := 0; i < objectCount; i++ {
		fmt.Fprintf(&stream, `{"n":%d,"pad":"%s"}`, i, pad)
	}

	if _, err := sess.Feed([]byte(stream.String())); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	msgs, err := sess.Feed(nil)
	if err != nil {
		t.Fatalf("Feed(finalize): %v", err)
	}

	if len(msgs) == 0 || len(msgs) >= objectCount {
		t.Fatalf("expected some but not all messages emitted, got %d of %d", len(msgs), objectCount)
	}

	org, ok := root.LookupOrganization("33333333-3333-3333-3333-333333333333")
	if !ok {
		t.Fatal("organization not found")
	}
	defer org.Release()
	if !org.LimitReached() {
		t.Error("expected organization quota latch to be set")
	}
	if org.ConsumedBytes() < limit {
		t.Errorf("ConsumedBytes = %d, want >= %d", org.ConsumedBytes(), limit)
	}
}

// The limit-reached callback fires exactly once, with the crossing
// organization's UUID, the moment the quota latch transitions.
func TestLimitReachedCallbackFiresOnce(t *testing.T) {
	limit := int64(1000)
	d, _, _ := newTestDecoder(t, config.ZZConfig{
		OrganizationsUUIDs: map[string]config.ZZOrganization{
			"33333333-3333-3333-3333-333333333333": {BytesLimit: &limit},
		},
		SensorsUUIDs: map[string]config.ZZSensor{
			"44444444-4444-4444-4444-444444444444": {
				OrganizationUUID: "33333333-3333-3333-3333-333333333333",
			},
		},
	})

	var mu sync.Mutex
	var calls []string
	d.SetLimitReachedCallback(func(orgUUID string) {
		mu.Lock()
		calls = append(calls, orgUUID)
		mu.Unlock()
	})

	sess, err := d.NewSession(decoder.MsgVars{
		Topic:      "events",
		SensorUUID: "44444444-4444-4444-4444-444444444444",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	var stream strings.Builder
	pad := strings.Repeat("x", 80)
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&stream, `{"n":%d,"pad":"%s"}`, i, pad)
	}

	if _, err := sess.Feed([]byte(stream.String())); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, err := sess.Feed(nil); err != nil {
		t.Fatalf("Feed(finalize): %v", err)
	}

	// The callback runs off the parser goroutine; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(calls)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("callback fired %d times, want 1: %v", len(calls), calls)
	}
	if calls[0] != "33333333-3333-3333-3333-333333333333" {
		t.Errorf("callback org = %q, want the crossing organization", calls[0])
	}
}
