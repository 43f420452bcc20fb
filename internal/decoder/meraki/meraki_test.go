package meraki

import (
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/decoder"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d := New(log.New(io.Discard, "", 0))
	d.Reload(map[string]config.Secret{
		"r3dB0rder": {"sensor_name": "s1", "sensor_id": "255"},
	}, "meraki-default")
	return d
}

// Scenario 3: three observations, valid secret.
func TestDecodeThreeObservationsValidSecret(t *testing.T) {
	d := newTestDecoder(t)
	body := `{
		"secret": "r3dB0rder",
		"type": "DevicesSeen",
		"data": {
			"apMac": "55:55:55:55:55:55",
			"observations": [
				{"rssi": 10, "lat": 1.123456, "lng": 2.654321, "ssid": "a"},
				{"rssi": 20, "lat": 1.1, "lng": 2.2, "ssid": "b"},
				{"rssi": 30, "lat": 1.2, "lng": 2.3, "ssid": "c"}
			]
		}
	}`

	msgs, err := d.Decode(decoder.MsgVars{}, []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	var out map[string]any
	json.Unmarshal(msgs[0].Value, &out)
	if out["wireless_station"] != "55:55:55:55:55:55" {
		t.Errorf("wireless_station = %v", out["wireless_station"])
	}
	if out["type"] != "meraki" {
		t.Errorf("type = %v", out["type"])
	}
	if out["client_rssi_num"] != -85.0 {
		t.Errorf("client_rssi_num = %v, want -85", out["client_rssi_num"])
	}
	if out["client_latlong"] != "1.12346,2.65432" {
		t.Errorf("client_latlong = %v", out["client_latlong"])
	}
	if out["sensor_name"] != "s1" {
		t.Errorf("sensor_name = %v, want s1 (secret enrichment not merged)", out["sensor_name"])
	}
	if out["sensor_id"] != "255" {
		t.Errorf("sensor_id = %v, want 255 (secret enrichment not merged)", out["sensor_id"])
	}
}

// Scenario 4: invalid secret yields zero messages.
func TestDecodeInvalidSecretDropsAll(t *testing.T) {
	d := newTestDecoder(t)
	body := `{"secret":"wrong","type":"DevicesSeen","data":{"apMac":"x","observations":[{}]}}`

	msgs, err := d.Decode(decoder.MsgVars{}, []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected 0 messages, got %d", len(msgs))
	}
}

func TestDecodeEmptyObservationsYieldsZeroMessagesNoError(t *testing.T) {
	d := newTestDecoder(t)
	body := `{"secret":"r3dB0rder","type":"DevicesSeen","data":{"apMac":"x","observations":[]}}`

	msgs, err := d.Decode(decoder.MsgVars{}, []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected 0 messages, got %d", len(msgs))
	}
}

func TestDecodeFallsBackToDefaultSecret(t *testing.T) {
	d := New(log.New(io.Discard, "", 0))
	d.Reload(map[string]config.Secret{
		"*": {"sensor_name": "default"},
	}, "meraki-default")

	body := `{"secret":"anything","type":"DevicesSeen","data":{"apMac":"x","observations":[{}]}}`
	msgs, err := d.Decode(decoder.MsgVars{}, []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message via default secret, got %d", len(msgs))
	}
	var out map[string]any
	json.Unmarshal(msgs[0].Value, &out)
	if out["sensor_name"] != "default" {
		t.Errorf("sensor_name = %v, want default", out["sensor_name"])
	}
}
