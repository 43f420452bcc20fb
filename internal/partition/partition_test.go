package partition

import "testing"

func TestParseMAC(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    uint64
		wantErr bool
	}{
		{"valid", "aa:bb:cc:dd:ee:ff", 0xaabbccddeeff, false},
		{"valid lowercase zero", "00:00:00:00:00:00", 0, false},
		{"too few groups", "aa:bb:cc", 0, true},
		{"bad hex", "zz:bb:cc:dd:ee:ff", 0, true},
		{"missing leading zero", "a:bb:cc:dd:ee:ff", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMAC(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMAC(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseMAC(%q) = %#x, want %#x", tt.input, got, tt.want)
			}
		})
	}
}

func TestMACDeterministicAndInRange(t *testing.T) {
	const partitions = 7
	p1 := MAC([]byte("aa:bb:cc:dd:ee:ff"), partitions)
	p2 := MAC([]byte("aa:bb:cc:dd:ee:ff"), partitions)
	if p1 != p2 {
		t.Fatalf("MAC partitioner is not deterministic: %d != %d", p1, p2)
	}
	if p1 < 0 || p1 >= partitions {
		t.Fatalf("MAC partition %d out of range [0,%d)", p1, partitions)
	}
}

func TestMACFallsBackToRandomOnInvalidInput(t *testing.T) {
	if got := MAC([]byte("not-a-mac"), 4); got != Random(nil, 4) {
		t.Errorf("MAC invalid input = %d, want Random fallback %d", got, Random(nil, 4))
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	if fn, ok := r.Lookup("mac"); !ok || fn == nil {
		t.Error("expected mac partitioner registered")
	}
	if fn, ok := r.Lookup("random"); !ok || fn == nil {
		t.Error("expected random partitioner registered")
	}
	if _, ok := r.Lookup("nonexistent"); ok {
		t.Error("expected unknown partitioner name to report ok=false")
	}
}
