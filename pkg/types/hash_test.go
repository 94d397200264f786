package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHashHexRoundTrip(t *testing.T) {
	hex := strings.Repeat("ab", HashSize)
	h, err := HexToHash(hex)
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}
	if h.String() != hex {
		t.Errorf("String = %q, want %q", h.String(), hex)
	}
	if h.IsZero() {
		t.Error("non-zero hash reported as zero")
	}
}

func TestHexToHashRejectsBadInput(t *testing.T) {
	if _, err := HexToHash("xyz"); err == nil {
		t.Error("non-hex input must be rejected")
	}
	if _, err := HexToHash("abcd"); err == nil {
		t.Error("short input must be rejected")
	}
}

func TestHashJSON(t *testing.T) {
	h, _ := HexToHash(strings.Repeat("12", HashSize))
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Hash
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != h {
		t.Error("JSON round trip mismatch")
	}

	var zero Hash
	if err := json.Unmarshal([]byte(`""`), &zero); err != nil {
		t.Fatalf("empty string: %v", err)
	}
	if !zero.IsZero() {
		t.Error("empty string must decode to the zero hash")
	}
}
