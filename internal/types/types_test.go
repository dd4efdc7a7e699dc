package types

import (
	"errors"
	"testing"
)

// TestDigest tests hashing and base58 round trips.
func TestDigest(t *testing.T) {
	d := DigestOf([]byte("cadence"))
	if d.IsZero() {
		t.Fatalf("DigestOf returned zero digest")
	}
	if DigestOf([]byte("cadence")) != d {
		t.Errorf("DigestOf is not deterministic")
	}

	parsed, err := DigestFromBase58(d.String())
	if err != nil {
		t.Fatalf("DigestFromBase58 failed: %v", err)
	}
	if parsed != d {
		t.Errorf("DigestFromBase58(String()) = %s, want %s", parsed, d)
	}

	var text Digest
	raw, _ := d.MarshalText()
	if err := text.UnmarshalText(raw); err != nil || text != d {
		t.Errorf("UnmarshalText = %s, %v; want %s", text, err, d)
	}

	if _, err := DigestFromBytes(make([]byte, 5)); !errors.Is(err, ErrInvalidDigest) {
		t.Errorf("DigestFromBytes(short) error = %v, want ErrInvalidDigest", err)
	}
	if len(d.Hex()) != 2*DigestSize {
		t.Errorf("Hex() length = %d", len(d.Hex()))
	}
}

// TestScriptKey tests script name normalization.
func TestScriptKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"Lib.INT", "lib", false},
		{"scripts\\Door", "scripts/door", false},
		{" a/../b ", "b", false},
		{"", "", true},
		{".int", "", true},
		{"bad\x00name", "", true},
	}

	for _, tt := range tests {
		got, err := ScriptKey(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ScriptKey(%q) error = %v, want error %v", tt.in, err, tt.err)
			continue
		}
		if got != tt.want {
			t.Errorf("ScriptKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
