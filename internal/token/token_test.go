package token

import (
	"encoding/hex"
	"testing"
)

func TestGenerate_hashMatchesRaw(t *testing.T) {
	raw, hashHex, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if raw == "" || hashHex == "" {
		t.Fatal("Generate returned empty token or hash")
	}
	rehash, err := Hash(raw)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if rehash != hashHex {
		t.Errorf("Hash(raw) = %q, want %q", rehash, hashHex)
	}
	decoded, err := hex.DecodeString(hashHex)
	if err != nil {
		t.Fatalf("hash should be valid hex: %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("SHA-256 hash should be 32 bytes, got %d", len(decoded))
	}
}

func TestGenerate_unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		raw, _, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[raw] {
			t.Fatalf("duplicate token generated: %q", raw)
		}
		seen[raw] = true
	}
}

func TestHash_rejectsMalformed(t *testing.T) {
	if _, err := Hash(""); err == nil {
		t.Error("empty token should be rejected")
	}
	if _, err := Hash("not base64url!!!"); err == nil {
		t.Error("non-base64url token should be rejected")
	}
}
