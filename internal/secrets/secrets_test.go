package secrets

import (
	"encoding/hex"
	"strings"
	"testing"
)

func testKey() string {
	return hex.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func TestSealRoundTrip(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	sealed, err := box.Seal("pat-token-123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(string(sealed), "pat-token-123") {
		t.Fatal("sealed blob leaks plaintext")
	}

	got, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "pat-token-123" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestNewBoxRejectsBadKeys(t *testing.T) {
	if _, err := NewBox("zz"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
	if _, err := NewBox(hex.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	box, _ := NewBox(testKey())
	sealed, _ := box.Seal("secret")
	sealed[len(sealed)-1] ^= 0xff
	if _, err := box.Open(sealed); err == nil {
		t.Fatal("expected error for tampered blob")
	}
}
