package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if !IsUUID(plain) {
		t.Fatalf("expected a bare uuid, got %q", plain)
	}
	prefixed := NewID("req")
	if !strings.HasPrefix(prefixed, "req_") || !IsUUID(strings.TrimPrefix(prefixed, "req_")) {
		t.Fatalf("unexpected prefixed id %q", prefixed)
	}
	if NewID("") == plain {
		t.Fatal("expected ids to differ")
	}
}

func TestIsUUIDRejectsGarbage(t *testing.T) {
	for _, value := range []string{"", "abc", "1; DROP TABLE messages"} {
		if IsUUID(value) {
			t.Fatalf("IsUUID(%q) = true", value)
		}
	}
}
