package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID("rev")
		if !strings.HasPrefix(id, "rev_") {
			t.Fatalf("expected rev_ prefix, got %q", id)
		}
		if len(id) != len("rev_")+32 {
			t.Fatalf("unexpected id length %d for %q", len(id), id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewIDWithoutPrefix(t *testing.T) {
	id := NewID("")
	if strings.Contains(id, "_") || len(id) != 32 {
		t.Fatalf("unexpected bare id %q", id)
	}
}
