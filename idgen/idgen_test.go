package idgen

import (
	"strings"
	"testing"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = true
	}
}

func TestNewIsSortable(t *testing.T) {
	// UUIDv7 embeds a millisecond timestamp — ids generated in sequence
	// must never sort before an earlier one.
	prev := New()
	for i := 0; i < 100; i++ {
		cur := New()
		if cur < prev {
			t.Fatalf("id %s sorts before earlier id %s", cur, prev)
		}
		prev = cur
	}
}

func TestNanoID(t *testing.T) {
	gen := NanoID(12)
	id := gen()
	if len(id) != 12 {
		t.Fatalf("expected length 12, got %d (%q)", len(id), id)
	}
	if gen() == gen() {
		t.Fatal("expected distinct ids")
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("doc_", NanoID(8))
	id := gen()
	if !strings.HasPrefix(id, "doc_") {
		t.Fatalf("expected doc_ prefix, got %q", id)
	}
	if len(id) != 12 {
		t.Fatalf("expected length 12, got %d", len(id))
	}
}
