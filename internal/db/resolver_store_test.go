package db

import (
	"testing"

	"github.com/rawblock/expense-engine/internal/resolver"
)

func TestFilterUncachedDescriptions(t *testing.T) {
	descs := []string{
		"STARBUCKS #1234",
		"SQ *BLUE BOTTLE COFFEE",
		"STARBUCKS #5678",
		"DELTA AIR LINES",
		"   ",
	}
	cached := map[string]bool{
		resolver.Canonicalize("SQ *BLUE BOTTLE COFFEE"): true,
	}

	got := filterUncachedDescriptions(descs, cached)

	// Both Starbucks rows canonicalize to the same vendor, so only the
	// first survives; the cached coffee shop and the blank row are dropped.
	want := []string{"STARBUCKS #1234", "DELTA AIR LINES"}
	if len(got) != len(want) {
		t.Fatalf("filterUncachedDescriptions returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFilterUncachedDescriptionsKeyedByCanonicalForm(t *testing.T) {
	// The cache stores canonical forms, not lowercased raw descriptions. A
	// description whose canonical form is cached must not be re-enqueued
	// even though its raw text never appears in the cache.
	descs := []string{"POS STARBUCKS #1234"}
	cached := map[string]bool{"starbucks": true}

	if got := filterUncachedDescriptions(descs, cached); len(got) != 0 {
		t.Fatalf("expected no candidates for a cached vendor, got %v", got)
	}
}
