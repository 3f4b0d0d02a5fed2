package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryQuarantineEvictsOldest(t *testing.T) {
	q := NewMemoryQuarantine(3)

	for i := 0; i < 5; i++ {
		if err := q.Quarantine(context.Background(), QuarantineEntry{Line: fmt.Sprintf("line %d", i), Reason: "unparseable"}); err != nil {
			t.Fatalf("Quarantine() error = %v", err)
		}
	}

	entries := q.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Line != "line 2" || entries[2].Line != "line 4" {
		t.Errorf("entries = %v, want lines 2..4", entries)
	}
	for _, e := range entries {
		if e.ID == uuid.Nil || e.At.IsZero() {
			t.Errorf("entry %q was not stamped", e.Line)
		}
	}
}
