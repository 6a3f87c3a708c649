package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), limit)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := openTestStore(t, 10)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := store.Append(ctx, Record{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Total:        5,
			Success:      4,
			Failed:       1,
			DurationMs:   60000,
			OutputDir:    "/out",
			OutputFormat: "flac",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	// Newest first.
	if !records[0].Timestamp.After(records[1].Timestamp) {
		t.Errorf("records not newest-first: %v, %v", records[0].Timestamp, records[1].Timestamp)
	}
	if records[0].ID == "" {
		t.Error("blank ID should be filled in")
	}
	if records[0].Success != 4 || records[0].OutputFormat != "flac" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestAppendPrunesToLimit(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := store.Append(ctx, Record{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Total:     i + 1,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want pruned to 3", count)
	}

	records, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	// The oldest two runs were dropped.
	if records[len(records)-1].Total != 3 {
		t.Errorf("oldest surviving record = %+v", records[len(records)-1])
	}
}

func TestCancelledRoundTrip(t *testing.T) {
	store := openTestStore(t, 10)
	ctx := context.Background()

	if err := store.Append(ctx, Record{Cancelled: true, Total: 2, Success: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	records, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || !records[0].Cancelled {
		t.Errorf("records = %+v, want one cancelled run", records)
	}
}

func TestClear(t *testing.T) {
	store := openTestStore(t, 10)
	ctx := context.Background()

	if err := store.Append(ctx, Record{Total: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after clear", count)
	}
}
