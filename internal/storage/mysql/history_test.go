package mysql

import (
	"context"
	"testing"
)

func TestMemoryHistorySaveAndList(t *testing.T) {
	repo, err := NewMemoryHistoryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := repo.Save(context.Background(), ExecutionRecord{
			RequestID: "req-" + string(rune('a'+i)),
			ActionID:  i,
			State:     "confirmed",
			CreatedAt: int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	records, err := repo.ListLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// 最新的记录排在最前。
	if records[0].RequestID != "req-c" {
		t.Fatalf("wrong ordering: %+v", records)
	}
}

func TestMemoryHistoryRestoresFromDisk(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewMemoryHistoryRepository(dir)
	if err != nil {
		t.Fatalf("new repository failed: %v", err)
	}
	if err := repo.Save(context.Background(), ExecutionRecord{RequestID: "persist", State: "failed"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	restored, err := NewMemoryHistoryRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	records, err := restored.ListLatest(context.Background(), 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].RequestID != "persist" {
		t.Fatalf("restore lost data: %+v", records)
	}
}
