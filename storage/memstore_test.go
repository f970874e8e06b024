package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"proman-api/domain"
)

func mustInsert(t *testing.T, store *MemStore, collection string, doc any) string {
	t.Helper()
	data, err := sonic.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	id, err := store.Insert(context.Background(), collection, data)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	id := mustInsert(t, store, Tasks, domain.Task{Title: "write docs", ProjectID: "p1", Status: domain.TaskTodo})

	doc, err := store.GetByID(ctx, Tasks, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var task domain.Task
	if err := sonic.Unmarshal(doc.Data, &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID != id || task.Title != "write docs" {
		t.Fatalf("unexpected task: %+v", task)
	}

	task.Status = domain.TaskDone
	data, _ := sonic.Marshal(task)
	if err := store.Update(ctx, Tasks, id, data); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := store.Delete(ctx, Tasks, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetByID(ctx, Tasks, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, Tasks, id); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestMemStoreUpdateMissing(t *testing.T) {
	store := NewMemStore()
	err := store.Update(context.Background(), Tasks, "nope", []byte(`{}`))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemStoreQueryFilters(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	a := mustInsert(t, store, Tasks, domain.Task{Title: "b-task", ProjectID: "p1", Status: domain.TaskDone})
	mustInsert(t, store, Tasks, domain.Task{Title: "a-task", ProjectID: "p1", Status: domain.TaskTodo})
	mustInsert(t, store, Tasks, domain.Task{Title: "other", ProjectID: "p2", Status: domain.TaskDone})

	docs, err := store.Query(ctx, Tasks, []Filter{Eq("projectId", "p1")}, "title", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 tasks for p1, got %d", len(docs))
	}
	var first domain.Task
	_ = sonic.Unmarshal(docs[0].Data, &first)
	if first.Title != "a-task" {
		t.Fatalf("expected title ordering, got %q first", first.Title)
	}

	docs, err = store.Query(ctx, Tasks, []Filter{Eq("projectId", "p1"), Eq("status", "done")}, "", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != a {
		t.Fatalf("expected only the done p1 task, got %+v", docs)
	}

	docs, err = store.Query(ctx, Tasks, []Filter{In("id", []string{a, "ghost"})}, "", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != a {
		t.Fatalf("expected deleted ids to be dropped, got %+v", docs)
	}

	docs, err = store.Query(ctx, Tasks, []Filter{Eq("projectId", "p1")}, "title", 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(docs))
	}
}

func TestMemStoreAtomicBatchRollback(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	subID := mustInsert(t, store, Subtasks, domain.Subtask{Title: "s", ActualSeconds: 10})

	ops := []BatchOp{
		{Collection: TimeLogs, Kind: BatchInsert, Data: []byte(`{"seconds":60}`)},
		{Collection: Subtasks, Kind: BatchUpdate, ID: subID, Data: []byte(`{"actualSeconds":70}`)},
		{Collection: Tasks, Kind: BatchUpdate, ID: "missing-task", Data: []byte(`{}`)},
	}
	err := store.AtomicBatch(ctx, ops)
	if err == nil {
		t.Fatal("expected batch to fail")
	}
	var awErr *domain.AtomicWriteError
	if !errors.As(err, &awErr) {
		t.Fatalf("expected AtomicWriteError, got %T: %v", err, err)
	}

	// Nothing from the failed batch may be visible.
	logs, err := store.Query(ctx, TimeLogs, nil, "", 0)
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no time logs after rollback, got %d", len(logs))
	}
	doc, err := store.GetByID(ctx, Subtasks, subID)
	if err != nil {
		t.Fatalf("get subtask: %v", err)
	}
	var sub domain.Subtask
	_ = sonic.Unmarshal(doc.Data, &sub)
	if sub.ActualSeconds != 10 {
		t.Fatalf("subtask counter must be unchanged, got %d", sub.ActualSeconds)
	}
}

func TestMemStoreAtomicBatchCommit(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	subID := mustInsert(t, store, Subtasks, domain.Subtask{Title: "s", ActualSeconds: 10})
	ops := []BatchOp{
		{Collection: TimeLogs, Kind: BatchInsert, Data: []byte(`{"seconds":60}`)},
		{Collection: Subtasks, Kind: BatchUpdate, ID: subID, Data: []byte(`{"actualSeconds":70}`)},
	}
	if err := store.AtomicBatch(ctx, ops); err != nil {
		t.Fatalf("batch: %v", err)
	}
	logs, _ := store.Query(ctx, TimeLogs, nil, "", 0)
	if len(logs) != 1 {
		t.Fatalf("expected one time log, got %d", len(logs))
	}
}

func TestMemStoreSubscribe(t *testing.T) {
	store := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := store.Subscribe(ctx, Tasks, []Filter{Eq("projectId", "p1")}, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	waitSnapshot := func(want int) []Document {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case docs, ok := <-sub.Updates():
				if !ok {
					t.Fatal("subscription closed early")
				}
				if len(docs) == want {
					return docs
				}
			case <-deadline:
				t.Fatalf("timed out waiting for snapshot of %d docs", want)
			}
		}
	}

	waitSnapshot(0)
	mustInsert(t, store, Tasks, domain.Task{Title: "t", ProjectID: "p1"})
	waitSnapshot(1)
}

func TestMemStoreFakeClock(t *testing.T) {
	store := NewMemStore()
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.SetClock(func() time.Time { return frozen })
	if got := store.ServerNow(); !got.Equal(frozen) {
		t.Fatalf("expected frozen clock, got %v", got)
	}
}
