package goals

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"proman-api/domain"
	"proman-api/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.MemStore) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)
	store := storage.NewMemStore()
	return NewEngine(store, logger), store
}

func insertTask(t *testing.T, store *storage.MemStore, task domain.Task) string {
	t.Helper()
	data, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	id, err := store.Insert(context.Background(), storage.Tasks, data)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return id
}

func updateTask(t *testing.T, store *storage.MemStore, task domain.Task) {
	t.Helper()
	data, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	if err := store.Update(context.Background(), storage.Tasks, task.ID, data); err != nil {
		t.Fatalf("update task: %v", err)
	}
}

func TestTaskStatusChangeCascade(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	t1 := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "a", Status: domain.TaskTodo})
	t2 := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "b", Status: domain.TaskTodo})

	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "grow",
		Category:  domain.CategoryFinancial,
		KeyResults: []domain.KeyResult{
			{Title: "revenue", Weight: 50, Kind: domain.KindMetric, TargetValue: 100},
			{Title: "ship", Weight: 50, Kind: domain.KindTaskLinked, LinkedTaskIDs: []string{t1, t2}},
		},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	obj, err := engine.GetObjective(ctx, objID)
	if err != nil {
		t.Fatalf("get objective: %v", err)
	}
	metricKR := obj.KeyResults[0].ID
	linkedKR := obj.KeyResults[1].ID

	// Move t1 to done and fire the cascade.
	updateTask(t, store, domain.Task{
		ID: t1, ProjectID: "p1", Title: "a", Status: domain.TaskDone,
		GoalLink: &domain.GoalLink{ObjectiveID: objID, KeyResultID: linkedKR},
	})
	if err := engine.OnTaskStatusChanged(ctx, t1, domain.TaskTodo, domain.TaskDone); err != nil {
		t.Fatalf("cascade: %v", err)
	}

	obj, err = engine.GetObjective(ctx, objID)
	if err != nil {
		t.Fatalf("get objective: %v", err)
	}
	if got := obj.KeyResult(linkedKR).Progress; got != 50 {
		t.Fatalf("linked KR progress = %v, want 50", got)
	}
	// Weighted: (0*50 + 50*50) / 100 = 25 -> behind.
	if obj.WeightedScore != 2500 || obj.TotalWeight != 100 || obj.ProgressPercent != 25 {
		t.Fatalf("roll-up = %v/%v = %v, want 2500/100 = 25", obj.WeightedScore, obj.TotalWeight, obj.ProgressPercent)
	}
	if obj.Status != domain.StatusBehind {
		t.Fatalf("status = %v, want behind", obj.Status)
	}

	// Push the metric over target; progress clamps at 100 and the objective
	// crosses onto on_track: (100*50 + 50*50) / 100 = 75.
	if err := engine.UpdateManualMetric(ctx, objID, metricKR, 150); err != nil {
		t.Fatalf("update metric: %v", err)
	}
	obj, _ = engine.GetObjective(ctx, objID)
	if got := obj.KeyResult(metricKR).Progress; got != 100 {
		t.Fatalf("metric progress = %v, want clamped 100", got)
	}
	if obj.ProgressPercent != 75 || obj.Status != domain.StatusOnTrack {
		t.Fatalf("roll-up = %v/%v, want 75/on_track", obj.ProgressPercent, obj.Status)
	}
}

func TestCascadeSkipsNonDoneTransitions(t *testing.T) {
	engine, _ := newTestEngine(t)
	// Neither side of the move is done, so the task is never even loaded.
	if err := engine.OnTaskStatusChanged(context.Background(), "ghost", domain.TaskTodo, domain.TaskInProgress); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestCascadeSkipsUnlinkedTask(t *testing.T) {
	engine, store := newTestEngine(t)
	id := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "a", Status: domain.TaskDone})
	if err := engine.OnTaskStatusChanged(context.Background(), id, domain.TaskTodo, domain.TaskDone); err != nil {
		t.Fatalf("expected no-op for unlinked task, got %v", err)
	}
}

func TestDeletedLinkedTasksShrinkDenominator(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	t1 := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "a", Status: domain.TaskDone})

	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "o",
		Category:  domain.CategoryInternal,
		KeyResults: []domain.KeyResult{
			{Title: "kr", Weight: 1, Kind: domain.KindTaskLinked, LinkedTaskIDs: []string{t1, "deleted-task"}},
		},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	obj, _ := engine.GetObjective(ctx, objID)
	krID := obj.KeyResults[0].ID

	if err := engine.RecalculateKeyResultProgress(ctx, objID, krID); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	obj, _ = engine.GetObjective(ctx, objID)
	if got := obj.KeyResult(krID).Progress; got != 100 {
		t.Fatalf("progress = %v, want 100 with the dead link dropped", got)
	}
}

func TestRecalculateSkipsMetricKeyResult(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "o",
		Category:  domain.CategoryCustomer,
		KeyResults: []domain.KeyResult{
			{Title: "kr", Weight: 1, Kind: domain.KindMetric, TargetValue: 10},
		},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	obj, _ := engine.GetObjective(ctx, objID)
	if err := engine.RecalculateKeyResultProgress(ctx, objID, obj.KeyResults[0].ID); err != nil {
		t.Fatalf("expected no-op for metric key result, got %v", err)
	}
}

func TestUpdateManualMetricRejectsTaskLinked(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "o",
		Category:  domain.CategoryLearning,
		KeyResults: []domain.KeyResult{
			{Title: "kr", Weight: 1, Kind: domain.KindTaskLinked, LinkedTaskIDs: []string{"t1"}},
		},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	obj, _ := engine.GetObjective(ctx, objID)
	err = engine.UpdateManualMetric(ctx, objID, obj.KeyResults[0].ID, 5)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRecalculateObjectiveWithoutKeyResults(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "empty",
		Category:  domain.CategoryFinancial,
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	before, _ := engine.GetObjective(ctx, objID)
	if err := engine.RecalculateObjectiveProgress(ctx, objID); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	after, _ := engine.GetObjective(ctx, objID)
	if after.UpdatedAt != before.UpdatedAt || after.Status != before.Status {
		t.Fatal("objective without key results must be left untouched")
	}
}

func TestKeyResultWeightMaintenance(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "o",
		Category:  domain.CategoryFinancial,
		KeyResults: []domain.KeyResult{
			{Title: "a", Weight: 30, Kind: domain.KindMetric, TargetValue: 10},
		},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}

	krID, err := engine.AddKeyResult(ctx, objID, domain.KeyResult{Title: "b", Weight: 70, Kind: domain.KindTaskLinked})
	if err != nil {
		t.Fatalf("add key result: %v", err)
	}
	obj, _ := engine.GetObjective(ctx, objID)
	if obj.TotalWeight != 100 {
		t.Fatalf("total weight = %v, want 100", obj.TotalWeight)
	}

	if err := engine.UpdateKeyResult(ctx, objID, domain.KeyResult{ID: krID, Title: "b", Weight: 20, Kind: domain.KindTaskLinked}); err != nil {
		t.Fatalf("update key result: %v", err)
	}
	obj, _ = engine.GetObjective(ctx, objID)
	if obj.TotalWeight != 50 {
		t.Fatalf("total weight = %v, want 50", obj.TotalWeight)
	}

	if err := engine.DeleteKeyResult(ctx, objID, krID); err != nil {
		t.Fatalf("delete key result: %v", err)
	}
	obj, _ = engine.GetObjective(ctx, objID)
	if obj.TotalWeight != 30 {
		t.Fatalf("total weight = %v, want 30", obj.TotalWeight)
	}
}

func TestRecalculateProjectObjectives(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	t1 := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "a", Status: domain.TaskDone})

	for _, title := range []string{"o1", "o2"} {
		if _, err := engine.CreateObjective(ctx, domain.Objective{
			ProjectID: "p1",
			Title:     title,
			Category:  domain.CategoryInternal,
			KeyResults: []domain.KeyResult{
				{Title: "kr", Weight: 1, Kind: domain.KindTaskLinked, LinkedTaskIDs: []string{t1}},
			},
		}); err != nil {
			t.Fatalf("create objective %s: %v", title, err)
		}
	}

	if err := engine.RecalculateProjectObjectives(ctx, "p1"); err != nil {
		t.Fatalf("recalculate project: %v", err)
	}
	objs, err := engine.ListProjectObjectives(ctx, "p1", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 objectives, got %d", len(objs))
	}
	for _, obj := range objs {
		if obj.ProgressPercent != 100 || obj.Status != domain.StatusOnTrack {
			t.Fatalf("objective %s roll-up = %v/%v, want 100/on_track", obj.Title, obj.ProgressPercent, obj.Status)
		}
	}
}

func TestCreateObjectiveValidatesCategory(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.CreateObjective(context.Background(), domain.Objective{Title: "x", Category: "vibes"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCascadeReversesWhenTaskReopened(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	t1 := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "a", Status: domain.TaskTodo})
	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "ship",
		Category:  domain.CategoryCustomer,
		KeyResults: []domain.KeyResult{
			{Title: "kr", Weight: 100, Kind: domain.KindTaskLinked, LinkedTaskIDs: []string{t1}},
		},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	obj, _ := engine.GetObjective(ctx, objID)
	krID := obj.KeyResults[0].ID
	link := &domain.GoalLink{ObjectiveID: objID, KeyResultID: krID}

	updateTask(t, store, domain.Task{ID: t1, ProjectID: "p1", Title: "a", Status: domain.TaskDone, GoalLink: link})
	if err := engine.OnTaskStatusChanged(ctx, t1, domain.TaskTodo, domain.TaskDone); err != nil {
		t.Fatalf("cascade done: %v", err)
	}
	obj, _ = engine.GetObjective(ctx, objID)
	if obj.ProgressPercent != 100 {
		t.Fatalf("progress after done = %v, want 100", obj.ProgressPercent)
	}

	// Dragging the task back out of done walks the same numbers back down.
	updateTask(t, store, domain.Task{ID: t1, ProjectID: "p1", Title: "a", Status: domain.TaskInProgress, GoalLink: link})
	if err := engine.OnTaskStatusChanged(ctx, t1, domain.TaskDone, domain.TaskInProgress); err != nil {
		t.Fatalf("cascade reopen: %v", err)
	}
	obj, _ = engine.GetObjective(ctx, objID)
	if obj.ProgressPercent != 0 || obj.Status != domain.StatusBehind {
		t.Fatalf("roll-up after reopen = %v/%v, want 0/behind", obj.ProgressPercent, obj.Status)
	}
}

func TestRecalculationIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	t1 := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "a", Status: domain.TaskDone})
	t2 := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "b", Status: domain.TaskTodo})
	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "steady",
		Category:  domain.CategoryLearning,
		KeyResults: []domain.KeyResult{
			{Title: "kr", Weight: 40, Kind: domain.KindTaskLinked, LinkedTaskIDs: []string{t1, t2}},
		},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	obj, _ := engine.GetObjective(ctx, objID)
	krID := obj.KeyResults[0].ID

	for i := 0; i < 3; i++ {
		if err := engine.RecalculateKeyResultProgress(ctx, objID, krID); err != nil {
			t.Fatalf("recalc KR (run %d): %v", i, err)
		}
		if err := engine.RecalculateObjectiveProgress(ctx, objID); err != nil {
			t.Fatalf("recalc objective (run %d): %v", i, err)
		}
		obj, _ = engine.GetObjective(ctx, objID)
		if obj.KeyResults[0].Progress != 50 || obj.ProgressPercent != 50 || obj.Status != domain.StatusAtRisk {
			t.Fatalf("run %d drifted: %+v", i, obj)
		}
	}
}

func TestUpdateKeyResultRederivesProgress(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	objID, err := engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1",
		Title:     "o",
		Category:  domain.CategoryFinancial,
		KeyResults: []domain.KeyResult{
			{Title: "rev", Weight: 100, Kind: domain.KindMetric, TargetValue: 100},
		},
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	obj, _ := engine.GetObjective(ctx, objID)
	krID := obj.KeyResults[0].ID

	if err := engine.UpdateManualMetric(ctx, objID, krID, 80); err != nil {
		t.Fatalf("update metric: %v", err)
	}

	// Zeroing the current value must really reset the progress.
	if err := engine.UpdateKeyResult(ctx, objID, domain.KeyResult{
		ID: krID, Title: "rev", Weight: 100, Kind: domain.KindMetric, TargetValue: 100, CurrentValue: 0,
	}); err != nil {
		t.Fatalf("update key result: %v", err)
	}
	obj, _ = engine.GetObjective(ctx, objID)
	if obj.KeyResults[0].Progress != 0 {
		t.Fatalf("progress = %v, want 0 after reset", obj.KeyResults[0].Progress)
	}

	// Switching the key result to task-linked derives from the linked set.
	done := insertTask(t, store, domain.Task{ProjectID: "p1", Title: "a", Status: domain.TaskDone})
	if err := engine.UpdateKeyResult(ctx, objID, domain.KeyResult{
		ID: krID, Title: "rev", Weight: 100, Kind: domain.KindTaskLinked, LinkedTaskIDs: []string{done},
	}); err != nil {
		t.Fatalf("update key result: %v", err)
	}
	obj, _ = engine.GetObjective(ctx, objID)
	if obj.KeyResults[0].Progress != 100 {
		t.Fatalf("progress = %v, want 100 from linked task", obj.KeyResults[0].Progress)
	}
}

func TestListProjectObjectivesCategoryComposesWithLimit(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	// Two internal objectives sort first by title, so a post-query filter
	// over a 2-item page would miss the financial one entirely.
	for _, obj := range []domain.Objective{
		{ProjectID: "p1", Title: "alpha", Category: domain.CategoryInternal},
		{ProjectID: "p1", Title: "beta", Category: domain.CategoryInternal},
		{ProjectID: "p1", Title: "gamma", Category: domain.CategoryFinancial},
	} {
		if _, err := engine.CreateObjective(ctx, obj); err != nil {
			t.Fatalf("create objective: %v", err)
		}
	}

	objs, err := engine.ListProjectObjectives(ctx, "p1", domain.CategoryFinancial, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 1 || objs[0].Title != "gamma" {
		t.Fatalf("category page = %+v, want just gamma", objs)
	}

	objs, err = engine.ListAvailableObjectives(ctx, "p1", domain.CategoryInternal, 0)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 internal objectives, got %+v", objs)
	}
}
