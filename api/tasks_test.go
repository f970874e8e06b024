package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"proman-api/domain"
	"proman-api/storage"
)

func seedTask(t *testing.T, s *testServer, task domain.Task) string {
	t.Helper()
	data, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	id, err := s.store.Insert(context.Background(), storage.Tasks, data)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return id
}

func loadTask(t *testing.T, s *testServer, id string) domain.Task {
	t.Helper()
	doc, err := s.store.GetByID(context.Background(), storage.Tasks, id)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	var task domain.Task
	if err := sonic.Unmarshal(doc.Data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	task.ID = doc.ID
	return task
}

func TestCreateTaskDefaultsAndCaps(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()

	body := `{"projectId":"p1","title":"ship it","assigneesPreview":["a","b","c","d","e"]}`
	rec := doJSON(t, e, createTask(s.Server), http.MethodPost, "/api/tasks", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	task := loadTask(t, s, decodeID(t, rec))
	if task.Status != domain.TaskTodo {
		t.Fatalf("status = %q, want todo", task.Status)
	}
	if len(task.AssigneesPreview) != domain.MaxAssigneesPreview {
		t.Fatalf("assignees preview = %v", task.AssigneesPreview)
	}
}

func TestCreateTaskRejectsUnknownStatus(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()
	rec := doJSON(t, e, createTask(s.Server), http.MethodPost, "/api/tasks",
		`{"projectId":"p1","title":"x","status":"archived"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()

	seedTask(t, s, domain.Task{ProjectID: "p1", Title: "a", Status: domain.TaskTodo})
	seedTask(t, s, domain.Task{ProjectID: "p1", Title: "b", Status: domain.TaskDone})
	seedTask(t, s, domain.Task{ProjectID: "p2", Title: "c", Status: domain.TaskDone})

	rec := doJSON(t, e, listTasks(s.Server), http.MethodGet, "/api/projects/p1/tasks?status=done", "", "projectId", "p1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var tasks []domain.Task
	_ = sonic.Unmarshal(rec.Body.Bytes(), &tasks)
	if len(tasks) != 1 || tasks[0].Title != "b" {
		t.Fatalf("tasks = %+v", tasks)
	}

	rec = doJSON(t, e, listTasks(s.Server), http.MethodGet, "/api/projects/p1/tasks?status=blocked", "", "projectId", "p1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown filter", rec.Code)
	}
}

func TestStatusRouteRunsCascade(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()
	ctx := context.Background()

	objID, err := s.Engine.CreateObjective(ctx, domain.Objective{
		ProjectID: "p1", Title: "launch", Category: domain.CategoryCustomer,
		KeyResults: []domain.KeyResult{{Title: "tasks", Weight: 100, Kind: domain.KindTaskLinked}},
	})
	if err != nil {
		t.Fatalf("seed objective: %v", err)
	}
	obj, _ := s.Engine.GetObjective(ctx, objID)
	krID := obj.KeyResults[0].ID

	taskID := seedTask(t, s, domain.Task{
		ProjectID: "p1", Title: "wire it", Status: domain.TaskInProgress,
		GoalLink: &domain.GoalLink{ObjectiveID: objID, KeyResultID: krID},
	})
	if err := s.Engine.UpdateKeyResult(ctx, objID, domain.KeyResult{
		ID: krID, Title: "tasks", Weight: 100, Kind: domain.KindTaskLinked, LinkedTaskIDs: []string{taskID},
	}); err != nil {
		t.Fatalf("link task: %v", err)
	}

	rec := doJSON(t, e, updateTaskStatus(s.Server), http.MethodPut,
		"/api/tasks/"+taskID+"/status", `{"status":"done"}`, "id", taskID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	obj, _ = s.Engine.GetObjective(ctx, objID)
	if obj.KeyResults[0].Progress != 100 || obj.ProgressPercent != 100 {
		t.Fatalf("cascade did not run: %+v", obj)
	}
	if obj.Status != domain.StatusOnTrack {
		t.Fatalf("objective status = %q", obj.Status)
	}
}

func TestStatusRouteRejectsUnknownStatus(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()
	taskID := seedTask(t, s, domain.Task{ProjectID: "p1", Title: "x", Status: domain.TaskTodo})

	rec := doJSON(t, e, updateTaskStatus(s.Server), http.MethodPut,
		"/api/tasks/"+taskID+"/status", `{"status":"parked"}`, "id", taskID)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if loadTask(t, s, taskID).Status != domain.TaskTodo {
		t.Fatal("task must not change on rejected status")
	}
}

func TestStatusRouteMissingTask(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()
	rec := doJSON(t, e, updateTaskStatus(s.Server), http.MethodPut,
		"/api/tasks/ghost/status", `{"status":"done"}`, "id", "ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSubtaskLifecycleRefreshesAggregates(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()
	taskID := seedTask(t, s, domain.Task{ProjectID: "p1", Title: "parent", Status: domain.TaskTodo})

	rec := doJSON(t, e, createSubtask(s.Server), http.MethodPost,
		"/api/tasks/"+taskID+"/subtasks", `{"title":"step 1","estimateSeconds":600}`, "id", taskID)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	subID := decodeID(t, rec)

	task := loadTask(t, s, taskID)
	if task.Aggregates.TotalSubtasks != 1 || task.Aggregates.TotalEstimateSeconds != 600 {
		t.Fatalf("aggregates after create = %+v", task.Aggregates)
	}

	rec = doJSON(t, e, updateSubtask(s.Server), http.MethodPut,
		"/api/subtasks/"+subID, `{"title":"step 1","status":"done","estimateSeconds":600}`, "id", subID)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update status = %d body=%s", rec.Code, rec.Body.String())
	}
	task = loadTask(t, s, taskID)
	if task.Aggregates.CompletedSubtasks != 1 {
		t.Fatalf("aggregates after done = %+v", task.Aggregates)
	}

	rec = doJSON(t, e, deleteSubtask(s.Server), http.MethodDelete,
		"/api/subtasks/"+subID, "", "id", subID)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	task = loadTask(t, s, taskID)
	if task.Aggregates.TotalSubtasks != 0 || task.Aggregates.TotalEstimateSeconds != 0 {
		t.Fatalf("aggregates after delete = %+v", task.Aggregates)
	}
}

func TestListTimeLogsScopedToUser(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()
	ctx := context.Background()

	for _, entry := range []domain.TimeLog{
		{UserID: "user-1", TaskID: "t1", SubtaskID: "s1", Seconds: 60},
		{UserID: "user-1", TaskID: "t2", SubtaskID: "s2", Seconds: 30},
		{UserID: "someone-else", TaskID: "t1", SubtaskID: "s1", Seconds: 99},
	} {
		data, _ := sonic.Marshal(entry)
		if _, err := s.store.Insert(ctx, storage.TimeLogs, data); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec := doJSON(t, e, listTimeLogs(s.Server), http.MethodGet, "/api/time-logs?taskId=t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var logs []domain.TimeLog
	_ = sonic.Unmarshal(rec.Body.Bytes(), &logs)
	if len(logs) != 1 || logs[0].Seconds != 60 {
		t.Fatalf("logs = %+v", logs)
	}
}
