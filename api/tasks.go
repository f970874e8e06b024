package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"proman-api/domain"
	"proman-api/storage"
)

func registerTaskRoutes(e *echo.Echo, s *Server) {
	e.GET("/api/projects/:projectId/tasks", listTasks(s))
	e.GET("/api/projects/:projectId/tasks/stream", streamTasks(s))
	e.POST("/api/tasks", createTask(s))
	e.GET("/api/tasks/:id", getTask(s))
	e.PUT("/api/tasks/:id", updateTask(s))
	e.DELETE("/api/tasks/:id", deleteTask(s))
	e.PUT("/api/tasks/:id/status", updateTaskStatus(s))

	e.GET("/api/tasks/:id/subtasks", listSubtasks(s))
	e.POST("/api/tasks/:id/subtasks", createSubtask(s))
	e.PUT("/api/subtasks/:id", updateSubtask(s))
	e.DELETE("/api/subtasks/:id", deleteSubtask(s))

	e.GET("/api/time-logs", listTimeLogs(s))
}

func fetchTask(ctx context.Context, s *Server, id string) (domain.Task, error) {
	doc, err := s.Store.GetByID(ctx, storage.Tasks, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	var task domain.Task
	if err := sonic.Unmarshal(doc.Data, &task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	task.ID = doc.ID
	return task, nil
}

func saveTask(ctx context.Context, s *Server, task domain.Task) error {
	data, err := sonic.Marshal(task)
	if err != nil {
		return err
	}
	return s.Store.Update(ctx, storage.Tasks, task.ID, data)
}

func listTasks(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		filters := []storage.Filter{storage.Eq("projectId", c.Param("projectId"))}
		if status := c.QueryParam("status"); status != "" {
			if !domain.ValidTaskStatus(domain.TaskStatus(status)) {
				return c.String(http.StatusBadRequest, "unknown status")
			}
			filters = append(filters, storage.Eq("status", status))
		}
		docs, err := s.Store.Query(c.Request().Context(), storage.Tasks, filters, "title", 0)
		if err != nil {
			return writeDomainError(c, err)
		}
		tasks := make([]domain.Task, 0, len(docs))
		for _, doc := range docs {
			var task domain.Task
			if err := sonic.Unmarshal(doc.Data, &task); err != nil {
				return writeDomainError(c, err)
			}
			task.ID = doc.ID
			tasks = append(tasks, task)
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func createTask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var task domain.Task
		if err := decodeBody(c, &task); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if task.Title == "" || task.ProjectID == "" {
			return c.String(http.StatusBadRequest, "title and projectId are required")
		}
		if task.Status == "" {
			task.Status = domain.TaskTodo
		}
		if !domain.ValidTaskStatus(task.Status) {
			return c.String(http.StatusBadRequest, "unknown status")
		}
		if len(task.AssigneesPreview) > domain.MaxAssigneesPreview {
			task.AssigneesPreview = task.AssigneesPreview[:domain.MaxAssigneesPreview]
		}
		data, err := sonic.Marshal(task)
		if err != nil {
			return writeDomainError(c, err)
		}
		id, err := s.Store.Insert(c.Request().Context(), storage.Tasks, data)
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusCreated, idResponse{ID: id})
	}
}

func getTask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		task, err := fetchTask(c.Request().Context(), s, c.Param("id"))
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

type updateTaskRequest struct {
	Title            string           `json:"title"`
	AssigneesPreview []string         `json:"assigneesPreview"`
	GoalLink         *domain.GoalLink `json:"goalLink"`
}

// updateTask rewrites the descriptive fields. Status has its own route so
// the recalculation cascade cannot be bypassed.
func updateTask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req updateTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ctx := c.Request().Context()
		task, err := fetchTask(ctx, s, c.Param("id"))
		if err != nil {
			return writeDomainError(c, err)
		}
		task.Title = req.Title
		task.GoalLink = req.GoalLink
		task.AssigneesPreview = req.AssigneesPreview
		if len(task.AssigneesPreview) > domain.MaxAssigneesPreview {
			task.AssigneesPreview = task.AssigneesPreview[:domain.MaxAssigneesPreview]
		}
		if err := saveTask(ctx, s, task); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteTask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := s.Store.Delete(c.Request().Context(), storage.Tasks, c.Param("id")); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type updateStatusRequest struct {
	Status domain.TaskStatus `json:"status"`
}

// updateTaskStatus moves a task between columns and runs the goal
// recalculation cascade when the move crosses the done boundary.
func updateTaskStatus(s *Server) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newStatusRequestMetrics(ctx, s.Logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := authenticate(c, s)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		var req updateStatusRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		if !domain.ValidTaskStatus(req.Status) {
			metrics.SetErrorStage("invalid_status")
			err = c.String(http.StatusBadRequest, "unknown status")
			return err
		}

		storeStart := time.Now()
		task, fetchErr := fetchTask(ctx, s, c.Param("id"))
		if fetchErr != nil {
			metrics.ObserveStore(time.Since(storeStart))
			metrics.SetErrorStage("storage")
			err = writeDomainError(c, fetchErr)
			return err
		}
		oldStatus := task.Status
		task.Status = req.Status
		if saveErr := saveTask(ctx, s, task); saveErr != nil {
			metrics.ObserveStore(time.Since(storeStart))
			metrics.SetErrorStage("storage")
			err = writeDomainError(c, saveErr)
			return err
		}
		metrics.ObserveStore(time.Since(storeStart))
		metrics.SetStatusChange(string(oldStatus), string(req.Status))

		cascadeStart := time.Now()
		cascadeErr := s.Engine.OnTaskStatusChanged(ctx, task.ID, oldStatus, req.Status)
		metrics.ObserveCascade(time.Since(cascadeStart))
		if cascadeErr != nil {
			// The status write itself succeeded; surface the cascade failure
			// so the caller can trigger a project recalculation.
			metrics.SetErrorStage("cascade")
			err = writeDomainError(c, cascadeErr)
			return err
		}

		err = c.JSON(http.StatusOK, task)
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func listSubtasks(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		subs, err := fetchSubtasks(c.Request().Context(), s, c.Param("id"))
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusOK, subs)
	}
}

func fetchSubtasks(ctx context.Context, s *Server, taskID string) ([]domain.Subtask, error) {
	docs, err := s.Store.Query(ctx, storage.Subtasks, []storage.Filter{storage.Eq("taskId", taskID)}, "title", 0)
	if err != nil {
		return nil, err
	}
	subs := make([]domain.Subtask, 0, len(docs))
	for _, doc := range docs {
		var sub domain.Subtask
		if err := sonic.Unmarshal(doc.Data, &sub); err != nil {
			return nil, fmt.Errorf("decode subtask %s: %w", doc.ID, err)
		}
		sub.ID = doc.ID
		subs = append(subs, sub)
	}
	return subs, nil
}

// refreshTaskAggregates recomputes the parent task's cached roll-up from
// the live subtask set.
func refreshTaskAggregates(ctx context.Context, s *Server, taskID string) error {
	task, err := fetchTask(ctx, s, taskID)
	if err != nil {
		return err
	}
	subs, err := fetchSubtasks(ctx, s, taskID)
	if err != nil {
		return err
	}
	task.Aggregates = domain.Aggregate(subs)
	return saveTask(ctx, s, task)
}

func createSubtask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var sub domain.Subtask
		if err := decodeBody(c, &sub); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if sub.Title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		ctx := c.Request().Context()
		taskID := c.Param("id")
		task, err := fetchTask(ctx, s, taskID)
		if err != nil {
			return writeDomainError(c, err)
		}
		sub.TaskID = taskID
		sub.ProjectID = task.ProjectID
		if sub.Status == "" {
			sub.Status = domain.SubtaskTodo
		}
		data, err := sonic.Marshal(sub)
		if err != nil {
			return writeDomainError(c, err)
		}
		id, err := s.Store.Insert(ctx, storage.Subtasks, data)
		if err != nil {
			return writeDomainError(c, err)
		}
		if err := refreshTaskAggregates(ctx, s, taskID); err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusCreated, idResponse{ID: id})
	}
}

type updateSubtaskRequest struct {
	Title           string               `json:"title"`
	Status          domain.SubtaskStatus `json:"status"`
	Assignees       []string             `json:"assignees"`
	EstimateSeconds int64                `json:"estimateSeconds"`
}

func updateSubtask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req updateSubtaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Status != domain.SubtaskTodo && req.Status != domain.SubtaskDone {
			return c.String(http.StatusBadRequest, "unknown status")
		}
		ctx := c.Request().Context()
		doc, err := s.Store.GetByID(ctx, storage.Subtasks, c.Param("id"))
		if err != nil {
			return writeDomainError(c, err)
		}
		var sub domain.Subtask
		if err := sonic.Unmarshal(doc.Data, &sub); err != nil {
			return writeDomainError(c, err)
		}
		sub.ID = doc.ID
		sub.Title = req.Title
		sub.Status = req.Status
		sub.Assignees = req.Assignees
		sub.EstimateSeconds = req.EstimateSeconds
		data, err := sonic.Marshal(sub)
		if err != nil {
			return writeDomainError(c, err)
		}
		if err := s.Store.Update(ctx, storage.Subtasks, sub.ID, data); err != nil {
			return writeDomainError(c, err)
		}
		if err := refreshTaskAggregates(ctx, s, sub.TaskID); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteSubtask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ctx := c.Request().Context()
		doc, err := s.Store.GetByID(ctx, storage.Subtasks, c.Param("id"))
		if err != nil {
			return writeDomainError(c, err)
		}
		var sub domain.Subtask
		if err := sonic.Unmarshal(doc.Data, &sub); err != nil {
			return writeDomainError(c, err)
		}
		if err := s.Store.Delete(ctx, storage.Subtasks, doc.ID); err != nil {
			return writeDomainError(c, err)
		}
		if err := refreshTaskAggregates(ctx, s, sub.TaskID); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func listTimeLogs(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, s)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		filters := []storage.Filter{storage.Eq("userId", userID)}
		if taskID := c.QueryParam("taskId"); taskID != "" {
			filters = append(filters, storage.Eq("taskId", taskID))
		}
		if subtaskID := c.QueryParam("subtaskId"); subtaskID != "" {
			filters = append(filters, storage.Eq("subtaskId", subtaskID))
		}
		docs, err := s.Store.Query(c.Request().Context(), storage.TimeLogs, filters, "-createdAt", 0)
		if err != nil {
			return writeDomainError(c, err)
		}
		logs := make([]domain.TimeLog, 0, len(docs))
		for _, doc := range docs {
			var entry domain.TimeLog
			if err := sonic.Unmarshal(doc.Data, &entry); err != nil {
				return writeDomainError(c, err)
			}
			entry.ID = doc.ID
			logs = append(logs, entry)
		}
		return c.JSON(http.StatusOK, logs)
	}
}
