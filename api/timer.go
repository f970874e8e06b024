package api

import (
	"context"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"proman-api/domain"
	"proman-api/storage"
	"proman-api/timer"
)

func registerTimerRoutes(e *echo.Echo, s *Server) {
	e.GET("/api/timer", getTimer(s))
	e.GET("/api/timer/stream", streamTimer(s))
	e.POST("/api/timer/start", startTimer(s))
	e.POST("/api/timer/stop", stopTimer(s))
	e.POST("/api/timer/force-stop", forceStopTimer(s))
}

// timerManager resolves the caller's manager and adopts any timer persisted
// on the user document that the in-process manager has not seen yet, as
// after a restart.
func timerManager(ctx context.Context, s *Server, userID string) *timer.Manager {
	m := s.Timers.ForUser(userID)
	if m.State().Active != nil {
		return m
	}
	doc, err := s.Store.GetByID(ctx, storage.Users, userID)
	if err != nil {
		return m
	}
	var user domain.User
	if err := sonic.Unmarshal(doc.Data, &user); err != nil {
		return m
	}
	if user.ActiveTimer != nil {
		m.Load(user.ActiveTimer)
	}
	return m
}

func getTimer(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, s)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		m := timerManager(c.Request().Context(), s, userID)
		return c.JSON(http.StatusOK, m.State())
	}
}

type startTimerRequest struct {
	TaskID    string `json:"taskId"`
	SubtaskID string `json:"subtaskId"`
	ProjectID string `json:"projectId"`
}

func startTimer(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, s)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req startTimerRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.TaskID == "" || req.SubtaskID == "" {
			return c.String(http.StatusBadRequest, "taskId and subtaskId are required")
		}
		ctx := c.Request().Context()
		m := timerManager(ctx, s, userID)
		if err := m.Start(ctx, req.TaskID, req.SubtaskID, req.ProjectID); err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusOK, m.State())
	}
}

func stopTimer(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, s)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ctx := c.Request().Context()
		m := timerManager(ctx, s, userID)
		if err := m.Stop(ctx); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func forceStopTimer(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, s)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ctx := c.Request().Context()
		timerManager(ctx, s, userID).ForceStop(ctx)
		return c.NoContent(http.StatusNoContent)
	}
}

// sseAuthHeader lets EventSource clients, which cannot set headers, pass
// the bearer token as a query parameter instead.
func sseAuthHeader(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if h == "" {
		if token := c.QueryParam("token"); token != "" {
			h = "Bearer " + token
		}
	}
	return h
}

func sseStart(c echo.Context) (http.Flusher, error) {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, c.String(http.StatusInternalServerError, "stream unsupported")
	}
	return flusher, nil
}

func sseWrite(c echo.Context, flusher http.Flusher, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// streamTimer pushes timer state snapshots over SSE: one on connect, one
// per tick and one per lifecycle change.
func streamTimer(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := s.Auth.UserIDFromAuthHeader(sseAuthHeader(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ctx := c.Request().Context()
		m := timerManager(ctx, s, userID)

		flusher, err := sseStart(c)
		if err != nil {
			return err
		}
		states, cancel := m.Watch()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case state := <-states:
				if err := sseWrite(c, flusher, state); err != nil {
					c.Logger().Error(err)
					return err
				}
			}
		}
	}
}

// streamTasks pushes the project's task board over SSE, re-sending the full
// snapshot whenever the underlying collection changes.
func streamTasks(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := s.Auth.UserIDFromAuthHeader(sseAuthHeader(c)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ctx := c.Request().Context()

		sub, err := s.Watcher.Subscribe(ctx, storage.Tasks,
			[]storage.Filter{storage.Eq("projectId", c.Param("projectId"))}, 0)
		if err != nil {
			return writeDomainError(c, err)
		}
		defer sub.Close()

		flusher, err := sseStart(c)
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case docs, ok := <-sub.Updates():
				if !ok {
					return nil
				}
				tasks := make([]domain.Task, 0, len(docs))
				for _, doc := range docs {
					var task domain.Task
					if err := sonic.Unmarshal(doc.Data, &task); err != nil {
						c.Logger().Error(err)
						return err
					}
					task.ID = doc.ID
					tasks = append(tasks, task)
				}
				if err := sseWrite(c, flusher, tasks); err != nil {
					c.Logger().Error(err)
					return err
				}
			}
		}
	}
}
