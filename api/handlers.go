package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"proman-api/domain"
	"proman-api/storage"
)

const defaultPageSize = 20

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, s *Server) {
	e.GET("/healthz", healthz(s))

	e.POST("/api/objectives", createObjective(s))
	e.GET("/api/objectives/:id", getObjective(s))
	e.PUT("/api/objectives/:id", updateObjective(s))
	e.DELETE("/api/objectives/:id", deleteObjective(s))
	e.POST("/api/objectives/:id/key-results", addKeyResult(s))
	e.PUT("/api/objectives/:id/key-results/:krId", updateKeyResult(s))
	e.DELETE("/api/objectives/:id/key-results/:krId", deleteKeyResult(s))
	e.PUT("/api/objectives/:id/key-results/:krId/metric", updateMetric(s))

	e.GET("/api/projects/:projectId/objectives", listObjectives(s))
	e.POST("/api/projects/:projectId/recalculate", recalculateProject(s))

	e.POST("/api/projects", createProject(s))
	e.GET("/api/projects", listProjects(s))
	e.GET("/api/projects/:projectId", getProject(s))

	registerTaskRoutes(e, s)
	registerTimerRoutes(e, s)
}

func healthz(_ *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// decodeBody reads the JSON request body, already size-capped by
// RequestBodyMiddleware; unknown fields are rejected so typos surface as
// 400s instead of silently dropped data.
func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(c echo.Context, err error) error {
	var awErr *domain.AtomicWriteError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthenticated):
		return c.String(http.StatusUnauthorized, err.Error())
	case errors.As(err, &awErr):
		return c.String(http.StatusInternalServerError, "write was rolled back: "+err.Error())
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, err.Error())
}

func authenticate(c echo.Context, s *Server) (string, error) {
	return s.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
}

func pageSizeParam(c echo.Context) (int, error) {
	raw := strings.TrimSpace(c.QueryParam("pageSize"))
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid page size")
	}
	return n, nil
}

type idResponse struct {
	ID string `json:"id"`
}

func createObjective(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var obj domain.Objective
		if err := decodeBody(c, &obj); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if obj.Title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		id, err := s.Engine.CreateObjective(c.Request().Context(), obj)
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusCreated, idResponse{ID: id})
	}
}

func getObjective(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		obj, err := s.Engine.GetObjective(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusOK, obj)
	}
}

func listObjectives(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		pageSize, err := pageSizeParam(c)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		ctx := c.Request().Context()
		projectID := c.Param("projectId")

		var category domain.ObjectiveCategory
		if raw := c.QueryParam("category"); raw != "" {
			category = domain.ObjectiveCategory(raw)
			if !domain.ValidCategory(category) {
				return c.String(http.StatusBadRequest, "unknown category")
			}
		}

		var objectives []domain.Objective
		if c.QueryParam("includeGlobal") == "1" {
			objectives, err = s.Engine.ListAvailableObjectives(ctx, projectID, category, pageSize)
		} else {
			objectives, err = s.Engine.ListProjectObjectives(ctx, projectID, category, pageSize)
		}
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusOK, objectives)
	}
}

type updateObjectiveRequest struct {
	Title       string                   `json:"title"`
	Description string                   `json:"description"`
	Category    domain.ObjectiveCategory `json:"category"`
}

func updateObjective(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req updateObjectiveRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := s.Engine.UpdateObjective(c.Request().Context(), c.Param("id"), req.Title, req.Description, req.Category); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteObjective(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := s.Engine.DeleteObjective(c.Request().Context(), c.Param("id")); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func addKeyResult(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var kr domain.KeyResult
		if err := decodeBody(c, &kr); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if kr.Weight <= 0 {
			return c.String(http.StatusBadRequest, "weight must be positive")
		}
		id, err := s.Engine.AddKeyResult(c.Request().Context(), c.Param("id"), kr)
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusCreated, idResponse{ID: id})
	}
}

func updateKeyResult(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var kr domain.KeyResult
		if err := decodeBody(c, &kr); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		kr.ID = c.Param("krId")
		if err := s.Engine.UpdateKeyResult(c.Request().Context(), c.Param("id"), kr); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteKeyResult(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if err := s.Engine.DeleteKeyResult(c.Request().Context(), c.Param("id"), c.Param("krId")); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type updateMetricRequest struct {
	CurrentValue float64 `json:"currentValue"`
}

func updateMetric(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req updateMetricRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := s.Engine.UpdateManualMetric(c.Request().Context(), c.Param("id"), c.Param("krId"), req.CurrentValue); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type recalculateResponse struct {
	Queued bool `json:"queued"`
}

// recalculateProject queues a background rebuild of the project's
// objectives. A project with a job already in flight is not queued twice.
func recalculateProject(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, s)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ctx := c.Request().Context()
		projectID := c.Param("projectId")

		if s.Deduper != nil {
			added, err := s.Deduper.Add(ctx, projectID)
			if err != nil {
				s.Logger.WithError(err).Warn("recalculation dedupe unavailable, queueing anyway")
			} else if !added {
				return c.JSON(http.StatusAccepted, recalculateResponse{Queued: false})
			}
		}

		if err := s.Queue.Enqueue(ctx, storage.RecalcJob{ProjectID: projectID, EnqueuedBy: userID}); err != nil {
			if s.Deduper != nil {
				if derr := s.Deduper.Remove(ctx, projectID); derr != nil {
					s.Logger.WithError(derr).Warn("release recalculation marker")
				}
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to queue recalculation")
		}
		return c.JSON(http.StatusAccepted, recalculateResponse{Queued: true})
	}
}

func createProject(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, s)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var project domain.Project
		if err := decodeBody(c, &project); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if project.Name == "" {
			return c.String(http.StatusBadRequest, "name is required")
		}
		ctx := c.Request().Context()
		project.OwnerID = userID
		project.CreatedAt = s.Store.ServerNow()
		data, err := sonic.Marshal(project)
		if err != nil {
			return writeDomainError(c, err)
		}
		id, err := s.Store.Insert(ctx, storage.Projects, data)
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusCreated, idResponse{ID: id})
	}
}

func listProjects(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		docs, err := s.Store.Query(c.Request().Context(), storage.Projects, nil, "name", 0)
		if err != nil {
			return writeDomainError(c, err)
		}
		projects := make([]domain.Project, 0, len(docs))
		for _, doc := range docs {
			var p domain.Project
			if err := sonic.Unmarshal(doc.Data, &p); err != nil {
				return writeDomainError(c, err)
			}
			p.ID = doc.ID
			projects = append(projects, p)
		}
		return c.JSON(http.StatusOK, projects)
	}
}

func getProject(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, s); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		doc, err := s.Store.GetByID(c.Request().Context(), storage.Projects, c.Param("projectId"))
		if err != nil {
			return writeDomainError(c, err)
		}
		var p domain.Project
		if err := sonic.Unmarshal(doc.Data, &p); err != nil {
			return writeDomainError(c, err)
		}
		p.ID = doc.ID
		return c.JSON(http.StatusOK, p)
	}
}
