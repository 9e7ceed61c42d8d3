package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Tasks is the task service surface used by the HTTP layer.
type Tasks interface {
	Get(ctx context.Context, userID, taskID string) (domain.Task, error)
	List(ctx context.Context, userID, projectID string) ([]domain.Task, error)
	Create(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error)
	Update(ctx context.Context, userID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	Move(ctx context.Context, userID string, intent domain.MoveIntent) (domain.MoveResult, error)
	Delete(ctx context.Context, userID, taskID string) error
}

// Profiles stores the caller's own profile for task expansion.
type Profiles interface {
	UpsertUser(ctx context.Context, u domain.UserRef) error
}

// Deps are the collaborators of the task routes. Deduper, Profiles and Health
// are optional.
type Deps struct {
	Tasks    Tasks
	Auth     Authenticator
	Deduper  Deduper
	Profiles Profiles
	Health   func(ctx context.Context) error
	Logger   *log.Logger
}

// Register wires up all task routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	g := e.Group("/api", DecodeRequestBody())
	g.GET("/projects/:projectId/tasks", listTasks(d))
	g.POST("/tasks", createTask(d))
	g.GET("/tasks/:id", getTask(d))
	g.PUT("/tasks/:id", updateTask(d))
	g.PUT("/tasks/:id/move", moveTask(d))
	g.DELETE("/tasks/:id", deleteTask(d))
	if d.Profiles != nil {
		g.PUT("/users/me", putProfile(d))
	}
	e.GET("/healthz", healthz(d))
}

func healthz(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if d.Health != nil {
			if err := d.Health(c.Request().Context()); err != nil {
				d.Logger.WithError(err).Warn("health check failed")
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handle runs fn with authentication, tracing and request metrics around it.
func handle(d Deps, route string, fn func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), d.Logger, c.Request().Method, route)
		c.SetRequest(c.Request().WithContext(ctx))
		var cause error
		defer func() {
			metrics.Log(c.Response().Status, cause)
		}()

		authStart := time.Now()
		userID, authErr := d.Auth.UserIDFromRequest(c.Request())
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			cause = authErr
			return fail(c, http.StatusUnauthorized, authErr.Error())
		}
		metrics.SetUser(userID)

		serviceStart := time.Now()
		serr := fn(ctx, c, userID, metrics)
		metrics.ObserveService(time.Since(serviceStart))
		if serr == nil {
			return nil
		}
		cause = serr
		status, msg := statusFor(serr)
		if status >= http.StatusInternalServerError {
			metrics.SetErrorStage("service")
			d.Logger.WithError(serr).WithField("route", route).Error("request failed")
		} else {
			metrics.SetErrorStage("request")
		}
		return fail(c, status, msg)
	}
}

func listTasks(d Deps) echo.HandlerFunc {
	return handle(d, "/api/projects/:projectId/tasks", func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) error {
		projectID := c.Param("projectId")
		m.SetProject(projectID)
		tasks, err := d.Tasks.List(ctx, userID, projectID)
		if err != nil {
			return err
		}
		m.SetTasksReturned(len(tasks))
		return ok(c, http.StatusOK, tasksData{Tasks: tasks})
	})
}

func getTask(d Deps) echo.HandlerFunc {
	return handle(d, "/api/tasks/:id", func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) error {
		m.SetTask(c.Param("id"))
		task, err := d.Tasks.Get(ctx, userID, c.Param("id"))
		if err != nil {
			return err
		}
		return ok(c, http.StatusOK, taskData{Task: task})
	})
}

func createTask(d Deps) echo.HandlerFunc {
	return handle(d, "/api/tasks", func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) error {
		var in domain.NewTask
		if err := decodeBody(c, &in); err != nil {
			return err
		}
		m.SetProject(in.ProjectID)

		var key *CreateKey
		if in.IdempotencyKey != "" && d.Deduper != nil {
			k := CreateKey{ProjectID: strings.TrimSpace(in.ProjectID), UserID: userID, Key: in.IdempotencyKey}
			existing, reserved, err := d.Deduper.Reserve(ctx, k)
			switch {
			case err != nil:
				// Without Redis the create still goes through, just without dedupe.
				d.Logger.WithError(err).Warn("idempotency check failed")
			case !reserved:
				m.SetErrorStage("request")
				m.SetTask(existing)
				return duplicateCreate(c, existing)
			default:
				key = &k
			}
		}

		task, err := d.Tasks.Create(ctx, userID, in)
		if err != nil {
			if key != nil {
				if rerr := d.Deduper.Release(context.WithoutCancel(ctx), *key); rerr != nil {
					d.Logger.WithError(rerr).Warn("release idempotency key failed")
				}
			}
			return err
		}
		if key != nil {
			if cerr := d.Deduper.Complete(ctx, *key, task.ID); cerr != nil {
				d.Logger.WithError(cerr).WithField("task", task.ID).Warn("record idempotency key failed")
			}
		}
		m.SetTask(task.ID)
		return ok(c, http.StatusCreated, taskData{Task: task})
	})
}

func updateTask(d Deps) echo.HandlerFunc {
	return handle(d, "/api/tasks/:id", func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) error {
		m.SetTask(c.Param("id"))
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return err
		}
		task, err := d.Tasks.Update(ctx, userID, c.Param("id"), patch)
		if err != nil {
			return err
		}
		return ok(c, http.StatusOK, taskData{Task: task})
	})
}

func moveTask(d Deps) echo.HandlerFunc {
	return handle(d, "/api/tasks/:id/move", func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) error {
		taskID := c.Param("id")
		m.SetTask(taskID)
		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		if req.TaskID != "" && req.TaskID != taskID {
			return errInvalidBody
		}
		if req.Column == "" {
			return domain.ErrInvalidColumn
		}
		index := 0
		if req.DestinationIndex != nil {
			index = *req.DestinationIndex
		}
		m.SetMove(req.Column, index)

		res, err := d.Tasks.Move(ctx, userID, domain.MoveIntent{TaskID: taskID, Column: req.Column, DestinationIndex: index})
		if err != nil {
			return err
		}
		m.SetProject(res.Task.ProjectID)
		return ok(c, http.StatusOK, taskData{Task: res.Task})
	})
}

func deleteTask(d Deps) echo.HandlerFunc {
	return handle(d, "/api/tasks/:id", func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) error {
		m.SetTask(c.Param("id"))
		if err := d.Tasks.Delete(ctx, userID, c.Param("id")); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, envelope{Success: true, Message: "Task deleted successfully"})
	})
}

type profileRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func putProfile(d Deps) echo.HandlerFunc {
	return handle(d, "/api/users/me", func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) error {
		var req profileRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		u := domain.UserRef{ID: userID, Username: req.Username, Email: req.Email}
		if err := d.Profiles.UpsertUser(ctx, u); err != nil {
			return err
		}
		return ok(c, http.StatusOK, map[string]domain.UserRef{"user": u})
	})
}
