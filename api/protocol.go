package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

const maxBodySize = 64 << 10

var errInvalidBody = errors.New("invalid body")

// envelope is the response shape shared by every task route.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type taskData struct {
	Task domain.Task `json:"task"`
}

type tasksData struct {
	Tasks []domain.Task `json:"tasks"`
}

type moveRequest struct {
	TaskID           string `json:"taskId"`
	Column           string `json:"column"`
	DestinationIndex *int   `json:"destinationIndex"`
}

// duplicateData points a replayed create at the task the first request made.
type duplicateData struct {
	TaskID string `json:"taskId"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, envelope{Success: false, Message: message})
}

// duplicateCreate answers a replayed create. taskID is empty while the first
// request is still running.
func duplicateCreate(c echo.Context, taskID string) error {
	env := envelope{Success: false, Message: "Duplicate request"}
	if taskID != "" {
		env.Data = duplicateData{TaskID: taskID}
	}
	return c.JSON(http.StatusConflict, env)
}

// statusFor maps service errors onto HTTP status codes and client messages.
// Store failures are reported without their cause.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound, "Task not found"
	case errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusNotFound, "Project not found"
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden, "Access denied"
	case errors.Is(err, domain.ErrInvalidColumn):
		return http.StatusBadRequest, "Invalid column"
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, "Invalid request body"
	case domain.IsValidation(err):
		return http.StatusBadRequest, "Invalid task"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, "Task was modified concurrently, please retry"
	default:
		return http.StatusInternalServerError, "Server error"
	}
}

// decodeBody reads a JSON body of bounded size into v.
func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	if err := sonic.ConfigStd.NewDecoder(lr).Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}

// SonicSerializer is an echo.JSONSerializer backed by sonic.
type SonicSerializer struct{}

func (SonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (SonicSerializer) Deserialize(c echo.Context, i any) error {
	err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body").SetInternal(err)
	}
	return nil
}
