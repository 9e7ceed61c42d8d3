package stream

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const defaultHeartbeat = 30 * time.Second

// Authenticator resolves the calling user of a request.
type Authenticator interface {
	UserIDFromRequest(r *http.Request) (string, error)
}

// Handler serves the event stream of a project.
type Handler struct {
	Hub       *Hub
	Auth      Authenticator
	Access    domain.ProjectAccess
	Logger    *log.Logger
	Heartbeat time.Duration
}

// Register mounts the stream route on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/api/projects/:projectId/stream", h.serve)
}

func (h *Handler) serve(c echo.Context) error {
	req := c.Request()
	userID, err := h.Auth.UserIDFromRequest(req)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	projectID := c.Param("projectId")
	ok, err := h.Access.HasProjectAccess(req.Context(), userID, projectID)
	switch {
	case errors.Is(err, domain.ErrProjectNotFound):
		return c.String(http.StatusNotFound, "Project not found")
	case err != nil:
		h.Logger.WithError(err).WithField("projectId", projectID).Error("stream access check failed")
		return c.String(http.StatusInternalServerError, "Server error")
	case !ok:
		return c.String(http.StatusForbidden, "Access denied")
	}

	res := c.Response()
	flusher, canFlush := res.Writer.(http.Flusher)
	if !canFlush {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	sub := h.Hub.Join(projectID, userID)
	defer h.Hub.Leave(sub)
	entry := h.Logger.WithFields(log.Fields{"projectId": projectID, "userId": userID})
	entry.Debug("stream opened")
	defer entry.Debug("stream closed")

	// flush headers before the first event
	if _, err := res.Write([]byte(":ok\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	ctx := req.Context()
	for {
		select {
		case f := <-sub.Frames():
			if _, err := res.Write(encodeFrame(f)); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := res.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func encodeFrame(f Frame) []byte {
	buf := make([]byte, 0, len(f.Event)+len(f.Data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, f.Event...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, f.Data...)
	buf = append(buf, "\n\n"...)
	return buf
}
