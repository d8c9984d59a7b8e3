// Package taskapi exposes the task example over HTTP.
package taskapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/romshark/plow"
	"github.com/romshark/plow/example/task"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// TaskResponse is the state of a task after a successful command.
type TaskResponse struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	Version     int64  `json:"version"`

	// Events lists the names of the events the command produced.
	Events []string `json:"events"`
}

type DescriptionRequest struct {
	Description string `json:"description"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

// Handler serves task commands and queries.
type Handler struct {
	log    *slog.Logger
	engine *plow.Engine
	repo   *plow.Repository[*task.Task]
	board  *task.Board
}

func NewHandler(
	log *slog.Logger, engine *plow.Engine,
	repo *plow.Repository[*task.Task], board *task.Board,
) *Handler {
	return &Handler{log: log, engine: engine, repo: repo, board: board}
}

// NewRouter creates the router serving h.
func NewRouter(h *Handler, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))

	r.GET("/healthz", h.Health)

	tasks := r.Group("/tasks")
	{
		tasks.POST("", h.Create)
		tasks.GET("", h.List)
		tasks.GET("/:id", h.Get)
		tasks.PUT("/:id/description", h.ChangeDescription)
		tasks.POST("/:id/complete", h.Complete)
		tasks.POST("/:id/reopen", h.Reopen)
	}
	return r
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

// fail maps domain errors onto HTTP responses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrEmptyDescription),
		errors.Is(err, task.ErrDescriptionTooLong):
		respondError(c, http.StatusBadRequest, "invalid_description", err)
	case errors.Is(err, task.ErrUnchanged):
		respondError(c, http.StatusConflict, "unchanged", err)
	case errors.Is(err, task.ErrAlreadyCompleted):
		respondError(c, http.StatusConflict, "already_completed", err)
	case errors.Is(err, task.ErrNotCompleted):
		respondError(c, http.StatusConflict, "not_completed", err)
	case errors.Is(err, plow.ErrAggregateNotFound):
		respondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, plow.ErrConcurrencyConflict):
		respondError(c, http.StatusConflict, "concurrency_conflict", err)
	default:
		h.log.Error("handling request",
			slog.String("path", c.FullPath()),
			slog.Any("err", err))
		respondError(c, http.StatusInternalServerError, "internal",
			errors.New("internal error"))
	}
}

func newTaskResponse(t *task.Task, saved []plow.Event) TaskResponse {
	names := make([]string, len(saved))
	for i, e := range saved {
		names[i] = e.Name()
	}
	return TaskResponse{
		ID:          t.ID(),
		Description: t.Description(),
		Completed:   t.Completed(),
		Version:     t.Version(),
		Events:      names,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: h.engine.VersionCached(),
	})
}

func (h *Handler) Create(c *gin.Context) {
	var req DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	t, err := task.Create(req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}
	saved, err := h.repo.Save(c.Request.Context(), t)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Location", "/tasks/"+t.ID())
	c.JSON(http.StatusCreated, newTaskResponse(t, saved))
}

func (h *Handler) List(c *gin.Context) {
	var filter task.Filter
	switch c.DefaultQuery("status", "all") {
	case "all":
		filter = task.FilterAll
	case "open":
		filter = task.FilterOpen
	case "completed":
		filter = task.FilterCompleted
	default:
		respondError(c, http.StatusBadRequest, "invalid_status",
			errors.New("status must be one of: all, open, completed"))
		return
	}
	c.JSON(http.StatusOK, h.board.List(filter))
}

func (h *Handler) Get(c *gin.Context) {
	v, ok := h.board.Get(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "not_found",
			errors.New("task not found"))
		return
	}
	c.JSON(http.StatusOK, v)
}

// update runs fn on the task identified by the id path parameter
// and saves the result.
func (h *Handler) update(c *gin.Context, fn func(*task.Task) error) {
	var updated *task.Task
	saved, err := h.repo.Update(c.Request.Context(), c.Param("id"),
		func(t *task.Task) error {
			updated = t
			return fn(t)
		})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(updated, saved))
}

func (h *Handler) ChangeDescription(c *gin.Context) {
	var req DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	h.update(c, func(t *task.Task) error {
		return t.ChangeDescription(req.Description)
	})
}

func (h *Handler) Complete(c *gin.Context) {
	h.update(c, (*task.Task).Complete)
}

func (h *Handler) Reopen(c *gin.Context) {
	h.update(c, (*task.Task).Reopen)
}
