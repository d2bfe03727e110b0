package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tasker-systems/tasker/internal/deadletter"
	"github.com/tasker-systems/tasker/internal/engine"
	"github.com/tasker-systems/tasker/internal/http/response"
	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/repos"
)

// taskHandler exposes spec.md §5's inbound RPCs (submit_task, get_task_status,
// cancel_task) as thin gin handlers over the Engine, matching the teacher's
// handlers.JobHandler's thin-handler-over-service layering.
type taskHandler struct {
	eng  *engine.Engine
	task repos.TaskRepo
	step repos.StepRepo
}

func newTaskHandler(eng *engine.Engine, task repos.TaskRepo, step repos.StepRepo) *taskHandler {
	return &taskHandler{eng: eng, task: task, step: step}
}

type submitTaskRequest struct {
	Namespace     string          `json:"namespace" binding:"required"`
	Name          string          `json:"name" binding:"required"`
	Version       int             `json:"version" binding:"required"`
	Context       datatypes.JSON  `json:"context"`
	CorrelationID string          `json:"correlation_id"`
	Priority      int             `json:"priority"`
	Initiator     string          `json:"initiator"`
	SourceSystem  string          `json:"source_system"`
	Reason        string          `json:"reason"`
	Tags          []string        `json:"tags"`
}

// POST /api/tasks
func (h *taskHandler) submit(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.eng.Submit(c.Request.Context(), engine.SubmissionRequest{
		Namespace:     req.Namespace,
		Name:          req.Name,
		Version:       req.Version,
		Context:       req.Context,
		CorrelationID: req.CorrelationID,
		Priority:      req.Priority,
		Initiator:     req.Initiator,
		SourceSystem:  req.SourceSystem,
		Reason:        req.Reason,
		Tags:          req.Tags,
	})
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "submit_failed", err)
		return
	}
	if res.Err != nil {
		respondEngineError(c, res.Err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_uuid": res.TaskID})
}

// GET /api/tasks/:id
func (h *taskHandler) get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	task, err := h.task.GetByID(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "task_lookup_failed", err)
		return
	}
	if task == nil {
		response.RespondError(c, http.StatusNotFound, "task_not_found", nil)
		return
	}
	response.RespondOK(c, gin.H{"task": task})
}

// GET /api/tasks/:id/steps
func (h *taskHandler) listSteps(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	steps, err := h.step.GetByTaskID(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "steps_lookup_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"steps": steps})
}

// POST /api/tasks/:id/cancel
func (h *taskHandler) cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	if err := h.eng.Cancel(c.Request.Context(), id); err != nil {
		respondEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/tasks
func (h *taskHandler) list(c *gin.Context) {
	namespace := c.Query("namespace")
	limit, offset := paginationParams(c)
	tasks, err := h.task.List(dbctx.Context{Ctx: c.Request.Context()}, namespace, limit, offset)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "task_list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": tasks})
}

// deadLetterHandler exposes spec.md §9's recovery-operator surface.
type deadLetterHandler struct {
	svc deadletter.Service
}

func newDeadLetterHandler(svc deadletter.Service) *deadLetterHandler {
	return &deadLetterHandler{svc: svc}
}

// GET /api/dead-letter
func (h *deadLetterHandler) list(c *gin.Context) {
	namespace := c.Query("namespace")
	limit, offset := paginationParams(c)
	entries, err := h.svc.List(dbctx.Context{Ctx: c.Request.Context()}, namespace, limit, offset)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "dead_letter_list_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"entries": entries})
}

// POST /api/dead-letter/:id/resolve
func (h *deadLetterHandler) resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	correlationID := c.GetString("trace_id")
	if err := h.svc.Resolve(dbctx.Context{Ctx: c.Request.Context()}, id, correlationID); err != nil {
		respondEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func paginationParams(c *gin.Context) (limit, offset int) {
	limit, offset = 50, 0
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// respondEngineError maps a *taskerrors.Error onto its carried HTTP status,
// falling back to 500 for anything else (a storage error bubbling up raw).
func respondEngineError(c *gin.Context, err error) {
	if e, ok := taskerrors.As(err); ok {
		status := e.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		response.RespondError(c, status, e.Code, e)
		return
	}
	response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
}
