// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/process-engine/graph"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

type Handler struct {
	engine *workflow.Engine
	logger logrus.FieldLogger
}

type CreateInstanceRequest struct {
	DefinitionID uint64                 `json:"definition_id" binding:"required"`
	Context      map[string]interface{} `json:"context"`
	ActorID      string                 `json:"actor_id"`
}

type CompleteTaskRequest struct {
	Output  map[string]interface{} `json:"output"`
	ActorID string                 `json:"actor_id" binding:"required"`
}

type FailTaskRequest struct {
	Reason  string                 `json:"reason" binding:"required"`
	ActorID string                 `json:"actor_id" binding:"required"`
	Details map[string]interface{} `json:"details"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

type FailInstanceRequest struct {
	Reason  string                 `json:"reason" binding:"required"`
	Details map[string]interface{} `json:"details"`
}

func NewHandler(engine *workflow.Engine, logger logrus.FieldLogger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Register mounts the routes under /api/v1.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/definitions", h.PublishDefinition)
		v1.POST("/definitions/validate", h.ValidateDefinition)
		v1.GET("/definitions/:id", h.GetDefinition)

		v1.POST("/instances", h.CreateInstance)
		v1.GET("/instances/:id", h.GetInstanceState)
		v1.POST("/instances/:id/advance", h.TriggerAdvance)
		v1.POST("/instances/:id/suspend", h.SuspendInstance)
		v1.POST("/instances/:id/resume", h.ResumeInstance)
		v1.POST("/instances/:id/fail", h.FailInstance)
		v1.GET("/instances/:id/tasks", h.ListTasks)
		v1.GET("/instances/:id/history", h.ListHistory)
		v1.GET("/instances/:id/context", h.ListContextVersions)

		v1.GET("/tasks/:id", h.GetTask)
		v1.POST("/tasks/:id/start", h.StartTask)
		v1.POST("/tasks/:id/complete", h.CompleteTask)
		v1.POST("/tasks/:id/fail", h.FailTask)
		v1.POST("/tasks/:id/skip", h.SkipTask)
	}
}

// PublishDefinition accepts a YAML or JSON definition document.
func (h *Handler) PublishDefinition(c *gin.Context) {
	def, ok := h.parseDefinition(c)
	if !ok {
		return
	}
	published, err := h.engine.PublishDefinition(c, def)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, published)
}

func (h *Handler) ValidateDefinition(c *gin.Context) {
	def, ok := h.parseDefinition(c)
	if !ok {
		return
	}
	res := h.engine.ValidateDefinition(def)
	c.JSON(http.StatusOK, gin.H{"valid": res.Valid(), "errors": res.Errors, "warnings": res.Warnings})
}

func (h *Handler) GetDefinition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	def, err := h.engine.GetDefinition(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handler) CreateInstance(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, err := h.engine.CreateInstance(c, req.DefinitionID, req.Context, req.ActorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// GetInstanceState returns status, frontier and latest context version. It never mutates.
func (h *Handler) GetInstanceState(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	st, err := h.engine.InstanceState(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// TriggerAdvance enqueues an advancement. Duplicate triggers are absorbed by the queue.
func (h *Handler) TriggerAdvance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.engine.TriggerAdvance(c, id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"instance_id": id})
}

func (h *Handler) SuspendInstance(c *gin.Context) {
	h.changeStatus(c, h.engine.SuspendInstance)
}

func (h *Handler) ResumeInstance(c *gin.Context) {
	h.changeStatus(c, h.engine.ResumeInstance)
}

func (h *Handler) changeStatus(c *gin.Context, change func(ctx context.Context, id uint64, actor string) error) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := change(c, id, req.ActorID); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, id)
}

func (h *Handler) FailInstance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req FailInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.FailInstance(c, id, req.Reason, req.Details); err != nil {
		h.fail(c, err)
		return
	}
	h.state(c, id)
}

func (h *Handler) ListTasks(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tasks, err := h.engine.ListTasks(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handler) ListHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	history, err := h.engine.ListHistory(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": history})
}

func (h *Handler) ListContextVersions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	versions, err := h.engine.ListContextVersions(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *Handler) GetTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := h.engine.GetTask(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) StartTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.engine.StartTask(c, id, req.ActorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CompleteTask returns {task_id, instance_id}.
func (h *Handler) CompleteTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req CompleteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.engine.CompleteTask(c, id, req.Output, req.ActorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "instance_id": task.InstanceID})
}

func (h *Handler) FailTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req FailTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.engine.FailTask(c, id, req.Reason, req.ActorID, req.Details)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "instance_id": task.InstanceID})
}

func (h *Handler) SkipTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.engine.SkipTask(c, id, req.ActorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "instance_id": task.InstanceID})
}

func (h *Handler) state(c *gin.Context, id uint64) {
	st, err := h.engine.InstanceState(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) parseDefinition(c *gin.Context) (types.Definition, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return types.Definition{}, false
	}
	def, err := graph.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return types.Definition{}, false
	}
	return def, true
}

// fail writes err with the status matching its class.
func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// StatusOf maps an engine error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case workflow.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrTaskNotAssignedToActor):
		return http.StatusForbidden
	case workflow.IsNotFound(err):
		return http.StatusNotFound
	case workflow.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id " + strconv.Quote(c.Param("id"))})
		return 0, false
	}
	return id, true
}
