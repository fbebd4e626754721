// Package api implements the HTTP API handlers for the Nocturne hibernation engine.
//
// All endpoints are versioned under /api/v1 and follow RESTful conventions.
// Handlers delegate to the lifecycle service, task scheduler, admission
// controller, and rollback manager; they do request parsing and status-code
// mapping only.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/admission"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/breaker"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/lifecycle"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/rollback"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// Handler holds references to all components and provides HTTP handler methods.
type Handler struct {
	lifecycle *lifecycle.Service
	scheduler *scheduler.Scheduler
	admission *admission.Controller
	rollbacks *rollback.Manager
	activity  store.ActivityStore
	breaker   *breaker.Breaker
	startTime time.Time
}

// NewHandler creates a new Handler with all required component dependencies.
func NewHandler(
	lc *lifecycle.Service,
	sched *scheduler.Scheduler,
	ctrl *admission.Controller,
	rollbacks *rollback.Manager,
	activity store.ActivityStore,
	clusterBreaker *breaker.Breaker,
) *Handler {
	return &Handler{
		lifecycle: lc,
		scheduler: sched,
		admission: ctrl,
		rollbacks: rollbacks,
		activity:  activity,
		breaker:   clusterBreaker,
		startTime: time.Now().UTC(),
	}
}

// APIKeyAuth is a simple Gin middleware that requires a non-empty X-API-Key header.
func APIKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing API key. Provide X-API-Key header.",
			})
			c.Abort()
			return
		}
		if len(apiKey) < 16 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid API key format.",
			})
			c.Abort()
			return
		}
		c.Set("api_key", apiKey)
		c.Next()
	}
}

// RegisterRoutes sets up all API routes on the given Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Service health endpoint (unauthenticated)
	r.GET("/health", h.ServiceHealth)

	// API v1 routes (require API key)
	v1 := r.Group("/api/v1")
	v1.Use(APIKeyAuth())
	{
		// Namespace lifecycle
		namespaces := v1.Group("/namespaces")
		{
			namespaces.POST("/:namespace/activate", h.ActivateNamespace)
			namespaces.POST("/:namespace/deactivate", h.DeactivateNamespace)
			namespaces.POST("/:namespace/command", h.RunNamespaceCommand)
			namespaces.GET("/:namespace/rollback", h.GetRollbackStatus)
			namespaces.POST("/:namespace/rollback", h.TriggerRollback)
		}

		// Admission dry-run
		v1.POST("/validate", h.ValidateActivation)

		// Scheduled task management
		tasks := v1.Group("/tasks")
		{
			tasks.GET("", h.ListTasks)
			tasks.POST("", h.CreateTask)
			tasks.GET("/:id", h.GetTask)
			tasks.DELETE("/:id", h.DeleteTask)
			tasks.POST("/:id/run", h.RunTask)
			tasks.POST("/:id/cancel", h.CancelTask)
		}

		// Audit trail
		v1.GET("/audit", h.QueryAudit)
	}
}

// ServiceHealth returns the overall health of the Nocturne service.
func (h *Handler) ServiceHealth(c *gin.Context) {
	uptime := time.Since(h.startTime)
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"service":         "nocturne",
		"version":         "1.0.0",
		"uptime":          uptime.String(),
		"cluster_breaker": h.breaker.State().String(),
	})
}

// operationRequest identifies the caller of a namespace lifecycle operation.
type operationRequest struct {
	TenantID       string `json:"tenant_id" binding:"required"`
	RequestingUser string `json:"requesting_user"`
	Command        string `json:"command"`
}

// --- Namespace Lifecycle Handlers ---

// ActivateNamespace restores all workloads in the namespace to their
// original replica counts.
func (h *Handler) ActivateNamespace(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := h.lifecycle.Resume(c.Request.Context(), req.TenantID, c.Param("namespace"), req.RequestingUser)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": models.KindOf(err)})
		return
	}
	c.JSON(http.StatusOK, result)
}

// DeactivateNamespace scales all workloads in the namespace to zero.
func (h *Handler) DeactivateNamespace(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := h.lifecycle.Suspend(c.Request.Context(), req.TenantID, c.Param("namespace"), req.RequestingUser)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": models.KindOf(err)})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RunNamespaceCommand executes a restricted ad-hoc scale directive.
func (h *Handler) RunNamespaceCommand(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := h.lifecycle.RunCommand(c.Request.Context(), req.TenantID, c.Param("namespace"), req.RequestingUser, req.Command); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": models.KindOf(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "command executed", "namespace": c.Param("namespace")})
}

// GetRollbackStatus returns the namespace's live rollback record and block state.
func (h *Handler) GetRollbackStatus(c *gin.Context) {
	namespace := c.Param("namespace")
	blocked, until := h.rollbacks.IsBlocked(namespace)

	resp := gin.H{"namespace": namespace, "blocked": blocked}
	if blocked {
		resp["blocked_until"] = until.UTC()
	}
	if record, ok := h.rollbacks.GetRecord(namespace); ok {
		resp["record"] = record
	}
	c.JSON(http.StatusOK, resp)
}

// TriggerRollback manually restores the namespace to its saved state.
func (h *Handler) TriggerRollback(c *gin.Context) {
	namespace := c.Param("namespace")
	ok, err := h.rollbacks.TriggerAutomaticRollback(c.Request.Context(), namespace, models.TriggerManual, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "rollback already in progress for " + namespace})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "rollback completed", "namespace": namespace})
}

// validateRequest is the admission dry-run request body.
type validateRequest struct {
	TenantID       string `json:"tenant_id" binding:"required"`
	Namespace      string `json:"namespace" binding:"required"`
	RequestingUser string `json:"requesting_user"`
}

// ValidateActivation runs the admission checks without performing any
// scaling. The decision is audited like a real activation.
func (h *Handler) ValidateActivation(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	decision := h.admission.ValidateActivation(c.Request.Context(), req.TenantID, req.Namespace, req.RequestingUser)
	c.JSON(http.StatusOK, decision)
}

// --- Task Handlers ---

// ListTasks returns all scheduled tasks.
func (h *Handler) ListTasks(c *gin.Context) {
	tasks := h.scheduler.ListTasks()
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// CreateTask registers a new scheduled task from the request body.
func (h *Handler) CreateTask(c *gin.Context) {
	var task models.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	created, err := h.scheduler.CreateTask(task)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetTask returns a single task by ID.
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.scheduler.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// DeleteTask cancels and removes a task.
func (h *Handler) DeleteTask(c *gin.Context) {
	taskID := c.Param("id")
	if err := h.scheduler.DeleteTask(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task deleted", "id": taskID})
}

// RunTask submits a task for immediate execution.
func (h *Handler) RunTask(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := h.scheduler.GetTask(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := h.scheduler.RunTask(c.Request.Context(), taskID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "task submitted", "id": taskID})
}

// CancelTask cooperatively cancels a running task.
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := h.scheduler.GetTask(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := h.scheduler.CancelTask(taskID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task cancelled", "id": taskID})
}

// --- Audit Handlers ---

// QueryAudit returns audit records filtered by namespace, tenant, or
// requesting user. Exactly one filter is required.
func (h *Handler) QueryAudit(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit " + raw})
			return
		}
		limit = parsed
	}

	var (
		records []models.ActivityRecord
		err     error
	)
	switch {
	case c.Query("namespace") != "":
		records, err = h.activity.ListByNamespace(c.Request.Context(), c.Query("namespace"), limit)
	case c.Query("tenant") != "":
		records, err = h.activity.ListByTenant(c.Request.Context(), c.Query("tenant"), limit)
	case c.Query("user") != "":
		records, err = h.activity.ListByRequester(c.Request.Context(), c.Query("user"), limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide a namespace, tenant, or user filter"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// statusFor maps a classified operation error to an HTTP status code.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindAuthorization, models.KindPermissionCheck:
		return http.StatusForbidden
	case models.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case models.KindBreakerOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
