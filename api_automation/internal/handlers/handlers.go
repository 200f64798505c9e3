package handlers

import (
	"errors"
	"net/http"
	"time"

	"frameworks/api_automation/internal/automation"
	"frameworks/api_automation/internal/orchestrator"
	"frameworks/pkg/logging"
	"frameworks/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// Workspaces is the sync registry the admin API drives.
type Workspaces interface {
	Activate(workspaceID string) error
	Deactivate(workspaceID string)
	Status(workspaceID string) (orchestrator.Status, error)
	Active() []string
}

// Automations reports and stops per-workspace automation actors.
type Automations interface {
	Detach(workspaceID string)
	Status(workspaceID string) (automation.WorkerStatus, bool)
}

// Invalidations serves dashboard websocket upgrades.
type Invalidations interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// StatusResponse combines sync and automation state for one workspace.
type StatusResponse struct {
	Sync       orchestrator.Status      `json:"sync"`
	Automation *automation.WorkerStatus `json:"automation,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service"`
	Message string `json:"message,omitempty"`
}

// LookoutHandlers contains the HTTP handlers for the service
type LookoutHandlers struct {
	workspaces    Workspaces
	automations   Automations
	invalidations Invalidations
	logger        logging.Logger
	startTime     time.Time
}

func NewLookoutHandlers(ws Workspaces, auto Automations, inv Invalidations, logger logging.Logger) *LookoutHandlers {
	return &LookoutHandlers{
		workspaces:    ws,
		automations:   auto,
		invalidations: inv,
		logger:        logger,
		startTime:     time.Now(),
	}
}

// Register mounts the admin routes. serviceToken guards every route; the
// websocket endpoint also accepts it as a token query parameter.
func (h *LookoutHandlers) Register(r gin.IRouter, serviceToken string) {
	auth := middleware.ServiceAuthMiddleware(serviceToken)

	ws := r.Group("/workspaces", auth)
	ws.GET("", h.HandleListWorkspaces)
	ws.POST("/:id/activate", h.HandleActivate)
	ws.POST("/:id/deactivate", h.HandleDeactivate)
	ws.GET("/:id/status", h.HandleStatus)

	if h.invalidations != nil {
		r.GET("/ws/invalidations", auth, h.HandleInvalidations)
	}
}

func (h *LookoutHandlers) HandleListWorkspaces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"workspaces": h.workspaces.Active(),
		"uptime":     time.Since(h.startTime).String(),
	})
}

func (h *LookoutHandlers) HandleActivate(c *gin.Context) {
	id := c.Param("id")
	if err := h.workspaces.Activate(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		logging.ForWorkspace(h.logger, id).WithError(err).Error("Failed to activate workspace")
		c.JSON(status, ErrorResponse{Error: "activation_failed", Service: "lookout", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaceId": id, "active": true})
}

// HandleDeactivate stops sync first so the automation actor sees its
// stream close, then waits for the actor to finish abandoning.
func (h *LookoutHandlers) HandleDeactivate(c *gin.Context) {
	id := c.Param("id")
	h.workspaces.Deactivate(id)
	if h.automations != nil {
		h.automations.Detach(id)
	}
	c.JSON(http.StatusOK, gin.H{"workspaceId": id, "active": false})
}

func (h *LookoutHandlers) HandleStatus(c *gin.Context) {
	id := c.Param("id")
	st, err := h.workspaces.Status(id)
	if errors.Is(err, orchestrator.ErrNotActive) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_active", Service: "lookout", Message: "workspace is not active"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "status_failed", Service: "lookout", Message: err.Error()})
		return
	}

	resp := StatusResponse{Sync: st}
	if h.automations != nil {
		if ws, ok := h.automations.Status(id); ok {
			resp.Automation = &ws
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *LookoutHandlers) HandleInvalidations(c *gin.Context) {
	h.invalidations.ServeWS(c.Writer, c.Request)
}
