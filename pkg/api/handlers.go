package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/devpocket/environment-broker/internal/auth"
	"github.com/devpocket/environment-broker/internal/k8s"
	"github.com/devpocket/environment-broker/internal/orchestrator"
	"github.com/devpocket/environment-broker/internal/store"
	"github.com/devpocket/environment-broker/internal/types"
	"github.com/devpocket/environment-broker/internal/ws"
)

// Orchestrator is the lifecycle surface the REST handlers drive.
type Orchestrator interface {
	CreateEnvironment(ctx context.Context, environmentID string) error
	GetInfo(ctx context.Context, environmentID string) (*types.EnvironmentInfo, error)
	Start(ctx context.Context, environmentID string) error
	Stop(ctx context.Context, environmentID string) error
	Restart(ctx context.Context, environmentID string) error
	Delete(ctx context.Context, environmentID string) error
	ExecuteCommand(ctx context.Context, environmentID, command string, attachStdin bool) (*types.ExecResult, error)
	GetLogs(ctx context.Context, environmentID string, tailLines int64) (string, error)
}

// Broadcaster pushes a frame to every live connection of an environment.
type Broadcaster interface {
	BroadcastToEnvironment(environmentID string, frame *types.Frame)
}

// Handlers wires the HTTP surface to the broker's collaborators.
type Handlers struct {
	verifier  *auth.Verifier
	store     store.Store
	orch      Orchestrator
	router    *ws.Router
	broadcast Broadcaster

	provisionTimeout time.Duration
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(verifier *auth.Verifier, st store.Store, orch Orchestrator, router *ws.Router, broadcast Broadcaster) *Handlers {
	return &Handlers{
		verifier:         verifier,
		store:            st,
		orch:             orch,
		router:           router,
		broadcast:        broadcast,
		provisionTimeout: 5 * time.Minute,
	}
}

// RegisterRoutes attaches all routes to the engine. WebSocket routes
// authenticate via query token inside the handshake, so they sit outside the
// bearer middleware.
func (h *Handlers) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/healthz", h.health)

	api := engine.Group("/api", h.authMiddleware())
	{
		api.POST("/environments", h.createEnvironment)
		api.GET("/environments", h.listEnvironments)
		api.GET("/environments/:id", h.getEnvironment)
		api.POST("/environments/:id/start", h.lifecycle(h.orch.Start))
		api.POST("/environments/:id/stop", h.lifecycle(h.orch.Stop))
		api.POST("/environments/:id/restart", h.lifecycle(h.orch.Restart))
		api.DELETE("/environments/:id", h.lifecycle(h.orch.Delete))
		api.GET("/environments/:id/logs", h.getLogs)
		api.POST("/environments/:id/exec", h.execCommand)
	}

	engine.GET("/ws/terminal/:id", h.router.HandleTerminal)
	engine.GET("/ws/logs/:id", h.router.HandleLogs)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := h.verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}

		user, err := h.store.GetUser(c.Request.Context(), claims.Subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		if err := auth.CheckPrincipal(user); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account is not eligible"})
			return
		}

		c.Set("userID", user.ID)
		c.Next()
	}
}

type createEnvironmentRequest struct {
	Name            string             `json:"name" binding:"required"`
	ClusterID       string             `json:"cluster_id" binding:"required"`
	Image           string             `json:"image" binding:"required"`
	Port            int32              `json:"port" binding:"required"`
	Resources       types.ResourceSpec `json:"resources"`
	EnvVars         map[string]string  `json:"env_vars"`
	StartupCommands []string           `json:"startup_commands"`
}

func (h *Handlers) createEnvironment(c *gin.Context) {
	var req createEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	env := &types.EnvironmentRecord{
		ID:              uuid.New().String(),
		OwnerID:         c.GetString("userID"),
		ClusterID:       req.ClusterID,
		Name:            req.Name,
		Image:           req.Image,
		Port:            req.Port,
		Resources:       req.Resources,
		EnvVars:         req.EnvVars,
		StartupCommands: req.StartupCommands,
		Status:          types.StatusCreating,
	}
	if err := h.store.CreateEnvironment(c.Request.Context(), env); err != nil {
		log.Printf("Failed to create environment record: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create environment"})
		return
	}

	// Provisioning talks to the cluster and can take a while; run it off the
	// request and let clients poll status.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.provisionTimeout)
		defer cancel()
		if err := h.orch.CreateEnvironment(ctx, env.ID); err != nil {
			log.Printf("Provisioning environment %s failed: %v", env.ID, err)
		}
		h.notifyStatus(ctx, env.ID)
	}()

	c.JSON(http.StatusAccepted, env)
}

func (h *Handlers) listEnvironments(c *gin.Context) {
	envs, err := h.store.ListEnvironmentsByOwner(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		log.Printf("Failed to list environments: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list environments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs})
}

func (h *Handlers) getEnvironment(c *gin.Context) {
	env, ok := h.ownedEnvironment(c)
	if !ok {
		return
	}

	info, err := h.orch.GetInfo(c.Request.Context(), env.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// lifecycle adapts a single-environment operation into a handler with the
// shared ownership and error handling.
func (h *Handlers) lifecycle(op func(ctx context.Context, environmentID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, ok := h.ownedEnvironment(c)
		if !ok {
			return
		}
		if err := op(c.Request.Context(), env.ID); err != nil {
			h.writeError(c, err)
			return
		}
		h.notifyStatus(c.Request.Context(), env.ID)
		c.JSON(http.StatusOK, gin.H{"id": env.ID})
	}
}

// notifyStatus pushes the environment's persisted status to any live sockets.
func (h *Handlers) notifyStatus(ctx context.Context, environmentID string) {
	env, err := h.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		log.Printf("Failed to load environment %s for status broadcast: %v", environmentID, err)
		return
	}
	h.broadcast.BroadcastToEnvironment(environmentID, &types.Frame{
		Type:   "status",
		Status: env.Status,
	})
}

func (h *Handlers) getLogs(c *gin.Context) {
	env, ok := h.ownedEnvironment(c)
	if !ok {
		return
	}

	tailLines := int64(100)
	if raw := c.Query("tailLines"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tailLines"})
			return
		}
		tailLines = parsed
	}

	logs, err := h.orch.GetLogs(c.Request.Context(), env.ID, tailLines)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

type execRequest struct {
	Command string `json:"command" binding:"required"`
}

func (h *Handlers) execCommand(c *gin.Context) {
	env, ok := h.ownedEnvironment(c)
	if !ok {
		return
	}

	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.orch.ExecuteCommand(c.Request.Context(), env.ID, req.Command, false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ownedEnvironment loads the :id environment and enforces that the caller
// owns it. Foreign environments read as 404 so the route does not confirm
// their existence.
func (h *Handlers) ownedEnvironment(c *gin.Context) (*types.EnvironmentRecord, bool) {
	env, err := h.store.GetEnvironment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	if env.OwnerID != c.GetString("userID") {
		c.JSON(http.StatusNotFound, gin.H{"error": "environment not found"})
		return nil, false
	}
	return env, true
}

// writeError maps internal errors to sanitized HTTP responses. Raw error
// chains stay in the logs; clients see stable categories only.
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "environment not found"})
	case errors.Is(err, orchestrator.ErrNotDeployed):
		c.JSON(http.StatusConflict, gin.H{"error": "environment has no deployed resources"})
	case errors.Is(err, k8s.ErrClusterUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cluster is unavailable"})
	case errors.Is(err, k8s.ErrConfiguration):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cluster is misconfigured"})
	default:
		log.Printf("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
