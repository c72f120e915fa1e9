// Package server exposes the control plane over HTTP: turn execution as an
// SSE stream, sandbox lifecycle, pool administration, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/orchestrator"
	"github.com/enclaveworks/enclave/internal/proxy"
	"github.com/enclaveworks/enclave/internal/registry"
	"github.com/enclaveworks/enclave/internal/runtime"
	v1 "github.com/enclaveworks/enclave/pkg/api/v1"
)

// Server wires HTTP routes to the orchestrator.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	runtime  runtime.Lifecycle
	log      *logger.Logger
}

// New creates the HTTP server facade.
func New(orch *orchestrator.Orchestrator, reg *registry.Registry, rt runtime.Lifecycle, log *logger.Logger) *Server {
	return &Server{orch: orch, registry: reg, runtime: rt, log: log}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.POST("/conversations/:id/turns", s.executeTurn)
	api.GET("/conversations/:id", s.getConversation)
	api.DELETE("/conversations/:id", s.destroyConversation)
	api.GET("/pool", s.poolStatus)
	api.PUT("/pool/sizes", s.setPoolSizes)
	return router
}

func (s *Server) health(c *gin.Context) {
	if s.orch.ShuttingDown() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}
	if err := s.registry.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "registry": err.Error()})
		return
	}
	if err := s.runtime.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "runtime": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// turnRequest is the body of POST /conversations/:id/turns.
type turnRequest struct {
	TenantID     string               `json:"tenant_id"`
	UserInput    string               `json:"user_input" binding:"required"`
	ModelID      string               `json:"model_id"`
	SystemPrompt string               `json:"system_prompt"`
	AllowedTools []string             `json:"allowed_tools"`
	MCPServers   []v1.MCPServerConfig `json:"mcp_servers"`
	Env          map[string]string    `json:"env"`

	// Optional per-turn egress configuration.
	Credentials  *proxy.Credentials `json:"credentials,omitempty"`
	AllowedHosts []string           `json:"allowed_hosts,omitempty"`
	HeaderRules  []proxy.HeaderRule `json:"header_rules,omitempty"`
}

// executeTurn streams one agent turn back to the caller as SSE. Once the
// stream has started all failures arrive as error events, never as a late
// status change.
func (s *Server) executeTurn(c *gin.Context) {
	conversationID := c.Param("id")

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	execReq := orchestrator.ExecuteRequest{
		ConversationID: conversationID,
		TenantID:       req.TenantID,
		Request: v1.AgentRequest{
			UserInput:    req.UserInput,
			ModelID:      req.ModelID,
			SystemPrompt: req.SystemPrompt,
			AllowedTools: req.AllowedTools,
			MCPServers:   req.MCPServers,
			Env:          req.Env,
		},
		HeaderRules: req.HeaderRules,
	}
	if req.Credentials != nil || req.AllowedHosts != nil {
		execReq.ProxyConfig = &proxy.Config{
			Credentials:  req.Credentials,
			AllowedHosts: req.AllowedHosts,
		}
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		s.writeError(c, apperrors.InternalError("streaming unsupported", nil))
		return
	}

	// A dropped caller stops delivery, not the turn: the agent keeps running
	// and artifacts are still flushed.
	started := false
	delivering := true
	sink := func(ev v1.StreamEvent) error {
		if !delivering {
			return nil
		}
		if !started {
			started = true
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.WriteHeader(http.StatusOK)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Event, data); err != nil {
			delivering = false
			s.log.Debug("Caller disconnected mid-turn",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return nil
		}
		flusher.Flush()
		return nil
	}

	if err := s.orch.Execute(context.WithoutCancel(c.Request.Context()), execReq, sink); err != nil {
		if !started {
			s.writeError(c, err)
			return
		}
		// The relay already delivered a terminal error event.
		s.log.Debug("Turn ended with error",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

func (s *Server) getConversation(c *gin.Context) {
	info, err := s.registry.GetBinding(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": info.ConversationID,
		"sandbox_id":      info.SandboxID,
		"tenant_id":       info.TenantID,
		"status":          info.Status,
		"created_at":      info.CreatedAt.Format(time.RFC3339),
		"last_active_at":  info.LastActiveAt.Format(time.RFC3339),
	})
}

func (s *Server) destroyConversation(c *gin.Context) {
	if err := s.orch.Destroy(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) poolStatus(c *gin.Context) {
	size, err := s.registry.WarmPoolSize(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": size})
}

type poolSizesRequest struct {
	MinSize    int `json:"min_size"`
	TargetSize int `json:"target_size" binding:"required"`
	MaxSize    int `json:"max_size" binding:"required"`
}

// setPoolSizes stores a pool sizing override; the replenish loop picks it up
// without a restart.
func (s *Server) setPoolSizes(c *gin.Context) {
	var req poolSizesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if req.TargetSize < req.MinSize || req.MaxSize < req.TargetSize {
		s.writeError(c, apperrors.BadRequest("pool sizes must satisfy min <= target <= max"))
		return
	}
	err := s.registry.SetPoolSizes(c.Request.Context(), registry.PoolSizes{
		MinSize:    req.MinSize,
		TargetSize: req.TargetSize,
		MaxSize:    req.MaxSize,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) writeError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{
		"code":    apperrors.Code(err),
		"message": err.Error(),
	})
}
