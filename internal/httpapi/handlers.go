package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/hooks"
	"github.com/Zeeeepa/gobby-sub002/internal/mcp"
)

const defaultToolCallTimeout = 30 * time.Second

// handleHookEvent feeds the pipeline. The route always answers 200: a
// front-end must never fail its own operation because gobby had a bad day.
func (s *Server) handleHookEvent(c *gin.Context) {
	var event hooks.HookEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		s.logger.Warn("malformed hook event", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"status":       "error",
			"message":      "invalid hook event: " + err.Error(),
			"error_logged": true,
		})
		return
	}

	start := time.Now()
	resp := s.deps.Pipeline.Handle(c.Request.Context(), &event)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveHook(event.EventType, resp.Decision, time.Since(start))
	}
	c.JSON(http.StatusOK, resp)
}

// handleToolCall proxies one MCP tool call.
func (s *Server) handleToolCall(c *gin.Context) {
	server := c.Param("server")
	tool := c.Param("tool")

	var args map[string]any
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid arguments: " + err.Error()})
			return
		}
	}

	timeout := defaultToolCallTimeout
	if raw := c.Query("timeout"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}

	start := time.Now()
	result, err := s.deps.MCP.CallTool(c.Request.Context(), server, tool, args, timeout)
	elapsed := time.Since(start)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveMCPCall(server, err == nil, elapsed)
	}

	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, mcp.ErrUnknownServer):
			status = http.StatusNotFound
		case errors.Is(err, mcp.ErrNotConnected):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":           "error",
			"error":            err.Error(),
			"response_time_ms": elapsed.Milliseconds(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"result":           result,
		"response_time_ms": elapsed.Milliseconds(),
	})
}

// handleListTools serves the cached tool list for a server.
func (s *Server) handleListTools(c *gin.Context) {
	server := c.Param("server")
	projectID := c.Query("project_id")

	tools, err := s.deps.MCP.CachedTools(c.Request.Context(), server, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": server, "tools": tools})
}

// handleMCPHealth reports the connection pool snapshot.
func (s *Server) handleMCPHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.deps.MCP.GetHealthReport()})
}

// handleHealth reports the daemon readiness snapshot.
func (s *Server) handleHealth(c *gin.Context) {
	ready, status := s.deps.Health.Snapshot()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"service": "gobby", "ready": ready, "status": status})
}
