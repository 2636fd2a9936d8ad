// Package httpapi is the daemon's HTTP surface: the hook entrypoint, the MCP
// proxy routes, health and metrics, and the WebSocket upgrade endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/httpmw"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/hooks"
	"github.com/Zeeeepa/gobby-sub002/internal/mcp"
	"github.com/Zeeeepa/gobby-sub002/internal/metrics"
	gatewayws "github.com/Zeeeepa/gobby-sub002/internal/gateway/websocket"
)

const serverName = "gobbyd"

// Deps are the collaborators the HTTP layer exposes.
type Deps struct {
	Config   *config.Config
	Pipeline *hooks.Pipeline
	MCP      *mcp.Manager
	Health   *hooks.HealthState
	Metrics  *metrics.Collector
	WS       *gatewayws.Handler
	Logger   *logger.Logger
}

// Server wraps the gin router and the underlying http.Server.
type Server struct {
	deps   Deps
	server *http.Server
	logger *logger.Logger
}

// New builds the router and server. Start actually listens.
func New(deps Deps) *Server {
	if deps.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("component", "http")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(deps.Logger, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	router.POST("/hooks/event", s.handleHookEvent)
	router.POST("/mcp/:server/tools/:tool", s.handleToolCall)
	router.GET("/mcp/:server/tools", s.handleListTools)
	router.GET("/health", s.handleHealth)
	// Not under /mcp: gin's tree cannot mix a static segment with the
	// :server wildcard at the same position.
	router.GET("/health/mcp", s.handleMCPHealth)
	if deps.WS != nil {
		router.GET("/ws", deps.WS.HandleConnection)
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	port := deps.Config.DaemonPort
	if port == 0 {
		port = 8765
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.server.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
