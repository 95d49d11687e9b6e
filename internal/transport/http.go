package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/internal/handlers"
	"github.com/brandon/outlook-mcp/internal/rpc"
	"github.com/brandon/outlook-mcp/internal/server"
)

const maxRequestBody = 4 * 1024 * 1024

// HTTP serves JSON-RPC over POST /mcp plus the GET /health probe.
// Application errors still travel with status 200; the envelope carries
// them. All posts share one protocol session, as the transport is
// stateless per request.
type HTTP struct {
	core    *server.Server
	logger  *logrus.Logger
	session *rpc.Session
	srv     *http.Server
}

// NewHTTP builds the HTTP transport.
func NewHTTP(core *server.Server, host string, port int, logger *logrus.Logger) *HTTP {
	t := &HTTP{
		core:    core,
		logger:  logger,
		session: rpc.NewSession(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/mcp", t.handleMCP)
	router.GET("/health", t.handleHealth)

	t.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: router,
	}
	return t
}

// Run serves until the listener fails or Stop is called.
func (t *HTTP) Run() error {
	t.logger.WithField("addr", t.srv.Addr).Info("HTTP transport listening")
	if err := t.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down, letting in-flight requests finish within
// the context deadline.
func (t *HTTP) Stop(ctx context.Context) error {
	return t.srv.Shutdown(ctx)
}

func (t *HTTP) handleMCP(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		c.JSON(http.StatusOK, rpc.NewErrorResponse(nil,
			fault.New(fault.KindInvalidRequest, "failed to read request body")))
		return
	}

	ctx := handlers.WithCaller(c.Request.Context(), c.ClientIP())
	resp := t.core.Dispatch(ctx, t.session, body)
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (t *HTTP) handleHealth(c *gin.Context) {
	h := t.core.Health()

	status := "healthy"
	switch {
	case h.State != server.StateRunning.String():
		status = "unhealthy"
	case !h.OutlookConnected:
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"server_info": gin.H{
			"name":    server.ServerName,
			"version": server.ServerVersion,
			"state":   h.State,
			"uptime":  h.UptimeSeconds,
			"pool":    h.PoolStats,
			"cache":   h.CacheStats,
		},
	})
}
