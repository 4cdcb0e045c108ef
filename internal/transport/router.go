package transport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcp-supervisor/internal/controller"
)

// Router serves the /mcp JSON-RPC surface: POST for request/response, GET
// for a server-push keep-alive stream, grounded on the reference
// implementation's own gin.New()+gin.Recovery()+route-group router
// (internal/server/router.go), with the process-manager routes replaced by
// the single /mcp endpoint pair this domain's transport exposes.
type Router struct {
	ctrl *controller.Controller
}

// NewRouter builds a Router dispatching against ctrl.
func NewRouter(ctrl *controller.Controller) *Router {
	return &Router{ctrl: ctrl}
}

// Handler returns an http.Handler serving /mcp.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.POST("/mcp", r.handlePost)
	g.GET("/mcp", r.handleGet)
	return g
}

// NewServer starts a standalone HTTP server on addr serving /mcp.
func NewServer(addr string, ctrl *controller.Controller) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(ctrl).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

func (r *Router) handlePost(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(nil, codeInvalidParams, "invalid JSON: "+err.Error()))
		return
	}
	resp := Dispatch(c.Request.Context(), r.ctrl, req)
	c.JSON(http.StatusOK, resp)
}

// handleGet serves the server-push channel as a minimal keep-alive SSE
// stream; the transport layer surfaces no server-initiated messages beyond
// the connection notice, matching the original implementation's own
// keep-alive-only GET handler.
func (r *Router) handleGet(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	notify := c.Writer.CloseNotify()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	_, _ = c.Writer.Write([]byte(": connected\n\n"))
	c.Writer.Flush()

	for {
		select {
		case <-notify:
			return
		case <-ticker.C:
			_, _ = c.Writer.Write([]byte(": keep-alive\n\n"))
			c.Writer.Flush()
		}
	}
}
