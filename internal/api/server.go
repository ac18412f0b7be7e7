// Package api exposes the daemon's HTTP surface: the REST control API
// and the websocket session gateway.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anowell/toren/internal/ancillary"
	"github.com/anowell/toren/internal/assignment"
	"github.com/anowell/toren/internal/common/config"
	"github.com/anowell/toren/internal/common/logger"
	"github.com/anowell/toren/internal/security"
	"github.com/anowell/toren/internal/segment"
	"github.com/anowell/toren/internal/work"
	"github.com/anowell/toren/internal/workspace"
)

// Version is the daemon version reported by the health endpoint.
const Version = "0.4.0"

// Server wires the daemon's shared state into HTTP handlers.
type Server struct {
	cfg         *config.Config
	security    *security.Context
	segments    *segment.Registry
	workspaces  *workspace.Manager // nil when workspace_root is not configured
	assignments *assignment.Store
	ancillaries *ancillary.Registry
	workMgr     *work.Manager
	logger      *logger.Logger
}

// NewServer creates the API server.
func NewServer(
	cfg *config.Config,
	sec *security.Context,
	segments *segment.Registry,
	workspaces *workspace.Manager,
	assignments *assignment.Store,
	ancillaries *ancillary.Registry,
	workMgr *work.Manager,
	log *logger.Logger,
) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:         cfg,
		security:    sec,
		segments:    segments,
		workspaces:  workspaces,
		assignments: assignments,
		ancillaries: ancillaries,
		workMgr:     workMgr,
		logger:      log.WithFields(zap.String("component", "api")),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", s.HealthCheck)
	router.POST("/pair", s.PairDevice)
	router.GET("/ws/ancillaries/:id", s.AncillaryWS)

	api := router.Group("/api")
	{
		api.GET("/ancillaries/list", s.ListAncillaries)
		api.POST("/ancillaries/:id/start", s.StartWork)
		api.POST("/ancillaries/:id/stop", s.StopWork)

		api.GET("/assignments", s.ListAssignments)
		api.POST("/assignments", s.CreateAssignment)
		api.GET("/assignments/:id", s.GetAssignment)
		api.DELETE("/assignments/:id", s.DeleteAssignment)
		api.POST("/assignments/:id/status", s.UpdateAssignmentStatus)
		api.POST("/assignments/:id/complete", s.CompleteAssignment)
		api.POST("/assignments/:id/abort", s.AbortAssignment)
		api.POST("/assignments/:id/resume", s.ResumeAssignment)

		api.GET("/segments/list", s.ListSegments)
		api.POST("/segments/create", s.CreateSegment)

		api.GET("/workspaces/list/:segment", s.ListWorkspaces)
		api.POST("/workspaces/cleanup", s.CleanupWorkspace)
	}

	return router
}

// HealthCheck reports daemon liveness.
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": Version,
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
