package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jamesrossjr/canvas-core/internal/auth"
	"github.com/jamesrossjr/canvas-core/internal/collab"
	"go.uber.org/zap"
)

const identityContextKey = "canvas_identity"

var (
	errMissingManager = errors.New("room manager dependency required")
	errMissingHub     = errors.New("connection hub dependency required")
)

// SessionValidator resolves the caller's identity from a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies are the collaborators of the HTTP surface. Sessions is optional; when
// set every route except the health check requires a valid session.
type Dependencies struct {
	Manager        *collab.Manager
	Hub            *ConnectionHub
	Sessions       SessionValidator
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the WebSocket endpoint and the
// operator routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(deps.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = deps.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	handler := &httpHandler{
		manager:  deps.Manager,
		hub:      deps.Hub,
		sessions: deps.Sessions,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)
	protected.GET("/workspaces/:id/stats", handler.handleStats)
	protected.PUT("/workspaces/:id/active-document", handler.handleActiveDocument)

	return router, nil
}

type httpHandler struct {
	manager  *collab.Manager
	hub      *ConnectionHub
	sessions SessionValidator
	logger   *zap.Logger
}

type healthResponsePayload struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Workspaces  int    `json:"workspaces"`
}

type activeDocumentPayload struct {
	DocumentID string `json:"documentId"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:      "ok",
		Connections: h.hub.Len(),
		Workspaces:  len(h.manager.Workspaces()),
	})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	var identity *auth.Identity
	if value, ok := c.Get(identityContextKey); ok {
		resolved := value.(auth.Identity)
		identity = &resolved
	}
	if err := h.hub.Serve(c.Writer, c.Request, h.manager, identity); err != nil {
		h.logger.Debug("websocket session ended with error", zap.Error(err))
	}
}

func (h *httpHandler) handleStats(c *gin.Context) {
	workspaceID, err := collab.NewWorkspaceID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return
	}
	c.JSON(http.StatusOK, h.manager.Stats(workspaceID))
}

func (h *httpHandler) handleActiveDocument(c *gin.Context) {
	workspaceID, err := collab.NewWorkspaceID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return
	}
	var request activeDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DocumentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.manager.SetActiveDocument(workspaceID, strings.TrimSpace(request.DocumentID)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.sessions == nil {
		c.Next()
		return
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, claims.Identity())
	c.Next()
}
