package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// SessionInfo is the control API's view of one session.
type SessionInfo struct {
	SessionID        string `json:"session_id"`
	AdapterName      string `json:"adapter_name"`
	LifecycleState   string `json:"lifecycle_state"`
	Status           string `json:"status"`
	Cwd              string `json:"cwd"`
	Model            string `json:"model,omitempty"`
	Name             string `json:"name,omitempty"`
	BackendSessionID string `json:"backend_session_id,omitempty"`
	Consumers        int    `json:"consumers"`
	CreatedAt        string `json:"created_at"`
}

// CreateSessionRequest creates a session over the control API.
type CreateSessionRequest struct {
	Cwd     string `json:"cwd" binding:"required"`
	Adapter string `json:"adapter"`
	Model   string `json:"model"`
	Name    string `json:"name"`
	Resume  string `json:"resume"`
}

// SessionService is what the control API needs from the coordinator.
type SessionService interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionInfo, error)
	ListSessions(ctx context.Context) []*SessionInfo
	GetSession(ctx context.Context, id string) (*SessionInfo, error)
	DeleteSession(ctx context.Context, id string) error
	SessionLogs(ctx context.Context, id string, limit int) ([]string, error)
}

// ControlAPI is the local management surface: create, inspect, and delete
// sessions. Every route except /health requires the daemon bearer token.
type ControlAPI struct {
	service SessionService
	token   string
	logger  *logger.Logger
}

// NewControlAPI creates the API with its bearer token.
func NewControlAPI(service SessionService, token string, log *logger.Logger) *ControlAPI {
	return &ControlAPI{
		service: service,
		token:   token,
		logger:  log.WithFields(zap.String("component", "control_api")),
	}
}

// Register mounts the routes on a gin engine.
func (a *ControlAPI) Register(router *gin.Engine) {
	router.GET("/health", a.health)

	authed := router.Group("/", a.requireToken)
	{
		authed.GET("/sessions", a.listSessions)
		authed.POST("/sessions", a.createSession)
		authed.GET("/sessions/:id", a.getSession)
		authed.DELETE("/sessions/:id", a.deleteSession)
		authed.GET("/sessions/:id/logs", a.sessionLogs)
	}
}

func (a *ControlAPI) requireToken(c *gin.Context) {
	header := c.GetHeader("Authorization")
	presented := strings.TrimPrefix(header, "Bearer ")
	if presented == header || subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	c.Next()
}

func (a *ControlAPI) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *ControlAPI) listSessions(c *gin.Context) {
	sessions := a.service.ListSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (a *ControlAPI) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := a.service.CreateSession(c.Request.Context(), req)
	if err != nil {
		a.logger.Error("session create failed", zap.String("cwd", req.Cwd), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (a *ControlAPI) getSession(c *gin.Context) {
	info, err := a.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *ControlAPI) deleteSession(c *gin.Context) {
	if err := a.service.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (a *ControlAPI) sessionLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	lines, err := a.service.SessionLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// statusFor maps the error taxonomy to HTTP codes.
func statusFor(err error) int {
	switch apperr.Kind(err) {
	case apperr.KindSessionClosed, apperr.KindStorage:
		return http.StatusNotFound
	case apperr.KindNoAdapter:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
