// Package httpapi is a thin gin-gonic adapter exercising the Session,
// Message, Queue Services and the SSE Bridge over HTTP. Routing itself is
// out of scope for the orchestration core (§1); this adapter exists only so
// the core is reachable from something other than a test.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/apperr"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/diagnostics"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/queue"
	"github.com/justbecauselabs/pokecode/internal/session"
	"github.com/justbecauselabs/pokecode/internal/sse"
)

// Server wires the four services into a gin.Engine.
type Server struct {
	sessions    *session.Service
	messages    *message.Service
	queue       *queue.Service
	bridge      *sse.Bridge
	diag        *diagnostics.Server // nil when workspaceDiagnosticsPort is disabled
	log         *logger.Logger
	maxAttempts int
}

// New constructs a Server. maxAttempts feeds every job enqueued through this
// adapter (§6.4 maxJobAttempts). diag may be nil when diagnostics are disabled.
func New(sessions *session.Service, messages *message.Service, q *queue.Service, bridge *sse.Bridge, diag *diagnostics.Server, log *logger.Logger, maxAttempts int) *Server {
	return &Server{
		sessions:    sessions,
		messages:    messages,
		queue:       q,
		bridge:      bridge,
		diag:        diag,
		log:         log.WithFields(zap.String("component", "httpapi")),
		maxAttempts: maxAttempts,
	}
}

// Router builds the gin.Engine. Call once at startup.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.logMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pokecode"})
	})

	sessions := r.Group("/sessions")
	sessions.POST("", s.createSession)
	sessions.GET("", s.listSessions)
	sessions.GET("/:id", s.getSession)
	sessions.PATCH("/:id", s.updateSession)
	sessions.DELETE("/:id", s.deleteSession)
	sessions.GET("/:id/messages", s.getMessages)
	sessions.GET("/:id/messages/raw", s.getRawMessages)
	sessions.POST("/:id/messages", s.postMessage)
	sessions.POST("/:id/cancel", s.cancelSession)
	sessions.GET("/:id/stream", s.stream)
	sessions.GET("/:id/diagnostics", s.diagnosticsStream)

	return r
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			s.log.Warn("request error", zap.String("path", c.FullPath()), zap.Int("status", c.Writer.Status()))
		}
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

type createSessionRequest struct {
	ProjectPath string `json:"projectPath" binding:"required"`
	Provider    string `json:"provider" binding:"required"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.NewValidation("%v", err))
		return
	}
	sess, err := s.sessions.CreateSession(c.Request.Context(), req.ProjectPath, models.Provider(req.Provider))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	opts := session.ListOptions{}
	if v := c.Query("limit"); v != "" {
		if n, err := jsonInt(v); err == nil {
			opts.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := jsonInt(v); err == nil {
			opts.Offset = n
		}
	}
	if v := c.Query("state"); v != "" {
		state := models.SessionState(v)
		opts.State = &state
	}
	result, err := s.sessions.ListSessions(c.Request.Context(), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type updateSessionRequest struct {
	Context  *string `json:"context"`
	Metadata *string `json:"metadata"`
}

func (s *Server) updateSession(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.NewValidation("%v", err))
		return
	}
	if err := s.sessions.UpdateSession(c.Request.Context(), c.Param("id"), session.Patch{Context: req.Context, Metadata: req.Metadata}); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.sessions.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getMessages(c *gin.Context) {
	opts := message.GetOptions{}
	if v := c.Query("after"); v != "" {
		opts.After = &v
	}
	if v := c.Query("limit"); v != "" {
		if n, err := jsonInt(v); err == nil {
			opts.Limit = n
		}
	}
	page, err := s.messages.GetMessages(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// getRawMessages returns the verbatim content_data envelopes for a session
// (§4.E getRawMessages, §6.1 GET /sessions/{id}/messages/raw).
func (s *Server) getRawMessages(c *gin.Context) {
	raw, err := s.messages.GetRawMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": raw})
}

type postMessageRequest struct {
	Content      json.RawMessage `json:"content" binding:"required"`
	Model        string          `json:"model"`
	AllowedTools []string        `json:"allowedTools"`
}

// postMessage saves the user's prompt and enqueues a job for the Worker Pool
// to execute (§4.E/§4.F boundary: the HTTP layer is the one caller that
// bridges the two services for a brand-new turn).
func (s *Server) postMessage(c *gin.Context) {
	sessionID := c.Param("id")
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.NewValidation("%v", err))
		return
	}

	sess, err := s.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}

	var prompt string
	_ = json.Unmarshal(req.Content, &prompt)

	// Enqueue first so the one-active-job conflict check (§4.F) rejects a
	// double-post before anything is persisted; appending the user message
	// first would leave a stray message behind on a 409 (§7).
	job, err := s.queue.Enqueue(c.Request.Context(), sessionID, uuid.NewString(), sess.Provider, models.JobData{
		ProjectPath:  sess.ProjectPath,
		Prompt:       prompt,
		Model:        req.Model,
		AllowedTools: req.AllowedTools,
	}, s.maxAttempts)
	if err != nil {
		s.fail(c, err)
		return
	}

	msg, err := s.messages.SaveUserMessage(c.Request.Context(), sessionID, req.Content)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": msg, "job": job})
}

func (s *Server) cancelSession(c *gin.Context) {
	if err := s.messages.CancelSession(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) stream(c *gin.Context) {
	if err := s.bridge.Stream(c.Request.Context(), c.Writer, c.Param("id")); err != nil {
		s.log.Warn("sse stream ended with error", zap.String("session_id", c.Param("id")), zap.Error(err))
	}
}

// diagnosticsStream upgrades to the opt-in diagnostics WebSocket (§ Domain
// Stack, gorilla/websocket). Returns 404 when workspaceDiagnosticsPort is
// disabled, since the route still exists but nothing backs it.
func (s *Server) diagnosticsStream(c *gin.Context) {
	if s.diag == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "diagnostics are disabled"})
		return
	}
	s.diag.Handle(c.Writer, c.Request, c.Param("id"))
}

func jsonInt(s string) (int, error) {
	var n int
	err := json.Unmarshal([]byte(s), &n)
	return n, err
}
