package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-client/internal/middleware"
	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/telemetry"
)

// SessionView is the read side of a chat session.
type SessionView interface {
	Snapshot() models.Session
	Messages() []models.Message
	PendingActions() int
}

type auditor interface {
	Emit(ctx context.Context, rec telemetry.Record)
}

// DebugHandler exposes the state of the running session.
type DebugHandler struct {
	view  SessionView
	audit auditor
}

// NewDebugHandler constructs a DebugHandler. audit may be nil.
func NewDebugHandler(view SessionView, audit auditor) *DebugHandler {
	return &DebugHandler{view: view, audit: audit}
}

type debugMessage struct {
	models.Message
	DeliveryState string `json:"delivery_state"`
}

// Session handles GET /debug/session.
func (h *DebugHandler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session":         h.view.Snapshot(),
		"pending_actions": h.view.PendingActions(),
	})
}

// Messages handles GET /debug/messages. ?limit=N returns the newest N.
func (h *DebugHandler) Messages(c *gin.Context) {
	msgs := h.view.Messages()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if limit < len(msgs) {
			msgs = msgs[len(msgs)-limit:]
		}
	}

	out := make([]debugMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, debugMessage{Message: m, DeliveryState: m.DeliveryState.String()})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out, "count": len(out)})
}

// AuditTest handles POST /debug/audit-test.
func (h *DebugHandler) AuditTest(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
		return
	}
	snap := h.view.Snapshot()
	h.audit.Emit(c.Request.Context(), telemetry.Record{
		EventType: "audit_test",
		Level:     "info",
		Text:      "audit test",
		SessionID: requestIDFromContext(c),
		GroupID:   snap.GroupID,
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// NewDebugRouter builds the local debug endpoint. Everything except /healthz
// sits behind the debug token.
func NewDebugRouter(view SessionView, audit auditor, token string) *gin.Engine {
	h := NewDebugHandler(view, audit)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-client-debug"))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(RequestIDMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	guarded := router.Group("/", middleware.DebugTokenMiddleware(token))
	guarded.GET("/debug/session", h.Session)
	guarded.GET("/debug/messages", h.Messages)
	guarded.POST("/debug/audit-test", h.AuditTest)
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
