// Package server exposes the relay over HTTP: REST endpoints for status
// checks and introspection, a websocket endpoint for live status pushes,
// health and metrics.
package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/brokerlink/relay/internal/relay"
	"github.com/brokerlink/relay/internal/tracing"
	"github.com/brokerlink/relay/internal/ws"
)

const userIDKey = "relay.user_id"

// Server holds the router and its collaborators.
type Server struct {
	engine    *gin.Engine
	svc       *relay.Service
	gateway   *ws.Gateway
	jwtSecret []byte
	logger    *zap.Logger
}

// New builds the gin engine with logging, recovery, tracing and metrics
// middleware, and mounts all routes.
func New(svc *relay.Service, gateway *ws.Gateway, jwtSecret []byte, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:       svc,
		gateway:   gateway,
		jwtSecret: jwtSecret,
		logger:    logger.Named("http"),
	}

	engine := gin.New()
	engine.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(s.logger, true))
	engine.Use(otelgin.Middleware("relay"))
	engine.Use(s.traceIDMiddleware())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	engine.GET("/ws", gin.WrapH(gateway))

	api := engine.Group("/api/v1", s.authMiddleware())
	{
		api.GET("/orders/:id/status", s.handleOrderStatus)
		api.POST("/orders/status/batch", s.handleOrderStatusBatch)
		api.GET("/traces/:id", s.handleTraceDetail)
		api.GET("/traces/stats", s.handleTraceStats)
		api.GET("/errors/analytics", s.handleErrorAnalytics)
		api.GET("/ratelimit/status", s.handleRateLimitStatus)
	}

	s.engine = engine
	return s
}

// Handler returns the root http handler.
func (s *Server) Handler() http.Handler { return s.engine }

// traceIDMiddleware threads an inbound X-Trace-ID header into the request
// context so the orchestrator continues the caller's trace.
func (s *Server) traceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if traceID := c.GetHeader("X-Trace-ID"); traceID != "" {
			c.Request = c.Request.WithContext(tracing.ContextWithTraceID(c.Request.Context(), traceID))
		}
		c.Next()
	}
}

// authMiddleware validates the bearer token and stores the caller's user
// id for the handlers.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.Parse(header[len(prefix):], func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
			return
		}
		userID, err := uuid.Parse(subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUserID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(userIDKey); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
