package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brokerlink/relay/internal/broker"
	"github.com/brokerlink/relay/internal/reconciler"
	"github.com/brokerlink/relay/internal/resilience"
	"github.com/brokerlink/relay/internal/storage"
)

// writeError maps a failure onto an HTTP response. Known sentinels get
// their natural status; everything else goes through classification so the
// caller sees the taxonomy's status and user-safe message.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reconciler.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, storage.ErrTraceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
	case errors.Is(err, broker.ErrUnknownBroker):
		c.JSON(http.StatusBadRequest, gin.H{"error": "order references an unconfigured broker"})
	default:
		class := resilience.Classify(resilience.ErrorInput{Err: err})
		s.logger.Warn("request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(class.Kind)),
			zap.Error(err))
		c.JSON(class.HTTPStatus, gin.H{
			"error": class.UserMessage,
			"kind":  class.Kind,
		})
	}
}

func (s *Server) handleOrderStatus(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	res, err := s.svc.CheckOrderStatus(c.Request.Context(), currentUserID(c), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type batchStatusRequest struct {
	OrderIDs []uuid.UUID `json:"order_ids" binding:"required,min=1,max=50"`
}

func (s *Server) handleOrderStatusBatch(c *gin.Context) {
	var req batchStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	outcomes := s.svc.CheckOrderStatusBatch(c.Request.Context(), currentUserID(c), req.OrderIDs)
	c.JSON(http.StatusOK, gin.H{"results": outcomes})
}

func (s *Server) handleTraceDetail(c *gin.Context) {
	detail, err := s.svc.TraceDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleTraceStats(c *gin.Context) {
	window := parseWindow(c.Query("window"), time.Hour)
	stats, err := s.svc.TraceStatistics(c.Request.Context(), window)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleErrorAnalytics(c *gin.Context) {
	window := parseWindow(c.Query("window"), time.Hour)
	report, err := s.svc.ErrorAnalytics(c.Request.Context(), window)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleRateLimitStatus(c *gin.Context) {
	resource := c.Query("resource")
	operation := c.DefaultQuery("operation", "get_order_status")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource query parameter is required"})
		return
	}

	snap, ok := s.svc.RateLimitStatus(currentUserID(c).String(), resource, operation)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "window": snap})
}

func parseWindow(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
