package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lsventura/cryptoTrader/internal/exchange"
	"github.com/lsventura/cryptoTrader/internal/execution"
	"github.com/lsventura/cryptoTrader/internal/monitor"
	"github.com/lsventura/cryptoTrader/internal/strategy"
)

// monitorView is a monitor's record plus its watcher state
type monitorView struct {
	ID         string             `json:"id"`
	Running    bool               `json:"running"`
	ExitReason monitor.ExitReason `json:"exit_reason,omitempty"`
	Record     monitor.Record     `json:"record"`
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":     "healthy",
		"symbol":     s.exec.Symbol(),
		"monitors":   len(s.monitors.List()),
		"ws_clients": s.hub.GetClientCount(),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			body["status"] = "unhealthy"
			body["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "healthy"
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListMonitors(c *gin.Context) {
	records := s.monitors.List()
	out := make([]monitorView, 0, len(records))
	for _, rec := range records {
		view := monitorView{ID: rec.ID, Record: rec}
		if st, err := s.monitors.Status(rec.ID); err == nil {
			view.Running = st.Running
			view.ExitReason = st.Reason
		}
		out = append(out, view)
	}
	successResponse(c, out)
}

func (s *Server) handleGetMonitor(c *gin.Context) {
	st, err := s.monitors.Status(c.Param("id"))
	if errors.Is(err, monitor.ErrMonitorNotFound) {
		errorResponse(c, http.StatusNotFound, "monitor not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, monitorView{ID: st.Record.ID, Running: st.Running, ExitReason: st.Reason, Record: st.Record})
}

// handleStopMonitor cancels a watcher without closing its position
func (s *Server) handleStopMonitor(c *gin.Context) {
	id := c.Param("id")
	err := s.monitors.Stop(id, s.config.StopTimeout)
	switch {
	case errors.Is(err, monitor.ErrMonitorNotFound):
		errorResponse(c, http.StatusNotFound, "monitor not found")
	case errors.Is(err, monitor.ErrJoinTimeout):
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"message": "stop requested, watcher still exiting",
		})
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Info().Str("monitor_id", id).Msg("Monitor stopped via API")
		successResponse(c, gin.H{"id": id, "stopped": true})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	rows, err := s.exec.StatusPanel(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"symbol":   s.exec.Symbol(),
		"monitors": rows,
		"risk":     s.exec.RiskMetrics(),
	})
}

// handleDecision accepts a raw decision payload, e.g. {"final_decision": "BUY"}
func (s *Server) handleDecision(c *gin.Context) {
	var raw map[string]interface{}
	if err := c.ShouldBindJSON(&raw); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	d, err := strategy.Normalize(raw)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.exec.Execute(c.Request.Context(), d)
	if err != nil {
		s.logger.Error().Err(err).Str("decision", string(d)).Msg("Decision execution failed")
		c.JSON(statusFor(err), gin.H{
			"error":   true,
			"message": err.Error(),
			"result":  res,
		})
		return
	}
	successResponse(c, res)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	res, err := s.exec.Close(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"error":   true,
			"message": err.Error(),
			"result":  res,
		})
		return
	}
	successResponse(c, res)
}

type stopLossRequest struct {
	Price float64 `json:"price"` // 0 moves the stop to breakeven
}

func (s *Server) handleStopLoss(c *gin.Context) {
	var req stopLossRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if req.Price < 0 {
		errorResponse(c, http.StatusBadRequest, "price must not be negative")
		return
	}

	res, err := s.exec.UpdateStopLoss(c.Request.Context(), req.Price)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, res)
}

// handleEvents serves the audit trail, newest first
func (s *Server) handleEvents(c *gin.Context) {
	if s.audit == nil {
		errorResponse(c, http.StatusNotImplemented, "audit trail is disabled")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		errorResponse(c, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	rows, err := s.audit.Recent(c.Request.Context(), c.Query("monitor_id"), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rows)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrNotTradable),
		errors.Is(err, execution.ErrInvalidSize):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrRejected),
		errors.Is(err, exchange.ErrBelowMinNotional):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
