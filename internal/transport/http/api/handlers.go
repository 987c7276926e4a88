package apihttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tokentrader/internal/backtest"
	"tokentrader/internal/config"
	"tokentrader/internal/engine"
	"tokentrader/internal/market"
	"tokentrader/internal/risk"
	"tokentrader/internal/types"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	ok, detail := s.svc.Healthy()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "detail": detail})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "detail": detail})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.PortfolioSummary())
}

func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.RiskAssessment())
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.TradingStatus())
}

func (s *Server) handleAckAlert(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := s.svc.AcknowledgeAlert(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "acknowledged": true})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	closed, err := s.svc.EmergencyStop(c.Request.Context(), strings.TrimSpace(req.Reason))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "closed": closed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"halted": true, "closed": closed})
}

func (s *Server) handleResume(c *gin.Context) {
	s.svc.Resume()
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

type backtestRequest struct {
	StrategyID     string         `json:"strategy_id"`
	Token          string         `json:"token" binding:"required"`
	Start          string         `json:"start"`
	End            string         `json:"end"`
	InitialCapital float64        `json:"initial_capital"`
	Params         map[string]any `json:"params"`
}

func (r backtestRequest) dateRange() (types.DateRange, error) {
	start, err := parseDate(r.Start)
	if err != nil {
		return types.DateRange{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseDate(r.End)
	if err != nil {
		return types.DateRange{}, fmt.Errorf("end: %w", err)
	}
	rng := types.DateRange{Start: start, End: end}
	if !rng.Valid() {
		return types.DateRange{}, errors.New("end before start")
	}
	return rng, nil
}

// parseDate 接受 RFC3339、YYYY-MM-DD 或毫秒时间戳；空串表示不限。
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time %q", raw)
}

func (s *Server) handleBacktestRun(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.StrategyID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategy_id is required"})
		return
	}
	rng, err := req.dateRange()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	res, err := s.svc.RunBacktest(ctx, backtest.RunRequest{
		StrategyID:     req.StrategyID,
		Token:          req.Token,
		Range:          rng,
		InitialCapital: req.InitialCapital,
		Params:         req.Params,
	})
	if err != nil {
		if res.ID != "" {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": res})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleBacktestCompare(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rng, err := req.dateRange()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	cmp, err := s.svc.CompareStrategies(ctx, req.Token, rng, req.InitialCapital)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func (s *Server) handleBacktestList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	runs, err := s.svc.ListBacktests(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.svc.Strategies()})
}

func (s *Server) handleBacktestDetail(c *gin.Context) {
	res, err := s.svc.BacktestResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleBacktestChart(c *gin.Context) {
	html, err := s.svc.BacktestChart(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, backtest.ErrRunNotFound), errors.Is(err, risk.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, backtest.ErrUnknownStrategy), errors.Is(err, config.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrDataUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrBacktestDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
