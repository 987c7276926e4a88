package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tokentrader/internal/backtest"
	"tokentrader/internal/engine"
	"tokentrader/internal/logger"
	"tokentrader/internal/risk"
	"tokentrader/internal/types"

	"github.com/gin-gonic/gin"
)

// Service 是 HTTP 层依赖的引擎能力，由 *engine.Engine 实现。
type Service interface {
	PortfolioSummary() engine.PortfolioView
	RiskAssessment() risk.Assessment
	TradingStatus() engine.TradingStatus
	AcknowledgeAlert(ctx context.Context, id string) error
	EmergencyStop(ctx context.Context, reason string) (int, error)
	Resume()
	Healthy() (bool, string)

	RunBacktest(ctx context.Context, req backtest.RunRequest) (backtest.Result, error)
	CompareStrategies(ctx context.Context, token string, r types.DateRange, capital float64) (backtest.Comparison, error)
	BacktestResult(ctx context.Context, id string) (backtest.Result, error)
	ListBacktests(ctx context.Context, limit int) ([]backtest.Result, error)
	BacktestChart(ctx context.Context, id string) ([]byte, error)
	Strategies() []backtest.StrategyInfo
}

var _ Service = (*engine.Engine)(nil)

type Config struct {
	Addr    string
	Service Service
	// RequestTimeout 限制单个请求（主要是回测）的执行时间。
	RequestTimeout time.Duration
}

// Server 暴露组合、风控、状态与回测接口。
type Server struct {
	addr    string
	svc     Service
	timeout time.Duration
	router  *gin.Engine
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("api server requires a service")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: cfg.Addr, svc: cfg.Service, timeout: cfg.RequestTimeout, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api")
	api.GET("/portfolio", s.handlePortfolio)
	api.GET("/risk", s.handleRisk)
	api.POST("/risk/alerts/:id/ack", s.handleAckAlert)
	api.GET("/status", s.handleStatus)
	api.POST("/emergency-stop", s.handleEmergencyStop)
	api.POST("/resume", s.handleResume)

	bt := api.Group("/backtest")
	bt.POST("", s.handleBacktestRun)
	bt.GET("", s.handleBacktestList)
	bt.POST("/compare", s.handleBacktestCompare)
	bt.GET("/strategies", s.handleStrategies)
	bt.GET("/:id", s.handleBacktestDetail)
	bt.GET("/:id/chart", s.handleBacktestChart)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.addr }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
