package engine

import (
	"context"
	"errors"
	"fmt"

	"tokentrader/internal/backtest"
	"tokentrader/internal/types"
)

// ErrBacktestDisabled 表示未配置回测模拟器或结果库。
var ErrBacktestDisabled = errors.New("backtest is not configured")

// RunBacktest 与实时状态隔离，只读历史 K 线。
func (e *Engine) RunBacktest(ctx context.Context, req backtest.RunRequest) (backtest.Result, error) {
	if e.cfg.Backtest == nil {
		return backtest.Result{}, ErrBacktestDisabled
	}
	return e.cfg.Backtest.Run(ctx, req)
}

func (e *Engine) CompareStrategies(ctx context.Context, token string, r types.DateRange, capital float64) (backtest.Comparison, error) {
	if e.cfg.Backtest == nil {
		return backtest.Comparison{}, ErrBacktestDisabled
	}
	return e.cfg.Backtest.CompareStrategies(ctx, token, r, capital)
}

func (e *Engine) Strategies() []backtest.StrategyInfo {
	if e.cfg.Backtest == nil {
		return nil
	}
	return e.cfg.Backtest.Registry().Describe()
}

func (e *Engine) BacktestResult(ctx context.Context, id string) (backtest.Result, error) {
	if e.cfg.Results == nil {
		return backtest.Result{}, ErrBacktestDisabled
	}
	return e.cfg.Results.GetResult(ctx, id)
}

func (e *Engine) ListBacktests(ctx context.Context, limit int) ([]backtest.Result, error) {
	if e.cfg.Results == nil {
		return nil, ErrBacktestDisabled
	}
	return e.cfg.Results.ListResults(ctx, limit)
}

// BacktestChart 渲染已保存回测的权益曲线 HTML。
func (e *Engine) BacktestChart(ctx context.Context, id string) ([]byte, error) {
	res, err := e.BacktestResult(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(res.Equity) == 0 {
		return nil, fmt.Errorf("backtest %s has no equity curve", id)
	}
	return backtest.RenderEquityHTML(res)
}
