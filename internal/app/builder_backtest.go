package app

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"tokentrader/internal/backtest"
	"tokentrader/internal/config"
	"tokentrader/internal/gateway"
	"tokentrader/internal/gateway/notifier"
	"tokentrader/internal/logger"
	"tokentrader/internal/market"
)

type backtestStack struct {
	simulator *backtest.Simulator
	results   *backtest.ResultStore
	closers   []io.Closer
}

// buildBacktestStack 组装回测依赖：本地 K 线库（回源行情源）+ 进程内缓存 + 结果库 + 策略预设。
func buildBacktestStack(cfg *config.Config, ms *gateway.MarketStack, tn notifier.TextNotifier) (*backtestStack, error) {
	bc := cfg.Backtest
	iv, err := backtest.ParseInterval(bc.BarInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: backtest.bar_interval: %v", config.ErrConfiguration, err)
	}
	stack := &backtestStack{}
	bars, err := backtest.NewBarStore(backtest.BarStoreConfig{
		Root:           filepath.Join(bc.DataDir, "bars"),
		Interval:       iv,
		Upstream:       ms.Feed,
		RequestsPerSec: cfg.Market.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open bar store: %w", err)
	}
	stack.closers = append(stack.closers, bars)

	results, err := backtest.NewResultStore(bc.DataDir)
	if err != nil {
		closeAll(stack.closers)
		return nil, fmt.Errorf("open result store: %w", err)
	}
	stack.closers = append(stack.closers, results)
	stack.results = results

	registry := backtest.DefaultRegistry()
	if path := strings.TrimSpace(bc.PresetsPath); path != "" {
		pf, err := backtest.LoadPresets(path)
		if err == nil {
			err = pf.Apply(registry)
		}
		if err != nil {
			closeAll(stack.closers)
			return nil, fmt.Errorf("%w: strategy presets: %v", config.ErrConfiguration, err)
		}
		logger.Infof("✓ 已加载策略预设 %s (%d)", path, len(pf.Strategies))
	}

	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{
		Bars:           market.NewCachedBars(bars),
		Registry:       registry,
		Results:        results,
		Notifier:       tn,
		MaxConcurrent:  bc.MaxConcurrent,
		DefaultCapital: bc.DefaultCapitalUSD,
	})
	if err != nil {
		closeAll(stack.closers)
		return nil, err
	}
	stack.simulator = sim
	return stack, nil
}
