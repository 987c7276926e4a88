package app

import (
	"fmt"
	"strings"
	"time"

	"tokentrader/internal/backtest"
	"tokentrader/internal/risk"
)

type StartupSummary struct {
	Env             string
	Tokens          []string
	Simulation      bool
	CapitalUSD      float64
	TradingInterval time.Duration
	MonitorInterval time.Duration
	MarketProvider  string
	SignalProvider  string
	EventBackend    string
	HTTPAddr        string
	Jobs            []string
	Strategies      []backtest.StrategyInfo
	Limits          risk.Limits
	Recovered       int
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	mode := "模拟撮合"
	if !s.Simulation {
		mode = "实盘"
	}
	fmt.Println("[交易 (TRADING)]")
	fmt.Printf("  环境: %s  模式: %s\n", s.Env, mode)
	fmt.Printf("  币种: %s\n", formatList(s.Tokens))
	fmt.Printf("  初始资金: %.2f USD\n", s.CapitalUSD)
	fmt.Printf("  交易周期: %s  监控周期: %s\n", s.TradingInterval, s.MonitorInterval)
	fmt.Printf("  恢复持仓: %d\n", s.Recovered)
	fmt.Println()

	fmt.Println("[风控限额 (RISK LIMITS)]")
	l := s.Limits
	fmt.Printf("  单仓上限: %.2f%%  日亏损: %.2f%%  回撤: %.2f%%\n", l.MaxPositionSizePct*100, l.MaxDailyLossPct*100, l.MaxDrawdownPct*100)
	fmt.Printf("  止损: %.2f%%  止盈: %.2f%%  最小流动性: %.0f USD\n", l.StopLossPct*100, l.TakeProfitPct*100, l.MinLiquidityUSD)
	fmt.Println()

	fmt.Println("[数据与依赖 (SOURCES)]")
	fmt.Printf("  行情: %s  信号: %s  事件存储: %s\n", s.MarketProvider, s.SignalProvider, s.EventBackend)
	fmt.Printf("  HTTP: %s\n", s.HTTPAddr)
	fmt.Printf("  定时任务: %s\n", formatList(s.Jobs))
	fmt.Println()

	fmt.Println("[回测策略 (STRATEGIES)]")
	if len(s.Strategies) == 0 {
		fmt.Println("  (无)")
	}
	for _, st := range s.Strategies {
		fmt.Printf("  - %s: %s\n", st.ID, st.Description)
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
