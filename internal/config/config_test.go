package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
trading:
  tokens: [btc, " eth ", BTC]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Trading.Tokens)
	assert.True(t, cfg.Trading.Simulation)
	assert.Equal(t, 30, cfg.Trading.TradingIntervalSeconds)
	assert.Equal(t, 60, cfg.Trading.MonitorIntervalSeconds)
	assert.InDelta(t, 0.10, cfg.Risk.MaxPositionSizePct, 1e-12)
	assert.InDelta(t, 0.05, cfg.Risk.MaxDailyLossPct, 1e-12)
	assert.InDelta(t, 0.20, cfg.Risk.MaxDrawdownPct, 1e-12)
	assert.InDelta(t, 0.80, cfg.Risk.MaxCorrelation, 1e-12)
	assert.InDelta(t, 0.50, cfg.Risk.MaxVolatility, 1e-12)
	assert.InDelta(t, 10, cfg.Risk.MinLiquidityUSD, 1e-12)
	assert.InDelta(t, 0.05, cfg.Risk.StopLossPct, 1e-12)
	assert.InDelta(t, 0.15, cfg.Risk.TakeProfitPct, 1e-12)
	assert.Equal(t, map[string]float64{CashKey: 1}, cfg.Portfolio.TargetAllocation)
}

func TestLoadFollowsIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "risk.yaml", `
risk:
  max_drawdown_pct: 0.3
`)
	path := writeFile(t, dir, "config.yaml", `
include: [risk.yaml]
portfolio:
  target_allocation:
    btc: 0.5
    eth: 0.3
    cash: 0.2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, cfg.Risk.MaxDrawdownPct, 1e-12)
	assert.InDelta(t, 0.5, cfg.Portfolio.TargetAllocation["BTC"], 1e-12)
	assert.InDelta(t, 0.2, cfg.Portfolio.TargetAllocation[CashKey], 1e-12)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"explicit zero limit": "risk:\n  max_position_size_pct: 0\n",
		"allocation sum":      "portfolio:\n  target_allocation:\n    btc: 0.5\n",
		"unknown provider":    "market:\n  provider: kraken\n",
		"telegram incomplete": "notify:\n  telegram:\n    enabled: true\n",
		"bad cron":            "trading:\n  snapshot_cron: \"every day\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
		})
	}
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestEnvBinding(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	path := writeFile(t, t.TempDir(), "config.yaml", "notify:\n  telegram:\n    enabled: true\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Notify.Telegram.BotToken)
	assert.Equal(t, "42", cfg.Notify.Telegram.ChatID)
}

func TestValidateAllocation(t *testing.T) {
	assert.NoError(t, ValidateAllocation(map[string]float64{"BTC": 0.6, CashKey: 0.4}))
	assert.ErrorIs(t, ValidateAllocation(map[string]float64{"BTC": 0.6}), ErrConfiguration)
	assert.ErrorIs(t, ValidateAllocation(map[string]float64{"BTC": 1.2, CashKey: -0.2}), ErrConfiguration)
}
