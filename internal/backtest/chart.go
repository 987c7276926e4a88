package backtest

import (
	"bytes"
	"fmt"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	chartBackground = "#060c1b"
	chartText       = "#eceff4"
	chartMuted      = "#9ca3af"
	chartEquity     = "#34d399"
	chartDrawdown   = "#f87171"
	chartTrade      = "#fbbf24"

	chartWidthPx   = 1200
	equityHeightPx = 480
	drawdownHeight = 240
)

// RenderEquityHTML 生成权益曲线与回撤的 HTML 页面（go-echarts）。
func RenderEquityHTML(res Result) ([]byte, error) {
	if len(res.Equity) == 0 {
		return nil, fmt.Errorf("run %s has no equity curve", res.ID)
	}
	xAxis := make([]string, len(res.Equity))
	equity := make([]opts.LineData, len(res.Equity))
	drawdown := make([]opts.LineData, len(res.Equity))
	for i, p := range res.Equity {
		xAxis[i] = p.Time.UTC().Format("2006-01-02 15:04")
		equity[i] = opts.LineData{Value: round(p.Equity, 2)}
		drawdown[i] = opts.LineData{Value: round(-p.Drawdown*100, 2)}
	}

	title := fmt.Sprintf("%s %s", res.StrategyID, res.Token)
	subtitle := fmt.Sprintf("return %.2f%% | trades %d | max dd %.2f%% | sharpe %.3f",
		res.Metrics.TotalReturn*100, res.Metrics.TotalTrades, res.Metrics.MaxDrawdown*100, res.Metrics.SharpeRatio)

	eq := charts.NewLine()
	eq.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:         title,
			Subtitle:      subtitle,
			TitleStyle:    &opts.TextStyle{Color: chartText, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: chartMuted},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10", TextStyle: &opts.TextStyle{Color: chartText}}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: chartMuted}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true), AxisLabel: &opts.AxisLabel{Color: chartMuted}}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	eq.SetXAxis(xAxis)
	eq.AddSeries("Equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: chartEquity, Width: 2}))
	if marks := tradeMarks(res); len(marks) > 0 {
		eq.AddSeries("Exits", marks,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
			charts.WithLineStyleOpts(opts.LineStyle{Color: chartTrade, Width: 0}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: chartTrade}),
		)
	}

	dd := charts.NewLine()
	dd.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(drawdownHeight)),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", TitleStyle: &opts.TextStyle{Color: chartText, FontSize: 14}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: chartMuted}}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Color: chartMuted}}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	dd.SetXAxis(xAxis)
	dd.AddSeries("Drawdown", drawdown,
		charts.WithLineStyleOpts(opts.LineStyle{Color: chartDrawdown, Width: 1}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Color: chartDrawdown, Opacity: opts.Float(0.25)}),
	)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(eq, dd)
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: chartBackground,
	}
}

// tradeMarks 在平仓 bar 上标出权益值，其余位置留空。
func tradeMarks(res Result) []opts.LineData {
	if len(res.Trades) == 0 {
		return nil
	}
	exits := make(map[int64]struct{}, len(res.Trades))
	for _, t := range res.Trades {
		exits[t.ExitTime.UnixMilli()] = struct{}{}
	}
	out := make([]opts.LineData, len(res.Equity))
	for i, p := range res.Equity {
		if _, ok := exits[p.Time.UnixMilli()]; ok {
			out[i] = opts.LineData{Value: round(p.Equity, 2)}
			continue
		}
		out[i] = opts.LineData{Value: nil}
	}
	return out
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
