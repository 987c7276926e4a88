package binance

import (
	"context"
	"fmt"
	"strconv"

	"tokentrader/internal/ledger"
	"tokentrader/internal/logger"
	"tokentrader/internal/types"

	gobinance "github.com/adshao/go-binance/v2"
)

// Executor 以现货市价单实现 ledger.Executor；仅在 trading.simulation=false 时启用。
type Executor struct {
	src *Source
}

func NewExecutor(src *Source) *Executor {
	return &Executor{src: src}
}

func (e *Executor) Execute(ctx context.Context, order ledger.Order) (ledger.Fill, error) {
	if e.src.cfg.APIKey == "" || e.src.cfg.APISecret == "" {
		return ledger.Fill{}, fmt.Errorf("binance executor requires api key and secret")
	}
	pair, err := e.src.pair(order.Token)
	if err != nil {
		return ledger.Fill{}, err
	}
	side := gobinance.SideTypeBuy
	if order.Side == types.ActionSell {
		side = gobinance.SideTypeSell
	}
	if err := e.src.limiter.Wait(ctx); err != nil {
		return ledger.Fill{}, err
	}
	resp, err := e.src.client.NewCreateOrderService().
		Symbol(pair).
		Side(side).
		Type(gobinance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(order.Quantity, 'f', -1, 64)).
		NewClientOrderID(order.ClientID).
		Do(ctx)
	e.src.record(err)
	if err != nil {
		return ledger.Fill{}, fmt.Errorf("binance order %s %s: %w", side, pair, err)
	}
	fill := averageFill(resp)
	if fill.Quantity <= 0 {
		return ledger.Fill{}, fmt.Errorf("binance order %d for %s not filled (status=%s)", resp.OrderID, pair, resp.Status)
	}
	logger.Infof("[binance] filled %s %s qty=%.8f avg=%.8f", side, pair, fill.Quantity, fill.Price)
	return fill, nil
}

// averageFill 用成交额/成交量计算均价，没有 cummulative 字段时退回逐笔加权。
func averageFill(resp *gobinance.CreateOrderResponse) ledger.Fill {
	out := ledger.Fill{OrderID: strconv.FormatInt(resp.OrderID, 10)}
	qty := parseFloat(resp.ExecutedQuantity)
	quote := parseFloat(resp.CummulativeQuoteQuantity)
	if qty > 0 && quote > 0 {
		out.Quantity = qty
		out.Price = quote / qty
		return out
	}
	var notional float64
	for _, f := range resp.Fills {
		if f == nil {
			continue
		}
		q := parseFloat(f.Quantity)
		notional += q * parseFloat(f.Price)
		out.Quantity += q
	}
	if out.Quantity > 0 {
		out.Price = notional / out.Quantity
	}
	return out
}
