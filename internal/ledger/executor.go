package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tokentrader/internal/types"

	"github.com/google/uuid"
)

// Order 是发给执行后端的市价单。
type Order struct {
	ClientID string       `json:"client_id"`
	Token    string       `json:"token"`
	Side     types.Action `json:"side"`
	Quantity float64      `json:"quantity"`
	Price    float64      `json:"price"`
}

// Fill is the execution result; Simulated marks fills produced without a venue.
type Fill struct {
	OrderID   string  `json:"order_id"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Simulated bool    `json:"simulated"`
}

// Executor 是执行后端；SimulatedExecutor 为默认实现，真实下单由 gateway/binance 提供。
type Executor interface {
	Execute(ctx context.Context, order Order) (Fill, error)
}

// SlippageSource 返回带符号的滑点比例。
type SlippageSource interface {
	Fraction() float64
}

// FixedSlippage always returns the same fraction; tests use 0.
type FixedSlippage float64

func (f FixedSlippage) Fraction() float64 { return float64(f) }

// RandomSlippage 在 [min,max] 内均匀取幅度，随机正负号。
type RandomSlippage struct {
	mu     sync.Mutex
	rng    *rand.Rand
	lo, hi float64
}

func NewRandomSlippage(lo, hi float64, seed int64) *RandomSlippage {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return &RandomSlippage{rng: rand.New(rand.NewSource(seed)), lo: lo, hi: hi}
}

func (r *RandomSlippage) Fraction() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	mag := r.lo + r.rng.Float64()*(r.hi-r.lo)
	if r.rng.Intn(2) == 0 {
		mag = -mag
	}
	return mag
}

// SimulatedExecutor 在参考价上叠加滑点成交：买入 price·(1+f)，卖出 price·(1−f)。
type SimulatedExecutor struct {
	slip SlippageSource
}

func NewSimulatedExecutor(slip SlippageSource) *SimulatedExecutor {
	if slip == nil {
		slip = FixedSlippage(0)
	}
	return &SimulatedExecutor{slip: slip}
}

func (e *SimulatedExecutor) Execute(ctx context.Context, order Order) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if order.Price <= 0 || order.Quantity <= 0 {
		return Fill{}, fmt.Errorf("simulated execution %s: price and quantity must be > 0", order.Token)
	}
	f := e.slip.Fraction()
	price := order.Price * (1 + f)
	if order.Side == types.ActionSell {
		price = order.Price * (1 - f)
	}
	return Fill{
		OrderID:   "sim-" + uuid.NewString(),
		Price:     price,
		Quantity:  order.Quantity,
		Simulated: true,
	}, nil
}
