package ledger

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/types"
)

const defaultExecTimeout = 10 * time.Second

// state 只在 actor goroutine 内访问，无锁。
type state struct {
	positions   map[string]*Position
	openByToken map[string]string
	order       []string
	opened      int
	realized    []float64
	lastEval    time.Time
}

func newState() *state {
	return &state{
		positions:   make(map[string]*Position),
		openByToken: make(map[string]string),
	}
}

// Snapshot 是每次变更后发布的只读副本。
type Snapshot struct {
	Positions   []Position
	Performance Performance
	Status      LedgerStatus
}

func (s *Snapshot) Open() []Position {
	var out []Position
	for _, p := range s.Positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

type Option func(*Ledger)

func WithExecTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.execTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger 是 PositionLedger：单写者 actor，串行处理开仓、平仓、出场评估与紧急平仓。
type Ledger struct {
	executor Executor
	oracle   market.PriceOracle
	store    EventStore
	registry *HandlerRegistry

	msgCh    chan EventEnvelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	state    *state
	snapshot atomic.Value

	execTimeout time.Duration
	now         func() time.Time
}

func New(exec Executor, oracle market.PriceOracle, store EventStore, opts ...Option) *Ledger {
	reg := NewHandlerRegistry()
	reg.RegisterDefaultHandlers()
	if exec == nil {
		exec = NewSimulatedExecutor(nil)
	}
	l := &Ledger{
		executor:    exec,
		oracle:      oracle,
		store:       store,
		registry:    reg,
		msgCh:       make(chan EventEnvelope, 100),
		stopCh:      make(chan struct{}),
		state:       newState(),
		execTimeout: defaultExecTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.refreshSnapshot()
	return l
}

func (l *Ledger) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.runLoop()
}

func (l *Ledger) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
		l.running.Store(false)
		if l.store != nil {
			if err := l.store.Close(); err != nil {
				logger.Warnf("[ledger] event store close failed: %v", err)
			}
		}
	})
}

func (l *Ledger) Send(evt EventEnvelope) error {
	select {
	case l.msgCh <- evt:
		return nil
	case <-l.stopCh:
		return ErrStopped
	}
}

// SendSync 投递事件并等待 handler 结果。
func (l *Ledger) SendSync(ctx context.Context, evt EventEnvelope) (any, error) {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan Reply, 1)
	}
	if err := l.Send(evt); err != nil {
		return nil, err
	}
	select {
	case r := <-evt.ReplyCh:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.stopCh:
		return nil, fmt.Errorf("%w during sync call", ErrStopped)
	}
}

func (l *Ledger) runLoop() {
	defer l.wg.Done()
	logger.Infof("[ledger] actor started")
	for {
		select {
		case evt := <-l.msgCh:
			l.handleEvent(evt)
		case <-l.stopCh:
			logger.Infof("[ledger] actor stopping")
			return
		}
	}
}

func (l *Ledger) handleEvent(evt EventEnvelope) {
	var (
		err    error
		result any
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[ledger] panic handling event %s: %v\n%s", evt.Type, r, debug.Stack())
			err = fmt.Errorf("%w: panic in %s handler: %v", ErrInvariant, evt.Type, r)
		}
		l.refreshSnapshot()
		if evt.ReplyCh != nil {
			evt.ReplyCh <- Reply{Value: result, Err: err}
			close(evt.ReplyCh)
		}
		if dur := time.Since(start); dur > time.Second {
			logger.Warnf("[ledger] slow event %s took %v", evt.Type, dur)
		}
	}()

	handler, ok := l.registry.Get(evt.Type)
	if !ok {
		err = fmt.Errorf("no handler registered for event type %s", evt.Type)
		logger.Warnf("[ledger] %v", err)
		return
	}
	hc := newHandlerContext(l)
	err = handler.Handle(hc, evt.Payload, evt.ID)
	result = hc.result
	if err != nil {
		logger.Errorf("[ledger] failed to handle %s: %v", evt.Type, err)
	}
}

func (l *Ledger) refreshSnapshot() {
	snap := &Snapshot{Status: LedgerStatus{Running: l.running.Load(), LastEvaluated: l.state.lastEval}}
	for _, id := range l.state.order {
		p := l.state.positions[id]
		snap.Positions = append(snap.Positions, p.clone())
		switch {
		case p.IsOpen():
			snap.Status.OpenPositions++
		case p.Status == StatusPending:
			snap.Status.Pending++
		case p.Status == StatusClosed:
			snap.Status.Closed++
		case p.Status == StatusFailed:
			snap.Status.Failed++
		}
	}
	snap.Performance = computePerformance(l.state.opened, l.state.realized)
	l.snapshot.Store(snap)
}

func (l *Ledger) Snapshot() *Snapshot {
	val, _ := l.snapshot.Load().(*Snapshot)
	if val == nil {
		return &Snapshot{}
	}
	return val
}

// Open 校验并执行开仓。执行失败时返回 status=failed 的 Position 而非错误。
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (Position, error) {
	evt, err := newEnvelope(EvtOpen, req.Signal.Token, req)
	if err != nil {
		return Position{}, err
	}
	return positionReply(l.SendSync(ctx, evt))
}

// Close 以当前市价平掉指定仓位；id 不是未平仓位时返回 ErrInvariant。
func (l *Ledger) Close(ctx context.Context, id string, reason CloseReason) (Position, error) {
	evt, err := newEnvelope(EvtClose, "", ClosePayload{PositionID: id, Reason: reason})
	if err != nil {
		return Position{}, err
	}
	return positionReply(l.SendSync(ctx, evt))
}

// CloseToken closes the open position for token, if any.
func (l *Ledger) CloseToken(ctx context.Context, token string, reason CloseReason) (Position, bool, error) {
	token = types.NormalizeToken(token)
	for _, p := range l.OpenPositions() {
		if p.Token == token {
			pos, err := l.Close(ctx, p.ID, reason)
			return pos, true, err
		}
	}
	return Position{}, false, nil
}

func (l *Ledger) EvaluateExits(ctx context.Context) ([]Position, error) {
	evt, err := newEnvelope(EvtEvaluateExits, "", struct{}{})
	if err != nil {
		return nil, err
	}
	v, err := l.SendSync(ctx, evt)
	res, _ := v.(EvaluateResult)
	return res.Closed, err
}

// EmergencyCloseAll 逐个平仓并忽略单个失败，返回成功平仓数量。
func (l *Ledger) EmergencyCloseAll(ctx context.Context, reason string) (int, error) {
	evt, err := newEnvelope(EvtEmergencyCloseAll, "", EmergencyPayload{Reason: reason})
	if err != nil {
		return 0, err
	}
	v, err := l.SendSync(ctx, evt)
	n, _ := v.(int)
	return n, err
}

// MarkPrices pushes fresh marks into open positions without evaluating exits.
func (l *Ledger) MarkPrices(ctx context.Context, prices map[string]float64) error {
	evt, err := newEnvelope(EvtPriceUpdate, "", PriceUpdatePayload{Prices: prices})
	if err != nil {
		return err
	}
	_, err = l.SendSync(ctx, evt)
	return err
}

func positionReply(v any, err error) (Position, error) {
	pos, _ := v.(Position)
	return pos, err
}

func (l *Ledger) OpenPositions() []Position {
	return l.Snapshot().Open()
}

// History returns every position ever recorded, in open order.
func (l *Ledger) History() []Position {
	return append([]Position(nil), l.Snapshot().Positions...)
}

func (l *Ledger) Get(id string) (Position, bool) {
	for _, p := range l.Snapshot().Positions {
		if p.ID == id {
			return p, true
		}
	}
	return Position{}, false
}

func (l *Ledger) Performance() Performance {
	return l.Snapshot().Performance
}

func (l *Ledger) Status() LedgerStatus {
	st := l.Snapshot().Status
	st.Running = l.running.Load()
	return st
}

// openIDs 按开仓顺序返回未平仓 id，保证评估顺序稳定。
func (s *state) openIDs() []string {
	ids := make([]string, 0, len(s.openByToken))
	for _, id := range s.openByToken {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.positions[ids[i]], s.positions[ids[j]]
		if a.OpenedAt.Equal(b.OpenedAt) {
			return a.ID < b.ID
		}
		return a.OpenedAt.Before(b.OpenedAt)
	})
	return ids
}
