package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"tokentrader/internal/logger"
)

// Loop 按固定间隔执行任务；Align=true 时对齐到整点间隔（与 K 线收盘对齐）。
// Kick 可抢占下一次 tick，Halt 让后续 tick 变成空转。
type Loop struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	Align          bool
	RunImmediately bool

	nowFn  func() time.Time
	kick   chan struct{}
	halted atomic.Bool
	runs   atomic.Int64
}

func NewLoop(name string, interval time.Duration) *Loop {
	return &Loop{
		Name:     name,
		Interval: interval,
		nowFn:    time.Now,
		kick:     make(chan struct{}, 1),
	}
}

// Kick 立即唤醒循环执行一次；已有待处理的唤醒时丢弃。
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Loop) Halt()        { l.halted.Store(true) }
func (l *Loop) Resume()      { l.halted.Store(false) }
func (l *Loop) Halted() bool { return l.halted.Load() }
func (l *Loop) Runs() int64  { return l.runs.Load() }

// Run 阻塞直到 ctx 结束；返回 ctx.Err()。
func (l *Loop) Run(ctx context.Context, task func(context.Context)) error {
	if task == nil || l.Interval <= 0 {
		logger.Warnf("[scheduler] %s: invalid loop (interval=%s), exit", l.Name, l.Interval)
		return nil
	}
	if l.Offset < 0 {
		l.Offset = 0
	}
	if l.nowFn == nil {
		l.nowFn = time.Now
	}
	if l.kick == nil {
		l.kick = make(chan struct{}, 1)
	}
	startAt := l.nowFn().UTC()
	anchor := startAt
	if l.Align {
		anchor = startAt.Truncate(l.Interval).Add(l.Offset)
	}
	logger.Infof("[scheduler] %s: started interval=%s offset=%s align=%v run_immediately=%v",
		l.Name, l.Interval, l.Offset, l.Align, l.RunImmediately)

	if l.RunImmediately {
		l.fire(ctx, task)
	}
	for {
		now := l.nowFn().UTC()
		nextAt := nextFixedTimeAfter(anchor, l.Interval, now)
		logger.Debugf("[scheduler] %s: 下次执行=%s (in %s) | uptime=%s",
			l.Name, nextAt.Format(time.RFC3339), nextAt.Sub(now).Truncate(time.Second), now.Sub(startAt).Truncate(time.Second))

		timer := time.NewTimer(nextAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("[scheduler] %s: ctx done, exit", l.Name)
			return ctx.Err()
		case <-l.kick:
			timer.Stop()
			logger.Infof("[scheduler] %s: preempted", l.Name)
		case <-timer.C:
		}
		l.fire(ctx, task)
	}
}

func (l *Loop) fire(ctx context.Context, task func(context.Context)) {
	if l.halted.Load() || ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[scheduler] %s: task panic: %v", l.Name, r)
		}
	}()
	l.runs.Add(1)
	task(ctx)
}

func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	anchor = anchor.UTC()
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}
