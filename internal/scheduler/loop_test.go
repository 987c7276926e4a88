package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFixedTimeAfter(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, anchor, nextFixedTimeAfter(anchor, time.Minute, anchor.Add(-time.Second)))
	assert.Equal(t, anchor.Add(time.Minute), nextFixedTimeAfter(anchor, time.Minute, anchor))
	assert.Equal(t, anchor.Add(3*time.Minute), nextFixedTimeAfter(anchor, time.Minute, anchor.Add(150*time.Second)))
}

func TestLoopKickPreemptsAndHaltSkips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	loop := NewLoop("test", time.Hour)
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx, func(context.Context) { calls.Add(1) })
	}()

	loop.Kick()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	loop.Halt()
	loop.Kick()
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, loop.Runs())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestLoopRecoversPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	loop := NewLoop("panicky", time.Hour)
	loop.RunImmediately = true
	go func() {
		_ = loop.Run(ctx, func(context.Context) {
			calls.Add(1)
			panic("boom")
		})
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	loop.Kick()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestJobsRejectBadSpec(t *testing.T) {
	j := NewJobs()
	bg := func() context.Context { return context.Background() }
	assert.Error(t, j.Add("bad", "not a cron", func(context.Context) {}, bg))
	require.NoError(t, j.Add("off", "", func(context.Context) {}, bg))
	require.NoError(t, j.Add("health", "*/5 * * * * *", func(context.Context) {}, bg))
	assert.Equal(t, []string{"health"}, j.Names())
}
