package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mockStepper counts scheduled steps.
type mockStepper struct {
	calls int32
	err   error
	block chan struct{}
}

func (m *mockStepper) ScheduledStep(ctx context.Context) error {
	atomic.AddInt32(&m.calls, 1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
		}
	}
	return m.err
}

func newTestCronScheduler(t *testing.T, now time.Time) (*CronScheduler, *time.Time) {
	t.Helper()
	s := NewCronScheduler(time.Hour, zaptest.NewLogger(t))
	clock := now
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestCronScheduler_AddJobRejectsBadExpression(t *testing.T) {
	s, _ := newTestCronScheduler(t, time.Now())
	err := s.AddJob("bad", "not a cron", func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	_, ok := s.NextRun("bad")
	assert.False(t, ok)
}

func TestCronScheduler_NextRun(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	s, _ := newTestCronScheduler(t, base)

	require.NoError(t, s.AddStepJob("*/15 * * * *", &mockStepper{}))
	next, ok := s.NextRun("evolution_step")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), next)

	require.NoError(t, s.AddJob("hourly", "@hourly", func(ctx context.Context) error { return nil }))
	next, ok = s.NextRun("hourly")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)
}

func TestCronScheduler_RunsDueJobsOnly(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	s, clock := newTestCronScheduler(t, base)

	stepper := &mockStepper{}
	require.NoError(t, s.AddStepJob("*/15 * * * *", stepper))

	s.checkSchedules()
	s.wg.Wait()
	assert.Equal(t, int32(0), atomic.LoadInt32(&stepper.calls))

	*clock = base.Add(10 * time.Minute)
	s.checkSchedules()
	s.wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&stepper.calls))

	next, _ := s.NextRun("evolution_step")
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), next)

	// a failing job is logged and rescheduled
	stepper.err = errors.New("pool unavailable")
	*clock = base.Add(25 * time.Minute)
	s.checkSchedules()
	s.wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&stepper.calls))
}

func TestCronScheduler_SkipsOverlappingRuns(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s, clock := newTestCronScheduler(t, base)

	stepper := &mockStepper{block: make(chan struct{})}
	require.NoError(t, s.AddStepJob("* * * * *", stepper))

	*clock = base.Add(time.Minute)
	s.checkSchedules()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&stepper.calls) == 1 }, time.Second, 5*time.Millisecond)

	*clock = base.Add(2 * time.Minute)
	s.checkSchedules()

	close(stepper.block)
	s.wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&stepper.calls))
}

func TestCronScheduler_StartStop(t *testing.T) {
	s := NewCronScheduler(10*time.Millisecond, zaptest.NewLogger(t))

	var mu sync.Mutex
	ran := 0
	require.NoError(t, s.AddJob("every_minute", "* * * * *", func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	}))

	require.NoError(t, s.Start())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, ran, 1)
}
