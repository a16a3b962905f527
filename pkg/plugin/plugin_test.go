package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobsGoAndStop(t *testing.T) {
	jobs := NewJobs(zerolog.Nop())
	require.NoError(t, jobs.Launch())

	var stopped atomic.Bool
	require.NoError(t, jobs.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return ctx.Err()
	}))
	// A job finishing early must not prevent later jobs
	require.NoError(t, jobs.Go("short", func(ctx context.Context) error { return errors.New("done") }))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, jobs.Go("late", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
	assert.Equal(t, 3, jobs.Count())

	require.NoError(t, jobs.Stop(time.Second))
	assert.True(t, stopped.Load())

	assert.ErrorIs(t, jobs.Go("after", func(ctx context.Context) error { return nil }), ErrJobsStopped)
	assert.NoError(t, jobs.Stop(time.Second), "second stop is a no-op")
}

func TestJobsStopGrace(t *testing.T) {
	jobs := NewJobs(zerolog.Nop())
	require.NoError(t, jobs.Launch())
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, jobs.Go("stubborn", func(ctx context.Context) error {
		<-release
		return nil
	}))

	err := jobs.Stop(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not stop within")
}

func TestJobsStopWithoutJobs(t *testing.T) {
	jobs := NewJobs(zerolog.Nop())
	assert.NoError(t, jobs.Stop(10*time.Millisecond))
}

func TestJobsQueuedUntilLaunch(t *testing.T) {
	jobs := NewJobs(zerolog.Nop())

	ran := make(chan struct{})
	require.NoError(t, jobs.Go("queued", func(ctx context.Context) error {
		close(ran)
		<-ctx.Done()
		return nil
	}))
	select {
	case <-ran:
		t.Fatal("job ran before Launch")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, jobs.Launch())
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run after Launch")
	}
	require.NoError(t, jobs.Stop(time.Second))
}

func TestJobsStopDropsQueue(t *testing.T) {
	jobs := NewJobs(zerolog.Nop())

	var ran atomic.Bool
	require.NoError(t, jobs.Go("queued", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))
	require.NoError(t, jobs.Stop(time.Second))
	assert.ErrorIs(t, jobs.Launch(), ErrJobsStopped)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestJobsSchedule(t *testing.T) {
	jobs := NewJobs(zerolog.Nop())
	require.NoError(t, jobs.Launch())

	var runs atomic.Int32
	require.NoError(t, jobs.Schedule("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, jobs.Stop(time.Second))

	err := jobs.Schedule("bad", "not a schedule", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

type fullService struct{}

func (fullService) OnStart(ctx *Context, cfg map[string]any) error { return nil }
func (fullService) OnStop(ctx *Context) error                      { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("p", "0.1.0", "s1", func() any { return fullService{} }))
	assert.Error(t, r.Register("p", "0.1.0", "s1", func() any { return fullService{} }))

	key := types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "s1"}
	assert.True(t, r.Has(key))

	svc, err := r.New(key)
	require.NoError(t, err)
	_, isStarter := svc.(Starter)
	_, isChanger := svc.(ConfigChanger)
	assert.True(t, isStarter)
	assert.False(t, isChanger)

	_, err = r.New(types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "s3"})
	require.Error(t, err)
	assert.Equal(t, "service `s3` not found in plugin `p:0.1.0`", err.Error())

	assert.Equal(t, []types.ServiceKey{key}, r.Keys())
}
