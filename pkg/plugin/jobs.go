package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// ErrJobsStopped is returned when a job is started after Stop
var ErrJobsStopped = errors.New("background jobs are stopped")

// Jobs owns the background jobs of one service instance. Jobs receive a
// context that is cancelled when the service stops. Jobs registered before
// Launch are queued and only run once Launch is called.
type Jobs struct {
	t      tomb.Tomb
	logger zerolog.Logger

	mu       sync.Mutex
	count    int
	launched bool
	keeper   bool
	stopped  bool
	pending  []job
}

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// NewJobs creates an empty job set that queues jobs until Launch
func NewJobs(logger zerolog.Logger) *Jobs {
	return &Jobs{logger: logger}
}

// Go runs fn until it returns or the service stops. A job returning an
// error is logged; it does not affect other jobs.
func (j *Jobs) Go(name string, fn func(ctx context.Context) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return ErrJobsStopped
	}
	j.count++
	if !j.launched {
		j.pending = append(j.pending, job{name: name, fn: fn})
		return nil
	}
	j.run(name, fn)
	return nil
}

// Launch starts the queued jobs; later calls to Go start immediately
func (j *Jobs) Launch() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return ErrJobsStopped
	}
	if j.launched {
		return nil
	}
	j.launched = true
	for _, p := range j.pending {
		j.run(p.name, p.fn)
	}
	j.pending = nil
	return nil
}

// run starts fn in the tomb. Caller holds j.mu.
func (j *Jobs) run(name string, fn func(ctx context.Context) error) {
	if !j.keeper {
		// Keeps the tomb alive until Stop, so finished jobs do not kill it
		j.keeper = true
		j.t.Go(func() error {
			<-j.t.Dying()
			return nil
		})
	}
	metrics.BackgroundJobsRunning.Inc()
	ctx := j.t.Context(nil)
	j.t.Go(func() error {
		defer metrics.BackgroundJobsRunning.Dec()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			j.logger.Error().Err(err).Str("job", name).Msg("Background job failed")
		}
		return nil
	})
}

// Schedule runs fn on a standard cron schedule ("*/5 * * * *", "@every 1s")
// until the service stops. Runs do not overlap.
func (j *Jobs) Schedule(name, spec string, fn func(ctx context.Context) error) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}

	return j.Go(name, func(ctx context.Context) error {
		for {
			next := schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			if err := fn(ctx); err != nil {
				j.logger.Warn().Err(err).Str("job", name).Msg("Scheduled job run failed")
			}
		}
	})
}

// Count returns the number of jobs registered
func (j *Jobs) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Stop cancels all jobs and waits for them up to grace
func (j *Jobs) Stop(grace time.Duration) error {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return nil
	}
	j.stopped = true
	started := j.keeper
	j.pending = nil
	j.mu.Unlock()

	if !started {
		return nil
	}

	j.t.Kill(nil)
	select {
	case <-j.t.Dead():
		return nil
	case <-time.After(grace):
		return fmt.Errorf("background jobs did not stop within %s", grace)
	}
}
