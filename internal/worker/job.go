package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
)

const defaultBurst = 64 * 1024

// Job is the control block shared between the scheduler and the executor of
// one task. The task snapshot is guarded by mu; stop flags are checked at
// suspension points.
type Job struct {
	mu      sync.Mutex
	task    domain.Task
	attempt *attempt

	paused    atomic.Bool
	cancelled atomic.Bool

	limiter *rate.Limiter
}

// attempt holds the cancel functions of one transfer attempt. halt ends
// throttle waits at once; closeStream aborts the source stream, after grace
// when the request is a pause.
type attempt struct {
	halt        context.CancelFunc
	closeStream context.CancelFunc
	grace       time.Duration
}

// NewJob wraps a task and applies its speed limit.
func NewJob(task domain.Task) *Job {
	j := &Job{
		task:    task,
		limiter: rate.NewLimiter(rate.Inf, defaultBurst),
	}
	j.applyLimit(task.SpeedLimit)
	return j
}

func (j *Job) ID() string {
	return j.task.ID
}

// Snapshot returns a copy of the task.
func (j *Job) Snapshot() domain.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.task
}

// Update mutates the task under the job lock and returns the new snapshot.
func (j *Job) Update(fn func(t *domain.Task)) domain.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.task)
	return j.task
}

// RequestPause asks the executor to stop after the current chunk, keeping the
// partial file.
func (j *Job) RequestPause() {
	j.paused.Store(true)
	j.wake(true)
}

// RequestCancel asks the executor to stop after the current chunk.
func (j *Job) RequestCancel() {
	j.cancelled.Store(true)
	j.wake(false)
}

// ClearPause resets the pause flag before the job is queued again.
func (j *Job) ClearPause() {
	j.paused.Store(false)
}

// Paused reports whether a pause was requested and not cleared since.
func (j *Job) Paused() bool {
	return j.paused.Load()
}

// Cancelled reports whether cancellation was requested.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// SetSpeedLimit changes the cap in bytes per second. Zero removes it. Takes
// effect on the next chunk of a running transfer.
func (j *Job) SetSpeedLimit(bps int64) {
	j.mu.Lock()
	j.task.SpeedLimit = bps
	j.mu.Unlock()
	j.applyLimit(bps)
}

func (j *Job) applyLimit(bps int64) {
	if bps <= 0 {
		j.limiter.SetLimit(rate.Inf)
		return
	}
	j.limiter.SetLimit(rate.Limit(bps))
}

func (j *Job) stopRequested() error {
	if j.cancelled.Load() {
		return errpkg.ErrCancelled
	}
	if j.paused.Load() {
		return errpkg.ErrPaused
	}
	return nil
}

// beginAttempt scopes one transfer attempt. The stream context covers the
// source stream and is closed by a cancel at once, or by a pause once grace
// has passed without the current read returning. The wait context is derived
// from it and covers throttling, which any stop request ends at once. The
// limiter burst is one chunk so a capped transfer never runs ahead.
func (j *Job) beginAttempt(ctx context.Context, burst int, grace time.Duration) (stream, wait context.Context, release context.CancelFunc) {
	stream, closeStream := context.WithCancel(ctx)
	wait, halt := context.WithCancel(stream)
	j.mu.Lock()
	j.attempt = &attempt{halt: halt, closeStream: closeStream, grace: grace}
	j.mu.Unlock()
	j.limiter.SetBurst(burst)
	if j.stopRequested() != nil {
		closeStream()
	}
	return stream, wait, closeStream
}

func (j *Job) wake(graceful bool) {
	j.mu.Lock()
	a := j.attempt
	j.mu.Unlock()
	if a == nil {
		return
	}
	a.halt()
	if graceful && a.grace > 0 {
		time.AfterFunc(a.grace, a.closeStream)
		return
	}
	a.closeStream()
}

// throttle blocks until n more bytes fit under the speed limit.
func (j *Job) throttle(ctx context.Context, n int) error {
	return j.limiter.WaitN(ctx, n)
}
