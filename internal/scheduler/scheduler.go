// Package scheduler admits download tasks into a bounded pool of executors
// by priority, and drives retries, pause, resume and cancellation.
//
// All scheduling state is owned by the goroutine running Run. Public methods
// hand a closure to that goroutine and wait for it to finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/media"
	"github.com/veranemoloko/attachment-fetcher/internal/metrics"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
	"github.com/veranemoloko/attachment-fetcher/internal/repository"
	"github.com/veranemoloko/attachment-fetcher/internal/retry"
	"github.com/veranemoloko/attachment-fetcher/internal/storage"
	"github.com/veranemoloko/attachment-fetcher/internal/worker"
)

const (
	DefaultConcurrency = 3
	// DefaultRetainTerminal is how many completed or failed tasks stay
	// visible after they settle.
	DefaultRetainTerminal = 256
)

// Runner performs one transfer attempt for a job.
type Runner interface {
	Execute(ctx context.Context, job *worker.Job) error
}

// CompletionRecorder is the part of the dedup ledger the scheduler writes to.
type CompletionRecorder interface {
	RecordCompleted(ctx context.Context, rec domain.DedupRecord) error
}

// Options configures a Scheduler. Ledger and State may be nil.
type Options struct {
	Concurrency int
	Retry       retry.Coordinator
	Ledger      CompletionRecorder
	State       repository.TaskStateRepo
	// After schedules retry wake-ups. Defaults to time.After.
	After func(time.Duration) <-chan time.Time
	// RetainTerminal bounds the completed and failed tasks kept for
	// inspection. Older ones are evicted along with their progress history.
	RetainTerminal int
}

type entry struct {
	id       string
	job      *worker.Job
	priority domain.Priority
	seq      int64
	index    int
	running  bool
	// retryGen invalidates retry timers that fire after the task left the
	// retrying state.
	retryGen  int
	onSettled []func(domain.Task)
	// requeue asks finish to queue a parked task again instead of leaving it
	// paused.
	requeue bool
	revive  bool
}

type result struct {
	e   *entry
	err error
}

type retryTick struct {
	e   *entry
	gen int
}

// Scheduler is the admission controller.
type Scheduler struct {
	runner    Runner
	files     *storage.FileStorage
	publisher *progress.Publisher
	ledger    CompletionRecorder
	state     repository.TaskStateRepo
	retry     retry.Coordinator
	after     func(time.Duration) <-chan time.Time
	retain    int
	logger    *slog.Logger

	cmds    chan func()
	results chan result
	ready   chan retryTick
	done    chan struct{}
	started atomic.Bool

	// owned by the Run goroutine
	entries  map[string]*entry
	retired  []*entry
	queue    queue
	active   int
	limit    int
	seq      int64
	frontSeq int64
	ctx      context.Context
	stopping bool
}

// New creates a Scheduler. Call Run to start admitting tasks.
func New(runner Runner, files *storage.FileStorage, publisher *progress.Publisher, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.RetainTerminal <= 0 {
		opts.RetainTerminal = DefaultRetainTerminal
	}
	return &Scheduler{
		runner:    runner,
		files:     files,
		publisher: publisher,
		ledger:    opts.Ledger,
		state:     opts.State,
		retry:     opts.Retry,
		after:     opts.After,
		retain:    opts.RetainTerminal,
		logger:    logger,
		cmds:      make(chan func()),
		results:   make(chan result),
		ready:     make(chan retryTick),
		done:      make(chan struct{}),
		entries:   make(map[string]*entry),
		limit:     opts.Concurrency,
	}
}

// SubmitOption customizes a submission.
type SubmitOption func(*entry)

// OnSettled registers fn to receive the task once it is completed, failed or
// cancelled. fn runs on its own goroutine.
func OnSettled(fn func(domain.Task)) SubmitOption {
	return func(e *entry) {
		if fn != nil {
			e.onSettled = append(e.onSettled, fn)
		}
	}
}

// ResumeIfPaused queues the task again when the submitted id is live but
// paused, for example after a stopped session parked it. The transfer picks up
// from the partial file.
func ResumeIfPaused() SubmitOption {
	return func(e *entry) {
		e.revive = true
	}
}

// Run executes the control loop until ctx is cancelled. Active transfers are
// then stopped after their current chunk and Run returns once every executor
// has exited. Interrupted tasks are left pending.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errpkg.ErrAlreadyRunning
	}
	defer close(s.done)

	s.ctx = ctx
	s.logger.Info("scheduler started", "concurrency", s.limit)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case cmd := <-s.cmds:
			cmd()
		case r := <-s.results:
			s.finish(r)
		case tick := <-s.ready:
			s.wake(tick)
		}
		s.admit()
	}
}

func (s *Scheduler) shutdown() {
	s.stopping = true
	s.logger.Info("scheduler stopping", "active", s.active)
	for s.active > 0 {
		s.finish(<-s.results)
	}
	s.updateGauges()
	s.logger.Info("scheduler stopped")
}

// do runs fn on the control goroutine and waits for it.
func (s *Scheduler) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.done:
		return errpkg.ErrSchedulerStopped
	}
	<-finished
	return nil
}

// Submit registers a task and queues it unless it is paused. Submitting an
// id that is still live returns the existing id; its OnSettled callbacks are
// attached to the live task, which is otherwise left alone unless
// ResumeIfPaused is given.
func (s *Scheduler) Submit(task domain.Task, opts ...SubmitOption) (string, error) {
	if task.DestinationPath == "" {
		return "", fmt.Errorf("task destination path cannot be empty")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if !task.Priority.Valid() {
		task.Priority = domain.PriorityNormal
	}
	if task.MaxRetries < 0 {
		task.MaxRetries = 0
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	var id string
	err := s.do(func() {
		if existing, ok := s.entries[task.ID]; ok && !existing.job.Snapshot().Status.IsTerminal() {
			for _, opt := range opts {
				opt(existing)
			}
			id = existing.id
			if existing.revive {
				existing.revive = false
				if s.resume(existing) {
					s.logger.Info("parked task resumed on resubmit", "task_id", id)
					return
				}
			}
			s.logger.Debug("duplicate submit attached to live task", "task_id", id)
			return
		}

		if task.Status != domain.TaskStatusPaused {
			task.Status = domain.TaskStatusPending
		}
		task.LastError = ""

		e := &entry{id: task.ID, job: worker.NewJob(task), priority: task.Priority, index: -1}
		for _, opt := range opts {
			opt(e)
		}
		e.revive = false
		s.entries[e.id] = e
		if task.Status == domain.TaskStatusPending {
			s.enqueue(e, false)
		}
		id = e.id

		metrics.TasksSubmitted.Inc()
		s.save(e)
		s.publishStatus(e)
		s.logger.Info("task submitted", "task_id", id, "priority", task.Priority.String(), "status", task.Status)
	})
	return id, err
}

// Get returns a snapshot of the task.
func (s *Scheduler) Get(id string) (domain.Task, bool) {
	var (
		task domain.Task
		ok   bool
	)
	_ = s.do(func() {
		if e, found := s.entries[id]; found {
			task, ok = e.job.Snapshot(), true
		}
	})
	return task, ok
}

// List returns snapshots of all known tasks, oldest first.
func (s *Scheduler) List() []domain.Task {
	var tasks []domain.Task
	_ = s.do(func() {
		tasks = make([]domain.Task, 0, len(s.entries))
		for _, e := range s.entries {
			tasks = append(tasks, e.job.Snapshot())
		}
	})
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Stats reports the admission counters.
func (s *Scheduler) Stats() domain.SchedulerStats {
	var stats domain.SchedulerStats
	_ = s.do(func() {
		stats = domain.SchedulerStats{
			Limit:   s.limit,
			Active:  s.active,
			Pending: s.queue.Len(),
			Total:   len(s.entries),
		}
	})
	return stats
}

// SetConcurrencyLimit changes the number of simultaneous transfers. Raising
// it admits queued tasks immediately; lowering it lets active ones finish.
func (s *Scheduler) SetConcurrencyLimit(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: concurrency limit must be at least 1, got %d", errpkg.ErrInvalidRequest, n)
	}
	return s.do(func() {
		s.limit = n
		s.logger.Info("concurrency limit changed", "limit", n)
	})
}

// Pause stops a downloading task after its current chunk, keeping the
// partial file.
func (s *Scheduler) Pause(id string) bool {
	var ok bool
	_ = s.do(func() {
		e, found := s.entries[id]
		if !found || !e.running || e.job.Snapshot().Status != domain.TaskStatusDownloading {
			return
		}
		e.job.RequestPause()
		ok = true
		s.logger.Info("pause requested", "task_id", id)
	})
	return ok
}

// Park holds a task without losing its progress: a downloading task is
// paused, a pending or retrying one is taken out of the queue as paused.
func (s *Scheduler) Park(id string) bool {
	var ok bool
	_ = s.do(func() {
		e, found := s.entries[id]
		if !found {
			return
		}
		if e.running {
			e.requeue = false
			e.job.RequestPause()
			ok = true
			return
		}
		status := e.job.Snapshot().Status
		if status != domain.TaskStatusPending && status != domain.TaskStatusRetrying {
			return
		}
		s.queue.remove(e)
		e.retryGen++
		e.job.RequestPause()
		s.setStatus(e, domain.TaskStatusPaused, "")
		ok = true
	})
	return ok
}

// Resume queues a paused task again at its priority. The next attempt picks
// up from the partial file.
func (s *Scheduler) Resume(id string) bool {
	var ok bool
	_ = s.do(func() {
		e, found := s.entries[id]
		if !found || e.running {
			return
		}
		if ok = s.resume(e); ok {
			s.logger.Info("task resumed", "task_id", id)
		}
	})
	return ok
}

// resume queues a paused task again. A task still winding down from a pause
// request is queued as soon as its attempt returns.
func (s *Scheduler) resume(e *entry) bool {
	if e.running {
		if !e.job.Paused() || e.job.Cancelled() {
			return false
		}
		e.requeue = true
		return true
	}
	if e.job.Snapshot().Status != domain.TaskStatusPaused {
		return false
	}
	e.job.ClearPause()
	s.setStatus(e, domain.TaskStatusPending, "")
	s.enqueue(e, false)
	return true
}

// Cancel stops a task for good and deletes its partial file. A running task
// is cancelled after its current chunk.
func (s *Scheduler) Cancel(id string) bool {
	var ok bool
	_ = s.do(func() {
		e, found := s.entries[id]
		if !found || e.job.Snapshot().Status.IsTerminal() {
			return
		}
		ok = true
		if e.running {
			e.job.RequestCancel()
			s.logger.Info("cancel requested", "task_id", id)
			return
		}
		s.queue.remove(e)
		e.retryGen++
		s.cancelEntry(e)
	})
	return ok
}

// SetPriority changes the priority of a task. A queued task is reordered.
func (s *Scheduler) SetPriority(id string, p domain.Priority) bool {
	if !p.Valid() {
		return false
	}
	var ok bool
	_ = s.do(func() {
		e, found := s.entries[id]
		if !found || e.job.Snapshot().Status.IsTerminal() {
			return
		}
		s.queue.reprioritize(e, p)
		e.job.Update(func(t *domain.Task) { t.Priority = p })
		s.save(e)
		ok = true
	})
	return ok
}

// SetSpeedLimit caps a task in bytes per second, zero meaning unlimited.
// A running transfer picks it up on its next chunk.
func (s *Scheduler) SetSpeedLimit(id string, bps int64) bool {
	if bps < 0 {
		return false
	}
	var ok bool
	_ = s.do(func() {
		e, found := s.entries[id]
		if !found || e.job.Snapshot().Status.IsTerminal() {
			return
		}
		e.job.SetSpeedLimit(bps)
		s.save(e)
		ok = true
	})
	return ok
}

func (s *Scheduler) enqueue(e *entry, front bool) {
	if front {
		s.frontSeq--
		e.seq = s.frontSeq
	} else {
		s.seq++
		e.seq = s.seq
	}
	s.queue.push(e)
}

func (s *Scheduler) admit() {
	if s.stopping {
		return
	}
	for s.active < s.limit && s.queue.Len() > 0 {
		s.start(s.queue.pop())
	}
	s.updateGauges()
}

func (s *Scheduler) start(e *entry) {
	s.active++
	e.running = true
	s.setStatus(e, domain.TaskStatusDownloading, e.job.Snapshot().LastError)
	s.logger.Debug("task admitted", "task_id", e.id, "active", s.active, "limit", s.limit)

	ctx := s.ctx
	go func() {
		err := s.runner.Execute(ctx, e.job)
		if err == nil {
			s.record(ctx, e.job.Snapshot())
		}
		s.results <- result{e: e, err: err}
	}()
}

// record writes the dedup entry. A failed write leaves the task completed.
func (s *Scheduler) record(ctx context.Context, task domain.Task) {
	if s.ledger == nil {
		return
	}
	kind := task.Item.Kind
	if kind == "" || kind == domain.MediaOther {
		if detected, err := media.Detect(task.DestinationPath); err == nil {
			kind = detected
		} else {
			kind = domain.MediaOther
		}
	}
	rec := domain.DedupRecord{
		ContainerID: task.Item.ContainerID,
		ItemID:      task.Item.ID,
		Path:        task.DestinationPath,
		Size:        task.TransferredBytes,
		Kind:        kind,
		CompletedAt: time.Now().UTC(),
	}
	if err := s.ledger.RecordCompleted(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to record completion", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) finish(r result) {
	e := r.e
	s.active--
	e.running = false
	requeue := e.requeue
	e.requeue = false

	switch {
	case r.err == nil:
		// The final file is in place and recorded; a cancel that raced the
		// last chunk does not undo it.
		if e.job.Cancelled() {
			s.logger.Info("cancel arrived after transfer finished", "task_id", e.id)
		}
		s.complete(e)
	case e.job.Cancelled():
		s.cancelEntry(e)
	case errors.Is(r.err, errpkg.ErrPaused):
		if e.job.Paused() && !requeue {
			s.setStatus(e, domain.TaskStatusPaused, "")
			s.logger.Info("task paused", "task_id", e.id, "transferred", e.job.Snapshot().TransferredBytes)
			return
		}
		e.job.ClearPause()
		s.setStatus(e, domain.TaskStatusPending, "")
		if s.stopping {
			// Interrupted by shutdown; picked up again on restart.
			return
		}
		s.enqueue(e, true)
	case errpkg.IsRetryable(r.err):
		s.retryOrFail(e, r.err)
	default:
		s.fail(e, r.err.Error(), failureReason(r.err))
	}
}

func (s *Scheduler) complete(e *entry) {
	now := time.Now().UTC()
	task := e.job.Update(func(t *domain.Task) {
		t.Status = domain.TaskStatusCompleted
		t.CompletedAt = &now
		t.LastError = ""
		t.ETASeconds = 0
		t.ProgressPercent = 100
	})
	metrics.TasksCompleted.Inc()
	s.logger.Info("task completed", "task_id", e.id, "bytes", task.TransferredBytes, "path", task.DestinationPath)
	s.save(e)
	s.publisher.PublishTask(domain.EventTaskStatus, &task)
	s.settle(e, task)
	s.retire(e)
}

func (s *Scheduler) retryOrFail(e *entry, cause error) {
	task := e.job.Snapshot()
	ok, delay := s.retry.ShouldRetry(task.RetryCount, task.MaxRetries)
	if !ok {
		msg := fmt.Sprintf("%s after %d attempts: %v", errpkg.ErrRetriesExhausted, task.RetryCount+1, cause)
		s.fail(e, msg, "retries_exhausted")
		return
	}

	e.job.Update(func(t *domain.Task) { t.RetryCount++ })
	s.setStatus(e, domain.TaskStatusRetrying, cause.Error())
	metrics.TaskRetries.Inc()
	s.logger.Warn("transfer failed, retry scheduled",
		"task_id", e.id,
		"attempt", task.RetryCount+1,
		"delay", delay,
		"error", cause,
	)

	e.retryGen++
	tick := retryTick{e: e, gen: e.retryGen}
	wait := s.after(delay)
	go func() {
		select {
		case <-wait:
		case <-s.done:
			return
		}
		select {
		case s.ready <- tick:
		case <-s.done:
		}
	}()
}

// wake re-queues a task whose retry delay elapsed, ahead of its bracket.
func (s *Scheduler) wake(tick retryTick) {
	e := tick.e
	if s.entries[e.id] != e || tick.gen != e.retryGen || e.job.Snapshot().Status != domain.TaskStatusRetrying {
		return
	}
	s.setStatus(e, domain.TaskStatusPending, e.job.Snapshot().LastError)
	s.enqueue(e, true)
}

func (s *Scheduler) fail(e *entry, msg, reason string) {
	task := e.job.Update(func(t *domain.Task) {
		t.Status = domain.TaskStatusFailed
		t.LastError = msg
		t.SpeedBytesPerSec = 0
	})
	metrics.TasksFailed.WithLabelValues(reason).Inc()
	s.logger.Error("task failed", "task_id", e.id, "error", msg)
	s.save(e)
	s.publisher.PublishTask(domain.EventTaskStatus, &task)
	s.settle(e, task)
	s.retire(e)
}

// retire keeps the most recent terminal tasks and evicts older ones together
// with their progress history. An id that was resubmitted since belongs to the
// new entry and is left alone.
func (s *Scheduler) retire(e *entry) {
	s.retired = append(s.retired, e)
	for len(s.retired) > s.retain {
		old := s.retired[0]
		s.retired[0] = nil
		s.retired = s.retired[1:]
		if s.entries[old.id] != old {
			continue
		}
		delete(s.entries, old.id)
		s.publisher.Forget(old.id)
		s.logger.Debug("terminal task evicted", "task_id", old.id)
	}
}

func (s *Scheduler) cancelEntry(e *entry) {
	task := e.job.Snapshot()
	if err := s.files.RemovePartial(task.DestinationPath); err != nil {
		s.logger.Error("failed to remove partial file", "task_id", e.id, "error", err)
	}
	task = e.job.Update(func(t *domain.Task) {
		t.Status = domain.TaskStatusCancelled
		t.LastError = errpkg.ErrCancelled.Error()
		t.SpeedBytesPerSec = 0
	})
	delete(s.entries, e.id)
	metrics.TasksCancelled.Inc()
	s.logger.Info("task cancelled", "task_id", e.id)

	if s.state != nil {
		if err := s.state.DeleteTask(context.Background(), e.id); err != nil {
			s.logger.Error("failed to delete task state", "task_id", e.id, "error", err)
		}
	}
	s.publisher.PublishTask(domain.EventTaskStatus, &task)
	s.publisher.Forget(e.id)
	s.settle(e, task)
}

func (s *Scheduler) settle(e *entry, task domain.Task) {
	callbacks := e.onSettled
	e.onSettled = nil
	for _, cb := range callbacks {
		go cb(task)
	}
}

func (s *Scheduler) setStatus(e *entry, status domain.TaskStatus, lastError string) {
	e.job.Update(func(t *domain.Task) {
		t.Status = status
		t.LastError = lastError
		if status != domain.TaskStatusDownloading {
			t.SpeedBytesPerSec = 0
		}
	})
	s.save(e)
	s.publishStatus(e)
}

func (s *Scheduler) publishStatus(e *entry) {
	task := e.job.Snapshot()
	s.publisher.PublishTask(domain.EventTaskStatus, &task)
}

func (s *Scheduler) save(e *entry) {
	if s.state == nil {
		return
	}
	if err := s.state.SaveTask(context.Background(), e.job.Snapshot()); err != nil {
		s.logger.Error("failed to save task state", "task_id", e.id, "error", err)
	}
}

func (s *Scheduler) updateGauges() {
	metrics.ActiveTransfers.Set(float64(s.active))
	metrics.PendingTasks.Set(float64(s.queue.Len()))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errpkg.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, errpkg.ErrStorage):
		return "storage"
	case errors.Is(err, errpkg.ErrUnsupportedDigest):
		return "unsupported_digest"
	default:
		return "error"
	}
}
