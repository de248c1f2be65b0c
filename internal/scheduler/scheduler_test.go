package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
	"github.com/veranemoloko/attachment-fetcher/internal/repository"
	"github.com/veranemoloko/attachment-fetcher/internal/retry"
	"github.com/veranemoloko/attachment-fetcher/internal/storage"
	"github.com/veranemoloko/attachment-fetcher/internal/worker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu        sync.Mutex
	running   int
	maxActive int
	order     []string
	attempts  map[string]int
	behave    func(ctx context.Context, job *worker.Job, attempt int) error
}

func newFakeRunner(behave func(ctx context.Context, job *worker.Job, attempt int) error) *fakeRunner {
	return &fakeRunner{attempts: make(map[string]int), behave: behave}
}

func (r *fakeRunner) Execute(ctx context.Context, job *worker.Job) error {
	r.mu.Lock()
	r.running++
	if r.running > r.maxActive {
		r.maxActive = r.running
	}
	r.order = append(r.order, job.ID())
	r.attempts[job.ID()]++
	attempt := r.attempts[job.ID()]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if r.behave == nil {
		return nil
	}
	return r.behave(ctx, job, attempt)
}

func (r *fakeRunner) snapshot() ([]string, map[string]int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempts := make(map[string]int, len(r.attempts))
	for k, v := range r.attempts {
		attempts[k] = v
	}
	return append([]string(nil), r.order...), attempts, r.maxActive
}

// awaitStop blocks like a transfer until the job is paused or cancelled.
func awaitStop(ctx context.Context, job *worker.Job) error {
	for {
		if job.Cancelled() {
			return errpkg.ErrCancelled
		}
		if job.Paused() {
			return errpkg.ErrPaused
		}
		select {
		case <-ctx.Done():
			return errpkg.ErrPaused
		case <-time.After(2 * time.Millisecond):
		}
	}
}

type fakeLedger struct {
	mu      sync.Mutex
	records []domain.DedupRecord
}

func (l *fakeLedger) RecordCompleted(ctx context.Context, rec domain.DedupRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *fakeLedger) all() []domain.DedupRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DedupRecord(nil), l.records...)
}

type harness struct {
	s      *Scheduler
	dir    string
	files  *storage.FileStorage
	pub    *progress.Publisher
	cancel context.CancelFunc
	done   chan struct{}
}

func startScheduler(t *testing.T, runner Runner, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	files := storage.NewFileStorage(dir)
	pub := progress.NewPublisher(10, newTestLogger())
	s := New(runner, files, pub, opts, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	h := &harness{s: s, dir: dir, files: files, pub: pub, cancel: cancel, done: done}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) task(id string, p domain.Priority) domain.Task {
	task := domain.NewTask(id, domain.Item{ContainerID: "c", ID: id, Kind: domain.MediaDocument}, filepath.Join(h.dir, id))
	task.Priority = p
	return task
}

func (h *harness) submit(t *testing.T, task domain.Task, opts ...SubmitOption) {
	t.Helper()
	id, err := h.s.Submit(task, opts...)
	require.NoError(t, err)
	require.Equal(t, task.ID, id)
}

func waitStatus(t *testing.T, s *Scheduler, id string, status domain.TaskStatus) domain.Task {
	t.Helper()
	var last domain.Task
	require.Eventually(t, func() bool {
		task, ok := s.Get(id)
		last = task
		return ok && task.Status == status
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, status)
	return last
}

// blockUntil returns a behavior that holds the listed ids until release is closed.
func blockUntil(release <-chan struct{}, ids ...string) func(ctx context.Context, job *worker.Job, attempt int) error {
	held := make(map[string]bool, len(ids))
	for _, id := range ids {
		held[id] = true
	}
	return func(ctx context.Context, job *worker.Job, attempt int) error {
		if !held[job.ID()] {
			return nil
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return errpkg.ErrPaused
		}
	}
}

func TestScheduler_PriorityOrder(t *testing.T) {
	release := make(chan struct{})
	runner := newFakeRunner(blockUntil(release, "blocker"))
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("blocker", domain.PriorityNormal))
	waitStatus(t, h.s, "blocker", domain.TaskStatusDownloading)

	h.submit(t, h.task("low", domain.PriorityLow))
	h.submit(t, h.task("urgent", domain.PriorityUrgent))
	h.submit(t, h.task("normal", domain.PriorityNormal))
	close(release)

	waitStatus(t, h.s, "low", domain.TaskStatusCompleted)
	order, _, _ := runner.snapshot()
	assert.Equal(t, []string{"blocker", "urgent", "normal", "low"}, order)
}

func TestScheduler_FIFOWithinPriority(t *testing.T) {
	release := make(chan struct{})
	runner := newFakeRunner(blockUntil(release, "blocker"))
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("blocker", domain.PriorityUrgent))
	for _, id := range []string{"a", "b", "c"} {
		h.submit(t, h.task(id, domain.PriorityHigh))
	}
	close(release)

	waitStatus(t, h.s, "c", domain.TaskStatusCompleted)
	order, _, _ := runner.snapshot()
	assert.Equal(t, []string{"blocker", "a", "b", "c"}, order)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		time.Sleep(15 * time.Millisecond)
		return nil
	})
	h := startScheduler(t, runner, Options{Concurrency: 3})

	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"}
	for _, id := range ids {
		h.submit(t, h.task(id, domain.PriorityNormal))
	}
	for _, id := range ids {
		waitStatus(t, h.s, id, domain.TaskStatusCompleted)
	}

	_, _, maxActive := runner.snapshot()
	assert.LessOrEqual(t, maxActive, 3)
	assert.Equal(t, 0, h.s.Stats().Active)
}

func TestScheduler_RetryBound(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	after := func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		return errpkg.Transient(errors.New("connection reset"))
	})
	ledger := &fakeLedger{}
	h := startScheduler(t, runner, Options{
		Concurrency: 2,
		Retry:       retry.New(time.Second, 0),
		After:       after,
		Ledger:      ledger,
	})

	var (
		settled   = make(chan domain.Task, 1)
		onSettled = OnSettled(func(task domain.Task) { settled <- task })
	)
	h.submit(t, h.task("flaky", domain.PriorityNormal), onSettled)

	task := waitStatus(t, h.s, "flaky", domain.TaskStatusFailed)
	assert.Equal(t, 3, task.RetryCount)
	assert.Contains(t, task.LastError, "retries exhausted after 4 attempts")
	assert.Contains(t, task.LastError, "connection reset")

	_, attempts, _ := runner.snapshot()
	assert.Equal(t, 4, attempts["flaky"])

	mu.Lock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	mu.Unlock()

	select {
	case got := <-settled:
		assert.Equal(t, domain.TaskStatusFailed, got.Status)
	case <-time.After(time.Second):
		t.Fatal("settled callback not called")
	}
	assert.Empty(t, ledger.all())
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	immediate := func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		if attempt < 3 {
			return errpkg.Transient(io.ErrUnexpectedEOF)
		}
		return nil
	})
	ledger := &fakeLedger{}
	h := startScheduler(t, runner, Options{Concurrency: 1, After: immediate, Ledger: ledger})

	h.submit(t, h.task("eventually", domain.PriorityNormal))

	task := waitStatus(t, h.s, "eventually", domain.TaskStatusCompleted)
	assert.Equal(t, 2, task.RetryCount)
	assert.Empty(t, task.LastError)
	require.Eventually(t, func() bool { return len(ledger.all()) == 1 }, time.Second, 5*time.Millisecond)
	rec := ledger.all()[0]
	assert.Equal(t, "c", rec.ContainerID)
	assert.Equal(t, "eventually", rec.ItemID)
	assert.Equal(t, domain.MediaDocument, rec.Kind)
}

func TestScheduler_RetryWaitReleasesSlot(t *testing.T) {
	gate := make(chan time.Time)
	after := func(time.Duration) <-chan time.Time { return gate }

	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		if job.ID() == "flaky" && attempt == 1 {
			return errpkg.Transient(io.ErrUnexpectedEOF)
		}
		return nil
	})
	h := startScheduler(t, runner, Options{Concurrency: 1, After: after})

	h.submit(t, h.task("flaky", domain.PriorityNormal))
	waitStatus(t, h.s, "flaky", domain.TaskStatusRetrying)

	h.submit(t, h.task("other", domain.PriorityNormal))
	waitStatus(t, h.s, "other", domain.TaskStatusCompleted)

	gate <- time.Now()
	waitStatus(t, h.s, "flaky", domain.TaskStatusCompleted)
}

func TestScheduler_ChecksumMismatchIsTerminal(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		return errpkg.ErrChecksumMismatch
	})
	ledger := &fakeLedger{}
	h := startScheduler(t, runner, Options{Concurrency: 1, Ledger: ledger})

	h.submit(t, h.task("bad", domain.PriorityNormal))

	task := waitStatus(t, h.s, "bad", domain.TaskStatusFailed)
	assert.Equal(t, "checksum_mismatch", task.LastError)
	assert.Zero(t, task.RetryCount)

	_, attempts, _ := runner.snapshot()
	assert.Equal(t, 1, attempts["bad"])
	assert.Empty(t, ledger.all())
}

func TestScheduler_PauseResume(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		if attempt == 1 {
			return awaitStop(ctx, job)
		}
		return nil
	})
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("p", domain.PriorityHigh))
	waitStatus(t, h.s, "p", domain.TaskStatusDownloading)

	assert.False(t, h.s.Resume("p"), "only paused tasks resume")
	require.True(t, h.s.Pause("p"))
	task := waitStatus(t, h.s, "p", domain.TaskStatusPaused)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.False(t, h.s.Pause("p"), "only downloading tasks pause")

	require.True(t, h.s.Resume("p"))
	waitStatus(t, h.s, "p", domain.TaskStatusCompleted)

	_, attempts, _ := runner.snapshot()
	assert.Equal(t, 2, attempts["p"])
}

func TestScheduler_PauseFreesSlot(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		if job.ID() == "first" && attempt == 1 {
			return awaitStop(ctx, job)
		}
		return nil
	})
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("first", domain.PriorityNormal))
	waitStatus(t, h.s, "first", domain.TaskStatusDownloading)
	h.submit(t, h.task("second", domain.PriorityNormal))

	require.True(t, h.s.Pause("first"))
	waitStatus(t, h.s, "second", domain.TaskStatusCompleted)
	waitStatus(t, h.s, "first", domain.TaskStatusPaused)
}

func TestScheduler_CancelRunningDeletesPartial(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		return awaitStop(ctx, job)
	})
	h := startScheduler(t, runner, Options{Concurrency: 1})

	task := h.task("doomed", domain.PriorityNormal)
	partial := storage.PartialPath(task.DestinationPath)
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o644))

	settled := make(chan domain.Task, 1)
	h.submit(t, task, OnSettled(func(task domain.Task) { settled <- task }))
	waitStatus(t, h.s, "doomed", domain.TaskStatusDownloading)

	require.True(t, h.s.Cancel("doomed"))

	select {
	case got := <-settled:
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("settled callback not called")
	}
	assert.False(t, h.files.FileExists(partial))
	_, ok := h.s.Get("doomed")
	assert.False(t, ok)
	assert.False(t, h.s.Cancel("doomed"))
}

func TestScheduler_CancelQueued(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := newFakeRunner(blockUntil(release, "blocker"))
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("blocker", domain.PriorityNormal))
	h.submit(t, h.task("queued", domain.PriorityNormal))
	require.Equal(t, 1, h.s.Stats().Pending)

	require.True(t, h.s.Cancel("queued"))
	stats := h.s.Stats()
	assert.Zero(t, stats.Pending)
	assert.Equal(t, 1, stats.Total)
}

func TestScheduler_Park(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		if job.ID() == "running" {
			return awaitStop(ctx, job)
		}
		return blockUntil(release, "blocker")(ctx, job, attempt)
	})
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("running", domain.PriorityUrgent))
	waitStatus(t, h.s, "running", domain.TaskStatusDownloading)
	h.submit(t, h.task("queued", domain.PriorityNormal))

	require.True(t, h.s.Park("queued"))
	assert.Equal(t, domain.TaskStatusPaused, waitStatus(t, h.s, "queued", domain.TaskStatusPaused).Status)

	require.True(t, h.s.Park("running"))
	waitStatus(t, h.s, "running", domain.TaskStatusPaused)
	assert.False(t, h.s.Park("running"))

	assert.Zero(t, h.s.Stats().Active)
}

func TestScheduler_SetPriorityReorders(t *testing.T) {
	release := make(chan struct{})
	runner := newFakeRunner(blockUntil(release, "blocker"))
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("blocker", domain.PriorityNormal))
	h.submit(t, h.task("a", domain.PriorityLow))
	h.submit(t, h.task("b", domain.PriorityLow))

	require.True(t, h.s.SetPriority("b", domain.PriorityUrgent))
	assert.False(t, h.s.SetPriority("missing", domain.PriorityHigh))
	assert.False(t, h.s.SetPriority("a", domain.Priority(42)))
	close(release)

	waitStatus(t, h.s, "a", domain.TaskStatusCompleted)
	order, _, _ := runner.snapshot()
	assert.Equal(t, []string{"blocker", "b", "a"}, order)

	task, _ := h.s.Get("b")
	assert.Equal(t, domain.PriorityUrgent, task.Priority)
}

func TestScheduler_SetConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	runner := newFakeRunner(blockUntil(release, "a", "b", "c"))
	h := startScheduler(t, runner, Options{Concurrency: 1})

	for _, id := range []string{"a", "b", "c"} {
		h.submit(t, h.task(id, domain.PriorityNormal))
	}
	require.Equal(t, 1, h.s.Stats().Active)

	assert.Error(t, h.s.SetConcurrencyLimit(0))
	require.NoError(t, h.s.SetConcurrencyLimit(3))
	require.Eventually(t, func() bool { return h.s.Stats().Active == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.s.Stats().Limit)
	close(release)
}

func TestScheduler_SetSpeedLimit(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := newFakeRunner(blockUntil(release, "blocker"))
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("blocker", domain.PriorityNormal))
	assert.True(t, h.s.SetSpeedLimit("blocker", 4096))
	assert.False(t, h.s.SetSpeedLimit("blocker", -1))
	assert.False(t, h.s.SetSpeedLimit("missing", 1))

	task, ok := h.s.Get("blocker")
	require.True(t, ok)
	assert.Equal(t, int64(4096), task.SpeedLimit)
}

func TestScheduler_IdempotentSubmit(t *testing.T) {
	release := make(chan struct{})
	runner := newFakeRunner(blockUntil(release, "blocker"))
	h := startScheduler(t, runner, Options{Concurrency: 1})

	h.submit(t, h.task("blocker", domain.PriorityNormal))

	var calls sync.WaitGroup
	calls.Add(2)
	task := h.task("dup", domain.PriorityNormal)
	h.submit(t, task, OnSettled(func(domain.Task) { calls.Done() }))
	h.submit(t, task, OnSettled(func(domain.Task) { calls.Done() }))

	stats := h.s.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Pending)

	close(release)
	waitStatus(t, h.s, "dup", domain.TaskStatusCompleted)
	calls.Wait()

	_, attempts, _ := runner.snapshot()
	assert.Equal(t, 1, attempts["dup"])
}

func TestScheduler_SubmitPausedIsNotQueued(t *testing.T) {
	runner := newFakeRunner(nil)
	h := startScheduler(t, runner, Options{Concurrency: 1})

	task := h.task("restored", domain.PriorityNormal)
	task.Status = domain.TaskStatusPaused
	h.submit(t, task)

	assert.Zero(t, h.s.Stats().Pending)
	got, ok := h.s.Get("restored")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusPaused, got.Status)

	require.True(t, h.s.Resume("restored"))
	waitStatus(t, h.s, "restored", domain.TaskStatusCompleted)
}

func TestScheduler_SubmitValidation(t *testing.T) {
	h := startScheduler(t, newFakeRunner(nil), Options{})

	_, err := h.s.Submit(domain.Task{ID: "x"})
	assert.Error(t, err)

	id, err := h.s.Submit(domain.Task{DestinationPath: filepath.Join(h.dir, "noid")})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestScheduler_ShutdownLeavesTasksPending(t *testing.T) {
	state, err := repository.NewTaskStorage(filepath.Join(t.TempDir(), "tasks.json"), newTestLogger())
	require.NoError(t, err)

	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		return awaitStop(ctx, job)
	})
	h := startScheduler(t, runner, Options{Concurrency: 1, State: state})

	h.submit(t, h.task("inflight", domain.PriorityNormal))
	h.submit(t, h.task("waiting", domain.PriorityNormal))
	waitStatus(t, h.s, "inflight", domain.TaskStatusDownloading)

	h.stop()

	tasks, err := state.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskStatusPending, task.Status, task.ID)
	}

	_, err = h.s.Submit(h.task("late", domain.PriorityNormal))
	assert.ErrorIs(t, err, errpkg.ErrSchedulerStopped)
}

func TestScheduler_RunTwice(t *testing.T) {
	h := startScheduler(t, newFakeRunner(nil), Options{})
	require.Eventually(t, func() bool { return h.s.started.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.s.Run(context.Background()), errpkg.ErrAlreadyRunning)
}

func TestScheduler_ResubmitResumesParked(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		if attempt == 1 {
			return awaitStop(ctx, job)
		}
		return nil
	})
	h := startScheduler(t, runner, Options{Concurrency: 1})

	task := h.task("parked", domain.PriorityNormal)
	h.submit(t, task)
	waitStatus(t, h.s, "parked", domain.TaskStatusDownloading)
	require.True(t, h.s.Park("parked"))
	waitStatus(t, h.s, "parked", domain.TaskStatusPaused)

	h.submit(t, task)
	got, ok := h.s.Get("parked")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusPaused, got.Status, "a plain resubmit leaves a parked task alone")

	settled := make(chan domain.Task, 1)
	h.submit(t, task, OnSettled(func(task domain.Task) { settled <- task }), ResumeIfPaused())

	select {
	case got := <-settled:
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("resubmitted task never settled")
	}
	_, attempts, _ := runner.snapshot()
	assert.Equal(t, 2, attempts["parked"])
}

func TestScheduler_ResubmitWhileParkIsPending(t *testing.T) {
	stopSeen := make(chan struct{})
	release := make(chan struct{})
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		if attempt > 1 {
			return nil
		}
		for !job.Paused() {
			time.Sleep(time.Millisecond)
		}
		close(stopSeen)
		<-release
		return errpkg.ErrPaused
	})
	h := startScheduler(t, runner, Options{Concurrency: 1})

	task := h.task("winding", domain.PriorityNormal)
	h.submit(t, task)
	waitStatus(t, h.s, "winding", domain.TaskStatusDownloading)
	require.True(t, h.s.Park("winding"))
	<-stopSeen

	h.submit(t, task, ResumeIfPaused())
	close(release)

	waitStatus(t, h.s, "winding", domain.TaskStatusCompleted)
	_, attempts, _ := runner.snapshot()
	assert.Equal(t, 2, attempts["winding"])
}

func TestScheduler_CancelAfterLastChunkStillRecords(t *testing.T) {
	cancelled := make(chan struct{})
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		// The transfer finishes even though cancel was requested meanwhile.
		<-cancelled
		return nil
	})
	ledger := &fakeLedger{}
	h := startScheduler(t, runner, Options{Concurrency: 1, Ledger: ledger})

	settled := make(chan domain.Task, 1)
	h.submit(t, h.task("late", domain.PriorityNormal), OnSettled(func(task domain.Task) { settled <- task }))
	waitStatus(t, h.s, "late", domain.TaskStatusDownloading)

	require.True(t, h.s.Cancel("late"))
	close(cancelled)

	select {
	case got := <-settled:
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("task never settled")
	}
	records := ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, "late", records[0].ItemID)
}

func TestScheduler_TerminalTasksAreEvicted(t *testing.T) {
	var h *harness
	runner := newFakeRunner(func(ctx context.Context, job *worker.Job, attempt int) error {
		task := job.Snapshot()
		h.pub.PublishTask(domain.EventTaskProgress, &task)
		if job.ID() == "t3" {
			return errors.New("boom")
		}
		return nil
	})
	h = startScheduler(t, runner, Options{Concurrency: 2, RetainTerminal: 3})

	var wg sync.WaitGroup
	ids := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9"}
	wg.Add(len(ids))
	for _, id := range ids {
		h.submit(t, h.task(id, domain.PriorityNormal), OnSettled(func(domain.Task) { wg.Done() }))
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return h.s.Stats().Total == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.pub.Tracked())
	assert.Len(t, h.s.List(), 3)

	evicted := 0
	for _, id := range ids {
		if _, ok := h.s.Get(id); !ok {
			evicted++
			assert.Empty(t, h.pub.History(id), id)
		}
	}
	assert.Equal(t, 7, evicted)
}
