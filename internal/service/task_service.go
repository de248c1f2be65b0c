package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/media"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
	"github.com/veranemoloko/attachment-fetcher/internal/repository"
	"github.com/veranemoloko/attachment-fetcher/internal/scheduler"
	"github.com/veranemoloko/attachment-fetcher/internal/storage"
)

// TaskDefaults are applied to ad-hoc tasks that do not set their own values.
type TaskDefaults struct {
	MaxRetries        int
	ChecksumAlgorithm string
	SpeedLimit        int64
}

// Scheduler is the admission controller as seen by the control surface.
type Scheduler interface {
	Submit(task domain.Task, opts ...scheduler.SubmitOption) (string, error)
	Get(id string) (domain.Task, bool)
	List() []domain.Task
	Stats() domain.SchedulerStats
	Pause(id string) bool
	Resume(id string) bool
	Cancel(id string) bool
	SetPriority(id string, p domain.Priority) bool
	SetSpeedLimit(id string, bps int64) bool
	SetConcurrencyLimit(n int) error
}

// TaskService is the control facade over the scheduler for single tasks.
type TaskService struct {
	sched     Scheduler
	files     *storage.FileStorage
	resolver  storage.PathResolver
	publisher *progress.Publisher
	defaults  TaskDefaults
	checkRef  func(ref string) error
	logger    *slog.Logger
}

// NewTaskService creates a TaskService. checkRef, when set, vets the source
// reference of ad-hoc tasks before they are accepted.
func NewTaskService(
	sched Scheduler,
	files *storage.FileStorage,
	resolver storage.PathResolver,
	publisher *progress.Publisher,
	defaults TaskDefaults,
	checkRef func(ref string) error,
	logger *slog.Logger,
) *TaskService {
	return &TaskService{
		sched:     sched,
		files:     files,
		resolver:  resolver,
		publisher: publisher,
		defaults:  defaults,
		checkRef:  checkRef,
		logger:    logger,
	}
}

// CreateTask builds a task from an already validated request and submits it.
func (s *TaskService) CreateTask(ctx context.Context, req *domain.CreateTaskRequest) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	if s.checkRef != nil {
		if err := s.checkRef(req.Ref); err != nil {
			return domain.Task{}, fmt.Errorf("%w: %v", errpkg.ErrInvalidRequest, err)
		}
	}

	item := domain.Item{
		ContainerID: req.ContainerID,
		ID:          req.ItemID,
		Name:        req.Name,
		MIMEType:    req.MIMEType,
		Size:        domain.UnknownSize,
		Ref:         req.Ref,
	}
	item.Kind = media.Classify(item)

	dest, err := s.destination(req, item)
	if err != nil {
		return domain.Task{}, err
	}

	task := domain.NewTask(uuid.NewString(), item, dest)
	if req.Priority != "" {
		p, err := domain.ParsePriority(req.Priority)
		if err != nil {
			return domain.Task{}, fmt.Errorf("%w: %v", errpkg.ErrInvalidRequest, err)
		}
		task.Priority = p
	}
	task.MaxRetries = s.defaults.MaxRetries
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}
	task.SpeedLimit = s.defaults.SpeedLimit
	if req.SpeedLimit > 0 {
		task.SpeedLimit = req.SpeedLimit
	}
	if req.ExpectedChecksum != "" {
		task.ExpectedChecksum = req.ExpectedChecksum
		task.ChecksumAlgorithm = req.ChecksumAlgorithm
		if task.ChecksumAlgorithm == "" {
			task.ChecksumAlgorithm = s.defaults.ChecksumAlgorithm
		}
	}

	if _, err := s.sched.Submit(task); err != nil {
		return domain.Task{}, fmt.Errorf("submit task: %w", err)
	}

	s.logger.Info("task created",
		"task_id", task.ID,
		"container_id", item.ContainerID,
		"item_id", item.ID,
		"destination", dest,
	)
	if created, ok := s.sched.Get(task.ID); ok {
		return created, nil
	}
	return task, nil
}

func (s *TaskService) destination(req *domain.CreateTaskRequest, item domain.Item) (string, error) {
	if req.DestinationPath == "" {
		return s.resolver.Resolve(domain.Container{ID: item.ContainerID}, item), nil
	}
	dest, err := s.files.Path(req.DestinationPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errpkg.ErrInvalidRequest, err)
	}
	return dest, nil
}

func (s *TaskService) GetTask(ctx context.Context, id string) (domain.Task, error) {
	task, ok := s.sched.Get(id)
	if !ok {
		return domain.Task{}, errpkg.ErrTaskNotFound
	}
	return task, nil
}

func (s *TaskService) ListTasks(ctx context.Context) []domain.Task {
	return s.sched.List()
}

// History returns the recent speed samples of a task, oldest first.
func (s *TaskService) History(ctx context.Context, id string) ([]progress.Sample, error) {
	if _, ok := s.sched.Get(id); !ok {
		return nil, errpkg.ErrTaskNotFound
	}
	return s.publisher.History(id), nil
}

func (s *TaskService) Pause(ctx context.Context, id string) error {
	return s.transition(id, "pause", s.sched.Pause)
}

func (s *TaskService) Resume(ctx context.Context, id string) error {
	return s.transition(id, "resume", s.sched.Resume)
}

func (s *TaskService) Cancel(ctx context.Context, id string) error {
	return s.transition(id, "cancel", s.sched.Cancel)
}

func (s *TaskService) SetPriority(ctx context.Context, id, priority string) error {
	p, err := domain.ParsePriority(priority)
	if err != nil {
		return fmt.Errorf("%w: %v", errpkg.ErrInvalidRequest, err)
	}
	return s.transition(id, "set priority", func(id string) bool { return s.sched.SetPriority(id, p) })
}

func (s *TaskService) SetSpeedLimit(ctx context.Context, id string, bps int64) error {
	if bps < 0 {
		return fmt.Errorf("%w: speed limit cannot be negative", errpkg.ErrInvalidRequest)
	}
	return s.transition(id, "set speed limit", func(id string) bool { return s.sched.SetSpeedLimit(id, bps) })
}

func (s *TaskService) SetConcurrency(ctx context.Context, limit int) error {
	return s.sched.SetConcurrencyLimit(limit)
}

func (s *TaskService) Stats(ctx context.Context) domain.SchedulerStats {
	return s.sched.Stats()
}

func (s *TaskService) transition(id, action string, fn func(string) bool) error {
	task, ok := s.sched.Get(id)
	if !ok {
		return errpkg.ErrTaskNotFound
	}
	if !fn(id) {
		return fmt.Errorf("%w: cannot %s task in status %s", errpkg.ErrInvalidTransition, action, task.Status)
	}
	s.logger.Info("task control applied", "task_id", id, "action", action)
	return nil
}

// Restore resubmits the unfinished tasks of a previous run. Paused tasks
// stay paused; everything else is queued again and resumes from its
// partial file.
func (s *TaskService) Restore(ctx context.Context, state repository.TaskStateRepo) (int, error) {
	tasks, err := state.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list saved tasks: %w", err)
	}

	restored := 0
	for _, task := range tasks {
		if task.Status != domain.TaskStatusPaused {
			task.Status = domain.TaskStatusPending
		}
		task.SpeedBytesPerSec = 0
		if _, err := s.sched.Submit(task); err != nil {
			return restored, fmt.Errorf("restore task %s: %w", task.ID, err)
		}
		restored++
	}

	s.logger.Info("tasks restored", "count", restored)
	return restored, nil
}
