package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

// TaskStorage keeps unfinished tasks in memory and mirrors them to a JSON
// state file. Terminal tasks are dropped from the file.
type TaskStorage struct {
	mu     sync.RWMutex
	tasks  map[string]domain.Task
	file   string
	logger *slog.Logger
}

var _ TaskStateRepo = (*TaskStorage)(nil)

// NewTaskStorage creates a new TaskStorage and loads tasks from the file if it exists.
func NewTaskStorage(filePath string, logger *slog.Logger) (*TaskStorage, error) {
	repo := &TaskStorage{
		tasks:  make(map[string]domain.Task),
		file:   filepath.Clean(filePath),
		logger: logger,
	}

	if err := repo.restoreTasks(); err != nil {
		return nil, fmt.Errorf("failed to load state from file: %w", err)
	}

	logger.Info("Task state initialized", "file_path", repo.file, "tasks_count", len(repo.tasks))
	return repo, nil
}

func (r *TaskStorage) restoreTasks() error {
	if isFileNotExist(r.file) {
		r.logger.Info("State file does not exist, starting with empty state", "file_path", r.file)
		return nil
	}

	data, err := os.ReadFile(r.file)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) == 0 {
		r.logger.Warn("State file is empty")
		return nil
	}

	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}

	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		r.tasks[task.ID] = task
	}

	r.logger.Info("State loaded from file", "tasks_count", len(r.tasks), "file_path", r.file)
	return nil
}

func isFileNotExist(filePath string) bool {
	_, err := os.Stat(filePath)
	return os.IsNotExist(err)
}

func (r *TaskStorage) persistTasks() error {
	tasks := r.snapshot()

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.file), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempFile := r.file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, r.file); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	r.logger.Debug("State saved to file", "tasks_count", len(tasks), "file_path", r.file)
	return nil
}

func (r *TaskStorage) snapshot() []domain.Task {
	r.mu.RLock()
	tasks := make([]domain.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// SaveTask stores the task, or removes it once it is terminal, and persists
// the file.
func (r *TaskStorage) SaveTask(ctx context.Context, task domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if task.Status.IsTerminal() {
		delete(r.tasks, task.ID)
	} else {
		r.tasks[task.ID] = task
	}
	r.mu.Unlock()

	if err := r.persistTasks(); err != nil {
		return fmt.Errorf("failed to save state after updating task: %w", err)
	}

	r.logger.Debug("Task state saved", "task_id", task.ID, "status", task.Status)
	return nil
}

// DeleteTask removes a task from the state file.
func (r *TaskStorage) DeleteTask(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	_, ok := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := r.persistTasks(); err != nil {
		return fmt.Errorf("failed to save state after deleting task: %w", err)
	}
	return nil
}

// ListTasks returns the stored tasks, oldest first.
func (r *TaskStorage) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}
