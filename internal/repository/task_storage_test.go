package repository

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTask(status domain.TaskStatus) domain.Task {
	task := domain.NewTask(uuid.NewString(), domain.Item{ContainerID: "c", ID: uuid.NewString()}, "/tmp/x")
	task.Status = status
	return task
}

func TestTaskStorage_SaveAndReload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "state", "tasks.json")
	repo, err := NewTaskStorage(file, newTestLogger())
	require.NoError(t, err)

	pending := newTask(domain.TaskStatusPending)
	paused := newTask(domain.TaskStatusPaused)
	paused.CreatedAt = pending.CreatedAt.Add(time.Second)
	paused.TransferredBytes = 512

	require.NoError(t, repo.SaveTask(context.Background(), pending))
	require.NoError(t, repo.SaveTask(context.Background(), paused))

	reloaded, err := NewTaskStorage(file, newTestLogger())
	require.NoError(t, err)

	tasks, err := reloaded.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, pending.ID, tasks[0].ID)
	assert.Equal(t, paused.ID, tasks[1].ID)
	assert.Equal(t, domain.TaskStatusPaused, tasks[1].Status)
	assert.Equal(t, int64(512), tasks[1].TransferredBytes)
}

func TestTaskStorage_TerminalTasksAreDropped(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tasks.json")
	repo, err := NewTaskStorage(file, newTestLogger())
	require.NoError(t, err)

	task := newTask(domain.TaskStatusDownloading)
	require.NoError(t, repo.SaveTask(context.Background(), task))

	task.Status = domain.TaskStatusCompleted
	require.NoError(t, repo.SaveTask(context.Background(), task))

	tasks, err := repo.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskStorage_Delete(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tasks.json")
	repo, err := NewTaskStorage(file, newTestLogger())
	require.NoError(t, err)

	task := newTask(domain.TaskStatusPending)
	require.NoError(t, repo.SaveTask(context.Background(), task))
	require.NoError(t, repo.DeleteTask(context.Background(), task.ID))
	require.NoError(t, repo.DeleteTask(context.Background(), "unknown"))

	tasks, err := repo.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskStorage_RestoreSkipsTerminal(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tasks.json")
	data := `[{"id":"a","status":"completed","priority":"normal"},{"id":"b","status":"retrying","priority":"high"}]`
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))

	repo, err := NewTaskStorage(file, newTestLogger())
	require.NoError(t, err)

	tasks, err := repo.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].ID)
	assert.Equal(t, domain.PriorityHigh, tasks[0].Priority)
}

func TestTaskStorage_CorruptFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(file, []byte("{not json"), 0o644))

	_, err := NewTaskStorage(file, newTestLogger())
	assert.Error(t, err)
}

func TestTaskStorage_CancelledContext(t *testing.T) {
	repo, err := NewTaskStorage(filepath.Join(t.TempDir(), "tasks.json"), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, repo.SaveTask(ctx, newTask(domain.TaskStatusPending)), context.Canceled)
}
