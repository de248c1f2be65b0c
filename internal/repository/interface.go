package repository

import (
	"context"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

// DedupLedger records which items already reached the completed state.
type DedupLedger interface {
	IsCompleted(ctx context.Context, containerID, itemID string) (bool, error)
	RecordCompleted(ctx context.Context, rec domain.DedupRecord) error
	Get(ctx context.Context, containerID, itemID string) (domain.DedupRecord, bool, error)
	Forget(ctx context.Context, containerID, itemID string) (bool, error)
}

// SessionRepo persists session rows and their counters.
type SessionRepo interface {
	CreateSession(ctx context.Context, s domain.Session) error
	UpdateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
}

// TaskStateRepo keeps unfinished tasks across restarts.
type TaskStateRepo interface {
	SaveTask(ctx context.Context, task domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]domain.Task, error)
}
