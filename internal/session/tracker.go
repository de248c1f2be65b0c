package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
	"github.com/veranemoloko/attachment-fetcher/internal/repository"
)

// tracker aggregates task outcomes into the session counters. Every change
// is persisted and published. settled is closed once enumeration finished
// and no submitted task is outstanding.
type tracker struct {
	// writeMu orders persistence so the stored row is never older than the
	// last change.
	writeMu     sync.Mutex
	mu          sync.Mutex
	sess        domain.Session
	outstanding int
	enumerated  bool
	closed      bool
	settled     chan struct{}

	repo      repository.SessionRepo
	publisher *progress.Publisher
	logger    *slog.Logger
}

func newTracker(sess domain.Session, repo repository.SessionRepo, publisher *progress.Publisher, logger *slog.Logger) *tracker {
	return &tracker{
		sess:      sess,
		settled:   make(chan struct{}),
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

func (t *tracker) added() {
	t.mu.Lock()
	t.outstanding++
	t.mu.Unlock()
}

func (t *tracker) abandoned() {
	t.mu.Lock()
	t.outstanding--
	t.checkSettledLocked()
	t.mu.Unlock()
}

func (t *tracker) skipped() {
	t.mu.Lock()
	t.sess.Skipped++
	t.mu.Unlock()
	t.persist()
}

// taskSettled is the scheduler callback for a session task.
func (t *tracker) taskSettled(task domain.Task) {
	t.mu.Lock()
	switch task.Status {
	case domain.TaskStatusCompleted:
		t.sess.Downloaded++
	case domain.TaskStatusFailed:
		t.sess.Failed++
		t.sess.LastError = task.LastError
	}
	t.outstanding--
	t.checkSettledLocked()
	t.mu.Unlock()
	t.persist()
}

func (t *tracker) enumerationDone() {
	t.mu.Lock()
	t.enumerated = true
	t.checkSettledLocked()
	t.mu.Unlock()
}

func (t *tracker) checkSettledLocked() {
	if t.enumerated && t.outstanding <= 0 {
		select {
		case <-t.settled:
		default:
			close(t.settled)
		}
	}
}

// close moves the session to its final status. Counters keep updating
// afterwards if parked tasks are resumed by hand.
func (t *tracker) close(status domain.SessionStatus, lastError string) domain.Session {
	t.mu.Lock()
	if !t.closed {
		now := time.Now().UTC()
		t.closed = true
		t.sess.Status = status
		t.sess.CompletedAt = &now
		if lastError != "" {
			t.sess.LastError = lastError
		}
	}
	t.mu.Unlock()
	return t.persist()
}

func (t *tracker) publish() {
	t.mu.Lock()
	snap := t.sess
	t.mu.Unlock()
	t.publisher.PublishSession(&snap)
}

func (t *tracker) persist() domain.Session {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	snap := t.sess
	t.mu.Unlock()

	if err := t.repo.UpdateSession(context.Background(), snap); err != nil {
		t.logger.Error("failed to persist session", "session_id", snap.ID, "error", err)
	}
	t.publisher.PublishSession(&snap)
	return snap
}
