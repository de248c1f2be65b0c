package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/repository"
	"github.com/veranemoloko/attachment-fetcher/internal/session"
)

// SessionRunner executes one session to completion or until ctx is cancelled.
type SessionRunner interface {
	Run(ctx context.Context, opts session.Options) (domain.Session, error)
}

type runningSession struct {
	stub   domain.Session
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionService starts session runs in the background and lets callers
// observe and stop them.
type SessionService struct {
	driver SessionRunner
	repo   repository.SessionRepo
	// containers is the allow-list used when a request names none.
	containers []string
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*runningSession
	wg      sync.WaitGroup
	closed  bool
}

func NewSessionService(driver SessionRunner, repo repository.SessionRepo, containers []string, logger *slog.Logger) *SessionService {
	return &SessionService{
		driver:     driver,
		repo:       repo,
		containers: containers,
		logger:     logger,
		running:    make(map[string]*runningSession),
	}
}

// StartSession launches a run and returns immediately with the running session.
func (s *SessionService) StartSession(ctx context.Context, req *domain.StartSessionRequest) (domain.Session, error) {
	containers := req.Containers
	if len(containers) == 0 {
		containers = s.containers
	}

	id := uuid.NewString()
	stub := domain.Session{
		ID:        id,
		StartedAt: time.Now().UTC(),
		Status:    domain.SessionStatusRunning,
	}
	if len(containers) == 1 {
		stub.ContainerID = containers[0]
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runningSession{stub: stub, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return domain.Session{}, errpkg.ErrSchedulerStopped
	}
	s.running[id] = rs
	s.wg.Add(1)
	s.mu.Unlock()

	opts := session.Options{ID: id, Containers: containers}
	go func() {
		defer s.wg.Done()
		defer close(rs.done)
		defer cancel()

		final, err := s.driver.Run(runCtx, opts)
		if err != nil {
			s.logger.Error("session run failed", "session_id", id, "error", err)
		} else {
			s.logger.Info("session run finished", "session_id", id, "status", final.Status)
		}

		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	return stub, nil
}

// GetSession returns the stored session, or the in-memory view of a run
// that has not written its first row yet.
func (s *SessionService) GetSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, errpkg.ErrSessionNotFound) {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}

	s.mu.Lock()
	rs, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		return rs.stub, nil
	}
	return domain.Session{}, errpkg.ErrSessionNotFound
}

// StopSession cancels a running session and waits for the driver to park or
// cancel its tasks.
func (s *SessionService) StopSession(ctx context.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	rs, ok := s.running[id]
	s.mu.Unlock()

	if !ok {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return domain.Session{}, err
		}
		return sess, fmt.Errorf("%w: session %s is %s", errpkg.ErrInvalidTransition, id, sess.Status)
	}

	rs.cancel()
	select {
	case <-rs.done:
	case <-ctx.Done():
		return domain.Session{}, ctx.Err()
	}

	s.logger.Info("session stopped by request", "session_id", id)
	return s.GetSession(ctx, id)
}

// Shutdown stops every running session and waits for the runs to return.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, rs := range s.running {
		rs.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("session service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}
