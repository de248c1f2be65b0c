// Package session runs bulk download sessions: it walks the containers of a
// content source, skips items the ledger already holds and hands the rest to
// the scheduler as tasks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/media"
	"github.com/veranemoloko/attachment-fetcher/internal/metrics"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
	"github.com/veranemoloko/attachment-fetcher/internal/repository"
	"github.com/veranemoloko/attachment-fetcher/internal/scheduler"
	"github.com/veranemoloko/attachment-fetcher/internal/source"
	"github.com/veranemoloko/attachment-fetcher/internal/storage"
)

// StopMode decides what happens to a session's unfinished tasks on stop.
type StopMode string

const (
	StopPause  StopMode = "pause"
	StopCancel StopMode = "cancel"
)

// ParseStopMode accepts "pause" or "cancel"; empty means pause.
func ParseStopMode(s string) (StopMode, error) {
	switch StopMode(s) {
	case "", StopPause:
		return StopPause, nil
	case StopCancel:
		return StopCancel, nil
	default:
		return "", fmt.Errorf("unknown stop mode %q", s)
	}
}

// taskNamespace derives stable task ids from (container, item) so that the
// same item is never transferred by two tasks at once.
var taskNamespace = uuid.MustParse("6f1c1c5e-5b0a-4c3e-9d57-0d0f2b7a9a11")

// TaskID returns the task id used for an item.
func TaskID(containerID, itemID string) string {
	return uuid.NewSHA1(taskNamespace, []byte(containerID+"\x00"+itemID)).String()
}

// Scheduler is the part of the admission controller the driver needs.
type Scheduler interface {
	Submit(task domain.Task, opts ...scheduler.SubmitOption) (string, error)
	Park(id string) bool
	Cancel(id string) bool
}

// Config holds the per-task defaults applied to session tasks.
type Config struct {
	MaxRetries        int
	ChecksumAlgorithm string
	SpeedLimit        int64
	StopMode          StopMode
}

// Options selects what one session run covers.
type Options struct {
	// ID is generated when empty.
	ID string
	// Containers is an allow-list of container ids. Empty means all.
	Containers []string
	Priority   domain.Priority
}

// Driver runs sessions against one content source.
type Driver struct {
	source    source.Source
	scheduler Scheduler
	ledger    repository.DedupLedger
	sessions  repository.SessionRepo
	resolver  storage.PathResolver
	publisher *progress.Publisher
	cfg       Config
	logger    *slog.Logger
}

func NewDriver(
	src source.Source,
	sched Scheduler,
	ledger repository.DedupLedger,
	sessions repository.SessionRepo,
	resolver storage.PathResolver,
	publisher *progress.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Driver {
	if cfg.StopMode == "" {
		cfg.StopMode = StopPause
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	return &Driver{
		source:    src,
		scheduler: sched,
		ledger:    ledger,
		sessions:  sessions,
		resolver:  resolver,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes one session. It returns when every submitted task settled,
// or as soon as ctx is cancelled, in which case the session's unfinished
// tasks are parked or cancelled according to the stop mode and the session
// ends stopped. A source outage during enumeration ends the session failed
// with ErrSourceUnavailable.
func (d *Driver) Run(ctx context.Context, opts Options) (domain.Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if !opts.Priority.Valid() {
		opts.Priority = domain.PriorityNormal
	}

	sess := domain.Session{
		ID:        opts.ID,
		StartedAt: time.Now().UTC(),
		Status:    domain.SessionStatusRunning,
	}
	if len(opts.Containers) == 1 {
		sess.ContainerID = opts.Containers[0]
	}
	if err := d.sessions.CreateSession(context.WithoutCancel(ctx), sess); err != nil {
		return sess, fmt.Errorf("create session: %w", err)
	}

	t := newTracker(sess, d.sessions, d.publisher, d.logger)
	t.publish()
	logger := d.logger.With("session_id", sess.ID)
	logger.Info("session started", "containers", opts.Containers)

	submitted, err := d.enumerate(ctx, t, opts, logger)
	t.enumerationDone()

	switch {
	case ctx.Err() != nil:
		return d.stop(t, submitted, logger), nil
	case err != nil:
		logger.Error("session enumeration failed", "error", err)
		final := t.close(domain.SessionStatusFailed, err.Error())
		if errors.Is(err, errpkg.ErrSourceUnavailable) {
			return final, err
		}
		return final, fmt.Errorf("%w: %v", errpkg.ErrSourceUnavailable, err)
	}

	select {
	case <-t.settled:
		final := t.close(domain.SessionStatusCompleted, "")
		logger.Info("session completed",
			"downloaded", final.Downloaded,
			"skipped", final.Skipped,
			"failed", final.Failed,
		)
		return final, nil
	case <-ctx.Done():
		return d.stop(t, submitted, logger), nil
	}
}

func (d *Driver) enumerate(ctx context.Context, t *tracker, opts Options, logger *slog.Logger) ([]string, error) {
	containers, err := d.source.Containers(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list containers: %v", errpkg.ErrSourceUnavailable, err)
	}

	var submitted []string
	for _, c := range containers {
		if ctx.Err() != nil {
			return submitted, nil
		}
		if len(opts.Containers) > 0 && !slices.Contains(opts.Containers, c.ID) {
			continue
		}

		logger.Debug("enumerating container", "container_id", c.ID)
		for item, err := range d.source.Items(ctx, c) {
			if ctx.Err() != nil {
				return submitted, nil
			}
			if err != nil {
				return submitted, fmt.Errorf("%w: list items of %s: %v", errpkg.ErrSourceUnavailable, c.ID, err)
			}

			item.ContainerID = c.ID
			item.ContainerName = c.Name
			item.Kind = media.Classify(item)

			done, err := d.ledger.IsCompleted(ctx, c.ID, item.ID)
			if err != nil {
				if ctx.Err() != nil {
					return submitted, nil
				}
				return submitted, fmt.Errorf("check ledger: %w", err)
			}
			if done {
				metrics.ItemsSkipped.Inc()
				t.skipped()
				continue
			}

			id, err := d.submit(c, item, opts.Priority, t)
			if err != nil {
				return submitted, err
			}
			submitted = append(submitted, id)
		}
	}
	return submitted, nil
}

// submit hands an item to the scheduler. A task parked by an earlier stopped
// session, or restored paused after a restart, carries the same id and is
// resumed from its partial file.
func (d *Driver) submit(c domain.Container, item domain.Item, p domain.Priority, t *tracker) (string, error) {
	task := domain.NewTask(TaskID(c.ID, item.ID), item, d.resolver.Resolve(c, item))
	task.Priority = p
	task.MaxRetries = d.cfg.MaxRetries
	task.SpeedLimit = d.cfg.SpeedLimit
	if item.Checksum != "" {
		task.ExpectedChecksum = item.Checksum
		task.ChecksumAlgorithm = d.cfg.ChecksumAlgorithm
	}

	t.added()
	id, err := d.scheduler.Submit(task, scheduler.OnSettled(t.taskSettled), scheduler.ResumeIfPaused())
	if err != nil {
		t.abandoned()
		return "", fmt.Errorf("submit task for item %s: %w", item.ID, err)
	}
	return id, nil
}

func (d *Driver) stop(t *tracker, submitted []string, logger *slog.Logger) domain.Session {
	for _, id := range submitted {
		if d.cfg.StopMode == StopCancel {
			d.scheduler.Cancel(id)
		} else {
			d.scheduler.Park(id)
		}
	}
	final := t.close(domain.SessionStatusStopped, "")
	logger.Info("session stopped",
		"mode", string(d.cfg.StopMode),
		"downloaded", final.Downloaded,
		"skipped", final.Skipped,
		"failed", final.Failed,
	)
	return final
}
