package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/veranemoloko/attachment-fetcher/internal/checksum"
	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/metrics"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
	"github.com/veranemoloko/attachment-fetcher/internal/source"
	"github.com/veranemoloko/attachment-fetcher/internal/storage"
)

const (
	DefaultChunkSize        = 32 * 1024
	DefaultProgressInterval = time.Second
)

// Options tunes the executor.
type Options struct {
	ChunkSize        int
	ProgressInterval time.Duration
	// PauseGrace is how long a pause waits for the read in flight before the
	// source stream is closed. Zero closes it at once.
	PauseGrace time.Duration
}

// Executor performs the byte transfer of one task at a time per call.
type Executor struct {
	opener    source.Opener
	files     *storage.FileStorage
	publisher *progress.Publisher
	opts      Options
	logger    *slog.Logger
}

// NewExecutor creates an Executor reading from opener and writing below files.
func NewExecutor(opener source.Opener, files *storage.FileStorage, publisher *progress.Publisher, opts Options, logger *slog.Logger) *Executor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Executor{
		opener:    opener,
		files:     files,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

// Execute runs one transfer attempt. It returns nil when the final file is in
// place and verified, errpkg.ErrPaused or errpkg.ErrCancelled when stopped at
// a suspension point, and any other error for a failed attempt. The partial
// file is left in place on every non-nil return.
func (e *Executor) Execute(ctx context.Context, job *Job) error {
	started := time.Now()
	defer func() {
		metrics.TransferDuration.Observe(time.Since(started).Seconds())
	}()

	sctx, wctx, release := job.beginAttempt(ctx, e.opts.ChunkSize, e.opts.PauseGrace)
	defer release()

	task := job.Snapshot()
	dest := task.DestinationPath

	offset, err := e.files.PartialSize(dest)
	if err != nil {
		return errpkg.Storage(fmt.Errorf("stat partial file: %w", err))
	}

	now := time.Now().UTC()
	task = job.Update(func(t *domain.Task) {
		t.Status = domain.TaskStatusDownloading
		t.ResumeOffset = offset
		t.TransferredBytes = offset
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	})

	if err := job.stopRequested(); err != nil {
		return err
	}

	stream, err := e.opener.Open(sctx, task.Item, offset)
	if err != nil {
		if stop := job.stopRequested(); stop != nil {
			return stop
		}
		if ctx.Err() != nil {
			return errpkg.ErrPaused
		}
		e.logger.Error("open stream failed", "task_id", task.ID, "offset", offset, "error", err)
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Body.Close()

	truncate := offset == 0
	if offset > 0 && stream.Offset == 0 {
		e.logger.Info("source restarted from zero, discarding partial file", "task_id", task.ID, "partial_bytes", offset)
		offset = 0
		truncate = true
	}

	task = job.Update(func(t *domain.Task) {
		t.ResumeOffset = offset
		t.TransferredBytes = offset
		t.SupportsResume = stream.SupportsResume
		t.Item.Version = stream.Version
		t.TotalBytes = stream.Total
		t.UpdateProgress(0)
	})
	e.publisher.PublishTask(domain.EventTaskProgress, &task)

	file, err := e.files.OpenPartial(dest, truncate)
	if err != nil {
		return errpkg.Storage(fmt.Errorf("open partial file: %w", err))
	}

	transferred, err := e.copyChunks(ctx, wctx, job, file, stream.Body, offset)
	closeErr := file.Close()
	if err != nil {
		if !errors.Is(err, errpkg.ErrPaused) && !errors.Is(err, errpkg.ErrCancelled) {
			e.logger.Error("transfer failed", "task_id", task.ID, "transferred", transferred, "error", err)
		}
		return err
	}
	if closeErr != nil {
		return errpkg.Storage(fmt.Errorf("close partial file: %w", closeErr))
	}

	if stream.Total >= 0 && transferred != stream.Total {
		return errpkg.Transient(fmt.Errorf("stream ended at %d of %d bytes: %w", transferred, stream.Total, io.ErrUnexpectedEOF))
	}

	if err := e.files.Finalize(dest); err != nil {
		return errpkg.Storage(err)
	}

	task = job.Update(func(t *domain.Task) {
		t.TotalBytes = transferred
		t.TransferredBytes = transferred
		t.UpdateProgress(t.SpeedBytesPerSec)
	})

	if task.ExpectedChecksum != "" {
		task = job.Update(func(t *domain.Task) { t.Status = domain.TaskStatusVerifying })
		e.publisher.PublishTask(domain.EventTaskStatus, &task)

		ok, err := checksum.Verify(dest, task.ChecksumAlgorithm, task.ExpectedChecksum)
		if err != nil {
			if errors.Is(err, errpkg.ErrUnsupportedDigest) {
				return err
			}
			return errpkg.Storage(fmt.Errorf("verify checksum: %w", err))
		}
		if !ok {
			e.logger.Warn("checksum mismatch, keeping file for inspection", "task_id", task.ID, "path", dest)
			return errpkg.ErrChecksumMismatch
		}
	}

	e.logger.Debug("transfer finished", "task_id", task.ID, "bytes", transferred, "path", dest)
	return nil
}

// copyChunks appends src to dst chunk by chunk. Pause and cancel flags are
// honored between chunks; whatever a read returned is written before stopping.
func (e *Executor) copyChunks(ctx, wctx context.Context, job *Job, dst *os.File, src io.Reader, offset int64) (int64, error) {
	buf := make([]byte, e.opts.ChunkSize)
	total := offset
	lastReport := time.Now()
	lastBytes := total

	for {
		if err := job.stopRequested(); err != nil {
			return total, err
		}
		if ctx.Err() != nil {
			return total, errpkg.ErrPaused
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				total += int64(nw)
				metrics.TransferBytes.Add(float64(nw))
			}
			if werr != nil {
				return total, errpkg.Storage(werr)
			}
			if nw != nr {
				return total, errpkg.Storage(io.ErrShortWrite)
			}

			now := time.Now()
			report := now.Sub(lastReport) >= e.opts.ProgressInterval
			snap := job.Update(func(t *domain.Task) {
				t.TransferredBytes = total
				speed := t.SpeedBytesPerSec
				if report {
					speed = float64(total-lastBytes) / now.Sub(lastReport).Seconds()
				}
				t.UpdateProgress(speed)
			})
			if report {
				e.publisher.PublishTask(domain.EventTaskProgress, &snap)
				lastReport, lastBytes = now, total
			}

			if err := job.stopRequested(); err != nil {
				return total, err
			}
			if err := job.throttle(wctx, nw); err != nil {
				if stop := job.stopRequested(); stop != nil {
					return total, stop
				}
				if ctx.Err() != nil {
					return total, errpkg.ErrPaused
				}
				return total, fmt.Errorf("throttle: %w", err)
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			if stop := job.stopRequested(); stop != nil {
				return total, stop
			}
			if ctx.Err() != nil {
				return total, errpkg.ErrPaused
			}
			return total, errpkg.Transient(fmt.Errorf("read stream: %w", rerr))
		}
	}
}
