package errors

import "errors"

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrRecordNotFound  = errors.New("ledger record not found")

	// ErrTransientIO marks network or disk hiccups that are worth retrying.
	ErrTransientIO = errors.New("transient i/o error")
	// ErrChecksumMismatch is terminal; the final file is kept for inspection.
	ErrChecksumMismatch = errors.New("checksum_mismatch")
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrSourceUnavailable fails a whole session attempt at enumeration time.
	ErrSourceUnavailable = errors.New("content source unavailable")
	// ErrCancelled is a normal terminal outcome, not a failure.
	ErrCancelled = errors.New("cancelled by user")
	// ErrPaused ends an attempt cooperatively; the partial file is kept.
	ErrPaused = errors.New("paused")
	// ErrStorage covers disk full and permission problems. Retrying will not help.
	ErrStorage = errors.New("storage error")

	// ErrInvalidRequest wraps input the control surface rejects before touching any task.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTransition rejects a control request the task's state does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrAlreadyRunning    = errors.New("scheduler already running")
	ErrSchedulerStopped  = errors.New("scheduler stopped")
	ErrUnsupportedDigest = errors.New("unsupported checksum algorithm")
)

// IsRetryable reports whether err is a transient failure the retry policy may act on.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrCancelled) || errors.Is(err, ErrPaused) ||
		errors.Is(err, ErrUnsupportedDigest) {
		return false
	}
	return errors.Is(err, ErrTransientIO)
}

// Transient wraps err as a retryable i/o failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTransientIO, err: err}
}

// Storage wraps err as a terminal local storage failure.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrStorage, err: err}
}

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string {
	return c.kind.Error() + ": " + c.err.Error()
}

func (c *classified) Unwrap() []error {
	return []error{c.kind, c.err}
}
