package domain

import "time"

// EventType distinguishes task snapshots from session counter updates.
type EventType string

const (
	EventTaskProgress EventType = "task_progress"
	EventTaskStatus   EventType = "task_status"
	EventSession      EventType = "session"
)

// TaskSnapshot is the subscriber view of a task.
type TaskSnapshot struct {
	TaskID           string     `json:"task_id"`
	Status           TaskStatus `json:"status"`
	TransferredBytes int64      `json:"transferred_bytes"`
	TotalBytes       int64      `json:"total_bytes"`
	ProgressPercent  float64    `json:"progress_percent"`
	Speed            float64    `json:"speed"`
	ETA              int64      `json:"eta"`
	LastError        string     `json:"last_error,omitempty"`
}

// SessionSnapshot carries session level counters.
type SessionSnapshot struct {
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	Downloaded int64         `json:"downloaded_count"`
	Skipped    int64         `json:"skipped_count"`
	Failed     int64         `json:"failed_count"`
}

type Event struct {
	Type    EventType        `json:"type"`
	Time    time.Time        `json:"time"`
	Task    *TaskSnapshot    `json:"task,omitempty"`
	Session *SessionSnapshot `json:"session,omitempty"`
}

// Snapshot returns the subscriber view of t.
func (t *Task) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		TaskID:           t.ID,
		Status:           t.Status,
		TransferredBytes: t.TransferredBytes,
		TotalBytes:       t.TotalBytes,
		ProgressPercent:  t.ProgressPercent,
		Speed:            t.SpeedBytesPerSec,
		ETA:              t.ETASeconds,
		LastError:        t.LastError,
	}
}

// Snapshot returns the subscriber view of s.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID:  s.ID,
		Status:     s.Status,
		Downloaded: s.Downloaded,
		Skipped:    s.Skipped,
		Failed:     s.Failed,
	}
}
