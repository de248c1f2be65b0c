package domain

import (
	"time"
)

// DefaultMaxRetries is applied to tasks submitted without an explicit retry limit.
const DefaultMaxRetries = 3

// UnknownSize marks a total byte count or ETA the source did not report.
const UnknownSize int64 = -1

// Container is a logical grouping of items, e.g. a chat or channel.
type Container struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Item is a single remote attachment. Ref is owned by the content source
// and never interpreted by the engine.
type Item struct {
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name,omitempty"`
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MIMEType      string    `json:"mime_type,omitempty"`
	Size          int64     `json:"size"`
	Date          time.Time `json:"date"`
	Ref           string    `json:"ref"`
	Checksum      string    `json:"checksum,omitempty"`
	Kind          MediaKind `json:"kind,omitempty"`
	// Version is the content revision the partial file was written from.
	Version string `json:"version,omitempty"`
}

type Task struct {
	ID              string     `json:"id"`
	Item            Item       `json:"item"`
	DestinationPath string     `json:"destination_path"`
	DisplayName     string     `json:"display_name"`
	Status          TaskStatus `json:"status"`
	Priority        Priority   `json:"priority"`

	TotalBytes       int64   `json:"total_bytes"`
	TransferredBytes int64   `json:"transferred_bytes"`
	ProgressPercent  float64 `json:"progress_percent"`
	SpeedBytesPerSec float64 `json:"speed_bytes_per_sec"`
	ETASeconds       int64   `json:"eta_seconds"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	ExpectedChecksum  string `json:"expected_checksum,omitempty"`
	ChecksumAlgorithm string `json:"checksum_algorithm,omitempty"`

	SpeedLimit     int64 `json:"speed_limit_bytes_per_sec,omitempty"`
	ResumeOffset   int64 `json:"resume_offset"`
	SupportsResume bool  `json:"supports_resume"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask builds a pending task for item with the engine defaults applied.
func NewTask(id string, item Item, destination string) Task {
	name := item.Name
	if name == "" {
		name = item.ID
	}
	return Task{
		ID:              id,
		Item:            item,
		DestinationPath: destination,
		DisplayName:     name,
		Status:          TaskStatusPending,
		Priority:        PriorityNormal,
		TotalBytes:      UnknownSize,
		ETASeconds:      UnknownSize,
		MaxRetries:      DefaultMaxRetries,
		CreatedAt:       time.Now().UTC(),
	}
}

// UpdateProgress recomputes percent, speed and ETA from the current counters.
// Percent and ETA stay unknown while the total size is unknown.
func (t *Task) UpdateProgress(speed float64) {
	t.SpeedBytesPerSec = speed
	if t.TotalBytes <= 0 {
		t.ProgressPercent = 0
		t.ETASeconds = UnknownSize
		if t.TotalBytes == 0 {
			t.ProgressPercent = 100
			t.ETASeconds = 0
		}
		return
	}
	t.ProgressPercent = float64(t.TransferredBytes) / float64(t.TotalBytes) * 100
	if t.ProgressPercent > 100 {
		t.ProgressPercent = 100
	}
	remaining := t.TotalBytes - t.TransferredBytes
	switch {
	case remaining <= 0:
		t.ETASeconds = 0
	case speed > 0:
		t.ETASeconds = int64(float64(remaining)/speed + 0.5)
	default:
		t.ETASeconds = UnknownSize
	}
}

// DedupRecord is a persisted completion keyed by (ContainerID, ItemID).
type DedupRecord struct {
	ContainerID string    `json:"container_id"`
	ItemID      string    `json:"item_id"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Kind        MediaKind `json:"kind"`
	CompletedAt time.Time `json:"completed_at"`
}

// Session is one end-to-end run of the session driver.
type Session struct {
	ID          string        `json:"id"`
	ContainerID string        `json:"container_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Status      SessionStatus `json:"status"`
	Downloaded  int64         `json:"downloaded_count"`
	Skipped     int64         `json:"skipped_count"`
	Failed      int64         `json:"failed_count"`
	LastError   string        `json:"last_error,omitempty"`
}
