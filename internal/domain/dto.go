package domain

// CreateTaskRequest represents the request body for submitting an ad-hoc Task.
type CreateTaskRequest struct {
	ContainerID       string `json:"container_id" validate:"required,max=256"`
	ItemID            string `json:"item_id" validate:"required,max=256"`
	Ref               string `json:"ref" validate:"required,max=4096"`
	Name              string `json:"name" validate:"omitempty,max=255"`
	MIMEType          string `json:"mime_type" validate:"omitempty,max=255"`
	DestinationPath   string `json:"destination_path" validate:"omitempty,safe_path"`
	Priority          string `json:"priority" validate:"omitempty,priority"`
	ExpectedChecksum  string `json:"expected_checksum" validate:"omitempty,max=200"`
	ChecksumAlgorithm string `json:"checksum_algorithm" validate:"omitempty,oneof=sha256 sha384 sha512"`
	MaxRetries        *int   `json:"max_retries" validate:"omitempty,min=0,max=20"`
	SpeedLimit        int64  `json:"speed_limit_bytes_per_sec" validate:"min=0"`
}

// PriorityRequest changes the priority of a task.
type PriorityRequest struct {
	Priority string `json:"priority" validate:"required,priority"`
}

// SpeedLimitRequest changes the per-task speed cap. Zero removes the cap.
type SpeedLimitRequest struct {
	BytesPerSec int64 `json:"bytes_per_sec" validate:"min=0"`
}

// ConcurrencyRequest changes the scheduler concurrency limit.
type ConcurrencyRequest struct {
	Limit int `json:"limit" validate:"required,min=1,max=256"`
}

// StartSessionRequest starts a session driver run. An empty allow-list means all containers.
type StartSessionRequest struct {
	Containers []string `json:"containers" validate:"omitempty,max=1000,dive,required,max=256"`
}

// SchedulerStats describes the admission controller state.
type SchedulerStats struct {
	Limit   int `json:"limit"`
	Active  int `json:"active"`
	Pending int `json:"pending"`
	Total   int `json:"total"`
}
