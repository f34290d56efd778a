package domain

import "time"

// Record statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// BuildRecord is the history entry of one image build.
type BuildRecord struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Backend       string    `json:"backend"`
	ImageName     string    `json:"image_name"`
	SourceImageID string    `json:"source_image_id,omitempty"`
	ImageID       string    `json:"image_id,omitempty"`
	Deregistered  []string  `json:"deregistered,omitempty"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// DeployRecord is the history entry of one instance launch.
type DeployRecord struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Backend    string    `json:"backend"`
	ImageID    string    `json:"image_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
