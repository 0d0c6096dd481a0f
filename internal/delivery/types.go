package delivery

import (
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Request asks for one completed job's artifact to be retrieved.
type Request struct {
	JobID string
	// Source names the tracker that asked, e.g. "single" or "batch:<id>".
	Source string
	// Filename is the backend's name for the artifact, informational only.
	Filename string
}

type Delivery struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Source    string    `json:"source"`
	Filename  string    `json:"filename,omitempty"`
	Status    Status    `json:"status"`
	Path      string    `json:"path,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
