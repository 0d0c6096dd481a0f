package backend

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects what the backend extracts from the source.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindGIF   Kind = "gif"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindVideo, KindAudio, KindGIF:
		return k, nil
	default:
		return "", fmt.Errorf("unknown kind %q (expected video, audio or gif)", raw)
	}
}

// wireType is the backend's name for a kind: "both" carries picture and
// sound, "video" is picture only.
func (k Kind) wireType() string {
	switch k {
	case KindVideo:
		return "both"
	case KindGIF:
		return "video"
	default:
		return string(k)
	}
}

// Options are the conversion settings shared by every URL of a submission.
type Options struct {
	Kind         Kind   `json:"kind"`
	Format       string `json:"format"`
	Resolution   string `json:"resolution,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
}

// Validate enforces the per-kind requirements: resolution unless audio,
// audio bitrate unless gif.
func (o Options) Validate() error {
	switch o.Kind {
	case KindVideo, KindAudio, KindGIF:
	default:
		return fmt.Errorf("unknown kind %q", o.Kind)
	}
	if strings.TrimSpace(o.Format) == "" {
		return fmt.Errorf("format is required")
	}
	if o.Kind != KindAudio && strings.TrimSpace(o.Resolution) == "" {
		return fmt.Errorf("resolution is required for %s", o.Kind)
	}
	if o.Kind != KindGIF && strings.TrimSpace(o.AudioBitrate) == "" {
		return fmt.Errorf("audio bitrate is required for %s", o.Kind)
	}
	return nil
}

type JobSpec struct {
	SourceURL string `json:"source_url"`
	Options
}

func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.SourceURL) == "" {
		return fmt.Errorf("source url is required")
	}
	return s.Options.Validate()
}

type JobHandle struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type BatchHandle struct {
	ID           string    `json:"id"`
	MemberJobIDs []string  `json:"member_job_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// parseStatus folds the backend's vocabulary into the four states. Unknown
// values are treated as still running so polling continues.
func parseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "waiting":
		return StatusPending
	case "completed", "complete", "done", "finished", "success":
		return StatusCompleted
	case "failed", "error", "cancelled", "canceled":
		return StatusFailed
	default:
		return StatusProcessing
	}
}

type JobState struct {
	Status    Status  `json:"status"`
	Progress  float64 `json:"progress"`
	Filename  string  `json:"filename,omitempty"`
	SizeBytes int64   `json:"size_bytes,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

func (s JobState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Merge folds a newer observation into s. A terminal state is kept as is and
// progress never goes backwards.
func (s JobState) Merge(next JobState) JobState {
	if s.IsTerminal() {
		return s
	}
	if next.Status == "" {
		return s
	}
	if !next.IsTerminal() && next.Progress < s.Progress {
		next.Progress = s.Progress
	}
	if next.Status == StatusCompleted {
		next.Progress = 100
	}
	return next
}

type MemberState struct {
	JobID string `json:"job_id"`
	JobState
}

type Counts struct {
	Total      int `json:"total_count"`
	Pending    int `json:"pending_count"`
	Processing int `json:"processing_count"`
	Completed  int `json:"completed_count"`
	Failed     int `json:"failed_count"`
}

type BatchState struct {
	Status          Status        `json:"status"`
	OverallProgress float64       `json:"overall_progress"`
	Jobs            []MemberState `json:"jobs"`
	Counts          Counts        `json:"counts"`
	Reason          string        `json:"reason,omitempty"`
}

func (b BatchState) IsTerminal() bool {
	return b.Status.IsTerminal()
}

// JobIDs returns member ids in submission order.
func (b BatchState) JobIDs() []string {
	ret := make([]string, 0, len(b.Jobs))
	for _, j := range b.Jobs {
		ret = append(ret, j.JobID)
	}
	return ret
}

func (b BatchState) Member(jobID string) (MemberState, bool) {
	for _, j := range b.Jobs {
		if j.JobID == jobID {
			return j, true
		}
	}
	return MemberState{}, false
}

// VideoInfo is the metadata the backend reports for a URL without converting it.
type VideoInfo struct {
	Title       string `json:"title"`
	Duration    int    `json:"duration"`
	Thumbnail   string `json:"thumbnail"`
	Uploader    string `json:"uploader"`
	ViewCount   int64  `json:"view_count"`
	UploadDate  string `json:"upload_date"`
	Description string `json:"description"`
}

type SavedFile struct {
	// JobID holds the batch id for a batch archive.
	JobID string `json:"job_id"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}
