package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/internal/urls"
)

const (
	pathSingleDownload = "/youtube/single/download"
	pathSingleStatus   = "/youtube/single/status/"
	pathSingleFile     = "/youtube/single/file/"
	pathSingleJob      = "/youtube/single/job/"
	pathSingleInfo     = "/youtube/single/info"
	pathMultiDownload  = "/youtube/multi/download"
	pathMultiStatus    = "/youtube/multi/status/"
	pathMultiBatch     = "/youtube/multi/batch/"
)

// Config holds the connection settings for the extraction backend.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL %q is not absolute", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}

// Client is a thin request layer over the backend's REST surface. It keeps
// no job state and never retries; callers decide what to do with an error.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
}

func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type submitRequest struct {
	URL          string   `json:"url,omitempty"`
	URLs         []string `json:"urls,omitempty"`
	Type         string   `json:"type"`
	Format       string   `json:"format"`
	Resolution   string   `json:"resolution,omitempty"`
	AudioBitrate string   `json:"audio_bitrate,omitempty"`
}

func newSubmitRequest(opts Options) submitRequest {
	req := submitRequest{
		Type:   opts.Kind.wireType(),
		Format: opts.Format,
	}
	if opts.Kind != KindAudio {
		req.Resolution = opts.Resolution
	}
	if opts.Kind != KindGIF {
		req.AudioBitrate = opts.AudioBitrate
	}
	return req
}

type jobStatusPayload struct {
	JobID    string   `json:"job_id,omitempty"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Filename string   `json:"filename,omitempty"`
	FileSize int64    `json:"file_size,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (p jobStatusPayload) state() JobState {
	s := JobState{
		Status:    parseStatus(p.Status),
		Filename:  p.Filename,
		SizeBytes: p.FileSize,
	}
	if p.Progress != nil {
		s.Progress = *p.Progress
	}
	switch s.Status {
	case StatusCompleted:
		s.Progress = 100
	case StatusFailed:
		s.Reason = p.Error
		if strings.TrimSpace(s.Reason) == "" {
			s.Reason = "Download failed"
		}
	}
	return s
}

type batchStatusPayload struct {
	BatchID         string             `json:"batch_id"`
	Status          string             `json:"status"`
	TotalCount      int                `json:"total_count"`
	CompletedCount  int                `json:"completed_count"`
	FailedCount     int                `json:"failed_count"`
	ProcessingCount int                `json:"processing_count"`
	PendingCount    int                `json:"pending_count"`
	OverallProgress float64            `json:"overall_progress"`
	Jobs            []jobStatusPayload `json:"jobs"`
	Error           string             `json:"error,omitempty"`
}

// SubmitSingle starts one conversion job.
func (c *Client) SubmitSingle(ctx context.Context, spec JobSpec) (JobHandle, error) {
	if err := spec.Validate(); err != nil {
		return JobHandle{}, errs.Wrap(err, errs.Submission, err.Error())
	}

	req := newSubmitRequest(spec.Options)
	req.URL = spec.SourceURL

	var ret struct {
		JobID string `json:"job_id"`
	}
	if err := c.submit(ctx, pathSingleDownload, req, &ret); err != nil {
		return JobHandle{}, err
	}
	if ret.JobID == "" {
		return JobHandle{}, errs.New(errs.Submission, "backend returned no job id")
	}
	return JobHandle{ID: ret.JobID, CreatedAt: time.Now()}, nil
}

// SubmitBatch starts up to urls.MaxBatchSize jobs that share one set of
// options. Repeated URLs are collapsed before the request is built.
func (c *Client) SubmitBatch(ctx context.Context, specs []JobSpec) (BatchHandle, error) {
	if len(specs) == 0 {
		return BatchHandle{}, errs.New(errs.Precondition, "batch must contain at least one URL")
	}
	if len(specs) > urls.MaxBatchSize {
		return BatchHandle{}, errs.Newf(errs.Precondition, "batch exceeds %d URLs", urls.MaxBatchSize).
			WithContext("count", len(specs))
	}

	opts := specs[0].Options
	list := make([]string, 0, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return BatchHandle{}, errs.Wrap(err, errs.Submission, err.Error()).WithContext("index", i)
		}
		if spec.Options != opts {
			return BatchHandle{}, errs.New(errs.Precondition, "batch entries must share kind, format, resolution and bitrate").
				WithContext("index", i)
		}
		list = append(list, spec.SourceURL)
	}

	req := newSubmitRequest(opts)
	req.URLs = urls.Dedupe(list)

	var ret struct {
		BatchID string `json:"batch_id"`
	}
	if err := c.submit(ctx, pathMultiDownload, req, &ret); err != nil {
		return BatchHandle{}, err
	}
	if ret.BatchID == "" {
		return BatchHandle{}, errs.New(errs.Submission, "backend returned no batch id")
	}
	return BatchHandle{ID: ret.BatchID, CreatedAt: time.Now()}, nil
}

// JobStatus reads the current state of one job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (JobState, error) {
	var payload jobStatusPayload
	if err := c.query(ctx, pathSingleStatus+url.PathEscape(jobID), &payload); err != nil {
		return JobState{}, err
	}
	if payload.Status == "" && payload.Error != "" {
		return JobState{}, errs.New(errs.NotFound, "job no longer exists").
			WithContext("job_id", jobID).
			WithContext("backend", payload.Error)
	}
	return payload.state(), nil
}

// BatchStatus reads the aggregate state of a batch. Counts and progress are
// recomputed from the member list rather than trusted from the payload.
func (c *Client) BatchStatus(ctx context.Context, batchID string) (BatchState, error) {
	var payload batchStatusPayload
	if err := c.query(ctx, pathMultiStatus+url.PathEscape(batchID), &payload); err != nil {
		return BatchState{}, err
	}
	if payload.Status == "" && payload.Error != "" {
		return BatchState{}, errs.New(errs.NotFound, "batch no longer exists").
			WithContext("batch_id", batchID).
			WithContext("backend", payload.Error)
	}

	members := make([]MemberState, 0, len(payload.Jobs))
	for _, j := range payload.Jobs {
		if j.JobID == "" {
			continue
		}
		members = append(members, MemberState{JobID: j.JobID, JobState: j.state()})
	}
	return NewBatchState(members, parseStatus(payload.Status), payload.OverallProgress), nil
}

// Info fetches metadata for a URL without starting a conversion.
func (c *Client) Info(ctx context.Context, sourceURL string) (VideoInfo, error) {
	var ret struct {
		VideoInfo
		Success *bool  `json:"success,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	if err := c.submit(ctx, pathSingleInfo, map[string]string{"url": sourceURL}, &ret); err != nil {
		return VideoInfo{}, err
	}
	if ret.Success != nil && !*ret.Success {
		return VideoInfo{}, errs.New(errs.Submission, fallback(ret.Error, "Failed to read video info"))
	}
	return ret.VideoInfo, nil
}

// ReleaseJob asks the backend to drop a job. Backends without a cleanup
// endpoint answer 404/405/501, which counts as success.
func (c *Client) ReleaseJob(ctx context.Context, jobID string) error {
	return c.release(ctx, http.MethodDelete, pathSingleJob+url.PathEscape(jobID))
}

func (c *Client) ReleaseBatch(ctx context.Context, batchID string) error {
	return c.release(ctx, http.MethodPost, pathMultiBatch+url.PathEscape(batchID)+"/cancel")
}

func (c *Client) release(ctx context.Context, method, path string) error {
	resp, body, err := c.makeRequest(ctx, method, path, nil)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusMethodNotAllowed,
		resp.StatusCode == http.StatusNotImplemented:
		return nil
	default:
		return fmt.Errorf("cleanup failed with status %d: %s", resp.StatusCode, backendMessage(body))
	}
}

func (c *Client) submit(ctx context.Context, path string, payload any, out any) error {
	resp, body, err := c.makeRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(err, errs.Cancelled, "submission cancelled")
		}
		return errs.Wrap(err, errs.Submission, "Failed to start download. Please try again.")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fallback(backendMessage(body), "Failed to start download. Please try again.")
		return errs.New(errs.Submission, msg).WithContext("status", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Wrap(err, errs.Submission, "backend returned an unreadable response")
	}
	return nil
}

func (c *Client) query(ctx context.Context, path string, out any) error {
	resp, body, err := c.makeRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(err, errs.Cancelled, "status query cancelled")
		}
		return errs.Wrap(err, errs.TransientQuery, "status query failed")
	}
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound, code == http.StatusGone:
		return errs.New(errs.NotFound, "job no longer exists").WithContext("path", path)
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return errs.New(errs.TransientQuery, fallback(backendMessage(body), "status query failed")).
			WithContext("status", code)
	case code >= 400:
		// the backend refused the query; asking again will not change that
		return errs.New(errs.Submission, fallback(backendMessage(body), "status query rejected")).
			WithContext("status", code)
	case code < 200 || code >= 300:
		return errs.New(errs.TransientQuery, fallback(backendMessage(body), "unexpected status response")).
			WithContext("status", code)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Wrap(err, errs.TransientQuery, "unreadable status response")
	}
	return nil
}

// makeRequest performs one round trip and reads the whole body.
func (c *Client) makeRequest(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, nil, fmt.Errorf("request timed out: %w", err)
		}
		return nil, nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp, responseBody, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	return req, nil
}

// backendMessage extracts the human readable reason from an error body.
// FastAPI style {"detail": ...} wins over {"error": ...} and {"message": ...}.
func backendMessage(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			if strings.TrimSpace(s) != "" {
				return s
			}
		} else if string(payload.Detail) != "null" {
			return string(payload.Detail)
		}
	}
	if strings.TrimSpace(payload.Error) != "" {
		return payload.Error
	}
	return strings.TrimSpace(payload.Message)
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
