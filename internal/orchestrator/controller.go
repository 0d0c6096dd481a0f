package orchestrator

import (
	"context"
	"strings"
	"sync"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/internal/tracker"
	"github.com/MimeLyc/easy-downloader/internal/urls"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

type Mode string

const (
	ModeSingle Mode = "single"
	ModeBatch  Mode = "batch"
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeSingle, ModeBatch:
		return m, nil
	default:
		return "", errs.Newf(errs.Validation, "unknown mode %q", raw)
	}
}

// Client is the backend surface both trackers need.
type Client interface {
	tracker.SingleClient
	tracker.BatchClient
}

type Options struct {
	Tracker tracker.Options
	// Consent is the user's terms acceptance, read once at startup.
	Consent bool
	Mode    Mode
}

// State is what the presentation layer renders. Exactly one of Single and
// Batch is set, matching Mode.
type State struct {
	Mode    Mode                   `json:"mode"`
	Consent bool                   `json:"consent"`
	Single  *tracker.SingleSnapshot `json:"single,omitempty"`
	Batch   *tracker.BatchSnapshot  `json:"batch,omitempty"`
}

// Controller owns the single active mode and its tracker. Switching mode
// or releasing the controller tears the active tracker down first.
type Controller struct {
	client     Client
	dispatcher tracker.Dispatcher
	opts       tracker.Options

	mu       sync.Mutex
	mode     Mode
	consent  bool
	single   *tracker.Single
	batch    *tracker.Batch
	released bool
}

func New(client Client, dispatcher tracker.Dispatcher, opts Options) *Controller {
	c := &Controller{
		client:     client,
		dispatcher: dispatcher,
		opts:       opts.Tracker,
		consent:    opts.Consent,
		mode:       opts.Mode,
	}
	if c.mode != ModeBatch {
		c.mode = ModeSingle
	}
	c.openLocked()
	return c
}

func (c *Controller) openLocked() {
	switch c.mode {
	case ModeBatch:
		c.batch = tracker.NewBatch(c.client, c.dispatcher, c.opts)
	default:
		c.single = tracker.NewSingle(c.client, c.dispatcher, c.opts)
	}
}

// closeLocked stops the active tracker's polling. The backend is not told.
func (c *Controller) closeLocked() {
	if c.single != nil {
		c.single.Close()
		c.single = nil
	}
	if c.batch != nil {
		c.batch.Close()
		c.batch = nil
	}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches between single and batch. Any tracked work in the old
// mode is dropped.
func (c *Controller) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return errs.New(errs.Precondition, "controller released")
	}
	if mode == c.mode {
		return nil
	}
	c.closeLocked()
	c.mode = mode
	c.openLocked()
	log.Info("Switched to %s mode", mode)
	return nil
}

func (c *Controller) SetConsent(accepted bool) {
	c.mu.Lock()
	c.consent = accepted
	c.mu.Unlock()
}

func (c *Controller) Consent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consent
}

// SubmitSingle validates the URL and options and starts a single job.
func (c *Controller) SubmitSingle(ctx context.Context, spec backend.JobSpec) error {
	spec.SourceURL = urls.Normalize(spec.SourceURL)
	if !urls.IsValid(spec.SourceURL) {
		return errs.New(errs.Validation, "Please enter a valid YouTube URL").
			WithContext("url", spec.SourceURL)
	}
	if err := spec.Options.Validate(); err != nil {
		return errs.Wrap(err, errs.Validation, err.Error())
	}

	single, err := c.singleTracker()
	if err != nil {
		return err
	}
	return single.Submit(ctx, spec)
}

// SubmitBatch validates every line and submits the unique URLs as one
// batch. Nothing is sent unless the whole input is eligible. The report
// is returned in every case.
func (c *Controller) SubmitBatch(ctx context.Context, lines []string, opts backend.Options) (urls.Report, error) {
	report := urls.Validate(lines)
	if err := report.Eligible(); err != nil {
		return report, err
	}
	if err := opts.Validate(); err != nil {
		return report, errs.Wrap(err, errs.Validation, err.Error())
	}

	batch, err := c.batchTracker()
	if err != nil {
		return report, err
	}

	unique := report.UniqueURLs()
	specs := make([]backend.JobSpec, 0, len(unique))
	for _, u := range unique {
		specs = append(specs, backend.JobSpec{SourceURL: u, Options: opts})
	}
	return report, batch.Submit(ctx, specs)
}

// Cancel cancels whatever the active tracker has in flight.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	single, batch := c.single, c.batch
	c.mu.Unlock()

	switch {
	case single != nil:
		return single.Cancel(ctx)
	case batch != nil:
		return batch.Cancel(ctx)
	}
	return nil
}

// Reset clears a finished job or batch so the form can be reused.
func (c *Controller) Reset() error {
	c.mu.Lock()
	single, batch := c.single, c.batch
	c.mu.Unlock()

	switch {
	case single != nil:
		return single.Reset()
	case batch != nil:
		return batch.Reset()
	}
	return errs.New(errs.Precondition, "controller released")
}

// Download queues one artifact. In single mode jobID may be empty.
func (c *Controller) Download(jobID string) error {
	c.mu.Lock()
	single, batch := c.single, c.batch
	c.mu.Unlock()

	switch {
	case single != nil:
		if jobID != "" && jobID != single.Snapshot().JobID {
			return errs.New(errs.Precondition, "unknown job").WithContext("job_id", jobID)
		}
		return single.Download()
	case batch != nil:
		if jobID == "" {
			return errs.New(errs.Precondition, "job id is required in batch mode")
		}
		return batch.Download(jobID)
	}
	return errs.New(errs.Precondition, "controller released")
}

// DownloadAll queues every completed artifact of the active tracker.
func (c *Controller) DownloadAll() (int, error) {
	c.mu.Lock()
	single, batch := c.single, c.batch
	c.mu.Unlock()

	switch {
	case batch != nil:
		return batch.DownloadAll()
	case single != nil:
		if err := single.Download(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return 0, errs.New(errs.Precondition, "controller released")
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	st := State{Mode: c.mode, Consent: c.consent}
	if c.single != nil {
		snap := c.single.Snapshot()
		st.Single = &snap
	}
	if c.batch != nil {
		snap := c.batch.Snapshot()
		st.Batch = &snap
	}
	return st
}

// Subscribe streams State for the active tracker until that tracker
// finishes or is torn down.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	mode, consent := c.mode, c.consent
	single, batch := c.single, c.batch
	c.mu.Unlock()

	out := make(chan State, 16)
	switch {
	case single != nil:
		in, stop := single.Subscribe()
		done := make(chan struct{})
		go func() {
			defer close(out)
			for snap := range in {
				snap := snap
				select {
				case out <- State{Mode: mode, Consent: consent, Single: &snap}:
				case <-done:
					return
				}
			}
		}()
		return out, stopOnce(stop, done)
	case batch != nil:
		in, stop := batch.Subscribe()
		done := make(chan struct{})
		go func() {
			defer close(out)
			for snap := range in {
				snap := snap
				select {
				case out <- State{Mode: mode, Consent: consent, Batch: &snap}:
				case <-done:
					return
				}
			}
		}()
		return out, stopOnce(stop, done)
	}
	close(out)
	return out, func() {}
}

// Release tears down the active tracker. It is safe to call more than once.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.closeLocked()
	log.Debug("Controller released")
}

func stopOnce(stop func(), done chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			stop()
		})
	}
}

func (c *Controller) singleTracker() (*tracker.Single, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(ModeSingle); err != nil {
		return nil, err
	}
	return c.single, nil
}

func (c *Controller) batchTracker() (*tracker.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(ModeBatch); err != nil {
		return nil, err
	}
	return c.batch, nil
}

func (c *Controller) readyLocked(want Mode) error {
	if c.released {
		return errs.New(errs.Precondition, "controller released")
	}
	if !c.consent {
		return errs.New(errs.Precondition, "Please accept the terms of use before downloading")
	}
	if c.mode != want {
		return errs.Newf(errs.Precondition, "switch to %s mode first", want).
			WithContext("mode", c.mode)
	}
	return nil
}
