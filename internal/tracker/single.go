package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

const (
	submitFallback = "Failed to start download. Please try again."
	goneReason     = "job no longer exists"
)

type SingleSnapshot struct {
	Phase             Phase            `json:"phase"`
	JobID             string           `json:"job_id,omitempty"`
	SourceURL         string           `json:"source_url,omitempty"`
	State             backend.JobState `json:"state"`
	Error             string           `json:"error,omitempty"`
	TransientFailures int              `json:"transient_failures,omitempty"`
	Dispatched        bool             `json:"dispatched"`
	StartedAt         time.Time        `json:"started_at,omitempty"`
}

// Single tracks one job from submission to a terminal state. It owns at
// most one poll loop; a generation counter tags the live submission so
// responses for an earlier one are dropped.
type Single struct {
	client     SingleClient
	dispatcher Dispatcher
	opts       Options

	mu         sync.Mutex
	gen        uint64
	phase      Phase
	spec       backend.JobSpec
	handle     backend.JobHandle
	state      backend.JobState
	errMsg     string
	failures   int
	dispatched bool
	cancelLoop context.CancelFunc
	// abandoned is the generation whose in-flight submission Cancel gave up on.
	abandoned  uint64
	settle     *time.Timer
	settleReq  *delivery.Request
	closed     bool
	hub        *hub[SingleSnapshot]
}

func NewSingle(client SingleClient, dispatcher Dispatcher, opts Options) *Single {
	return &Single{
		client:     client,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		phase:      PhaseIdle,
		hub:        newHub[SingleSnapshot](),
	}
}

// Submit starts tracking the job described by spec, which must already pass URL
// validation. Submitting while a job is in flight is a precondition error;
// submitting from a terminal phase resets the tracker first.
func (s *Single) Submit(ctx context.Context, spec backend.JobSpec) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.New(errs.Precondition, "tracker is closed")
	}
	if s.phase.IsActive() {
		s.mu.Unlock()
		return errs.New(errs.Precondition, "a download is already in progress").
			WithContext("phase", s.phase)
	}
	s.flushSettleLocked()

	s.gen++
	gen := s.gen
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancelLoop = cancel
	s.phase = PhaseSubmitting
	s.spec = spec
	s.handle = backend.JobHandle{}
	s.state = backend.JobState{Status: backend.StatusPending}
	s.errMsg = ""
	s.failures = 0
	s.dispatched = false
	s.publishLocked()
	s.mu.Unlock()

	reqCtx, done := loopContext(ctx, loopCtx)
	handle, err := s.client.SubmitSingle(reqCtx, spec)
	done()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		// cancelled or closed while the request was in flight
		if err == nil && s.abandoned == gen {
			go s.release(handle.ID)
		}
		return errs.New(errs.Cancelled, "submission cancelled")
	}
	if err != nil {
		s.failLocked(errs.UserMessage(err, submitFallback))
		log.Warn("Submission of %s failed: %v", spec.SourceURL, err)
		return err
	}

	s.handle = handle
	s.phase = PhasePolling
	log.Info("Tracking job %s for %s", handle.ID, spec.SourceURL)
	s.publishLocked()
	go s.poll(loopCtx, gen, handle.ID)
	return nil
}

func (s *Single) poll(ctx context.Context, gen uint64, jobID string) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := s.client.JobStatus(ctx, jobID)
		if s.observe(gen, state, err) {
			return
		}
	}
}

// observe applies one status response and reports whether polling is over.
func (s *Single) observe(gen uint64, state backend.JobState, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.phase != PhasePolling {
		return true
	}

	if err != nil {
		switch {
		case errs.Is(err, errs.Cancelled):
			return true
		case errs.Is(err, errs.NotFound):
			log.Warn("Job %s disappeared from the backend", s.handle.ID)
			s.failLocked(goneReason)
			return true
		case errs.Is(err, errs.Submission):
			log.Warn("Status query for job %s was rejected: %v", s.handle.ID, err)
			s.failLocked(errs.UserMessage(err, "status query rejected"))
			return true
		}
		s.failures++
		log.Warn("Status query for job %s failed (%d in a row): %v", s.handle.ID, s.failures, err)
		if s.opts.MaxTransientFailures > 0 && s.failures >= s.opts.MaxTransientFailures {
			s.failLocked(errs.UserMessage(err, "status query failed"))
			return true
		}
		s.publishLocked()
		return false
	}

	s.failures = 0
	s.state = s.state.Merge(state)
	switch s.state.Status {
	case backend.StatusCompleted:
		s.completeLocked()
		return true
	case backend.StatusFailed:
		s.failLocked(s.state.Reason)
		return true
	}
	s.publishLocked()
	return false
}

func (s *Single) completeLocked() {
	s.phase = PhaseCompleted
	s.state.Progress = 100
	s.stopLoopLocked()

	req := delivery.Request{
		JobID:    s.handle.ID,
		Source:   "single",
		Filename: s.state.Filename,
	}
	s.settleReq = &req
	gen := s.gen
	s.settle = time.AfterFunc(s.opts.SettleDelay, func() { s.fireSettle(gen) })

	log.Info("Job %s completed: %s", s.handle.ID, s.state.Filename)
	s.publishLocked()
	s.hub.closeAll()
}

func (s *Single) failLocked(reason string) {
	if reason == "" {
		reason = "Download failed"
	}
	s.phase = PhaseFailed
	s.state.Status = backend.StatusFailed
	s.state.Reason = reason
	s.errMsg = reason
	s.stopLoopLocked()
	s.publishLocked()
	s.hub.closeAll()
}

func (s *Single) fireSettle(gen uint64) {
	s.mu.Lock()
	if s.closed || s.settleReq == nil || gen != s.gen {
		s.mu.Unlock()
		return
	}
	req := *s.settleReq
	s.settleReq = nil
	s.settle = nil
	s.dispatched = true
	s.mu.Unlock()

	s.dispatch(req)
}

// flushSettleLocked queues a pending settle-delayed fetch right away so a
// new submission does not lose the previous artifact.
func (s *Single) flushSettleLocked() {
	if s.settle == nil || s.settleReq == nil {
		return
	}
	if s.settle.Stop() {
		req := *s.settleReq
		go s.dispatch(req)
	}
	s.settle = nil
	s.settleReq = nil
}

func (s *Single) dispatch(req delivery.Request) {
	if s.dispatcher == nil {
		log.Warn("No dispatcher configured, artifact for job %s not retrieved", req.JobID)
		return
	}
	if _, created := s.dispatcher.Enqueue(req); !created {
		log.Debug("Delivery for job %s already queued", req.JobID)
	}
}

// Download queues the artifact again. It is only valid once the job
// completed.
func (s *Single) Download() error {
	s.mu.Lock()
	if s.phase != PhaseCompleted {
		phase := s.phase
		s.mu.Unlock()
		return errs.New(errs.Precondition, "no completed download to fetch").WithContext("phase", phase)
	}
	req := delivery.Request{JobID: s.handle.ID, Source: "single", Filename: s.state.Filename}
	if s.settle != nil && s.settle.Stop() {
		s.settle = nil
		s.settleReq = nil
	}
	s.dispatched = true
	s.mu.Unlock()

	s.dispatch(req)
	return nil
}

// Cancel stops an in-flight submission and returns to idle. Calling it
// when nothing is in flight does nothing.
func (s *Single) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if !s.phase.IsActive() {
		s.mu.Unlock()
		return nil
	}
	if s.phase == PhaseSubmitting {
		s.abandoned = s.gen
	}
	s.gen++
	jobID := s.handle.ID
	s.stopLoopLocked()
	s.resetLocked()
	s.publishLocked()
	s.hub.closeAll()
	s.mu.Unlock()

	log.Info("Cancelled tracking of job %s", fallbackID(jobID))
	if jobID != "" {
		if err := s.client.ReleaseJob(ctx, jobID); err != nil {
			log.Warn("Failed to release job %s: %v", jobID, err)
		}
	}
	return nil
}

// Reset returns a terminal tracker to idle.
func (s *Single) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.IsActive() {
		return errs.New(errs.Precondition, "cancel the running download first")
	}
	s.flushSettleLocked()
	s.resetLocked()
	s.publishLocked()
	return nil
}

// Close releases the poll loop and settle timer without notifying the
// backend. The tracker cannot be used afterwards.
func (s *Single) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.stopLoopLocked()
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
		s.settleReq = nil
	}
	s.hub.closeAll()
}

func (s *Single) Snapshot() SingleSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a finite stream of snapshots starting with the current
// one. The stream ends once the submission stops being active. Subscribing
// to a finished or closed tracker yields one snapshot.
func (s *Single) Subscribe() (<-chan SingleSnapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.phase.IsTerminal() {
		return closedWith(s.snapshotLocked()), func() {}
	}
	return s.hub.subscribe(s.snapshotLocked())
}

// Active reports whether a submission is in flight.
func (s *Single) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase.IsActive()
}

func (s *Single) release(jobID string) {
	if jobID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.ReleaseJob(ctx, jobID); err != nil {
		log.Warn("Failed to release job %s: %v", jobID, err)
	}
}

func (s *Single) stopLoopLocked() {
	if s.cancelLoop != nil {
		s.cancelLoop()
		s.cancelLoop = nil
	}
}

func (s *Single) resetLocked() {
	s.phase = PhaseIdle
	s.spec = backend.JobSpec{}
	s.handle = backend.JobHandle{}
	s.state = backend.JobState{}
	s.errMsg = ""
	s.failures = 0
	s.dispatched = false
}

func (s *Single) publishLocked() {
	s.hub.publish(s.snapshotLocked())
}

func (s *Single) snapshotLocked() SingleSnapshot {
	return SingleSnapshot{
		Phase:             s.phase,
		JobID:             s.handle.ID,
		SourceURL:         s.spec.SourceURL,
		State:             s.state,
		Error:             s.errMsg,
		TransientFailures: s.failures,
		Dispatched:        s.dispatched,
		StartedAt:         s.handle.CreatedAt,
	}
}

func fallbackID(id string) string {
	if id == "" {
		return "(unsubmitted)"
	}
	return id
}
