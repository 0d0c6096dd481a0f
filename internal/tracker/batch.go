package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/internal/urls"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

const allFailedReason = "All downloads in the batch failed"

type BatchSnapshot struct {
	Phase             Phase              `json:"phase"`
	BatchID           string             `json:"batch_id,omitempty"`
	MemberJobIDs      []string           `json:"member_job_ids,omitempty"`
	URLs              []string           `json:"urls,omitempty"`
	State             backend.BatchState `json:"state"`
	Error             string             `json:"error,omitempty"`
	TransientFailures int                `json:"transient_failures,omitempty"`
	StartedAt         time.Time          `json:"started_at,omitempty"`
}

// Batch tracks up to urls.MaxBatchSize jobs as one unit through the
// backend's aggregate status endpoint.
type Batch struct {
	client     BatchClient
	dispatcher Dispatcher
	opts       Options

	mu         sync.Mutex
	gen        uint64
	phase      Phase
	urls       []string
	handle     backend.BatchHandle
	state      backend.BatchState
	errMsg     string
	failures   int
	cancelLoop context.CancelFunc
	// abandoned is the generation whose in-flight submission Cancel gave up on.
	abandoned  uint64
	closed     bool
	hub        *hub[BatchSnapshot]
}

func NewBatch(client BatchClient, dispatcher Dispatcher, opts Options) *Batch {
	return &Batch{
		client:     client,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		phase:      PhaseIdle,
		hub:        newHub[BatchSnapshot](),
	}
}

// Submit starts tracking a batch. specs must be validated and deduplicated
// by the caller; an empty or oversized batch is rejected without a request.
func (b *Batch) Submit(ctx context.Context, specs []backend.JobSpec) error {
	if len(specs) == 0 || len(specs) > urls.MaxBatchSize {
		return errs.Newf(errs.Precondition, "a batch holds between 1 and %d URLs", urls.MaxBatchSize).
			WithContext("count", len(specs))
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.New(errs.Precondition, "tracker is closed")
	}
	if b.phase.IsActive() {
		b.mu.Unlock()
		return errs.New(errs.Precondition, "a batch is already in progress").
			WithContext("phase", b.phase)
	}

	b.gen++
	gen := b.gen
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancelLoop = cancel
	b.phase = PhaseSubmitting
	b.urls = make([]string, 0, len(specs))
	for _, spec := range specs {
		b.urls = append(b.urls, spec.SourceURL)
	}
	b.handle = backend.BatchHandle{}
	b.state = backend.BatchState{Status: backend.StatusPending}
	b.errMsg = ""
	b.failures = 0
	b.publishLocked()
	b.mu.Unlock()

	reqCtx, done := loopContext(ctx, loopCtx)
	handle, err := b.client.SubmitBatch(reqCtx, specs)
	done()

	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		if err == nil && b.abandoned == gen {
			go b.release(handle.ID)
		}
		return errs.New(errs.Cancelled, "submission cancelled")
	}
	if err != nil {
		b.failLocked(errs.UserMessage(err, "Failed to start batch download. Please try again."))
		log.Warn("Batch submission of %d URLs failed: %v", len(specs), err)
		return err
	}

	b.handle = handle
	b.phase = PhasePolling
	log.Info("Tracking batch %s with %d URLs", handle.ID, len(specs))
	b.publishLocked()
	go b.poll(loopCtx, gen, handle.ID)
	return nil
}

func (b *Batch) poll(ctx context.Context, gen uint64, batchID string) {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := b.client.BatchStatus(ctx, batchID)
		if b.observe(gen, state, err) {
			return
		}
	}
}

func (b *Batch) observe(gen uint64, state backend.BatchState, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen || b.phase != PhasePolling {
		return true
	}

	if err != nil {
		switch {
		case errs.Is(err, errs.Cancelled):
			return true
		case errs.Is(err, errs.NotFound):
			log.Warn("Batch %s disappeared from the backend", b.handle.ID)
			b.failLocked("batch no longer exists")
			return true
		case errs.Is(err, errs.Submission):
			log.Warn("Status query for batch %s was rejected: %v", b.handle.ID, err)
			b.failLocked(errs.UserMessage(err, "status query rejected"))
			return true
		}
		b.failures++
		log.Warn("Status query for batch %s failed (%d in a row): %v", b.handle.ID, b.failures, err)
		if b.opts.MaxTransientFailures > 0 && b.failures >= b.opts.MaxTransientFailures {
			b.failLocked(errs.UserMessage(err, "status query failed"))
			return true
		}
		b.publishLocked()
		return false
	}

	b.failures = 0
	b.state = b.state.Merge(state)
	if ids := b.state.JobIDs(); len(ids) > 0 {
		b.handle.MemberJobIDs = ids
	}

	if !b.state.IsTerminal() {
		log.Debug("Batch %s at %.0f%% (%d/%d done)", b.handle.ID, b.state.OverallProgress,
			b.state.Counts.Completed+b.state.Counts.Failed, b.state.Counts.Total)
		b.publishLocked()
		return false
	}

	if b.state.Status == backend.StatusCompleted {
		b.phase = PhaseCompleted
		b.stopLoopLocked()
		log.Info("Batch %s finished: %d completed, %d failed", b.handle.ID,
			b.state.Counts.Completed, b.state.Counts.Failed)
		b.publishLocked()
		b.hub.closeAll()
		return true
	}
	b.failLocked(fallbackReason(b.state.Reason, allFailedReason))
	return true
}

func (b *Batch) failLocked(reason string) {
	b.phase = PhaseFailed
	b.state.Status = backend.StatusFailed
	if b.state.Reason == "" {
		b.state.Reason = reason
	}
	b.errMsg = reason
	b.stopLoopLocked()
	b.publishLocked()
	b.hub.closeAll()
}

// DownloadAll queues every completed member in submission order and
// returns how many were queued. Members that did not complete are skipped.
// Spacing between fetches is left to the dispatcher.
func (b *Batch) DownloadAll() (int, error) {
	b.mu.Lock()
	reqs := make([]delivery.Request, 0, len(b.state.Jobs))
	for _, id := range b.memberOrderLocked() {
		m, ok := b.state.Member(id)
		if !ok || m.Status != backend.StatusCompleted {
			continue
		}
		reqs = append(reqs, delivery.Request{JobID: id, Source: "batch:" + b.handle.ID, Filename: m.Filename})
	}
	b.mu.Unlock()

	if len(reqs) == 0 {
		return 0, errs.New(errs.Precondition, "no completed downloads to fetch")
	}
	if b.dispatcher == nil {
		return 0, errs.New(errs.Precondition, "no dispatcher configured")
	}
	for _, req := range reqs {
		b.dispatcher.Enqueue(req)
	}
	log.Info("Queued %d downloads from batch", len(reqs))
	return len(reqs), nil
}

// Download queues one member. The member must have completed.
func (b *Batch) Download(jobID string) error {
	b.mu.Lock()
	m, ok := b.state.Member(jobID)
	source := "batch:" + b.handle.ID
	b.mu.Unlock()

	if !ok {
		return errs.New(errs.Precondition, "unknown job").WithContext("job_id", jobID)
	}
	if m.Status != backend.StatusCompleted {
		return errs.New(errs.Precondition, "job has not completed").
			WithContext("job_id", jobID).
			WithContext("status", m.Status)
	}
	if b.dispatcher == nil {
		return errs.New(errs.Precondition, "no dispatcher configured")
	}
	b.dispatcher.Enqueue(delivery.Request{JobID: jobID, Source: source, Filename: m.Filename})
	return nil
}

// Cancel stops an in-flight batch and returns to idle. In-flight member
// work on the backend may continue after the release request.
func (b *Batch) Cancel(ctx context.Context) error {
	b.mu.Lock()
	if !b.phase.IsActive() {
		b.mu.Unlock()
		return nil
	}
	if b.phase == PhaseSubmitting {
		b.abandoned = b.gen
	}
	b.gen++
	batchID := b.handle.ID
	b.stopLoopLocked()
	b.resetLocked()
	b.publishLocked()
	b.hub.closeAll()
	b.mu.Unlock()

	log.Info("Cancelled tracking of batch %s", fallbackID(batchID))
	if batchID != "" {
		if err := b.client.ReleaseBatch(ctx, batchID); err != nil {
			log.Warn("Failed to release batch %s: %v", batchID, err)
		}
	}
	return nil
}

func (b *Batch) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase.IsActive() {
		return errs.New(errs.Precondition, "cancel the running batch first")
	}
	b.resetLocked()
	b.publishLocked()
	return nil
}

// Close stops polling without notifying the backend.
func (b *Batch) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.gen++
	b.stopLoopLocked()
	b.hub.closeAll()
}

func (b *Batch) Snapshot() BatchSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Batch) Subscribe() (<-chan BatchSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.phase.IsTerminal() {
		return closedWith(b.snapshotLocked()), func() {}
	}
	return b.hub.subscribe(b.snapshotLocked())
}

func (b *Batch) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase.IsActive()
}

func (b *Batch) memberOrderLocked() []string {
	if len(b.handle.MemberJobIDs) > 0 {
		return b.handle.MemberJobIDs
	}
	return b.state.JobIDs()
}

func (b *Batch) release(batchID string) {
	if batchID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.client.ReleaseBatch(ctx, batchID); err != nil {
		log.Warn("Failed to release batch %s: %v", batchID, err)
	}
}

func (b *Batch) stopLoopLocked() {
	if b.cancelLoop != nil {
		b.cancelLoop()
		b.cancelLoop = nil
	}
}

func (b *Batch) resetLocked() {
	b.phase = PhaseIdle
	b.urls = nil
	b.handle = backend.BatchHandle{}
	b.state = backend.BatchState{}
	b.errMsg = ""
	b.failures = 0
}

func (b *Batch) publishLocked() {
	b.hub.publish(b.snapshotLocked())
}

func (b *Batch) snapshotLocked() BatchSnapshot {
	state := b.state
	state.Jobs = append([]backend.MemberState(nil), b.state.Jobs...)
	return BatchSnapshot{
		Phase:             b.phase,
		BatchID:           b.handle.ID,
		MemberJobIDs:      append([]string(nil), b.handle.MemberJobIDs...),
		URLs:              append([]string(nil), b.urls...),
		State:             state,
		Error:             b.errMsg,
		TransientFailures: b.failures,
		StartedAt:         b.handle.CreatedAt,
	}
}

func fallbackReason(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
