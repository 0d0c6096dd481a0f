package tracker

import (
	"context"
	"time"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
)

const (
	DefaultPollInterval = time.Second
	DefaultSettleDelay  = 500 * time.Millisecond
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhasePolling    Phase = "polling"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// IsActive reports whether a submission owns the poll loop.
func (p Phase) IsActive() bool {
	return p == PhaseSubmitting || p == PhasePolling
}

func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

type Options struct {
	PollInterval time.Duration
	// SettleDelay is the pause between observing completion and queueing
	// the artifact fetch.
	SettleDelay time.Duration
	// MaxTransientFailures fails the job after this many consecutive
	// status query failures. Zero retries forever.
	MaxTransientFailures int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.MaxTransientFailures < 0 {
		o.MaxTransientFailures = 0
	}
	return o
}

// Dispatcher queues artifact retrieval. *delivery.Queue implements it.
type Dispatcher interface {
	Enqueue(req delivery.Request) (*delivery.Delivery, bool)
}

type SingleClient interface {
	SubmitSingle(ctx context.Context, spec backend.JobSpec) (backend.JobHandle, error)
	JobStatus(ctx context.Context, jobID string) (backend.JobState, error)
	ReleaseJob(ctx context.Context, jobID string) error
}

type BatchClient interface {
	SubmitBatch(ctx context.Context, specs []backend.JobSpec) (backend.BatchHandle, error)
	BatchStatus(ctx context.Context, batchID string) (backend.BatchState, error)
	ReleaseBatch(ctx context.Context, batchID string) error
}

// loopContext returns a context for the submit request that ends when
// either the caller's ctx or the tracker's loop ends.
func loopContext(ctx, loop context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(loop, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
