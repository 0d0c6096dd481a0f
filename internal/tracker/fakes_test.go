package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
)

var fastOptions = Options{
	PollInterval: 5 * time.Millisecond,
	SettleDelay:  20 * time.Millisecond,
}

type jobReply struct {
	state backend.JobState
	err   error
}

type fakeSingleClient struct {
	mu        sync.Mutex
	jobID     string
	submitErr error
	block     bool
	replies   []jobReply
	polls     int
	releases  []string
}

func newFakeSingle(replies ...jobReply) *fakeSingleClient {
	return &fakeSingleClient{jobID: uuid.NewString(), replies: replies}
}

func (f *fakeSingleClient) SubmitSingle(ctx context.Context, _ backend.JobSpec) (backend.JobHandle, error) {
	f.mu.Lock()
	block, err := f.block, f.submitErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return backend.JobHandle{}, ctx.Err()
	}
	if err != nil {
		return backend.JobHandle{}, err
	}
	return backend.JobHandle{ID: f.jobID, CreatedAt: time.Now()}, nil
}

func (f *fakeSingleClient) JobStatus(_ context.Context, _ string) (backend.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.polls
	f.polls++
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx].state, f.replies[idx].err
}

func (f *fakeSingleClient) ReleaseJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, jobID)
	return nil
}

func (f *fakeSingleClient) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeSingleClient) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.releases)
}

type batchReply struct {
	state backend.BatchState
	err   error
}

type fakeBatchClient struct {
	mu        sync.Mutex
	batchID   string
	submitErr error
	submits   int
	replies   []batchReply
	polls     int
	releases  []string
}

func newFakeBatch(replies ...batchReply) *fakeBatchClient {
	return &fakeBatchClient{batchID: uuid.NewString(), replies: replies}
}

func (f *fakeBatchClient) SubmitBatch(_ context.Context, _ []backend.JobSpec) (backend.BatchHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return backend.BatchHandle{}, f.submitErr
	}
	return backend.BatchHandle{ID: f.batchID, CreatedAt: time.Now()}, nil
}

func (f *fakeBatchClient) BatchStatus(_ context.Context, _ string) (backend.BatchState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.polls
	f.polls++
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx].state, f.replies[idx].err
}

func (f *fakeBatchClient) ReleaseBatch(_ context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, batchID)
	return nil
}

func (f *fakeBatchClient) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []delivery.Request
}

func (d *recordingDispatcher) Enqueue(req delivery.Request) (*delivery.Delivery, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return &delivery.Delivery{JobID: req.JobID, Status: delivery.StatusPending}, true
}

func (d *recordingDispatcher) jobIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := make([]string, 0, len(d.reqs))
	for _, r := range d.reqs {
		ret = append(ret, r.JobID)
	}
	return ret
}

func processing(p float64) jobReply {
	return jobReply{state: backend.JobState{Status: backend.StatusProcessing, Progress: p}}
}

func videoSpec(u string) backend.JobSpec {
	return backend.JobSpec{
		SourceURL: u,
		Options: backend.Options{
			Kind:         backend.KindVideo,
			Format:       "mp4",
			Resolution:   "720p",
			AudioBitrate: "128k",
		},
	}
}

func members(ms ...backend.MemberState) backend.BatchState {
	return backend.NewBatchState(ms, "", 0)
}

func member(id string, status backend.Status, progress float64) backend.MemberState {
	return backend.MemberState{JobID: id, JobState: backend.JobState{Status: status, Progress: progress}}
}

// lateClient serves both trackers. It hands out ids in order and, like a
// slow backend, ignores ctx: status calls for the held id block until hold
// is closed, and submissions block on submitHold when it is set.
type lateClient struct {
	mu         sync.Mutex
	ids        []string
	held       string
	hold       chan struct{}
	waiting    chan struct{}
	waitOnce   sync.Once
	submitHold chan struct{}
	releases   []string
}

func newLateClient(held string, ids ...string) *lateClient {
	return &lateClient{ids: ids, held: held, hold: make(chan struct{}), waiting: make(chan struct{})}
}

func (c *lateClient) nextID() string {
	if c.submitHold != nil {
		<-c.submitHold
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.ids[0]
	c.ids = c.ids[1:]
	return id
}

// holdReply blocks a status call for the held id and reports whether it did.
func (c *lateClient) holdReply(id string) bool {
	if id != c.held {
		return false
	}
	c.waitOnce.Do(func() { close(c.waiting) })
	<-c.hold
	return true
}

func (c *lateClient) SubmitSingle(context.Context, backend.JobSpec) (backend.JobHandle, error) {
	return backend.JobHandle{ID: c.nextID(), CreatedAt: time.Now()}, nil
}

func (c *lateClient) JobStatus(_ context.Context, jobID string) (backend.JobState, error) {
	if c.holdReply(jobID) {
		return backend.JobState{Status: backend.StatusCompleted, Progress: 100, Filename: "stale.mp4"}, nil
	}
	return backend.JobState{Status: backend.StatusProcessing, Progress: 40}, nil
}

func (c *lateClient) ReleaseJob(_ context.Context, jobID string) error {
	return c.release(jobID)
}

func (c *lateClient) SubmitBatch(context.Context, []backend.JobSpec) (backend.BatchHandle, error) {
	id := c.nextID()
	return backend.BatchHandle{ID: id, MemberJobIDs: []string{id + "-1"}, CreatedAt: time.Now()}, nil
}

func (c *lateClient) BatchStatus(_ context.Context, batchID string) (backend.BatchState, error) {
	if c.holdReply(batchID) {
		return members(member(batchID+"-1", backend.StatusCompleted, 100)), nil
	}
	return members(member(batchID+"-1", backend.StatusProcessing, 40)), nil
}

func (c *lateClient) ReleaseBatch(_ context.Context, batchID string) error {
	return c.release(batchID)
}

func (c *lateClient) release(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, id)
	return nil
}

func (c *lateClient) released() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.releases...)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the backend call")
	}
}
