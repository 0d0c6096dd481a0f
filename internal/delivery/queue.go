package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

const DefaultGap = 500 * time.Millisecond

type Executor func(ctx context.Context, d *Delivery) (backend.SavedFile, error)

// Fetcher is the part of the backend client the queue needs.
type Fetcher interface {
	FetchFile(ctx context.Context, jobID string, saver backend.Saver) (backend.SavedFile, error)
}

// FetchWith returns an Executor that streams each artifact into saver.
func FetchWith(f Fetcher, saver backend.Saver) Executor {
	return func(ctx context.Context, d *Delivery) (backend.SavedFile, error) {
		return f.FetchFile(ctx, d.JobID, saver)
	}
}

// Queue retrieves artifacts one after another, leaving Gap between the end
// of one fetch and the start of the next. A job id that is already pending
// or running is not queued twice.
type Queue struct {
	workerCount int
	gap         time.Duration
	maxHistory  int

	mu         sync.RWMutex
	deliveries map[string]*Delivery
	dedupe     map[string]string
	idCounter  uint64
	started    bool
	lastDone   time.Time
	notify     []func(Delivery)
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewQueue(workerCount int, gap time.Duration) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	if gap < 0 {
		gap = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		workerCount: workerCount,
		gap:         gap,
		maxHistory:  200,
		deliveries:  make(map[string]*Delivery),
		dedupe:      make(map[string]string),
		pendingIDs:  make(chan string, 256),
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnUpdate registers fn to be called with a snapshot after every status
// change. It must not block.
func (q *Queue) OnUpdate(fn func(Delivery)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.notify = append(q.notify, fn)
	q.mu.Unlock()
}

func (q *Queue) Enqueue(req Request) (*Delivery, bool) {
	now := time.Now()

	q.mu.Lock()
	if id, ok := q.dedupe[req.JobID]; ok {
		if existing, exists := q.deliveries[id]; exists {
			snapshot := cloneDelivery(existing)
			q.mu.Unlock()
			return snapshot, false
		}
		delete(q.dedupe, req.JobID)
	}

	id := fmt.Sprintf("dl-%d", atomic.AddUint64(&q.idCounter, 1))
	d := &Delivery{
		ID:        id,
		JobID:     req.JobID,
		Source:    req.Source,
		Filename:  req.Filename,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.deliveries[id] = d
	q.dedupe[req.JobID] = id
	started := q.started
	snapshot := cloneDelivery(d)
	q.mu.Unlock()

	log.Debug("Queued delivery %s for job %s (%s)", id, req.JobID, req.Source)
	q.emit(*snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return snapshot, true
}

func (q *Queue) Get(id string) (*Delivery, bool) {
	q.mu.RLock()
	d, ok := q.deliveries[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneDelivery(d), true
}

// List returns every known delivery, oldest first.
func (q *Queue) List() []*Delivery {
	q.mu.RLock()
	ret := make([]*Delivery, 0, len(q.deliveries))
	for _, d := range q.deliveries {
		ret = append(ret, cloneDelivery(d))
	}
	q.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		if ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return idNumber(ret[i].ID) < idNumber(ret[j].ID)
		}
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]*Delivery, 0)
	for _, d := range q.deliveries {
		if d.Status == StatusPending {
			pending = append(pending, d)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return idNumber(pending[i].ID) < idNumber(pending[j].ID)
	})
	ids := make([]string, 0, len(pending))
	for _, d := range pending {
		ids = append(ids, d.ID)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.enqueuePendingID(id)
	}

	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(exec)
	}
}

// Stop aborts the fetch in progress and waits for the workers to exit.
// Deliveries still pending are left as they are.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pendingIDs:
			if !q.waitGap() {
				return
			}
			d, ok := q.markRunning(id)
			if !ok {
				continue
			}

			saved, err := exec(q.ctx, d)
			if err != nil {
				q.markFailed(id, err)
				continue
			}
			q.markSuccess(id, saved)
		}
	}
}

// waitGap sleeps until Gap has passed since the previous fetch finished.
func (q *Queue) waitGap() bool {
	q.mu.RLock()
	last := q.lastDone
	q.mu.RUnlock()
	wait := q.gap - time.Since(last)
	if last.IsZero() || wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-q.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() {
			select {
			case q.pendingIDs <- id:
			case <-q.stopCh:
			}
		}()
	}
}

func (q *Queue) markRunning(id string) (*Delivery, bool) {
	q.mu.Lock()
	d, ok := q.deliveries[id]
	if !ok || d.Status != StatusPending {
		q.mu.Unlock()
		return nil, false
	}
	d.Status = StatusRunning
	d.UpdatedAt = time.Now()
	snapshot := cloneDelivery(d)
	q.mu.Unlock()

	q.emit(*snapshot)
	return snapshot, true
}

func (q *Queue) markSuccess(id string, saved backend.SavedFile) {
	q.mu.Lock()
	d, ok := q.deliveries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	d.Status = StatusSuccess
	d.Error = ""
	d.Path = saved.Path
	d.Size = saved.Size
	d.UpdatedAt = now
	q.lastDone = now
	q.releaseDedupeLocked(d)
	q.pruneTerminalLocked()
	snapshot := cloneDelivery(d)
	q.mu.Unlock()

	log.Info("Saved %s for job %s", snapshot.Path, snapshot.JobID)
	q.emit(*snapshot)
}

func (q *Queue) markFailed(id string, err error) {
	q.mu.Lock()
	d, ok := q.deliveries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	d.Status = StatusFailed
	d.Error = errs.UserMessage(err, err.Error())
	d.UpdatedAt = now
	q.lastDone = now
	q.releaseDedupeLocked(d)
	q.pruneTerminalLocked()
	snapshot := cloneDelivery(d)
	q.mu.Unlock()

	log.Warn("Delivery %s for job %s failed: %v", id, snapshot.JobID, err)
	q.emit(*snapshot)
}

func (q *Queue) releaseDedupeLocked(d *Delivery) {
	if id, ok := q.dedupe[d.JobID]; ok && id == d.ID {
		delete(q.dedupe, d.JobID)
	}
}

func (q *Queue) pruneTerminalLocked() {
	if q.maxHistory <= 0 || len(q.deliveries) <= q.maxHistory {
		return
	}

	terminal := make([]*Delivery, 0, len(q.deliveries))
	for _, d := range q.deliveries {
		if d.Status.IsTerminal() {
			terminal = append(terminal, d)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
	})

	toRemove := min(len(q.deliveries)-q.maxHistory, len(terminal))
	for i := 0; i < toRemove; i++ {
		delete(q.deliveries, terminal[i].ID)
	}
}

func (q *Queue) emit(d Delivery) {
	q.mu.RLock()
	fns := append([]func(Delivery){}, q.notify...)
	q.mu.RUnlock()
	for _, fn := range fns {
		fn(d)
	}
}

func idNumber(id string) uint64 {
	var n uint64
	_, _ = fmt.Sscanf(id, "dl-%d", &n)
	return n
}

func cloneDelivery(d *Delivery) *Delivery {
	if d == nil {
		return nil
	}
	tmp := *d
	return &tmp
}
