package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/errs"
)

func waitBatchPhase(t *testing.T, b *Batch, want Phase) BatchSnapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.Snapshot().Phase == want
	}, 2*time.Second, 2*time.Millisecond)
	return b.Snapshot()
}

func threeSpecs() []backend.JobSpec {
	return []backend.JobSpec{
		videoSpec("https://youtu.be/a"),
		videoSpec("https://youtu.be/b"),
		videoSpec("https://youtu.be/c"),
	}
}

func TestBatch_PartialFailureIsCompleted(t *testing.T) {
	client := newFakeBatch(
		batchReply{state: members(
			member("j1", backend.StatusProcessing, 40),
			member("j2", backend.StatusPending, 0),
			member("j3", backend.StatusProcessing, 10),
		)},
		batchReply{state: members(
			member("j1", backend.StatusCompleted, 100),
			member("j2", backend.StatusFailed, 0),
			member("j3", backend.StatusCompleted, 100),
		)},
	)
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	require.NoError(t, b.Submit(context.Background(), threeSpecs()))

	snap := waitBatchPhase(t, b, PhaseCompleted)
	assert.Equal(t, backend.StatusCompleted, snap.State.Status)
	assert.Equal(t, float64(100), snap.State.OverallProgress)
	assert.Equal(t, 2, snap.State.Counts.Completed)
	assert.Equal(t, 1, snap.State.Counts.Failed)
	assert.Equal(t, []string{"j1", "j2", "j3"}, snap.MemberJobIDs)
	assert.Empty(t, snap.Error)

	polls := client.pollCount()
	time.Sleep(5 * fastOptions.PollInterval)
	assert.Equal(t, polls, client.pollCount())
}

func TestBatch_AllFailedIsFailed(t *testing.T) {
	client := newFakeBatch(batchReply{state: members(
		member("j1", backend.StatusFailed, 0),
		member("j2", backend.StatusFailed, 0),
	)})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	require.NoError(t, b.Submit(context.Background(), threeSpecs()[:2]))

	snap := waitBatchPhase(t, b, PhaseFailed)
	assert.Equal(t, backend.StatusFailed, snap.State.Status)
	assert.Equal(t, "All downloads in the batch failed", snap.Error)
}

func TestBatch_ProgressNeverReaches100WhileRunning(t *testing.T) {
	client := newFakeBatch(batchReply{state: members(
		member("j1", backend.StatusCompleted, 100),
		member("j2", backend.StatusProcessing, 100),
	)})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	require.NoError(t, b.Submit(context.Background(), threeSpecs()[:2]))
	require.Eventually(t, func() bool {
		return client.pollCount() >= 2
	}, time.Second, 2*time.Millisecond)

	snap := b.Snapshot()
	assert.Equal(t, PhasePolling, snap.Phase)
	assert.Less(t, snap.State.OverallProgress, float64(100))
}

func TestBatch_DownloadAllInSubmissionOrder(t *testing.T) {
	client := newFakeBatch(batchReply{state: members(
		member("j1", backend.StatusCompleted, 100),
		member("j2", backend.StatusFailed, 0),
		member("j3", backend.StatusCompleted, 100),
	)})
	dispatcher := &recordingDispatcher{}
	b := NewBatch(client, dispatcher, fastOptions)
	defer b.Close()

	_, err := b.DownloadAll()
	assert.True(t, errs.Is(err, errs.Precondition))

	require.NoError(t, b.Submit(context.Background(), threeSpecs()))
	waitBatchPhase(t, b, PhaseCompleted)

	n, err := b.DownloadAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"j1", "j3"}, dispatcher.jobIDs())

	err = b.Download("j2")
	assert.True(t, errs.Is(err, errs.Precondition))
	err = b.Download("nope")
	assert.True(t, errs.Is(err, errs.Precondition))

	require.NoError(t, b.Download("j3"))
	assert.Equal(t, []string{"j1", "j3", "j3"}, dispatcher.jobIDs())
}

func TestBatch_CancelTwiceReleasesOnce(t *testing.T) {
	client := newFakeBatch(batchReply{state: members(member("j1", backend.StatusProcessing, 5))})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	require.NoError(t, b.Submit(context.Background(), threeSpecs()))
	require.NoError(t, b.Cancel(context.Background()))
	require.NoError(t, b.Cancel(context.Background()))

	client.mu.Lock()
	assert.Equal(t, []string{client.batchID}, client.releases)
	client.mu.Unlock()
	assert.Equal(t, PhaseIdle, b.Snapshot().Phase)
}

func TestBatch_DropsStatusReplyForCancelledBatch(t *testing.T) {
	client := newLateClient("batch-a", "batch-a", "batch-b")
	dispatcher := &recordingDispatcher{}
	b := NewBatch(client, dispatcher, fastOptions)
	defer b.Close()

	require.NoError(t, b.Submit(context.Background(), threeSpecs()))
	waitClosed(t, client.waiting)

	require.NoError(t, b.Cancel(context.Background()))
	require.NoError(t, b.Submit(context.Background(), threeSpecs()))
	close(client.hold)

	time.Sleep(5*fastOptions.PollInterval + 2*fastOptions.SettleDelay)
	snap := b.Snapshot()
	assert.Equal(t, PhasePolling, snap.Phase)
	assert.Equal(t, "batch-b", snap.BatchID)
	assert.Zero(t, snap.State.Counts.Completed)
	assert.Less(t, snap.State.OverallProgress, float64(100))
	assert.Empty(t, dispatcher.jobIDs())
	assert.Equal(t, []string{"batch-a"}, client.released())
}

func TestBatch_CloseDuringSubmissionDoesNotRelease(t *testing.T) {
	client := newLateClient("", "batch-a")
	client.submitHold = make(chan struct{})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)

	done := make(chan error, 1)
	go func() {
		done <- b.Submit(context.Background(), threeSpecs())
	}()
	require.Eventually(t, func() bool {
		return b.Snapshot().Phase == PhaseSubmitting
	}, time.Second, time.Millisecond)

	b.Close()
	close(client.submitHold)
	assert.True(t, errs.Is(<-done, errs.Cancelled))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, client.released())
}

func TestBatch_RejectsBadSizesWithoutRequest(t *testing.T) {
	client := newFakeBatch(batchReply{state: members()})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	err := b.Submit(context.Background(), nil)
	assert.True(t, errs.Is(err, errs.Precondition))

	eleven := make([]backend.JobSpec, 11)
	for i := range eleven {
		eleven[i] = videoSpec("https://youtu.be/x")
	}
	err = b.Submit(context.Background(), eleven)
	assert.True(t, errs.Is(err, errs.Precondition))

	client.mu.Lock()
	assert.Zero(t, client.submits)
	client.mu.Unlock()
	assert.Equal(t, PhaseIdle, b.Snapshot().Phase)
}

func TestBatch_RejectsSubmitWhilePolling(t *testing.T) {
	client := newFakeBatch(batchReply{state: members(member("j1", backend.StatusProcessing, 5))})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	require.NoError(t, b.Submit(context.Background(), threeSpecs()))
	err := b.Submit(context.Background(), threeSpecs())
	assert.True(t, errs.Is(err, errs.Precondition))
}

func TestBatch_NotFoundIsTerminal(t *testing.T) {
	client := newFakeBatch(batchReply{err: errs.New(errs.NotFound, "gone")})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	require.NoError(t, b.Submit(context.Background(), threeSpecs()))
	snap := waitBatchPhase(t, b, PhaseFailed)
	assert.Equal(t, "batch no longer exists", snap.Error)
}

func TestBatch_RejectedQueryIsTerminal(t *testing.T) {
	client := newFakeBatch(batchReply{err: errs.New(errs.Submission, "status query rejected")})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	require.NoError(t, b.Submit(context.Background(), threeSpecs()))
	snap := waitBatchPhase(t, b, PhaseFailed)
	assert.Equal(t, "status query rejected", snap.Error)
	assert.Equal(t, 1, client.pollCount())
}

func TestBatch_SubscriptionIsFinite(t *testing.T) {
	client := newFakeBatch(batchReply{state: members(member("j1", backend.StatusCompleted, 100))})
	b := NewBatch(client, &recordingDispatcher{}, fastOptions)
	defer b.Close()

	updates, stop := b.Subscribe()
	defer stop()
	require.NoError(t, b.Submit(context.Background(), threeSpecs()[:1]))

	var phases []Phase
	for snap := range updates {
		phases = append(phases, snap.Phase)
	}
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseIdle, phases[0])
	assert.Equal(t, PhaseCompleted, phases[len(phases)-1])
}
