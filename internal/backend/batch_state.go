package backend

// NewBatchState derives counts, overall progress and the batch status from
// the member states. fallback is used only when the backend listed no
// members yet.
//
// A batch finishes once no member is pending or processing. It is reported
// completed when at least one member completed, even if others failed, and
// failed only when every member failed.
func NewBatchState(jobs []MemberState, fallback Status, fallbackProgress float64) BatchState {
	state := BatchState{Jobs: jobs}
	if len(jobs) == 0 {
		switch {
		case fallback.IsTerminal():
			// the backend finished a batch without reporting any member
			state.Status = StatusFailed
			state.Reason = "batch has no jobs"
			state.OverallProgress = 100
		case fallback == "":
			state.Status = StatusPending
		default:
			state.Status = fallback
			state.OverallProgress = clampProgress(fallbackProgress, false)
		}
		return state
	}

	var sum float64
	for _, j := range jobs {
		switch j.Status {
		case StatusPending:
			state.Counts.Pending++
			sum += clampProgress(j.Progress, false)
		case StatusCompleted:
			state.Counts.Completed++
			sum += 100
		case StatusFailed:
			state.Counts.Failed++
			sum += 100
		default:
			state.Counts.Processing++
			sum += clampProgress(j.Progress, false)
		}
	}
	state.Counts.Total = len(jobs)

	done := state.Counts.Pending == 0 && state.Counts.Processing == 0
	state.OverallProgress = clampProgress(sum/float64(len(jobs)), done)

	switch {
	case !done && state.Counts.Processing == 0 && state.Counts.Completed == 0 && state.Counts.Failed == 0:
		state.Status = StatusPending
	case !done:
		state.Status = StatusProcessing
	case state.Counts.Completed > 0:
		state.Status = StatusCompleted
	default:
		state.Status = StatusFailed
	}
	return state
}

// Merge folds a newer batch observation into b, keeping member order from
// the first observation and never regressing a terminal member.
func (b BatchState) Merge(next BatchState) BatchState {
	if b.IsTerminal() {
		return b
	}
	if len(b.Jobs) == 0 {
		return next
	}

	incoming := make(map[string]MemberState, len(next.Jobs))
	for _, j := range next.Jobs {
		incoming[j.JobID] = j
	}

	merged := make([]MemberState, 0, len(b.Jobs))
	for _, prev := range b.Jobs {
		cur := prev
		if n, ok := incoming[prev.JobID]; ok {
			cur.JobState = prev.JobState.Merge(n.JobState)
			delete(incoming, prev.JobID)
		}
		merged = append(merged, cur)
	}
	for _, j := range next.Jobs {
		if _, ok := incoming[j.JobID]; ok {
			merged = append(merged, j)
		}
	}
	return NewBatchState(merged, next.Status, next.OverallProgress)
}

// clampProgress keeps progress in [0,100] and below 100 until done.
func clampProgress(p float64, done bool) float64 {
	if done {
		return 100
	}
	if p < 0 {
		return 0
	}
	if p >= 100 {
		return 99
	}
	return p
}
