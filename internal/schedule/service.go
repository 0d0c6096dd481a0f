package schedule

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
	"github.com/MimeLyc/easy-downloader/internal/tracker"
	"github.com/MimeLyc/easy-downloader/internal/urls"
	"github.com/MimeLyc/easy-downloader/pkg/file"
	"github.com/MimeLyc/easy-downloader/pkg/icron"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

const (
	listExt   = ".txt"
	doneExt   = ".done"
	failedExt = ".failed"
)

// Submitter is the part of the orchestrator a scheduled run drives. It
// must be in batch mode.
type Submitter interface {
	SubmitBatch(ctx context.Context, lines []string, opts backend.Options) (urls.Report, error)
	Subscribe() (<-chan orchestrator.State, func())
	DownloadAll() (int, error)
	Reset() error
}

// RunResult summarises one pass over the inbox.
type RunResult struct {
	StartedAt time.Time `json:"started_at"`
	Files     int       `json:"files"`
	Batches   int       `json:"batches"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Queued    int       `json:"queued"`
	Errors    []string  `json:"errors,omitempty"`
}

type Status struct {
	Inbox   string             `json:"inbox"`
	Trigger *icron.TriggerInfo `json:"trigger,omitempty"`
	LastRun *RunResult         `json:"last_run,omitempty"`
}

// Service submits URL list files dropped into an inbox directory on a
// cron schedule. Each *.txt file is validated, split into batches of at
// most urls.MaxBatchSize, tracked to completion and then renamed to .done,
// or to .failed when nothing in it could be submitted.
type Service struct {
	cron      *cron.Cron
	cronExpr  string
	inbox     string
	opts      backend.Options
	submitter Submitter

	group singleflight.Group

	mu      sync.Mutex
	lastRun *RunResult
}

func NewService(c *cron.Cron, cronExpr, inbox string, opts backend.Options, submitter Submitter) *Service {
	return &Service{
		cron:      c,
		cronExpr:  cronExpr,
		inbox:     inbox,
		opts:      opts,
		submitter: submitter,
	}
}

// Schedule registers the run with the cron instance. Overlapping triggers
// collapse into the run already in progress.
func (s *Service) Schedule(ctx context.Context) error {
	if strings.TrimSpace(s.cronExpr) == "" {
		return fmt.Errorf("cron expression is required")
	}
	if err := os.MkdirAll(s.inbox, 0o755); err != nil {
		return fmt.Errorf("create schedule inbox: %w", err)
	}

	_, err := s.cron.AddFunc(s.cronExpr, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			log.Error("Scheduled run failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.cronExpr, err)
	}
	log.Info("Watching %s for URL lists on %q", s.inbox, s.cronExpr)
	return nil
}

// RunOnce processes the inbox now. On error the result covers the work done
// before the run stopped.
func (s *Service) RunOnce(ctx context.Context) (RunResult, error) {
	v, err, shared := s.group.Do("run", func() (any, error) {
		return s.run(ctx)
	})
	if shared {
		log.Debug("Joined a scheduled run already in progress")
	}
	result, _ := v.(RunResult)
	return result, err
}

func (s *Service) Status() Status {
	st := Status{Inbox: s.inbox}
	if s.cronExpr != "" {
		if info, err := icron.GetTriggerInfo(s.cronExpr, time.Now()); err == nil {
			st.Trigger = info
		}
	}
	s.mu.Lock()
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	s.mu.Unlock()
	return st
}

func (s *Service) run(ctx context.Context) (RunResult, error) {
	result := RunResult{StartedAt: time.Now()}
	defer func() {
		s.mu.Lock()
		s.lastRun = &result
		s.mu.Unlock()
	}()

	lists, err := file.FindRecentAfter(s.inbox, time.Time{}, listExt)
	if err != nil {
		return result, fmt.Errorf("scan inbox %s: %w", s.inbox, err)
	}
	if len(lists) == 0 {
		log.Debug("No URL lists in %s", s.inbox)
		return result, nil
	}

	for _, path := range lists {
		if ctx.Err() != nil {
			return result, errs.Wrap(ctx.Err(), errs.Cancelled, "scheduled run interrupted")
		}
		result.Files++
		submitted, err := s.runList(ctx, path, &result)
		if err != nil {
			// nothing else can go out this run; the list stays in the inbox
			log.Warn("Leaving %s in the inbox: %v", path, err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return result, err
		}

		ext := doneExt
		if !submitted {
			ext = failedExt
		}
		if err := os.Rename(path, file.ReplaceExt(path, ext)); err != nil {
			log.Error("Failed to mark %s as processed: %v", path, err)
			result.Errors = append(result.Errors, err.Error())
		}
	}

	log.Info("Scheduled run: %d files, %d batches, %d completed, %d failed, %d queued",
		result.Files, result.Batches, result.Completed, result.Failed, result.Queued)
	return result, nil
}

// runList submits one list file and reports whether any batch was accepted.
// A non-nil error means the run cannot go on; the file then holds only the
// URLs that were never tried.
func (s *Service) runList(ctx context.Context, path string, result *RunResult) (bool, error) {
	lines, err := readLines(path)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
		return false, nil
	}

	report := urls.Validate(lines)
	for _, msg := range report.Errors() {
		log.Warn("%s: %s", path, msg)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", path, msg))
	}

	unique := report.UniqueURLs()
	if len(unique) == 0 {
		return false, nil
	}

	accepted := false
	for start := 0; start < len(unique); start += urls.MaxBatchSize {
		chunk := unique[start:min(start+urls.MaxBatchSize, len(unique))]
		err := s.runBatch(ctx, chunk, result)
		if err == nil {
			accepted = true
			continue
		}
		if halts(ctx, err) {
			if accepted {
				if werr := writeRemaining(path, unique[start:]); werr != nil {
					log.Error("Failed to rewrite %s: %v", path, werr)
				}
			}
			return accepted, err
		}
		log.Error("Batch from %s failed: %v", path, err)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
	}
	return accepted, nil
}

// halts reports whether err stopped a batch before the backend judged it:
// missing consent, unusable options, a busy controller or shutdown.
func halts(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch errs.KindOf(err) {
	case errs.Precondition, errs.Cancelled, errs.Validation:
		return true
	}
	return false
}

// writeRemaining replaces a partly submitted list with the URLs still to go.
func writeRemaining(path string, rest []string) error {
	return os.WriteFile(path, []byte(strings.Join(rest, "\n")+"\n"), 0o644)
}

func (s *Service) runBatch(ctx context.Context, chunk []string, result *RunResult) error {
	if _, err := s.submitter.SubmitBatch(ctx, chunk, s.opts); err != nil {
		return err
	}
	result.Batches++

	updates, stop := s.submitter.Subscribe()
	defer stop()

	var last *tracker.BatchSnapshot
	for {
		select {
		case <-ctx.Done():
			return errs.Wrap(ctx.Err(), errs.Cancelled, "scheduled batch interrupted")
		case st, ok := <-updates:
			if !ok {
				return s.finishBatch(last, result)
			}
			if st.Batch != nil {
				last = st.Batch
			}
		}
	}
}

func (s *Service) finishBatch(last *tracker.BatchSnapshot, result *RunResult) error {
	if last == nil || !last.Phase.IsTerminal() {
		return fmt.Errorf("batch tracking ended before completion")
	}
	result.Completed += last.State.Counts.Completed
	result.Failed += last.State.Counts.Failed

	if last.Phase == tracker.PhaseCompleted {
		n, err := s.submitter.DownloadAll()
		if err != nil {
			return err
		}
		result.Queued += n
	}
	if err := s.submitter.Reset(); err != nil {
		return err
	}
	if last.Phase == tracker.PhaseFailed {
		return fmt.Errorf("%s", last.Error)
	}
	return nil
}

// readLines returns the lines of a list file, dropping "#" comments.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			line = ""
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
