// Package scheduler owns the periodic triggers: poll runs over active
// sources, the daily cleanup and the removal-stream consumer.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"newsriver/pkg/feed"
	"newsriver/pkg/ingest"
	"newsriver/pkg/lifecycle"
	"newsriver/pkg/store"
)

// Store is the subset of persistence operations the scheduler needs
type Store interface {
	GetActiveSources(ctx context.Context) ([]store.Source, error)
	GetRecentStoryGroups(ctx context.Context, since time.Time) ([]store.StoryGroup, error)
	RecordSourceSuccess(ctx context.Context, sourceID int64) error
	RecordSourceFailure(ctx context.Context, sourceID int64, message string, disableThreshold int) error
}

// Fetcher retrieves and parses a source's feed
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]feed.Item, error)
}

// Writer persists parsed items with dedup
type Writer interface {
	Write(ctx context.Context, sourceID int64, items []feed.Item, window *ingest.GroupWindow) ingest.Result
}

// Cleaner runs the lifecycle sweeps and the removal-stream decrements
type Cleaner interface {
	Full(ctx context.Context) (lifecycle.Result, error)
	ProcessRemovals(ctx context.Context) (int, error)
}

// RunResult aggregates one poll run's outcome
type RunResult struct {
	SourcesProcessed int      `json:"sources_processed"`
	ItemsFound       int      `json:"items_found"`
	ItemsSaved       int      `json:"items_saved"`
	Errors           []string `json:"errors,omitempty"`
}

// Params holds scheduler dependencies and configuration
type Params struct {
	Store   Store
	Fetcher Fetcher
	Writer  Writer
	Cleaner Cleaner

	PollInterval     time.Duration
	CleanupInterval  time.Duration
	StreamInterval   time.Duration
	Lookback         time.Duration // dedup candidate window age
	DisableThreshold int           // consecutive errors before auto-disable
	MaxWorkers       int
}

// Scheduler manages the periodic poll, cleanup and stream-consumer loops
type Scheduler struct {
	store   Store
	fetcher Fetcher
	writer  Writer
	cleaner Cleaner

	pollInterval     time.Duration
	cleanupInterval  time.Duration
	streamInterval   time.Duration
	lookback         time.Duration
	disableThreshold int
	maxWorkers       int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler with defaults applied
func NewScheduler(p Params) *Scheduler {
	if p.PollInterval == 0 {
		p.PollInterval = 15 * time.Minute
	}
	if p.CleanupInterval == 0 {
		p.CleanupInterval = 24 * time.Hour
	}
	if p.StreamInterval == 0 {
		p.StreamInterval = time.Minute
	}
	if p.Lookback == 0 {
		p.Lookback = 7 * 24 * time.Hour
	}
	if p.DisableThreshold == 0 {
		p.DisableThreshold = 5
	}
	if p.MaxWorkers == 0 {
		p.MaxWorkers = 5
	}

	return &Scheduler{
		store:            p.Store,
		fetcher:          p.Fetcher,
		writer:           p.Writer,
		cleaner:          p.Cleaner,
		pollInterval:     p.PollInterval,
		cleanupInterval:  p.CleanupInterval,
		streamInterval:   p.StreamInterval,
		lookback:         p.Lookback,
		disableThreshold: p.DisableThreshold,
		maxWorkers:       p.MaxWorkers,
	}
}

// Start begins the background loops
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.pollLoop(ctx)

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.wg.Add(1)
	go s.streamLoop(ctx)

	lgr.Printf("[INFO] scheduler started, poll every %v, cleanup every %v, stream every %v",
		s.pollInterval, s.cleanupInterval, s.streamInterval)
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	lgr.Printf("[INFO] stopping scheduler...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	lgr.Printf("[INFO] scheduler stopped")
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// run immediately on start
	s.PollRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollRun(ctx)
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.cleaner.Full(ctx); err != nil {
				lgr.Printf("[ERROR] scheduled cleanup failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) streamLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.cleaner.ProcessRemovals(ctx); err != nil {
				lgr.Printf("[ERROR] removal stream batch failed: %v", err)
			}
		}
	}
}

// PollRun executes one poll pass: load active sources, load the recent
// group window, fan out over due sources with bounded concurrency and
// record each source's outcome. A failed group load is non-fatal, the run
// proceeds with an empty window and every title seeds a new group.
func (s *Scheduler) PollRun(ctx context.Context) RunResult {
	var result RunResult

	sources, err := s.store.GetActiveSources(ctx)
	if err != nil {
		lgr.Printf("[ERROR] failed to load active sources: %v", err)
		result.Errors = append(result.Errors, fmt.Sprintf("load sources: %v", err))
		return result
	}

	due := make([]store.Source, 0, len(sources))
	now := time.Now()
	for _, src := range sources {
		if s.isDue(src, now) {
			due = append(due, src)
		}
	}
	if len(due) == 0 {
		return result
	}

	recent, err := s.store.GetRecentStoryGroups(ctx, now.Add(-s.lookback))
	if err != nil {
		lgr.Printf("[WARN] failed to load recent story groups, run continues without dedup window: %v", err)
		recent = nil
	}
	window := ingest.NewGroupWindow(recent)

	lgr.Printf("[INFO] polling %d of %d active sources, %d candidate groups", len(due), len(sources), window.Size())

	var mu sync.Mutex
	sem := make(chan struct{}, s.maxWorkers)
	var wg sync.WaitGroup

	for _, src := range due {
		wg.Add(1)
		go func(src store.Source) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			found, saved, srcErr := s.pollSource(ctx, src, window)

			mu.Lock()
			defer mu.Unlock()
			result.SourcesProcessed++
			result.ItemsFound += found
			result.ItemsSaved += saved
			if srcErr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", src.URL, srcErr))
			}
		}(src)
	}

	wg.Wait()
	lgr.Printf("[INFO] poll run done: %d sources, %d items found, %d saved, %d errors",
		result.SourcesProcessed, result.ItemsFound, result.ItemsSaved, len(result.Errors))
	return result
}

// isDue reports whether the source's poll interval has elapsed
func (s *Scheduler) isDue(src store.Source, now time.Time) bool {
	if !src.LastPolledAt.Valid {
		return true
	}
	interval := time.Duration(src.PollInterval) * time.Minute
	return !now.Before(src.LastPolledAt.Time.Add(interval))
}

// pollSource fetches, ingests and records the outcome for one source.
// Fetch or write failures route to recordFailure and do not affect other
// sources in the run.
func (s *Scheduler) pollSource(ctx context.Context, src store.Source, window *ingest.GroupWindow) (found, saved int, err error) {
	items, err := s.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		lgr.Printf("[WARN] fetch failed for %s (retryable=%v): %v", src.URL, feed.IsRetryable(err), err)
		s.recordFailure(ctx, src.ID, err)
		return 0, 0, err
	}

	res := s.writer.Write(ctx, src.ID, items, window)
	if res.Failed > 0 && res.Saved == 0 && res.Skipped == 0 {
		// nothing persisted at all, treat as a source-level failure
		err := fmt.Errorf("all %d items failed to persist", res.Failed)
		s.recordFailure(ctx, src.ID, err)
		return res.Found, 0, err
	}

	if err := s.store.RecordSourceSuccess(ctx, src.ID); err != nil {
		lgr.Printf("[ERROR] failed to record success for source %d: %v", src.ID, err)
	}

	if res.Saved > 0 {
		lgr.Printf("[INFO] source %s: %d new items (%d groups created, %d skipped, %d failed)",
			src.URL, res.Saved, res.GroupsCreated, res.Skipped, res.Failed)
	}
	return res.Found, res.Saved, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, sourceID int64, cause error) {
	if err := s.store.RecordSourceFailure(ctx, sourceID, cause.Error(), s.disableThreshold); err != nil {
		lgr.Printf("[ERROR] failed to record failure for source %d: %v", sourceID, err)
	}
}

// PollNow triggers an immediate poll run
func (s *Scheduler) PollNow(ctx context.Context) RunResult {
	lgr.Printf("[INFO] triggered immediate poll run")
	return s.PollRun(ctx)
}

// CleanupNow triggers an immediate full cleanup
func (s *Scheduler) CleanupNow(ctx context.Context) (lifecycle.Result, error) {
	lgr.Printf("[INFO] triggered immediate cleanup")
	return s.cleaner.Full(ctx)
}
