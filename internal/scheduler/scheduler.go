// Package scheduler decides when feeds are fetched and drives each fetch
// through merge and commit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/logging"
	"github.com/bryan-buckman/prismfeeder/internal/merge"
	"github.com/bryan-buckman/prismfeeder/internal/model"
	"github.com/bryan-buckman/prismfeeder/internal/source"
)

// Concurrency settings
const (
	// WorkersPostgres is the default number of parallel fetches for PostgreSQL.
	WorkersPostgres = 10
	// WorkersSQLite is the default number of parallel fetches for SQLite,
	// which serializes writes anyway.
	WorkersSQLite = 1
	// DefaultPerHostConcurrency limits parallel requests to any single host.
	DefaultPerHostConcurrency = 2
	// DefaultHostSpacing is the minimum delay between requests to the same host.
	DefaultHostSpacing = 500 * time.Millisecond
	// DefaultTick is how often due feeds are looked up.
	DefaultTick = 30 * time.Second
	// DefaultJobHistory is how many fetch jobs are kept for inspection.
	DefaultJobHistory = 200
	// DefaultPurgeEvery is how often old entries are purged when retention is on.
	DefaultPurgeEvery = time.Hour
)

var (
	// ErrInFlight is returned by TriggerNow when the feed is already being fetched.
	ErrInFlight = errors.New("scheduler: fetch already in flight")
	// ErrCanceled marks a fetch abandoned through Cancel.
	ErrCanceled = errors.New("scheduler: fetch canceled")
)

// Publisher receives the events produced by fetches.
type Publisher interface {
	Publish(ctx context.Context, events ...model.Event) error
}

// Config tunes the scheduler. Zero values select the defaults.
type Config struct {
	Tick               time.Duration
	Workers            int
	FetchTimeout       time.Duration
	PerHostConcurrency int
	// HostSpacing is the minimum delay between requests to one host. Zero
	// disables spacing.
	HostSpacing     time.Duration
	Backoff         model.Backoff
	JobHistory      int
	DuplicatePolicy merge.DuplicatePolicy
	// EntryRetention enables purging of read, unstarred entries older than
	// the given age. Zero disables purging.
	EntryRetention time.Duration
	PurgeEvery     time.Duration
}

type flight struct {
	cancel   context.CancelFunc
	canceled bool
}

// Scheduler runs the periodic fetch loop.
type Scheduler struct {
	store   database.Store
	fetcher source.Fetcher
	merger  *merge.Merger
	events  Publisher
	log     logging.Logger
	cfg     Config
	hosts   *hostLimiter
	jobs    *jobRing
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[int64]*flight

	queue     chan model.Feed
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastPurge time.Time
}

// New creates a scheduler. The number of workers defaults to the
// concurrency the store supports.
func New(store database.Store, fetcher source.Fetcher, events Publisher, log logging.Logger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Workers <= 0 {
		cfg.Workers = WorkersSQLite
		if store.SupportsHighConcurrency() {
			cfg.Workers = WorkersPostgres
		}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = source.DefaultTimeout
	}
	if cfg.PerHostConcurrency <= 0 {
		cfg.PerHostConcurrency = DefaultPerHostConcurrency
	}
	if cfg.HostSpacing < 0 {
		cfg.HostSpacing = 0
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff = model.DefaultBackoff
	}
	if cfg.Backoff.Threshold <= 0 {
		cfg.Backoff.Threshold = model.DefaultBackoff.Threshold
	}
	if cfg.JobHistory <= 0 {
		cfg.JobHistory = DefaultJobHistory
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = DefaultPurgeEvery
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Scheduler{
		store:    store,
		fetcher:  fetcher,
		merger:   merge.New(cfg.DuplicatePolicy),
		events:   events,
		log:      log.With("module", "scheduler"),
		cfg:      cfg,
		hosts:    newHostLimiter(cfg.PerHostConcurrency, cfg.HostSpacing),
		jobs:     newJobRing(cfg.JobHistory),
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[int64]*flight),
		queue:    make(chan model.Feed, cfg.Workers*4),
	}
}

// Start launches the workers and the tick loop. Stop ends them.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		for {
			s.Tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.log.Info(ctx, "scheduler started", "workers", s.cfg.Workers, "tick", s.cfg.Tick.String())
}

// Stop cancels in-flight fetches and waits for all goroutines to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Tick enqueues every due feed that is not already in flight. Feeds that do
// not fit in the queue stay due and are picked up by a later tick.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	s.maybePurge(ctx, now)

	feeds, err := s.store.ListDueFeeds(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error(ctx, "list due feeds", "error", err)
		}
		return 0
	}
	enqueued := 0
	for _, f := range feeds {
		if _, ok := s.claim(f.ID); !ok {
			continue
		}
		select {
		case s.queue <- f:
			enqueued++
		default:
			s.release(f.ID)
		}
	}
	if enqueued > 0 {
		s.log.Debug(ctx, "enqueued due feeds", "count", enqueued, "due", len(feeds))
	}
	return enqueued
}

func (s *Scheduler) maybePurge(ctx context.Context, now time.Time) {
	if s.cfg.EntryRetention <= 0 || now.Sub(s.lastPurge) < s.cfg.PurgeEvery {
		return
	}
	s.lastPurge = now
	n, err := s.store.PurgeEntries(ctx, now.Add(-s.cfg.EntryRetention))
	if err != nil {
		s.log.Error(ctx, "purge entries", "error", err)
		return
	}
	if n > 0 {
		s.log.Info(ctx, "purged old entries", "count", n)
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.queue:
			fl := s.flightOf(f.ID)
			if _, err := s.run(ctx, f, fl); err != nil && !errors.Is(err, ErrCanceled) && ctx.Err() == nil {
				s.log.Warn(ctx, "fetch job failed", "feed_id", f.ID, "error", err)
			}
			s.release(f.ID)
		}
	}
}

// TriggerNow fetches one feed synchronously through the regular path.
func (s *Scheduler) TriggerNow(ctx context.Context, feedID int64) (model.FetchJob, error) {
	f, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return model.FetchJob{}, err
	}
	if f.Status == model.FeedPaused {
		return model.FetchJob{}, database.ErrFeedPaused
	}
	fl, ok := s.claim(feedID)
	if !ok {
		return model.FetchJob{}, ErrInFlight
	}
	defer s.release(feedID)
	return s.run(ctx, f, fl)
}

// Cancel aborts the in-flight fetch of feedID, if any. The fetch result is
// discarded.
func (s *Scheduler) Cancel(feedID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, ok := s.inFlight[feedID]
	if !ok {
		return false
	}
	fl.canceled = true
	if fl.cancel != nil {
		fl.cancel()
	}
	return true
}

// InFlight reports whether feedID is being fetched or queued.
func (s *Scheduler) InFlight(feedID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[feedID]
	return ok
}

// Jobs returns up to limit recent fetch jobs, newest first.
func (s *Scheduler) Jobs(limit int) []model.FetchJob {
	return s.jobs.list(limit)
}

// Backoff returns the backoff policy in use.
func (s *Scheduler) Backoff() model.Backoff {
	return s.cfg.Backoff
}

func (s *Scheduler) claim(feedID int64) (*flight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[feedID]; busy {
		return nil, false
	}
	fl := &flight{}
	s.inFlight[feedID] = fl
	return fl, true
}

func (s *Scheduler) release(feedID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.inFlight[feedID]; ok && fl.cancel != nil {
		fl.cancel()
	}
	delete(s.inFlight, feedID)
}

func (s *Scheduler) flightOf(feedID int64) *flight {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, ok := s.inFlight[feedID]
	if !ok {
		fl = &flight{}
		s.inFlight[feedID] = fl
	}
	return fl
}

// arm creates the fetch context of fl. It fails if the flight was canceled
// before the fetch started.
func (s *Scheduler) arm(ctx context.Context, fl *flight) (context.Context, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl.canceled {
		cancel()
		return nil, ErrCanceled
	}
	fl.cancel = cancel
	return fetchCtx, nil
}

func (s *Scheduler) canceled(fl *flight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fl.canceled
}

// run performs one fetch job: fetch, merge, commit and publish.
func (s *Scheduler) run(ctx context.Context, f model.Feed, fl *flight) (model.FetchJob, error) {
	job := &model.FetchJob{
		ID:        uuid.NewString(),
		FeedID:    f.ID,
		FeedType:  f.Type,
		StartedAt: s.now(),
		Outcome:   model.JobRunning,
	}
	s.jobs.add(job)
	log := s.log.With("feed_id", f.ID, "job_id", job.ID)

	s.publish(ctx, model.NewEvent(model.EventFeedRefreshStarted, f.UserID, f.ID, f.CategoryID,
		model.FeedRefreshStarted{FeedID: f.ID, JobID: job.ID, StartedAt: job.StartedAt}))

	fetchCtx, err := s.arm(ctx, fl)
	if err != nil {
		return s.abort(ctx, f, job, err.Error(), err)
	}

	host := hostOf(f.URL)
	if err := s.hosts.acquire(fetchCtx, host); err != nil {
		if s.canceled(fl) {
			err = ErrCanceled
		}
		return s.abort(ctx, f, job, err.Error(), err)
	}
	res := s.fetcher.Fetch(fetchCtx, source.DescriptorFor(f), source.Conditional{ETag: f.ETag, LastModified: f.LastModified})
	s.hosts.release(host)

	if s.canceled(fl) {
		return s.abort(ctx, f, job, ErrCanceled.Error(), ErrCanceled)
	}

	var (
		mres   merge.Result
		commit database.CommitResult
	)
	if res.Kind == source.Success {
		existing, err := s.store.ExistingGUIDs(ctx, f.ID)
		if err != nil {
			return s.abort(ctx, f, job, err.Error(), fmt.Errorf("load existing guids: %w", err))
		}
		mres, err = s.merger.Merge(f.ID, existing, res.Articles)
		found, skipped := len(res.Articles), res.Skipped+mres.Skipped
		s.jobs.update(job, func(j *model.FetchJob) {
			j.Found = found
			j.Skipped = skipped
		})
		if errors.Is(err, merge.ErrNoValidArticles) {
			res = source.Result{Kind: source.Failed, Failure: &source.Failure{Kind: source.FailureParse, Message: err.Error()}}
		}
	}

	switch res.Kind {
	case source.Success, source.NotModified:
		commit, err = s.store.CommitFetchResult(ctx, f.ID, s.successDelta(res), entryWrites(mres.New, mres.NewHashes), updateWrites(mres.Updated))
	default:
		commit, err = s.store.RecordFetchFailure(ctx, f.ID, s.failureDelta(f, res.Failure))
	}
	if err != nil {
		if errors.Is(err, database.ErrFeedPaused) || errors.Is(err, database.ErrNotFound) {
			log.Info(ctx, "fetch result discarded", "reason", err)
			return s.abort(ctx, f, job, err.Error(), ErrCanceled)
		}
		return s.abort(ctx, f, job, err.Error(), fmt.Errorf("commit fetch: %w", err))
	}

	var done model.FetchJob
	switch res.Kind {
	case source.Success:
		s.jobs.update(job, func(j *model.FetchJob) {
			j.New = len(commit.EntryIDs)
			j.Updated = commit.Updated
		})
		done = s.finish(job, model.JobSuccess, "")
		log.Debug(ctx, "fetched feed", "new", done.New, "updated", done.Updated, "skipped", done.Skipped)
	case source.NotModified:
		done = s.finish(job, model.JobNotModified, "")
	default:
		done = s.finish(job, model.JobError, res.Failure.Error())
		log.Warn(ctx, "fetch failed", "kind", res.Failure.Kind, "retriable", res.Failure.Retriable,
			"error_count", commit.Feed.ErrorCount, "error", res.Failure.Message)
	}
	s.publish(ctx, s.jobEvents(f, done, commit, res)...)
	return done, nil
}

func (s *Scheduler) finish(job *model.FetchJob, outcome model.JobOutcome, msg string) model.FetchJob {
	var out model.FetchJob
	s.jobs.update(job, func(j *model.FetchJob) {
		now := s.now()
		j.FinishedAt = &now
		j.Outcome = outcome
		j.Error = msg
		out = *j
	})
	return out
}

// abort ends a job that committed nothing. Subscribers that saw the started
// event still get a terminal one.
func (s *Scheduler) abort(ctx context.Context, f model.Feed, job *model.FetchJob, msg string, err error) (model.FetchJob, error) {
	done := s.finish(job, model.JobError, msg)
	status := model.JobStatusFailed
	if errors.Is(err, ErrCanceled) {
		status = model.JobStatusCanceled
	}
	s.publish(ctx, completedEvent(f, f.Type, done, status, msg, false))
	return done, err
}

func (s *Scheduler) successDelta(res source.Result) database.FeedDelta {
	now := s.now()
	return database.FeedDelta{
		Status:       model.FeedActive,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		FetchedAt:    now,
		SucceededAt:  &now,
		Title:        res.Title,
		SiteURL:      res.SiteURL,
		Description:  res.Description,
	}
}

// failureDelta counts one more consecutive failure. Retriable failures put
// the feed in error once the threshold is reached; permanent ones do so
// immediately and push the next attempt out to the backoff cap.
func (s *Scheduler) failureDelta(f model.Feed, failure *source.Failure) database.FeedDelta {
	d := database.FeedDelta{
		Status:       f.Status,
		ErrorCount:   f.ErrorCount + 1,
		LastError:    failure.Error(),
		ETag:         f.ETag,
		LastModified: f.LastModified,
		FetchedAt:    s.now(),
	}
	if d.Status != model.FeedError {
		d.Status = model.FeedActive
	}
	if !failure.Retriable {
		d.Status = model.FeedError
		d.ErrorPermanent = true
	} else if d.ErrorCount >= s.cfg.Backoff.Threshold {
		d.Status = model.FeedError
	}
	return d
}

func (s *Scheduler) jobEvents(f model.Feed, job model.FetchJob, commit database.CommitResult, res source.Result) []model.Event {
	feed := commit.Feed
	var events []model.Event
	if feed.Status != commit.OldStatus {
		events = append(events, model.NewEvent(model.EventFeedStatusChanged, feed.UserID, feed.ID, feed.CategoryID,
			model.FeedStatusChanged{FeedID: feed.ID, OldStatus: commit.OldStatus, NewStatus: feed.Status}))
	}
	if res.Kind == source.Failed {
		if feed.Status == model.FeedError {
			events = append(events, model.NewEvent(model.EventFeedError, feed.UserID, feed.ID, feed.CategoryID,
				model.FeedErrorData{
					FeedID:       feed.ID,
					ErrorType:    string(res.Failure.Kind),
					ErrorMessage: res.Failure.Error(),
					ErrorCount:   feed.ErrorCount,
					Retriable:    res.Failure.Retriable,
					NextRetryAt:  s.cfg.Backoff.NextFetchAt(feed),
				}))
		}
		return append(events, completedEvent(feed, f.Type, job, model.JobStatusFailed, res.Failure.Error(), false))
	}

	events = append(events, completedEvent(feed, f.Type, job, model.JobStatusCompleted, "", res.Kind == source.NotModified))
	if len(commit.EntryIDs) > 0 || commit.Updated > 0 {
		var fetchedAt time.Time
		if feed.LastFetchedAt != nil {
			fetchedAt = *feed.LastFetchedAt
		}
		events = append(events, model.NewEvent(model.EventFeedUpdated, feed.UserID, feed.ID, feed.CategoryID,
			model.FeedUpdated{
				FeedID:         feed.ID,
				NewEntries:     len(commit.EntryIDs),
				UpdatedEntries: commit.Updated,
				EntryIDs:       commit.EntryIDs,
				LastFetchedAt:  fetchedAt,
			}))
	}
	return events
}

// completedEvent is the terminal event of a job: scraping_job_completed for
// scraped feeds, feed_refresh_completed otherwise.
func completedEvent(feed model.Feed, typ model.FeedType, job model.FetchJob, status, msg string, notModified bool) model.Event {
	ms := job.Duration().Milliseconds()
	if typ == model.FeedTypeScraped {
		return model.NewEvent(model.EventScrapingJobCompleted, feed.UserID, feed.ID, feed.CategoryID,
			model.ScrapingJobCompleted{
				FeedID:           feed.ID,
				JobID:            job.ID,
				ArticlesFound:    job.Found,
				ArticlesNew:      job.New,
				Status:           status,
				ErrorMessage:     msg,
				ProcessingTimeMs: ms,
			})
	}
	var completedAt time.Time
	if job.FinishedAt != nil {
		completedAt = *job.FinishedAt
	}
	return model.NewEvent(model.EventFeedRefreshCompleted, feed.UserID, feed.ID, feed.CategoryID,
		model.FeedRefreshCompleted{
			FeedID:           feed.ID,
			JobID:            job.ID,
			Status:           status,
			Error:            msg,
			NewEntries:       job.New,
			UpdatedEntries:   job.Updated,
			NotModified:      notModified,
			CompletedAt:      completedAt,
			ProcessingTimeMs: ms,
		})
}

func (s *Scheduler) publish(ctx context.Context, events ...model.Event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil && ctx.Err() == nil {
		s.log.Warn(ctx, "publish events", "error", err)
	}
}

func entryWrites(articles []model.RawArticle, hashes []string) []database.EntryWrite {
	out := make([]database.EntryWrite, len(articles))
	for i, a := range articles {
		out[i] = database.EntryWrite{GUID: a.GUID, Article: a, Hash: hashes[i]}
	}
	return out
}

func updateWrites(updates []merge.Update) []database.EntryWrite {
	out := make([]database.EntryWrite, len(updates))
	for i, u := range updates {
		out[i] = database.EntryWrite{GUID: u.GUID, Article: u.Article, Hash: u.Hash}
	}
	return out
}
