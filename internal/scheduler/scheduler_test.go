package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/logging"
	"github.com/bryan-buckman/prismfeeder/internal/model"
	"github.com/bryan-buckman/prismfeeder/internal/source"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	results []source.Result
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, d source.Descriptor, cond source.Conditional) source.Result {
	f.mu.Lock()
	f.calls++
	res := source.Result{Kind: source.NotModified}
	if len(f.results) > 0 {
		res = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	}
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return source.Result{Kind: source.Failed, Failure: &source.Failure{Kind: source.FailureTimeout, Message: "canceled", Retriable: true}}
		}
	}
	return res
}

func (f *fakeFetcher) set(results ...source.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = results
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, events ...model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	store   *database.SQLStore
	fetcher *fakeFetcher
	events  *recorder
	sched   *Scheduler
	feed    model.Feed
}

func newFixture(t *testing.T, feedType model.FeedType) *fixture {
	t.Helper()
	ctx := context.Background()
	backoff := model.Backoff{Threshold: 3, Max: 6 * time.Hour}
	store, err := database.NewSQLite(ctx, "file:"+uuid.NewString()+"?mode=memory&cache=shared", backoff)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	feed, err := store.CreateFeed(ctx, model.Feed{
		UserID:        "u1",
		Title:         "https://example.com/rss",
		URL:           "https://example.com/rss",
		Type:          feedType,
		FetchInterval: 30,
	})
	require.NoError(t, err)

	fx := &fixture{store: store, fetcher: &fakeFetcher{}, events: &recorder{}, feed: feed}
	fx.sched = New(store, fx.fetcher, fx.events, logging.Nop(), Config{
		Tick:         time.Hour,
		Workers:      1,
		FetchTimeout: 5 * time.Second,
		Backoff:      backoff,
		JobHistory:   10,
	})
	return fx
}

func articles(guids ...string) []model.RawArticle {
	out := make([]model.RawArticle, len(guids))
	for i, g := range guids {
		out[i] = model.RawArticle{GUID: g, Title: "title " + g, URL: "https://example.com/" + g, Content: "body " + g}
	}
	return out
}

func ok(arts ...model.RawArticle) source.Result {
	return source.Result{Kind: source.Success, Title: "Example", ETag: `"e1"`, Articles: arts}
}

func failure(retriable bool, status int) source.Result {
	return source.Result{Kind: source.Failed, Failure: &source.Failure{Kind: source.FailureHTTPStatus, StatusCode: status, Message: "boom", Retriable: retriable}}
}

func (fx *fixture) reload(t *testing.T) model.Feed {
	t.Helper()
	f, err := fx.store.GetFeed(context.Background(), fx.feed.ID)
	require.NoError(t, err)
	return f
}

func TestTriggerNow_CommitsNewEntries(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	ctx := context.Background()
	fx.fetcher.set(ok(articles("a", "b", "c")...))

	job, err := fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSuccess, job.Outcome)
	assert.Equal(t, 3, job.Found)
	assert.Equal(t, 3, job.New)
	require.NotNil(t, job.FinishedAt)

	f := fx.reload(t)
	assert.Equal(t, "Example", f.Title)
	assert.Equal(t, `"e1"`, f.ETag)
	assert.Zero(t, f.ErrorCount)
	require.NotNil(t, f.LastSuccessAt)

	n, err := fx.store.UnreadCount(ctx, "u1", fx.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []model.EventType{
		model.EventFeedRefreshStarted,
		model.EventFeedRefreshCompleted,
		model.EventFeedUpdated,
	}, fx.events.types())

	var updated model.FeedUpdated
	require.NoError(t, fx.events.events[2].Decode(&updated))
	assert.Equal(t, 3, updated.NewEntries)
	assert.Len(t, updated.EntryIDs, 3)
}

func TestTriggerNow_RefetchIsIdempotent(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	ctx := context.Background()
	fx.fetcher.set(ok(articles("a", "b")...))
	_, err := fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)
	fx.events.reset()

	job, err := fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)
	assert.Zero(t, job.New)
	assert.Zero(t, job.Updated)
	assert.NotContains(t, fx.events.types(), model.EventFeedUpdated)

	changed := articles("a", "b")
	changed[1].Content = "edited"
	fx.fetcher.set(ok(changed...))
	job, err = fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)
	assert.Zero(t, job.New)
	assert.Equal(t, 1, job.Updated)
}

func TestTriggerNow_NotModifiedResetsErrors(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	ctx := context.Background()
	fx.fetcher.set(failure(true, 503))
	_, err := fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.reload(t).ErrorCount)

	fx.fetcher.set(source.Result{Kind: source.NotModified, ETag: `"e1"`})
	job, err := fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobNotModified, job.Outcome)
	f := fx.reload(t)
	assert.Zero(t, f.ErrorCount)
	assert.Equal(t, model.FeedActive, f.Status)
}

func TestBackoffThreshold(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	ctx := context.Background()
	fx.fetcher.set(failure(true, 503))

	for i := 1; i <= 2; i++ {
		job, err := fx.sched.TriggerNow(ctx, fx.feed.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobError, job.Outcome)
		f := fx.reload(t)
		assert.Equal(t, i, f.ErrorCount)
		assert.Equal(t, model.FeedActive, f.Status)
	}
	assert.NotContains(t, fx.events.types(), model.EventFeedError, "no user-facing error below the threshold")

	_, err := fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)
	f := fx.reload(t)
	assert.Equal(t, model.FeedError, f.Status)
	assert.Equal(t, 3, f.ErrorCount)
	assert.False(t, f.ErrorPermanent)
	assert.Contains(t, fx.events.types(), model.EventFeedError)
	assert.Contains(t, fx.events.types(), model.EventFeedStatusChanged)

	// Error feeds are retried on the doubled interval: 30m * 2^3 = 4h.
	assert.Equal(t, 4*time.Hour, fx.sched.Backoff().Interval(f))

	fx.events.reset()
	fx.fetcher.set(ok(articles("a")...))
	_, err = fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)
	f = fx.reload(t)
	assert.Equal(t, model.FeedActive, f.Status)
	assert.Zero(t, f.ErrorCount)
	assert.Contains(t, fx.events.types(), model.EventFeedStatusChanged)
}

func TestNonRetriableFailureIsImmediate(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	fx.fetcher.set(failure(false, 403))

	_, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
	require.NoError(t, err)
	f := fx.reload(t)
	assert.Equal(t, model.FeedError, f.Status)
	assert.True(t, f.ErrorPermanent)
	assert.Equal(t, 1, f.ErrorCount)
	assert.Contains(t, f.LastError, "403")
	require.NotNil(t, f.LastFetchedAt)
	assert.Equal(t, f.LastFetchedAt.Add(6*time.Hour), fx.sched.Backoff().NextFetchAt(f))

	var data model.FeedErrorData
	for _, e := range fx.events.events {
		if e.Type == model.EventFeedError {
			require.NoError(t, e.Decode(&data))
		}
	}
	assert.False(t, data.Retriable)
	assert.Equal(t, "http_status", data.ErrorType)
}

func TestAllMalformedBatchFails(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	fx.fetcher.set(ok(model.RawArticle{GUID: "x"}, model.RawArticle{Title: "no guid"}))

	job, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobError, job.Outcome)
	assert.Equal(t, 2, job.Found)
	assert.Equal(t, model.FeedError, fx.reload(t).Status)
}

func TestScrapedFeedEmitsScrapingJobCompleted(t *testing.T) {
	fx := newFixture(t, model.FeedTypeScraped)
	fx.fetcher.set(ok(articles("a", "b")...))

	_, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
	require.NoError(t, err)
	types := fx.events.types()
	assert.Contains(t, types, model.EventScrapingJobCompleted)
	assert.NotContains(t, types, model.EventFeedRefreshCompleted)

	for _, e := range fx.events.events {
		if e.Type == model.EventScrapingJobCompleted {
			var p model.ScrapingJobCompleted
			require.NoError(t, e.Decode(&p))
			assert.Equal(t, 2, p.ArticlesFound)
			assert.Equal(t, 2, p.ArticlesNew)
			assert.Equal(t, "completed", p.Status)
		}
	}
}

func TestTriggerNow_AtMostOneInFlight(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	fx.fetcher.block = make(chan struct{})
	fx.fetcher.started = make(chan struct{}, 1)
	fx.fetcher.set(ok(articles("a")...))

	done := make(chan error, 1)
	go func() {
		_, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
		done <- err
	}()
	<-fx.fetcher.started

	_, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
	require.ErrorIs(t, err, ErrInFlight)
	assert.Zero(t, fx.sched.Tick(context.Background()), "in-flight feeds are not enqueued")

	close(fx.fetcher.block)
	require.NoError(t, <-done)
	assert.False(t, fx.sched.InFlight(fx.feed.ID))
	assert.Equal(t, 1, fx.fetcher.callCount())
}

func TestCancelDiscardsResult(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	fx.fetcher.block = make(chan struct{})
	fx.fetcher.started = make(chan struct{}, 1)
	fx.fetcher.set(ok(articles("a")...))
	defer close(fx.fetcher.block)

	done := make(chan error, 1)
	go func() {
		_, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
		done <- err
	}()
	<-fx.fetcher.started

	assert.True(t, fx.sched.Cancel(fx.feed.ID))
	require.ErrorIs(t, <-done, ErrCanceled)

	f := fx.reload(t)
	assert.Nil(t, f.LastFetchedAt, "nothing was committed")
	assert.Zero(t, f.ErrorCount)
	assert.False(t, fx.sched.Cancel(fx.feed.ID))
}

func (r *recorder) last(t *testing.T, typ model.EventType, v any) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			require.NoError(t, r.events[i].Decode(v))
			return
		}
	}
	t.Fatalf("no %s event recorded", typ)
}

func TestFailureBelowThresholdEndsRefresh(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	fx.fetcher.set(failure(true, 503))

	job, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.EventType{
		model.EventFeedRefreshStarted,
		model.EventFeedRefreshCompleted,
	}, fx.events.types())

	var done model.FeedRefreshCompleted
	fx.events.last(t, model.EventFeedRefreshCompleted, &done)
	assert.Equal(t, job.ID, done.JobID)
	assert.Equal(t, model.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "503")
	assert.Zero(t, done.NewEntries)
}

func TestScrapedFailureBelowThresholdEndsJob(t *testing.T) {
	fx := newFixture(t, model.FeedTypeScraped)
	fx.fetcher.set(failure(true, 502))

	_, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
	require.NoError(t, err)
	types := fx.events.types()
	assert.NotContains(t, types, model.EventFeedError)
	assert.NotContains(t, types, model.EventFeedRefreshCompleted)

	var done model.ScrapingJobCompleted
	fx.events.last(t, model.EventScrapingJobCompleted, &done)
	assert.Equal(t, model.JobStatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "502")
}

func TestCancelEndsRefresh(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	fx.fetcher.block = make(chan struct{})
	fx.fetcher.started = make(chan struct{}, 1)
	fx.fetcher.set(ok(articles("a")...))
	defer close(fx.fetcher.block)

	done := make(chan error, 1)
	go func() {
		_, err := fx.sched.TriggerNow(context.Background(), fx.feed.ID)
		done <- err
	}()
	<-fx.fetcher.started
	require.True(t, fx.sched.Cancel(fx.feed.ID))
	require.ErrorIs(t, <-done, ErrCanceled)

	assert.Equal(t, []model.EventType{
		model.EventFeedRefreshStarted,
		model.EventFeedRefreshCompleted,
	}, fx.events.types())
	var completed model.FeedRefreshCompleted
	fx.events.last(t, model.EventFeedRefreshCompleted, &completed)
	assert.Equal(t, model.JobStatusCanceled, completed.Status)
}

func TestTriggerNow_PausedFeed(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	_, err := fx.store.UpdateFeedStatus(context.Background(), fx.feed.ID, model.FeedPaused)
	require.NoError(t, err)

	_, err = fx.sched.TriggerNow(context.Background(), fx.feed.ID)
	require.ErrorIs(t, err, database.ErrFeedPaused)
	assert.Zero(t, fx.fetcher.callCount())
}

func TestTick_DueAfterInterval(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 26, 10, 0, 0, 0, time.UTC)
	fx.sched.now = func() time.Time { return t0 }

	_, err := fx.sched.TriggerNow(ctx, fx.feed.ID)
	require.NoError(t, err)

	fx.sched.now = func() time.Time { return t0.Add(29 * time.Minute) }
	assert.Zero(t, fx.sched.Tick(ctx))

	fx.sched.now = func() time.Time { return t0.Add(30 * time.Minute) }
	assert.Equal(t, 1, fx.sched.Tick(ctx))
	assert.True(t, fx.sched.InFlight(fx.feed.ID))
	assert.Zero(t, fx.sched.Tick(ctx), "a queued feed is not enqueued twice")
}

func TestStartStop(t *testing.T) {
	fx := newFixture(t, model.FeedTypeRSS)
	fx.fetcher.set(ok(articles("a")...))

	fx.sched.Start(context.Background())
	require.Eventually(t, func() bool {
		return fx.fetcher.callCount() >= 1 && !fx.sched.InFlight(fx.feed.ID)
	}, 5*time.Second, 10*time.Millisecond)
	fx.sched.Stop()

	jobs := fx.sched.Jobs(5)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobSuccess, jobs[0].Outcome)
}

func TestJobRing(t *testing.T) {
	r := newJobRing(3)
	for i := 1; i <= 5; i++ {
		r.add(&model.FetchJob{FeedID: int64(i)})
	}
	jobs := r.list(0)
	require.Len(t, jobs, 3)
	assert.EqualValues(t, 5, jobs[0].FeedID)
	assert.EqualValues(t, 3, jobs[2].FeedID)
	assert.Len(t, r.list(2), 2)
	assert.Empty(t, newJobRing(3).list(10))
}

func TestHostLimiterSpacing(t *testing.T) {
	hl := newHostLimiter(1, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, hl.acquire(ctx, "example.com"))
	hl.release("example.com")
	start := time.Now()
	require.NoError(t, hl.acquire(ctx, "example.com"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	hl.release("example.com")

	require.NoError(t, hl.acquire(ctx, "other.com"), "hosts are independent")
	hl.release("other.com")
}

func TestHostLimiterHonoursContext(t *testing.T) {
	hl := newHostLimiter(1, 0)
	require.NoError(t, hl.acquire(context.Background(), "example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, hl.acquire(ctx, "example.com"), context.DeadlineExceeded)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com:8080", hostOf("http://example.com:8080/feed"))
	assert.Equal(t, "not a url", hostOf("not a url"))
}
