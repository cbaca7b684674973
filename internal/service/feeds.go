package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/model"
	"github.com/bryan-buckman/prismfeeder/internal/scheduler"
)

// FeedQuery narrows ListFeeds.
type FeedQuery struct {
	Status     model.FeedStatus
	CategoryID *int64
}

// NewFeed is the input of CreateFeed.
type NewFeed struct {
	URL            string                `json:"url"`
	Title          string                `json:"title"`
	Type           model.FeedType        `json:"type"`
	CategoryID     *int64                `json:"category_id"`
	FetchInterval  int                   `json:"fetch_interval"`
	ScrapingConfig *model.ScrapingConfig `json:"scraping_config"`
}

// FeedUpdate lists the editable fields of a feed. Nil fields are unchanged.
type FeedUpdate struct {
	Title          *string
	FetchInterval  *int
	CategoryID     *int64
	ClearCategory  bool
	ScrapingConfig *model.ScrapingConfig
}

// RefreshResult reports an on-demand fetch.
type RefreshResult struct {
	FeedID           int64      `json:"feed_id"`
	Outcome          string     `json:"outcome"`
	NewEntries       int        `json:"new_entries"`
	UpdatedEntries   int        `json:"updated_entries"`
	LastFetchedAt    *time.Time `json:"last_fetched_at"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
}

// ListFeeds returns the feeds of userID.
func (s *Service) ListFeeds(ctx context.Context, userID string, q FeedQuery) ([]model.Feed, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("unknown feed status %q", q.Status).WithDetail("field", "status")
	}
	if q.CategoryID != nil {
		if _, err := s.ownedCategory(ctx, userID, *q.CategoryID); err != nil {
			return nil, err
		}
	}
	feeds, err := s.store.ListFeeds(ctx, database.FeedFilter{UserID: userID, CategoryID: q.CategoryID, Status: q.Status})
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	if feeds == nil {
		feeds = []model.Feed{}
	}
	return feeds, nil
}

// DueFeeds returns the feeds of userID that the scheduler would fetch now.
func (s *Service) DueFeeds(ctx context.Context, userID string) ([]model.Feed, error) {
	due, err := s.store.ListDueFeeds(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("list due feeds: %w", err)
	}
	out := []model.Feed{}
	for _, f := range due {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetFeed returns one feed of userID.
func (s *Service) GetFeed(ctx context.Context, userID string, id int64) (model.Feed, error) {
	return s.ownedFeed(ctx, userID, id)
}

// CreateFeed subscribes userID to a feed. The feed is fetched on the next
// scheduler tick.
func (s *Service) CreateFeed(ctx context.Context, userID string, in NewFeed) (model.Feed, error) {
	f, err := s.validateNewFeed(ctx, userID, in)
	if err != nil {
		return model.Feed{}, err
	}
	created, err := s.store.CreateFeed(ctx, f)
	if errors.Is(err, database.ErrConflict) {
		return model.Feed{}, apperr.Conflict("already subscribed to %s", f.URL).WithDetail("url", f.URL)
	}
	if err != nil {
		return model.Feed{}, fmt.Errorf("create feed: %w", err)
	}
	s.log.Info(ctx, "feed created", "feed_id", created.ID, "user_id", userID, "type", created.Type)
	return created, nil
}

func (s *Service) validateNewFeed(ctx context.Context, userID string, in NewFeed) (model.Feed, error) {
	u, err := validateURL(in.URL)
	if err != nil {
		return model.Feed{}, err
	}
	typ := in.Type
	if typ == "" {
		typ = model.FeedTypeRSS
	}
	if !typ.Valid() {
		return model.Feed{}, apperr.Validation("unknown feed type %q", in.Type).WithDetail("field", "type")
	}
	interval := in.FetchInterval
	if interval == 0 {
		interval = DefaultFetchInterval
	}
	if err := validateInterval(interval); err != nil {
		return model.Feed{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = u.Host
	}
	if len(title) > maxTitleLength {
		return model.Feed{}, apperr.Validation("title is longer than %d characters", maxTitleLength).WithDetail("field", "title")
	}
	if in.ScrapingConfig != nil && typ != model.FeedTypeScraped {
		return model.Feed{}, apperr.Validation("scraping_config is only allowed for scraped feeds").WithDetail("field", "scraping_config")
	}
	if in.CategoryID != nil {
		if _, err := s.ownedCategory(ctx, userID, *in.CategoryID); err != nil {
			return model.Feed{}, err
		}
	}
	return model.Feed{
		UserID:         userID,
		CategoryID:     in.CategoryID,
		Title:          title,
		URL:            u.String(),
		Type:           typ,
		Status:         model.FeedActive,
		FetchInterval:  interval,
		ScrapingConfig: in.ScrapingConfig,
	}, nil
}

func validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Validation("url must be an absolute http or https URL").WithDetail("field", "url")
	}
	return u, nil
}

func validateInterval(minutes int) error {
	if minutes < 1 || minutes > MaxFetchInterval {
		return apperr.Validation("fetch_interval must be between 1 and %d minutes", MaxFetchInterval).
			WithDetail("field", "fetch_interval")
	}
	return nil
}

// UpdateFeed edits a feed of userID.
func (s *Service) UpdateFeed(ctx context.Context, userID string, id int64, up FeedUpdate) (model.Feed, error) {
	f, err := s.ownedFeed(ctx, userID, id)
	if err != nil {
		return model.Feed{}, err
	}
	patch := database.FeedPatch{ClearCategory: up.ClearCategory}
	if up.Title != nil {
		title := strings.TrimSpace(*up.Title)
		if title == "" || len(title) > maxTitleLength {
			return model.Feed{}, apperr.Validation("title must be 1 to %d characters", maxTitleLength).WithDetail("field", "title")
		}
		patch.Title = &title
	}
	if up.FetchInterval != nil {
		if err := validateInterval(*up.FetchInterval); err != nil {
			return model.Feed{}, err
		}
		patch.FetchInterval = up.FetchInterval
	}
	if up.CategoryID != nil && !up.ClearCategory {
		if _, err := s.ownedCategory(ctx, userID, *up.CategoryID); err != nil {
			return model.Feed{}, err
		}
		patch.CategoryID = up.CategoryID
	}
	if up.ScrapingConfig != nil {
		if f.Type != model.FeedTypeScraped {
			return model.Feed{}, apperr.Validation("scraping_config is only allowed for scraped feeds").WithDetail("field", "scraping_config")
		}
		patch.ScrapingConfig = up.ScrapingConfig
	}
	updated, err := s.store.UpdateFeed(ctx, id, patch)
	if errors.Is(err, database.ErrNotFound) {
		return model.Feed{}, apperr.FeedNotFound(id)
	}
	if err != nil {
		return model.Feed{}, fmt.Errorf("update feed: %w", err)
	}
	return updated, nil
}

// PauseFeed stops scheduling a feed and aborts its in-flight fetch.
func (s *Service) PauseFeed(ctx context.Context, userID string, id int64) (model.Feed, error) {
	return s.setFeedStatus(ctx, userID, id, model.FeedPaused)
}

// ResumeFeed schedules a paused or failing feed again. Its error state is
// cleared and it becomes due immediately.
func (s *Service) ResumeFeed(ctx context.Context, userID string, id int64) (model.Feed, error) {
	return s.setFeedStatus(ctx, userID, id, model.FeedActive)
}

func (s *Service) setFeedStatus(ctx context.Context, userID string, id int64, status model.FeedStatus) (model.Feed, error) {
	if _, err := s.ownedFeed(ctx, userID, id); err != nil {
		return model.Feed{}, err
	}
	change, err := s.store.UpdateFeedStatus(ctx, id, status)
	if errors.Is(err, database.ErrNotFound) {
		return model.Feed{}, apperr.FeedNotFound(id)
	}
	if err != nil {
		return model.Feed{}, fmt.Errorf("set feed status: %w", err)
	}
	if status == model.FeedPaused {
		s.cancelFetch(id)
	}
	if change.OldStatus != change.Feed.Status {
		f := change.Feed
		s.publish(ctx, model.NewEvent(model.EventFeedStatusChanged, f.UserID, f.ID, f.CategoryID,
			model.FeedStatusChanged{FeedID: f.ID, OldStatus: change.OldStatus, NewStatus: f.Status}))
	}
	return change.Feed, nil
}

// DeleteFeed unsubscribes userID from a feed and removes its entries.
func (s *Service) DeleteFeed(ctx context.Context, userID string, id int64) error {
	if _, err := s.ownedFeed(ctx, userID, id); err != nil {
		return err
	}
	s.cancelFetch(id)
	err := s.store.DeleteFeed(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.FeedNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	s.log.Info(ctx, "feed deleted", "feed_id", id, "user_id", userID)
	return nil
}

// RefreshFeed fetches a feed immediately and waits for the result.
func (s *Service) RefreshFeed(ctx context.Context, userID string, id int64) (RefreshResult, error) {
	if _, err := s.ownedFeed(ctx, userID, id); err != nil {
		return RefreshResult{}, err
	}
	if s.sched == nil {
		return RefreshResult{}, errors.New("refresh: no scheduler configured")
	}
	job, err := s.sched.TriggerNow(ctx, id)
	switch {
	case errors.Is(err, scheduler.ErrInFlight):
		return RefreshResult{}, apperr.Conflict("feed %d is already being refreshed", id).WithDetail("feed_id", id)
	case errors.Is(err, database.ErrFeedPaused):
		return RefreshResult{}, apperr.Conflict("feed %d is paused", id).WithDetail("feed_id", id)
	case errors.Is(err, scheduler.ErrCanceled):
		return RefreshResult{}, apperr.Conflict("refresh of feed %d was canceled", id).WithDetail("feed_id", id)
	case errors.Is(err, database.ErrNotFound):
		return RefreshResult{}, apperr.FeedNotFound(id)
	case err != nil:
		return RefreshResult{}, fmt.Errorf("refresh feed %d: %w", id, err)
	}
	if job.Outcome == model.JobError {
		return RefreshResult{}, apperr.New(apperr.CodeScraping, "fetching feed %d failed: %s", id, job.Error).
			WithDetail("feed_id", id).
			WithDetail("job_id", job.ID)
	}
	return RefreshResult{
		FeedID:           id,
		Outcome:          string(job.Outcome),
		NewEntries:       job.New,
		UpdatedEntries:   job.Updated,
		LastFetchedAt:    job.FinishedAt,
		ProcessingTimeMs: job.Duration().Milliseconds(),
	}, nil
}
