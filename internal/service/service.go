// Package service implements the user-facing queries and mutations on top of
// the store, the scheduler and the event hub. Every method is scoped to one
// authenticated user and returns apperr errors for expected failures.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/logging"
	"github.com/bryan-buckman/prismfeeder/internal/model"
)

// Limits applied to user input.
const (
	DefaultFetchInterval = 60        // minutes
	MaxFetchInterval     = 7 * 24 * 60
	DefaultPageSize      = 50
	MaxPageSize          = 200
	MaxBatchSize         = 500
	DefaultJobsLimit     = 50
	maxTitleLength       = 200
)

// Refresher is the part of the scheduler the service drives.
type Refresher interface {
	TriggerNow(ctx context.Context, feedID int64) (model.FetchJob, error)
	Cancel(feedID int64) bool
	Jobs(limit int) []model.FetchJob
}

// Publisher receives the events caused by user actions.
type Publisher interface {
	Publish(ctx context.Context, events ...model.Event) error
}

// Service is safe for concurrent use.
type Service struct {
	store  database.Store
	sched  Refresher
	events Publisher
	log    logging.Logger
	now    func() time.Time
}

// New creates a service. sched and events may be nil for offline use, such
// as OPML import from the command line.
func New(store database.Store, sched Refresher, events Publisher, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{
		store:  store,
		sched:  sched,
		events: events,
		log:    log.With("module", "service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) publish(ctx context.Context, events ...model.Event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.log.Error(ctx, "publish events", "count", len(events), "error", err)
	}
}

func (s *Service) cancelFetch(feedID int64) {
	if s.sched != nil {
		s.sched.Cancel(feedID)
	}
}

// ownedFeed loads a feed of userID. Feeds of other users are reported as
// missing.
func (s *Service) ownedFeed(ctx context.Context, userID string, id int64) (model.Feed, error) {
	f, err := s.store.GetFeed(ctx, id)
	if errors.Is(err, database.ErrNotFound) || (err == nil && f.UserID != userID) {
		return model.Feed{}, apperr.FeedNotFound(id)
	}
	if err != nil {
		return model.Feed{}, fmt.Errorf("load feed %d: %w", id, err)
	}
	return f, nil
}

func (s *Service) ownedCategory(ctx context.Context, userID string, id int64) (model.Category, error) {
	c, err := s.store.GetCategory(ctx, id)
	if errors.Is(err, database.ErrNotFound) || (err == nil && c.UserID != userID) {
		return model.Category{}, apperr.CategoryNotFound(id)
	}
	if err != nil {
		return model.Category{}, fmt.Errorf("load category %d: %w", id, err)
	}
	return c, nil
}

// Overview returns the dashboard summary of userID.
func (s *Service) Overview(ctx context.Context, userID string) (model.Overview, error) {
	ov, err := s.store.Overview(ctx, userID)
	if err != nil {
		return model.Overview{}, fmt.Errorf("overview: %w", err)
	}
	return ov, nil
}

// Jobs returns the recent fetch jobs of the feeds of userID, newest first.
func (s *Service) Jobs(ctx context.Context, userID string, limit int) ([]model.FetchJob, error) {
	if limit < 0 {
		return nil, apperr.Validation("limit must not be negative").WithDetail("field", "limit")
	}
	if limit == 0 {
		limit = DefaultJobsLimit
	}
	jobs := []model.FetchJob{}
	if s.sched == nil {
		return jobs, nil
	}
	feeds, err := s.store.ListFeeds(ctx, database.FeedFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	owned := make(map[int64]bool, len(feeds))
	for _, f := range feeds {
		owned[f.ID] = true
	}
	for _, j := range s.sched.Jobs(0) {
		if !owned[j.FeedID] {
			continue
		}
		jobs = append(jobs, j)
		if len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}
