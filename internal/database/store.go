// Package database provides storage backends for feeds, entries and
// per-user reading state.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness rule.
	ErrConflict = errors.New("conflict")
	// ErrFeedPaused is returned when a fetch result is committed for a feed
	// that was paused while the fetch was running.
	ErrFeedPaused = errors.New("feed paused")
)

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL backends satisfy it through SQLStore.
type Store interface {
	Close() error

	// Dialect returns the SQL dialect of the backend.
	Dialect() Dialect

	// SupportsHighConcurrency reports whether many writers can run at once.
	// SQLite serializes all writes through one connection.
	SupportsHighConcurrency() bool

	// Feed operations
	CreateFeed(ctx context.Context, f model.Feed) (model.Feed, error)
	GetFeed(ctx context.Context, id int64) (model.Feed, error)
	ListFeeds(ctx context.Context, filter FeedFilter) ([]model.Feed, error)
	ListDueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error)
	UpdateFeedStatus(ctx context.Context, id int64, status model.FeedStatus) (FeedStatusChange, error)
	UpdateFeed(ctx context.Context, id int64, patch FeedPatch) (model.Feed, error)
	DeleteFeed(ctx context.Context, id int64) error

	// Category operations
	CreateCategory(ctx context.Context, c model.Category) (model.Category, error)
	GetCategory(ctx context.Context, id int64) (model.Category, error)
	GetOrCreateCategory(ctx context.Context, userID, title string) (model.Category, bool, error)
	ListCategories(ctx context.Context, userID string) ([]model.Category, error)
	UpdateCategory(ctx context.Context, id int64, patch CategoryPatch) (model.Category, error)
	DeleteCategory(ctx context.Context, id int64) error
	CategoryCounts(ctx context.Context, userID string) ([]model.CategoryCounts, error)

	// Fetch results
	ExistingGUIDs(ctx context.Context, feedID int64) (map[string]string, error)
	CommitFetchResult(ctx context.Context, feedID int64, delta FeedDelta, created, updated []EntryWrite) (CommitResult, error)
	RecordFetchFailure(ctx context.Context, feedID int64, delta FeedDelta) (CommitResult, error)

	// Entry operations
	GetEntry(ctx context.Context, userID string, id int64) (model.Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) (model.Page[model.Entry], error)
	SetEntryStatus(ctx context.Context, userID string, entryID int64, status model.EntryStatus, now time.Time) (StatusChange, error)
	SetEntriesStatus(ctx context.Context, userID string, entryIDs []int64, status model.EntryStatus, now time.Time) ([]StatusChange, []int64, error)
	PurgeEntries(ctx context.Context, olderThan time.Time) (int64, error)

	// Derived counts
	UnreadCount(ctx context.Context, userID string, feedID int64) (int, error)
	CategoryUnreadCount(ctx context.Context, userID string, categoryID int64) (int, error)
	Overview(ctx context.Context, userID string) (model.Overview, error)
}

// FeedFilter narrows ListFeeds. Zero values match everything.
type FeedFilter struct {
	UserID     string
	CategoryID *int64
	Status     model.FeedStatus
}

// FeedPatch lists the user-editable feed fields. Nil fields are unchanged.
type FeedPatch struct {
	Title          *string
	FetchInterval  *int
	CategoryID     *int64
	ClearCategory  bool
	ScrapingConfig *model.ScrapingConfig
}

// FeedStatusChange is the outcome of a status update.
type FeedStatusChange struct {
	Feed      model.Feed
	OldStatus model.FeedStatus
}

// CategoryPatch lists the editable category fields. Nil fields are unchanged.
type CategoryPatch struct {
	Title     *string
	Color     *string
	SortOrder *int
}

// FeedDelta is the feed state written together with a fetch result. It
// carries absolute values computed by the scheduler.
type FeedDelta struct {
	Status         model.FeedStatus
	ErrorCount     int
	ErrorPermanent bool
	LastError      string
	ETag           string
	LastModified   string
	FetchedAt      time.Time
	// SucceededAt is set for successful and not-modified fetches.
	SucceededAt *time.Time
	// Title, SiteURL and Description replace the stored values when non-empty.
	Title       string
	SiteURL     string
	Description string
}

// EntryWrite is one entry to insert or update during a commit.
type EntryWrite struct {
	GUID    string
	Article model.RawArticle
	Hash    string
}

// CommitResult describes a committed fetch.
type CommitResult struct {
	CommitID  string
	Feed      model.Feed
	OldStatus model.FeedStatus
	EntryIDs  []int64
	Updated   int
}

// StatusChange is the effect of one entry status update.
type StatusChange struct {
	EntryID    int64
	FeedID     int64
	CategoryID *int64
	Old        model.EntryStatus
	State      model.EntryState
}

// Changed reports whether the update had an effect.
func (c StatusChange) Changed() bool {
	return c.Old != c.State.Status
}

// EntryFilter narrows ListEntries. UserID is required.
type EntryFilter struct {
	UserID     string
	FeedID     *int64
	CategoryID *int64
	Status     model.EntryStatus
	Limit      int
	Offset     int
}
