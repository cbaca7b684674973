// Package model defines shared data structures.
package model

import (
	"time"
)

// FeedType is the kind of source a feed is read from.
type FeedType string

const (
	FeedTypeRSS     FeedType = "rss"
	FeedTypeAtom    FeedType = "atom"
	FeedTypeScraped FeedType = "scraped"
)

// Valid reports whether t is a known feed type.
func (t FeedType) Valid() bool {
	switch t {
	case FeedTypeRSS, FeedTypeAtom, FeedTypeScraped:
		return true
	}
	return false
}

// FeedStatus is the scheduling state of a feed.
type FeedStatus string

const (
	FeedActive FeedStatus = "active"
	FeedPaused FeedStatus = "paused"
	FeedError  FeedStatus = "error"
)

// Valid reports whether s is a known feed status.
func (s FeedStatus) Valid() bool {
	switch s {
	case FeedActive, FeedPaused, FeedError:
		return true
	}
	return false
}

// EntryStatus is the per-user reading state of an entry.
type EntryStatus string

const (
	StatusUnread   EntryStatus = "unread"
	StatusRead     EntryStatus = "read"
	StatusStarred  EntryStatus = "starred"
	StatusArchived EntryStatus = "archived"
)

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusUnread, StatusRead, StatusStarred, StatusArchived:
		return true
	}
	return false
}

// ScrapingConfig holds the selectors handed to the content extractor for
// scraped feeds.
type ScrapingConfig struct {
	Selector       string `json:"selector,omitempty"`
	TitleSelector  string `json:"title_selector,omitempty"`
	LinkSelector   string `json:"link_selector,omitempty"`
	DateSelector   string `json:"date_selector,omitempty"`
	AuthorSelector string `json:"author_selector,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
}

// Category is a user-scoped grouping of feeds.
type Category struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Color     string    `json:"color"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
}

// CategoryCounts is a category with its derived aggregates.
type CategoryCounts struct {
	Category
	FeedCount   int `json:"feed_count"`
	UnreadCount int `json:"unread_count"`
}

// Feed represents a subscribed source.
type Feed struct {
	ID             int64           `json:"id"`
	UserID         string          `json:"user_id"`
	CategoryID     *int64          `json:"category_id"` // nil when uncategorized
	Title          string          `json:"title"`
	URL            string          `json:"url"`
	SiteURL        string          `json:"site_url,omitempty"`
	Description    string          `json:"description,omitempty"`
	Type           FeedType        `json:"type"`
	Status         FeedStatus      `json:"status"`
	FetchInterval  int             `json:"fetch_interval"` // minutes
	ErrorCount     int             `json:"error_count"`
	ErrorPermanent bool            `json:"error_permanent,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ETag           string          `json:"etag,omitempty"`
	LastModified   string          `json:"last_modified,omitempty"`
	LastFetchedAt  *time.Time      `json:"last_fetched_at,omitempty"`
	LastSuccessAt  *time.Time      `json:"last_successful_fetch_at,omitempty"`
	ScrapingConfig *ScrapingConfig `json:"scraping_config,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Enclosure is a media attachment of an entry.
type Enclosure struct {
	URL    string `json:"url"`
	Type   string `json:"type"`
	Length int64  `json:"length,omitempty"`
}

// Entry is one article belonging to a feed, joined with the reading state of
// the requesting user.
type Entry struct {
	ID          int64       `json:"id"`
	FeedID      int64       `json:"feed_id"`
	GUID        string      `json:"guid"`
	Title       string      `json:"title"`
	URL         string      `json:"url"`
	Content     string      `json:"content"`
	Author      string      `json:"author,omitempty"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
	ContentHash string      `json:"-"`
	Enclosures  []Enclosure `json:"enclosures"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	Status    EntryStatus `json:"status"`
	ReadAt    *time.Time  `json:"read_at,omitempty"`
	StarredAt *time.Time  `json:"starred_at,omitempty"`
}

// EntryState is the per-user reading state of an entry.
type EntryState struct {
	UserID    string
	EntryID   int64
	Status    EntryStatus
	ReadAt    *time.Time
	StarredAt *time.Time
}

// Transition moves the state to status at time now. Timestamps are set only
// when entering read or starred and cleared when leaving them; re-applying
// the current status changes nothing.
func (s EntryState) Transition(status EntryStatus, now time.Time) EntryState {
	if s.Status == status {
		return s
	}
	next := s
	next.Status = status
	switch status {
	case StatusRead:
		t := now
		next.ReadAt = &t
	default:
		next.ReadAt = nil
	}
	switch status {
	case StatusStarred:
		t := now
		next.StarredAt = &t
	default:
		next.StarredAt = nil
	}
	return next
}

// RawArticle is the source-agnostic article shape produced by the source
// adapter.
type RawArticle struct {
	GUID        string      `json:"guid"`
	Title       string      `json:"title"`
	URL         string      `json:"url"`
	Content     string      `json:"content"`
	Author      string      `json:"author,omitempty"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
	Enclosures  []Enclosure `json:"enclosures,omitempty"`
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items      []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasNext    bool `json:"has_next"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewPage builds pagination metadata around items.
func NewPage[T any](items []T, total, limit, offset int) Page[T] {
	if items == nil {
		items = []T{}
	}
	p := Page[T]{Items: items, Total: total, Limit: limit, Offset: offset}
	if offset+len(items) < total {
		next := offset + len(items)
		p.HasNext = true
		p.NextOffset = &next
	}
	return p
}

// Overview is the dashboard summary for one user.
type Overview struct {
	TotalFeeds     int              `json:"total_feeds"`
	TotalEntries   int              `json:"total_entries"`
	UnreadEntries  int              `json:"unread_entries"`
	StarredEntries int              `json:"starred_entries"`
	TopCategories  []CategoryCounts `json:"top_categories"`
}
