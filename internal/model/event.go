package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType names a kind of state transition.
type EventType string

const (
	EventFeedUpdated          EventType = "feed_updated"
	EventEntryStatusChanged   EventType = "entry_status_changed"
	EventUnreadCountChanged   EventType = "unread_count_changed"
	EventFeedRefreshStarted   EventType = "feed_refresh_started"
	EventFeedRefreshCompleted EventType = "feed_refresh_completed"
	EventScrapingJobCompleted EventType = "scraping_job_completed"
	EventFeedError            EventType = "feed_error"
	EventFeedStatusChanged    EventType = "feed_status_changed"
	EventEntriesMarkedRead    EventType = "entries_marked_read"
)

// Event is an immutable fact about one state transition. Seq is assigned by
// the event log on append and is strictly increasing.
type Event struct {
	Seq        uint64          `json:"seq"`
	Type       EventType       `json:"type"`
	UserID     string          `json:"user_id"`
	FeedID     int64           `json:"feed_id,omitempty"`
	CategoryID *int64          `json:"category_id,omitempty"`
	EntryID    int64           `json:"entry_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"timestamp"`
}

// NewEvent builds an unsequenced event with payload encoded as its data.
func NewEvent(typ EventType, userID string, feedID int64, categoryID *int64, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs defined in this package.
		panic(fmt.Sprintf("model: encode %s payload: %v", typ, err))
	}
	return Event{
		Type:       typ,
		UserID:     userID,
		FeedID:     feedID,
		CategoryID: categoryID,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// AffectsUnread reports whether the event can change an unread count.
func (e Event) AffectsUnread() bool {
	switch e.Type {
	case EventFeedUpdated:
		var p FeedUpdated
		return e.Decode(&p) == nil && p.NewEntries > 0
	case EventEntryStatusChanged:
		var p EntryStatusChanged
		if e.Decode(&p) != nil {
			return false
		}
		return p.OldStatus != p.NewStatus && (p.OldStatus == StatusUnread || p.NewStatus == StatusUnread)
	case EventEntriesMarkedRead:
		return true
	}
	return false
}

// FeedUpdated is emitted when a fetch commit added or changed entries.
type FeedUpdated struct {
	FeedID         int64     `json:"feed_id"`
	NewEntries     int       `json:"new_entries"`
	UpdatedEntries int       `json:"updated_entries"`
	EntryIDs       []int64   `json:"entry_ids,omitempty"`
	LastFetchedAt  time.Time `json:"last_fetched_at"`
}

// EntryStatusChanged is emitted for every effective status change.
type EntryStatusChanged struct {
	EntryID   int64       `json:"entry_id"`
	FeedID    int64       `json:"feed_id"`
	OldStatus EntryStatus `json:"old_status"`
	NewStatus EntryStatus `json:"new_status"`
}

// UnreadCountChanged carries a count recomputed from the store.
type UnreadCountChanged struct {
	FeedID      *int64 `json:"feed_id,omitempty"`
	CategoryID  *int64 `json:"category_id,omitempty"`
	TotalUnread int    `json:"total_unread"`
}

// FeedRefreshStarted is emitted when a fetch job begins.
type FeedRefreshStarted struct {
	FeedID    int64     `json:"feed_id"`
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
}

// Terminal statuses of a fetch job, carried by the completed events.
const (
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// FeedRefreshCompleted is emitted when a fetch job of an rss/atom feed ends.
type FeedRefreshCompleted struct {
	FeedID           int64     `json:"feed_id"`
	JobID            string    `json:"job_id"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	NewEntries       int       `json:"new_entries"`
	UpdatedEntries   int       `json:"updated_entries"`
	NotModified      bool      `json:"not_modified,omitempty"`
	CompletedAt      time.Time `json:"completed_at"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
}

// ScrapingJobCompleted is emitted when a fetch job of a scraped feed ends.
type ScrapingJobCompleted struct {
	FeedID           int64  `json:"feed_id"`
	JobID            string `json:"job_id"`
	ArticlesFound    int    `json:"articles_found"`
	ArticlesNew      int    `json:"articles_new"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// FeedErrorData is emitted when a feed failure becomes user-visible.
type FeedErrorData struct {
	FeedID       int64     `json:"feed_id"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	ErrorCount   int       `json:"error_count"`
	Retriable    bool      `json:"retriable"`
	NextRetryAt  time.Time `json:"next_retry_at"`
}

// FeedStatusChanged is emitted when a feed moves between statuses.
type FeedStatusChanged struct {
	FeedID    int64      `json:"feed_id"`
	OldStatus FeedStatus `json:"old_status"`
	NewStatus FeedStatus `json:"new_status"`
}

// EntriesMarkedRead summarises a batch status update.
type EntriesMarkedRead struct {
	Count      int         `json:"count"`
	Status     EntryStatus `json:"status"`
	FeedIDs    []int64     `json:"feed_ids,omitempty"`
	CategoryID *int64      `json:"category_id,omitempty"`
}

// ScopeKind is the granularity of a subscription.
type ScopeKind string

const (
	ScopeAll      ScopeKind = "all"
	ScopeFeed     ScopeKind = "feed"
	ScopeCategory ScopeKind = "category"
)

// Scope selects the events a subscriber receives.
type Scope struct {
	Kind ScopeKind
	ID   int64
}

// AllScope matches every event of the subscribing user.
var AllScope = Scope{Kind: ScopeAll}

// ParseScope parses "all", "feed:<id>" or "category:<id>".
func ParseScope(s string) (Scope, error) {
	if s == "" || s == string(ScopeAll) {
		return AllScope, nil
	}
	kind, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope %q", s)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return Scope{}, fmt.Errorf("invalid scope id in %q", s)
	}
	switch ScopeKind(kind) {
	case ScopeFeed, ScopeCategory:
		return Scope{Kind: ScopeKind(kind), ID: id}, nil
	}
	return Scope{}, fmt.Errorf("unknown scope kind %q", kind)
}

func (s Scope) String() string {
	if s.Kind == ScopeAll || s.Kind == "" {
		return string(ScopeAll)
	}
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// Matches reports whether e belongs to this scope for userID.
func (s Scope) Matches(userID string, e Event) bool {
	if e.UserID != userID {
		return false
	}
	switch s.Kind {
	case ScopeFeed:
		return e.FeedID == s.ID
	case ScopeCategory:
		return e.CategoryID != nil && *e.CategoryID == s.ID
	default:
		return true
	}
}
