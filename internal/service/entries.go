package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/model"
)

// EntryQuery narrows ListEntries.
type EntryQuery struct {
	FeedID     *int64
	CategoryID *int64
	Status     model.EntryStatus
	Limit      int
	Offset     int
}

// BatchResult reports a batch status update. Entries that do not exist or
// are not visible to the user are failed; the others count as updated even
// when they already had the requested status.
type BatchResult struct {
	UpdatedCount   int     `json:"updated_count"`
	FailedCount    int     `json:"failed_count"`
	UpdatedEntries []int64 `json:"updated_entries"`
	FailedEntries  []int64 `json:"failed_entries"`
}

// ListEntries returns one page of the entries of userID, newest first.
func (s *Service) ListEntries(ctx context.Context, userID string, q EntryQuery) (model.Page[model.Entry], error) {
	if q.Status != "" && !q.Status.Valid() {
		return model.Page[model.Entry]{}, apperr.Validation("unknown entry status %q", q.Status).WithDetail("field", "status")
	}
	if q.Limit < 0 || q.Limit > MaxPageSize {
		return model.Page[model.Entry]{}, apperr.Validation("limit must be between 1 and %d", MaxPageSize).WithDetail("field", "limit")
	}
	if q.Offset < 0 {
		return model.Page[model.Entry]{}, apperr.Validation("offset must not be negative").WithDetail("field", "offset")
	}
	if q.Limit == 0 {
		q.Limit = DefaultPageSize
	}
	if q.FeedID != nil {
		if _, err := s.ownedFeed(ctx, userID, *q.FeedID); err != nil {
			return model.Page[model.Entry]{}, err
		}
	}
	if q.CategoryID != nil {
		if _, err := s.ownedCategory(ctx, userID, *q.CategoryID); err != nil {
			return model.Page[model.Entry]{}, err
		}
	}
	page, err := s.store.ListEntries(ctx, database.EntryFilter{
		UserID:     userID,
		FeedID:     q.FeedID,
		CategoryID: q.CategoryID,
		Status:     q.Status,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		return model.Page[model.Entry]{}, fmt.Errorf("list entries: %w", err)
	}
	return page, nil
}

// GetEntry returns one entry of userID with its reading state.
func (s *Service) GetEntry(ctx context.Context, userID string, id int64) (model.Entry, error) {
	e, err := s.store.GetEntry(ctx, userID, id)
	if errors.Is(err, database.ErrNotFound) {
		return model.Entry{}, apperr.EntryNotFound(id)
	}
	if err != nil {
		return model.Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// SetEntryStatus moves one entry of userID to status and returns it.
func (s *Service) SetEntryStatus(ctx context.Context, userID string, id int64, status model.EntryStatus) (model.Entry, error) {
	if !status.Valid() {
		return model.Entry{}, apperr.Validation("unknown entry status %q", status).WithDetail("field", "status")
	}
	change, err := s.store.SetEntryStatus(ctx, userID, id, status, s.now())
	if errors.Is(err, database.ErrNotFound) {
		return model.Entry{}, apperr.EntryNotFound(id)
	}
	if err != nil {
		return model.Entry{}, fmt.Errorf("set entry status: %w", err)
	}
	if change.Changed() {
		s.publish(ctx, statusEvent(userID, change))
	}
	return s.GetEntry(ctx, userID, id)
}

// SetEntriesStatus moves several entries of userID to status in one
// transaction.
func (s *Service) SetEntriesStatus(ctx context.Context, userID string, ids []int64, status model.EntryStatus) (BatchResult, error) {
	if !status.Valid() {
		return BatchResult{}, apperr.Validation("unknown entry status %q", status).WithDetail("field", "status")
	}
	if len(ids) == 0 || len(ids) > MaxBatchSize {
		return BatchResult{}, apperr.Validation("entry_ids must hold 1 to %d ids", MaxBatchSize).WithDetail("field", "entry_ids")
	}
	ids = dedupe(ids)

	changes, failed, err := s.store.SetEntriesStatus(ctx, userID, ids, status, s.now())
	if err != nil {
		return BatchResult{}, fmt.Errorf("set entries status: %w", err)
	}

	res := BatchResult{UpdatedEntries: []int64{}, FailedEntries: []int64{}}
	var (
		events   []model.Event
		feedIDs  []int64
		seenFeed = make(map[int64]bool)
		category *int64
		mixed    bool
	)
	for _, c := range changes {
		res.UpdatedEntries = append(res.UpdatedEntries, c.EntryID)
		if !c.Changed() {
			continue
		}
		events = append(events, statusEvent(userID, c))
		if !seenFeed[c.FeedID] {
			seenFeed[c.FeedID] = true
			feedIDs = append(feedIDs, c.FeedID)
		}
		switch {
		case len(events) == 1:
			category = c.CategoryID
		case !sameID(category, c.CategoryID):
			mixed = true
		}
	}
	res.FailedEntries = append(res.FailedEntries, failed...)
	res.UpdatedCount = len(res.UpdatedEntries)
	res.FailedCount = len(res.FailedEntries)

	if len(events) > 0 {
		if mixed {
			category = nil
		}
		events = append(events, model.NewEvent(model.EventEntriesMarkedRead, userID, 0, category,
			model.EntriesMarkedRead{Count: len(events), Status: status, FeedIDs: feedIDs, CategoryID: category}))
		s.publish(ctx, events...)
	}
	return res, nil
}

func statusEvent(userID string, c database.StatusChange) model.Event {
	e := model.NewEvent(model.EventEntryStatusChanged, userID, c.FeedID, c.CategoryID,
		model.EntryStatusChanged{EntryID: c.EntryID, FeedID: c.FeedID, OldStatus: c.Old, NewStatus: c.State.Status})
	e.EntryID = c.EntryID
	return e
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
