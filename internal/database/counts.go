package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

const topCategories = 5

// UnreadCount counts the unread entries of a feed for userID.
func (s *SQLStore) UnreadCount(ctx context.Context, userID string, feedID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM entry_states st
		JOIN entries e ON e.id = st.entry_id
		WHERE st.user_id = ? AND e.feed_id = ? AND st.status = ?`),
		userID, feedID, string(model.StatusUnread)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count of feed %d: %w", feedID, err)
	}
	return n, nil
}

// CategoryUnreadCount counts the unread entries of all feeds in a category.
func (s *SQLStore) CategoryUnreadCount(ctx context.Context, userID string, categoryID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM entry_states st
		JOIN entries e ON e.id = st.entry_id
		JOIN feeds f ON f.id = e.feed_id
		WHERE st.user_id = ? AND f.category_id = ? AND st.status = ?`),
		userID, categoryID, string(model.StatusUnread)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count of category %d: %w", categoryID, err)
	}
	return n, nil
}

// Overview summarises the subscriptions and reading state of userID.
func (s *SQLStore) Overview(ctx context.Context, userID string) (model.Overview, error) {
	var o model.Overview
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT
			(SELECT COUNT(*) FROM feeds WHERE user_id = ?),
			(SELECT COUNT(*) FROM entries e JOIN feeds f ON f.id = e.feed_id WHERE f.user_id = ?),
			(SELECT COUNT(*) FROM entry_states WHERE user_id = ? AND status = ?),
			(SELECT COUNT(*) FROM entry_states WHERE user_id = ? AND status = ?)`),
		userID, userID, userID, string(model.StatusUnread), userID, string(model.StatusStarred)).
		Scan(&o.TotalFeeds, &o.TotalEntries, &o.UnreadEntries, &o.StarredEntries)
	if err != nil {
		return model.Overview{}, fmt.Errorf("overview: %w", err)
	}

	counts, err := s.CategoryCounts(ctx, userID)
	if err != nil {
		return model.Overview{}, err
	}
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].UnreadCount > counts[j].UnreadCount
	})
	if len(counts) > topCategories {
		counts = counts[:topCategories]
	}
	o.TopCategories = counts
	return o, nil
}
