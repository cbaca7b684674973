package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

const feedColumns = `id, user_id, category_id, title, url, site_url, description, type, status,
	fetch_interval, error_count, error_permanent, last_error, etag, last_modified,
	last_fetched_at, last_success_at, scraping_config, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (model.Feed, error) {
	var (
		f                        model.Feed
		categoryID               sql.NullInt64
		lastFetched, lastSuccess sql.NullTime
		scraping                 sql.NullString
	)
	err := row.Scan(&f.ID, &f.UserID, &categoryID, &f.Title, &f.URL, &f.SiteURL, &f.Description,
		&f.Type, &f.Status, &f.FetchInterval, &f.ErrorCount, &f.ErrorPermanent, &f.LastError,
		&f.ETag, &f.LastModified, &lastFetched, &lastSuccess, &scraping, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return model.Feed{}, err
	}
	f.CategoryID = int64Ptr(categoryID)
	f.LastFetchedAt = timePtr(lastFetched)
	f.LastSuccessAt = timePtr(lastSuccess)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	if scraping.Valid && scraping.String != "" {
		var cfg model.ScrapingConfig
		if err := json.Unmarshal([]byte(scraping.String), &cfg); err != nil {
			return model.Feed{}, fmt.Errorf("decode scraping config of feed %d: %w", f.ID, err)
		}
		f.ScrapingConfig = &cfg
	}
	return f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	defer rows.Close()
	feeds := []model.Feed{}
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func encodeScraping(cfg *model.ScrapingConfig) (sql.NullString, error) {
	if cfg == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// CreateFeed adds a new feed and returns it with its ID.
func (s *SQLStore) CreateFeed(ctx context.Context, f model.Feed) (model.Feed, error) {
	now := time.Now().UTC()
	if f.Status == "" {
		f.Status = model.FeedActive
	}
	scraping, err := encodeScraping(f.ScrapingConfig)
	if err != nil {
		return model.Feed{}, fmt.Errorf("encode scraping config: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO feeds (user_id, category_id, title, url, site_url, description, type, status,
			fetch_interval, scraping_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		f.UserID, nullInt64(f.CategoryID), f.Title, f.URL, f.SiteURL, f.Description, string(f.Type), string(f.Status),
		f.FetchInterval, scraping, now, now).Scan(&id)
	if err != nil {
		return model.Feed{}, fmt.Errorf("create feed %s: %w", f.URL, mapErr(err))
	}
	return s.GetFeed(ctx, id)
}

// GetFeed returns a feed by ID.
func (s *SQLStore) GetFeed(ctx context.Context, id int64) (model.Feed, error) {
	return s.getFeed(ctx, s.db, id, false)
}

func (s *SQLStore) getFeed(ctx context.Context, db DBTX, id int64, lock bool) (model.Feed, error) {
	query := "SELECT " + feedColumns + " FROM feeds WHERE id = ?"
	if lock && s.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}
	f, err := scanFeed(db.QueryRowContext(ctx, s.q(query), id))
	if err != nil {
		return model.Feed{}, fmt.Errorf("get feed %d: %w", id, mapErr(err))
	}
	return f, nil
}

// ListFeeds returns feeds matching filter ordered by title.
func (s *SQLStore) ListFeeds(ctx context.Context, filter FeedFilter) ([]model.Feed, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CategoryID != nil {
		where = append(where, "category_id = ?")
		args = append(args, *filter.CategoryID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := "SELECT " + feedColumns + " FROM feeds"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY title, id"
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return scanFeeds(rows)
}

// ListDueFeeds returns the non-paused feeds whose next fetch is at or before
// now, oldest attempt first.
func (s *SQLStore) ListDueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+feedColumns+" FROM feeds WHERE status <> ? ORDER BY id"), string(model.FeedPaused))
	if err != nil {
		return nil, fmt.Errorf("list due feeds: %w", err)
	}
	feeds, err := scanFeeds(rows)
	if err != nil {
		return nil, fmt.Errorf("list due feeds: %w", err)
	}
	due := feeds[:0]
	for _, f := range feeds {
		if s.backoff.IsDue(f, now) {
			due = append(due, f)
		}
	}
	return due, nil
}

// UpdateFeedStatus pauses or resumes a feed. Resuming clears the error state
// and makes the feed due immediately.
func (s *SQLStore) UpdateFeedStatus(ctx context.Context, id int64, status model.FeedStatus) (FeedStatusChange, error) {
	var change FeedStatusChange
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		f, err := s.getFeed(ctx, tx, id, true)
		if err != nil {
			return err
		}
		change.OldStatus = f.Status
		now := time.Now().UTC()
		switch status {
		case model.FeedPaused:
			_, err = tx.ExecContext(ctx, s.q("UPDATE feeds SET status = ?, updated_at = ? WHERE id = ?"), string(status), now, id)
		case model.FeedActive:
			if f.Status == model.FeedActive {
				break
			}
			_, err = tx.ExecContext(ctx, s.q(`
				UPDATE feeds SET status = ?, error_count = 0, error_permanent = ?, last_error = '',
					last_fetched_at = NULL, updated_at = ?
				WHERE id = ?`), string(status), false, now, id)
		default:
			return fmt.Errorf("unsupported status transition to %q", status)
		}
		if err != nil {
			return err
		}
		change.Feed, err = s.getFeed(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return FeedStatusChange{}, fmt.Errorf("update feed %d status: %w", id, err)
	}
	return change, nil
}

// UpdateFeed applies user edits to a feed.
func (s *SQLStore) UpdateFeed(ctx context.Context, id int64, patch FeedPatch) (model.Feed, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.FetchInterval != nil {
		sets = append(sets, "fetch_interval = ?")
		args = append(args, *patch.FetchInterval)
	}
	switch {
	case patch.ClearCategory:
		sets = append(sets, "category_id = NULL")
	case patch.CategoryID != nil:
		sets = append(sets, "category_id = ?")
		args = append(args, *patch.CategoryID)
	}
	if patch.ScrapingConfig != nil {
		scraping, err := encodeScraping(patch.ScrapingConfig)
		if err != nil {
			return model.Feed{}, fmt.Errorf("encode scraping config: %w", err)
		}
		sets = append(sets, "scraping_config = ?")
		args = append(args, scraping)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, s.q("UPDATE feeds SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return model.Feed{}, fmt.Errorf("update feed %d: %w", id, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Feed{}, fmt.Errorf("update feed %d: %w", id, ErrNotFound)
	}
	return s.GetFeed(ctx, id)
}

// DeleteFeed removes a feed together with its entries and their states.
func (s *SQLStore) DeleteFeed(ctx context.Context, id int64) error {
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM entry_states WHERE entry_id IN (SELECT id FROM entries WHERE feed_id = ?)"), id); err != nil {
			return fmt.Errorf("delete entry states of feed %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM entries WHERE feed_id = ?"), id); err != nil {
			return fmt.Errorf("delete entries of feed %d: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, s.q("DELETE FROM feeds WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("delete feed %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete feed %d: %w", id, ErrNotFound)
		}
		return nil
	})
}
