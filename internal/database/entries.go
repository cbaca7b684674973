package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

const entryColumns = `e.id, e.feed_id, e.guid, e.title, e.url, e.content, e.author, e.published_at,
	e.content_hash, e.enclosures, e.created_at, e.updated_at,
	COALESCE(st.status, 'unread'), st.read_at, st.starred_at`

func scanEntry(row rowScanner) (model.Entry, error) {
	var (
		e                        model.Entry
		published, read, starred sql.NullTime
		enclosures               sql.NullString
	)
	err := row.Scan(&e.ID, &e.FeedID, &e.GUID, &e.Title, &e.URL, &e.Content, &e.Author, &published,
		&e.ContentHash, &enclosures, &e.CreatedAt, &e.UpdatedAt, &e.Status, &read, &starred)
	if err != nil {
		return model.Entry{}, err
	}
	e.PublishedAt = timePtr(published)
	e.ReadAt = timePtr(read)
	e.StarredAt = timePtr(starred)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.Enclosures = []model.Enclosure{}
	if enclosures.Valid && enclosures.String != "" {
		if err := json.Unmarshal([]byte(enclosures.String), &e.Enclosures); err != nil {
			return model.Entry{}, fmt.Errorf("decode enclosures of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}

func encodeEnclosures(encs []model.Enclosure) (sql.NullString, error) {
	if len(encs) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(encs)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// ExistingGUIDs maps every stored guid of a feed to its content hash.
func (s *SQLStore) ExistingGUIDs(ctx context.Context, feedID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT guid, content_hash FROM entries WHERE feed_id = ?"), feedID)
	if err != nil {
		return nil, fmt.Errorf("existing guids of feed %d: %w", feedID, err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var guid, hash string
		if err := rows.Scan(&guid, &hash); err != nil {
			return nil, err
		}
		out[guid] = hash
	}
	return out, rows.Err()
}

// CommitFetchResult inserts created entries with an unread state for the feed
// owner, rewrites updated entries and applies delta to the feed, all in one
// transaction. It fails with ErrNotFound when the feed was deleted and with
// ErrFeedPaused when it was paused while the fetch was running.
func (s *SQLStore) CommitFetchResult(ctx context.Context, feedID int64, delta FeedDelta, created, updated []EntryWrite) (CommitResult, error) {
	res := CommitResult{CommitID: uuid.NewString()}
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		f, err := s.getFeed(ctx, tx, feedID, true)
		if err != nil {
			return err
		}
		if f.Status == model.FeedPaused {
			return ErrFeedPaused
		}
		res.OldStatus = f.Status
		now := time.Now().UTC()

		for _, w := range created {
			id, err := s.insertEntry(ctx, tx, feedID, w, now)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.q("INSERT INTO entry_states (user_id, entry_id, status) VALUES (?, ?, ?)"),
				f.UserID, id, string(model.StatusUnread)); err != nil {
				return fmt.Errorf("insert state of entry %d: %w", id, mapErr(err))
			}
			res.EntryIDs = append(res.EntryIDs, id)
		}

		for _, w := range updated {
			n, err := s.updateEntry(ctx, tx, feedID, w, now)
			if err != nil {
				return err
			}
			res.Updated += n
		}

		if err := s.applyDelta(ctx, tx, f, delta, now); err != nil {
			return err
		}
		res.Feed, err = s.getFeed(ctx, tx, feedID, false)
		return err
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit fetch of feed %d: %w", feedID, err)
	}
	return res, nil
}

// RecordFetchFailure applies delta without touching entries.
func (s *SQLStore) RecordFetchFailure(ctx context.Context, feedID int64, delta FeedDelta) (CommitResult, error) {
	return s.CommitFetchResult(ctx, feedID, delta, nil, nil)
}

func (s *SQLStore) insertEntry(ctx context.Context, tx DBTX, feedID int64, w EntryWrite, now time.Time) (int64, error) {
	enclosures, err := encodeEnclosures(w.Article.Enclosures)
	if err != nil {
		return 0, fmt.Errorf("encode enclosures of %s: %w", w.GUID, err)
	}
	var id int64
	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO entries (feed_id, guid, title, url, content, author, published_at, content_hash,
			enclosures, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		feedID, w.GUID, w.Article.Title, w.Article.URL, w.Article.Content, w.Article.Author,
		nullTime(w.Article.PublishedAt), w.Hash, enclosures, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert entry %s: %w", w.GUID, mapErr(err))
	}
	return id, nil
}

func (s *SQLStore) updateEntry(ctx context.Context, tx DBTX, feedID int64, w EntryWrite, now time.Time) (int, error) {
	enclosures, err := encodeEnclosures(w.Article.Enclosures)
	if err != nil {
		return 0, fmt.Errorf("encode enclosures of %s: %w", w.GUID, err)
	}
	r, err := tx.ExecContext(ctx, s.q(`
		UPDATE entries SET title = ?, url = ?, content = ?, author = ?, published_at = ?,
			content_hash = ?, enclosures = ?, updated_at = ?
		WHERE feed_id = ? AND guid = ?`),
		w.Article.Title, w.Article.URL, w.Article.Content, w.Article.Author, nullTime(w.Article.PublishedAt),
		w.Hash, enclosures, now, feedID, w.GUID)
	if err != nil {
		return 0, fmt.Errorf("update entry %s: %w", w.GUID, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) applyDelta(ctx context.Context, tx DBTX, f model.Feed, d FeedDelta, now time.Time) error {
	title := f.Title
	if d.Title != "" && (f.Title == "" || f.Title == f.URL) {
		title = d.Title
	}
	siteURL := f.SiteURL
	if d.SiteURL != "" {
		siteURL = d.SiteURL
	}
	description := f.Description
	if d.Description != "" {
		description = d.Description
	}
	lastSuccess := f.LastSuccessAt
	if d.SucceededAt != nil {
		lastSuccess = d.SucceededAt
	}
	status := d.Status
	if status == "" {
		status = f.Status
	}
	_, err := tx.ExecContext(ctx, s.q(`
		UPDATE feeds SET status = ?, error_count = ?, error_permanent = ?, last_error = ?,
			etag = ?, last_modified = ?, last_fetched_at = ?, last_success_at = ?,
			title = ?, site_url = ?, description = ?, updated_at = ?
		WHERE id = ?`),
		string(status), d.ErrorCount, d.ErrorPermanent, d.LastError,
		d.ETag, d.LastModified, utc(d.FetchedAt), nullTime(lastSuccess),
		title, siteURL, description, now, f.ID)
	if err != nil {
		return fmt.Errorf("apply delta to feed %d: %w", f.ID, err)
	}
	return nil
}

// GetEntry returns an entry of userID with its reading state.
func (s *SQLStore) GetEntry(ctx context.Context, userID string, id int64) (model.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+entryColumns+`
		FROM entries e
		JOIN feeds f ON f.id = e.feed_id
		LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?
		WHERE e.id = ? AND f.user_id = ?`), userID, id, userID))
	if err != nil {
		return model.Entry{}, fmt.Errorf("get entry %d: %w", id, mapErr(err))
	}
	return e, nil
}

// ListEntries returns one page of entries of filter.UserID, newest first.
func (s *SQLStore) ListEntries(ctx context.Context, filter EntryFilter) (model.Page[model.Entry], error) {
	from := `
		FROM entries e
		JOIN feeds f ON f.id = e.feed_id
		LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?`
	where := []string{"f.user_id = ?"}
	args := []any{filter.UserID, filter.UserID}
	if filter.FeedID != nil {
		where = append(where, "e.feed_id = ?")
		args = append(args, *filter.FeedID)
	}
	if filter.CategoryID != nil {
		where = append(where, "f.category_id = ?")
		args = append(args, *filter.CategoryID)
	}
	if filter.Status != "" {
		where = append(where, "COALESCE(st.status, 'unread') = ?")
		args = append(args, string(filter.Status))
	}
	from += " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*)"+from), args...).Scan(&total); err != nil {
		return model.Page[model.Entry]{}, fmt.Errorf("count entries: %w", err)
	}

	query := "SELECT " + entryColumns + from + " ORDER BY COALESCE(e.published_at, e.created_at) DESC, e.id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, s.q(query), append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return model.Page[model.Entry]{}, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	var items []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return model.Page[model.Entry]{}, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.Entry]{}, err
	}
	return model.NewPage(items, total, filter.Limit, filter.Offset), nil
}

// SetEntryStatus moves the reading state of one entry of userID to status.
// Concurrent updates of the same entry are serialized and the last write
// wins; the returned change carries the status it replaced.
func (s *SQLStore) SetEntryStatus(ctx context.Context, userID string, entryID int64, status model.EntryStatus, now time.Time) (StatusChange, error) {
	var change StatusChange
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		var err error
		change, err = s.setStatus(ctx, tx, userID, entryID, status, now)
		return err
	})
	if err != nil {
		return StatusChange{}, fmt.Errorf("set status of entry %d: %w", entryID, err)
	}
	return change, nil
}

// SetEntriesStatus applies status to several entries in one transaction.
// Entries that do not exist or belong to another user are returned as failed.
func (s *SQLStore) SetEntriesStatus(ctx context.Context, userID string, entryIDs []int64, status model.EntryStatus, now time.Time) ([]StatusChange, []int64, error) {
	var (
		changes []StatusChange
		failed  []int64
	)
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		for _, id := range entryIDs {
			change, err := s.setStatus(ctx, tx, userID, id, status, now)
			if errors.Is(err, ErrNotFound) {
				failed = append(failed, id)
				continue
			}
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("set status of %d entries: %w", len(entryIDs), err)
	}
	return changes, failed, nil
}

func (s *SQLStore) setStatus(ctx context.Context, tx DBTX, userID string, entryID int64, status model.EntryStatus, now time.Time) (StatusChange, error) {
	query := `
		SELECT e.feed_id, f.category_id, st.status, st.read_at, st.starred_at
		FROM entries e
		JOIN feeds f ON f.id = e.feed_id
		LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?
		WHERE e.id = ? AND f.user_id = ?`
	if s.dialect == DialectPostgres {
		// Locks the entry row only; other entries stay writable.
		query += " FOR UPDATE OF e"
	}
	var (
		change        StatusChange
		categoryID    sql.NullInt64
		oldStatus     sql.NullString
		read, starred sql.NullTime
	)
	err := tx.QueryRowContext(ctx, s.q(query), userID, entryID, userID).
		Scan(&change.FeedID, &categoryID, &oldStatus, &read, &starred)
	if err != nil {
		return StatusChange{}, fmt.Errorf("entry %d: %w", entryID, mapErr(err))
	}
	change.EntryID = entryID
	change.CategoryID = int64Ptr(categoryID)

	state := model.EntryState{
		UserID:    userID,
		EntryID:   entryID,
		Status:    model.StatusUnread,
		ReadAt:    timePtr(read),
		StarredAt: timePtr(starred),
	}
	if oldStatus.Valid {
		state.Status = model.EntryStatus(oldStatus.String)
	}
	change.Old = state.Status
	change.State = state.Transition(status, now.UTC())
	if !change.Changed() {
		return change, nil
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO entry_states (user_id, entry_id, status, read_at, starred_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, entry_id) DO UPDATE SET
			status = excluded.status, read_at = excluded.read_at, starred_at = excluded.starred_at`),
		userID, entryID, string(change.State.Status), nullTime(change.State.ReadAt), nullTime(change.State.StarredAt))
	if err != nil {
		return StatusChange{}, fmt.Errorf("write state of entry %d: %w", entryID, err)
	}
	return change, nil
}

// PurgeEntries deletes entries created before olderThan that are neither
// unread nor starred for any user.
func (s *SQLStore) PurgeEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	const purgeable = `e.created_at < ? AND NOT EXISTS (
		SELECT 1 FROM entry_states k WHERE k.entry_id = e.id AND k.status IN (?, ?))`
	args := []any{utc(olderThan), string(model.StatusUnread), string(model.StatusStarred)}

	var n int64
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM entry_states WHERE entry_id IN (SELECT e.id FROM entries e WHERE "+purgeable+")"), args...); err != nil {
			return fmt.Errorf("purge entry states: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q("DELETE FROM entries WHERE id IN (SELECT e.id FROM entries e WHERE "+purgeable+")"), args...)
		if err != nil {
			return fmt.Errorf("purge entries: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
