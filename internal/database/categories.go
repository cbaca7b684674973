package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

const categoryColumns = "id, user_id, title, color, sort_order, created_at"

func scanCategory(row rowScanner) (model.Category, error) {
	var c model.Category
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Color, &c.SortOrder, &c.CreatedAt); err != nil {
		return model.Category{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// CreateCategory creates a category. Titles are unique per user.
func (s *SQLStore) CreateCategory(ctx context.Context, c model.Category) (model.Category, error) {
	return s.createCategory(ctx, s.db, c)
}

func (s *SQLStore) createCategory(ctx context.Context, db DBTX, c model.Category) (model.Category, error) {
	now := time.Now().UTC()
	err := db.QueryRowContext(ctx, s.q(`
		INSERT INTO categories (user_id, title, color, sort_order, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		c.UserID, c.Title, c.Color, c.SortOrder, now).Scan(&c.ID)
	if err != nil {
		return model.Category{}, fmt.Errorf("create category %q: %w", c.Title, mapErr(err))
	}
	c.CreatedAt = now
	return c, nil
}

// GetCategory returns a category by ID.
func (s *SQLStore) GetCategory(ctx context.Context, id int64) (model.Category, error) {
	c, err := scanCategory(s.db.QueryRowContext(ctx, s.q("SELECT "+categoryColumns+" FROM categories WHERE id = ?"), id))
	if err != nil {
		return model.Category{}, fmt.Errorf("get category %d: %w", id, mapErr(err))
	}
	return c, nil
}

// GetOrCreateCategory finds a category of userID by title, or creates it.
// The boolean reports whether it was created.
func (s *SQLStore) GetOrCreateCategory(ctx context.Context, userID, title string) (model.Category, bool, error) {
	var (
		c       model.Category
		created bool
	)
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		var err error
		c, err = scanCategory(tx.QueryRowContext(ctx, s.q("SELECT "+categoryColumns+" FROM categories WHERE user_id = ? AND title = ?"), userID, title))
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		var next int
		if err := tx.QueryRowContext(ctx, s.q("SELECT COALESCE(MAX(sort_order), -1) + 1 FROM categories WHERE user_id = ?"), userID).Scan(&next); err != nil {
			return err
		}
		c, err = s.createCategory(ctx, tx, model.Category{UserID: userID, Title: title, SortOrder: next})
		created = err == nil
		return err
	})
	if err != nil {
		return model.Category{}, false, fmt.Errorf("get or create category %q: %w", title, mapErr(err))
	}
	return c, created, nil
}

// ListCategories returns the categories of userID in display order.
func (s *SQLStore) ListCategories(ctx context.Context, userID string) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+categoryColumns+" FROM categories WHERE user_id = ? ORDER BY sort_order, title"), userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	categories := []model.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// UpdateCategory renames, recolors or reorders a category.
func (s *SQLStore) UpdateCategory(ctx context.Context, id int64, patch CategoryPatch) (model.Category, error) {
	var (
		sets []string
		args []any
	)
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Color != nil {
		sets = append(sets, "color = ?")
		args = append(args, *patch.Color)
	}
	if patch.SortOrder != nil {
		sets = append(sets, "sort_order = ?")
		args = append(args, *patch.SortOrder)
	}
	if len(sets) == 0 {
		return s.GetCategory(ctx, id)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, s.q("UPDATE categories SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return model.Category{}, fmt.Errorf("update category %d: %w", id, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Category{}, fmt.Errorf("update category %d: %w", id, ErrNotFound)
	}
	return s.GetCategory(ctx, id)
}

// DeleteCategory removes a category. Its feeds become uncategorized.
func (s *SQLStore) DeleteCategory(ctx context.Context, id int64) error {
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, s.q("UPDATE feeds SET category_id = NULL, updated_at = ? WHERE category_id = ?"), time.Now().UTC(), id); err != nil {
			return fmt.Errorf("uncategorize feeds of category %d: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, s.q("DELETE FROM categories WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("delete category %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete category %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// CategoryCounts returns every category of userID with its feed count and
// unread count, both computed at query time.
func (s *SQLStore) CategoryCounts(ctx context.Context, userID string) ([]model.CategoryCounts, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT c.id, c.user_id, c.title, c.color, c.sort_order, c.created_at,
			(SELECT COUNT(*) FROM feeds f WHERE f.category_id = c.id),
			(SELECT COUNT(*) FROM entry_states st
				JOIN entries e ON e.id = st.entry_id
				JOIN feeds f ON f.id = e.feed_id
				WHERE f.category_id = c.id AND st.user_id = c.user_id AND st.status = ?)
		FROM categories c
		WHERE c.user_id = ?
		ORDER BY c.sort_order, c.title`), string(model.StatusUnread), userID)
	if err != nil {
		return nil, fmt.Errorf("category counts: %w", err)
	}
	defer rows.Close()
	counts := []model.CategoryCounts{}
	for rows.Next() {
		var cc model.CategoryCounts
		if err := rows.Scan(&cc.ID, &cc.UserID, &cc.Title, &cc.Color, &cc.SortOrder, &cc.CreatedAt, &cc.FeedCount, &cc.UnreadCount); err != nil {
			return nil, err
		}
		cc.CreatedAt = cc.CreatedAt.UTC()
		counts = append(counts, cc)
	}
	return counts, rows.Err()
}
