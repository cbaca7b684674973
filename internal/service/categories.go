package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/model"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// CategoryInput creates or edits a category. Nil fields are unchanged on
// edit.
type CategoryInput struct {
	Title     *string `json:"title"`
	Color     *string `json:"color"`
	SortOrder *int    `json:"sort_order"`
}

func (in CategoryInput) validate() (CategoryInput, error) {
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" || len(title) > maxTitleLength {
			return in, apperr.Validation("title must be 1 to %d characters", maxTitleLength).WithDetail("field", "title")
		}
		in.Title = &title
	}
	if in.Color != nil && *in.Color != "" && !colorPattern.MatchString(*in.Color) {
		return in, apperr.Validation("color must look like #rrggbb").WithDetail("field", "color")
	}
	if in.SortOrder != nil && *in.SortOrder < 0 {
		return in, apperr.Validation("sort_order must not be negative").WithDetail("field", "sort_order")
	}
	return in, nil
}

// ListCategories returns the categories of userID with their feed and
// unread counts.
func (s *Service) ListCategories(ctx context.Context, userID string) ([]model.CategoryCounts, error) {
	cats, err := s.store.CategoryCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	if cats == nil {
		cats = []model.CategoryCounts{}
	}
	return cats, nil
}

// CreateCategory adds a category. Without a sort order it is placed last.
func (s *Service) CreateCategory(ctx context.Context, userID string, in CategoryInput) (model.Category, error) {
	if in.Title == nil {
		return model.Category{}, apperr.Validation("title is required").WithDetail("field", "title")
	}
	in, err := in.validate()
	if err != nil {
		return model.Category{}, err
	}
	c := model.Category{UserID: userID, Title: *in.Title}
	if in.Color != nil {
		c.Color = *in.Color
	}
	if in.SortOrder != nil {
		c.SortOrder = *in.SortOrder
	} else {
		existing, err := s.store.ListCategories(ctx, userID)
		if err != nil {
			return model.Category{}, fmt.Errorf("list categories: %w", err)
		}
		for _, e := range existing {
			if e.SortOrder >= c.SortOrder {
				c.SortOrder = e.SortOrder + 1
			}
		}
	}
	created, err := s.store.CreateCategory(ctx, c)
	if errors.Is(err, database.ErrConflict) {
		return model.Category{}, apperr.Conflict("category %q already exists", c.Title).WithDetail("title", c.Title)
	}
	if err != nil {
		return model.Category{}, fmt.Errorf("create category: %w", err)
	}
	return created, nil
}

// UpdateCategory renames, recolors or reorders a category of userID.
func (s *Service) UpdateCategory(ctx context.Context, userID string, id int64, in CategoryInput) (model.Category, error) {
	if _, err := s.ownedCategory(ctx, userID, id); err != nil {
		return model.Category{}, err
	}
	in, err := in.validate()
	if err != nil {
		return model.Category{}, err
	}
	updated, err := s.store.UpdateCategory(ctx, id, database.CategoryPatch{Title: in.Title, Color: in.Color, SortOrder: in.SortOrder})
	switch {
	case errors.Is(err, database.ErrConflict):
		return model.Category{}, apperr.Conflict("category %q already exists", *in.Title).WithDetail("title", *in.Title)
	case errors.Is(err, database.ErrNotFound):
		return model.Category{}, apperr.CategoryNotFound(id)
	case err != nil:
		return model.Category{}, fmt.Errorf("update category: %w", err)
	}
	return updated, nil
}

// DeleteCategory removes a category of userID. Its feeds are kept and
// become uncategorized.
func (s *Service) DeleteCategory(ctx context.Context, userID string, id int64) error {
	if _, err := s.ownedCategory(ctx, userID, id); err != nil {
		return err
	}
	err := s.store.DeleteCategory(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.CategoryNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return nil
}
