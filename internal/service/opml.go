package service

import (
	"context"
	"fmt"
	"io"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/opml"
)

// ImportResult reports an OPML import.
type ImportResult struct {
	Total    int           `json:"total"`
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Failed   []ImportError `json:"failed"`
}

// ImportError is one outline that could not be imported.
type ImportError struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// ImportOPML subscribes userID to every feed of an OPML document. Categories
// are created as needed; feeds already subscribed are skipped.
func (s *Service) ImportOPML(ctx context.Context, userID string, r io.Reader) (ImportResult, error) {
	entries, err := opml.Parse(r)
	if err != nil {
		return ImportResult{}, apperr.Validation("invalid OPML document: %v", err)
	}
	res := ImportResult{Total: len(entries), Failed: []ImportError{}}
	categories := make(map[string]int64)
	for _, e := range entries {
		in := NewFeed{URL: e.URL, Title: e.Title, Type: e.Type}
		if e.Category != "" {
			id, ok := categories[e.Category]
			if !ok {
				c, _, err := s.store.GetOrCreateCategory(ctx, userID, e.Category)
				if err != nil {
					return res, fmt.Errorf("import category %q: %w", e.Category, err)
				}
				id = c.ID
				categories[e.Category] = id
			}
			in.CategoryID = &id
		}
		_, err := s.CreateFeed(ctx, userID, in)
		switch {
		case err == nil:
			res.Imported++
		case apperr.Is(err, apperr.CodeConflict):
			res.Skipped++
		case apperr.Is(err, apperr.CodeValidation):
			res.Failed = append(res.Failed, ImportError{URL: e.URL, Message: apperr.From(err).Message})
		default:
			return res, err
		}
	}
	s.log.Info(ctx, "opml imported", "user_id", userID, "total", res.Total, "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

// ExportOPML writes the subscriptions of userID as an OPML document.
// Uncategorized feeds come first, then categories in display order.
func (s *Service) ExportOPML(ctx context.Context, userID string) ([]byte, error) {
	cats, err := s.store.ListCategories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	feeds, err := s.store.ListFeeds(ctx, database.FeedFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}

	groups := make([]opml.Group, 1, len(cats)+1)
	index := make(map[int64]int, len(cats))
	for _, c := range cats {
		index[c.ID] = len(groups)
		groups = append(groups, opml.Group{Category: c.Title})
	}
	for _, f := range feeds {
		g := 0
		if f.CategoryID != nil {
			if i, ok := index[*f.CategoryID]; ok {
				g = i
			}
		}
		groups[g].Feeds = append(groups[g].Feeds, opml.FeedEntry{
			Title:   f.Title,
			URL:     f.URL,
			SiteURL: f.SiteURL,
			Type:    f.Type,
		})
	}
	return opml.Export("Prism Feeder subscriptions", groups, s.now())
}
