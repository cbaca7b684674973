package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

// Page is what an Extractor found on a scraped page. Article GUIDs are
// assigned by the adapter.
type Page struct {
	Title    string
	Articles []model.RawArticle
}

// Extractor turns an HTML page into articles using a feed's scraping config.
type Extractor interface {
	Extract(ctx context.Context, pageURL string, body io.Reader, cfg model.ScrapingConfig) (Page, error)
}

const (
	defaultArticleSelector = "article"
	defaultTitleSelector   = "h1, h2, h3"
	defaultLinkSelector    = "a[href]"
)

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// SelectorExtractor extracts articles with CSS selectors.
type SelectorExtractor struct{}

// Extract implements Extractor.
func (SelectorExtractor) Extract(ctx context.Context, pageURL string, body io.Reader, cfg model.ScrapingConfig) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse page url: %w", err)
	}

	articleSel := orDefault(cfg.Selector, defaultArticleSelector)
	titleSel := orDefault(cfg.TitleSelector, defaultTitleSelector)
	linkSel := orDefault(cfg.LinkSelector, defaultLinkSelector)

	page := Page{Title: collapse(doc.Find("title").First().Text())}
	doc.Find(articleSel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if ctx.Err() != nil {
			return false
		}
		a := model.RawArticle{
			Title: collapse(s.Find(titleSel).First().Text()),
		}
		if href, ok := s.Find(linkSel).First().Attr("href"); ok {
			a.URL = resolve(base, href)
		}
		if cfg.AuthorSelector != "" {
			a.Author = collapse(s.Find(cfg.AuthorSelector).First().Text())
		}
		if cfg.DateSelector != "" {
			a.PublishedAt = parseDate(s.Find(cfg.DateSelector).First())
		}
		a.Content = articleContent(s, cfg.DateSelector)
		page.Articles = append(page.Articles, a)
		return true
	})
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	return page, nil
}

// articleContent renders the article without its timestamps, so relative
// dates like "5 minutes ago" do not change the content between fetches.
func articleContent(s *goquery.Selection, dateSel string) string {
	c := s.Clone()
	c.Find("time").Remove()
	if dateSel != "" {
		c.Find(dateSel).Remove()
	}
	html, err := c.Html()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(html)
}

func parseDate(s *goquery.Selection) *time.Time {
	raw, ok := s.Attr("datetime")
	if !ok {
		raw = s.Text()
	}
	raw = collapse(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// collapse trims s and folds internal whitespace runs into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// PlainText strips markup from an HTML fragment.
func PlainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	return collapse(doc.Text())
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
