// Package opml handles importing and exporting OPML files.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (category or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is a flattened feed with the category it belongs to.
type FeedEntry struct {
	Category string // empty when uncategorized
	Title    string
	URL      string
	SiteURL  string
	Type     model.FeedType
}

// Group is one category of an export. The empty category holds
// uncategorized feeds, which are written at the top level.
type Group struct {
	Category string
	Feeds    []FeedEntry
}

// Parse reads an OPML document and returns a flat list of FeedEntry.
// Categories are taken from the enclosing outline; nested outlines are
// flattened into their path joined with "/".
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			switch {
			case o.XMLURL != "":
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, FeedEntry{
					Category: strings.Join(path, "/"),
					Title:    strings.TrimSpace(title),
					URL:      strings.TrimSpace(o.XMLURL),
					SiteURL:  o.HTMLURL,
					Type:     typeOf(o.Type),
				})
			case len(o.Outlines) > 0:
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, append(path[:len(path):len(path)], strings.TrimSpace(name)))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return entries, nil
}

// typeOf maps an outline type attribute to a feed type. Readers write
// "rss" for every syndication feed, so anything unknown is read as rss.
func typeOf(attr string) model.FeedType {
	switch t := model.FeedType(strings.ToLower(attr)); t {
	case model.FeedTypeAtom, model.FeedTypeScraped:
		return t
	}
	return model.FeedTypeRSS
}

// Export generates an OPML document. Groups are written in the given order.
func Export(title string, groups []Group, now time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.Format(time.RFC1123Z),
		},
	}

	for _, g := range groups {
		outlines := make([]Outline, 0, len(g.Feeds))
		for _, e := range g.Feeds {
			t := e.Type
			if t == "" {
				t = model.FeedTypeRSS
			}
			outlines = append(outlines, Outline{
				Text:    e.Title,
				Title:   e.Title,
				Type:    string(t),
				XMLURL:  e.URL,
				HTMLURL: e.SiteURL,
			})
		}
		if g.Category == "" {
			doc.Body.Outlines = append(doc.Body.Outlines, outlines...)
			continue
		}
		if len(outlines) == 0 {
			continue
		}
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:     g.Category,
			Title:    g.Category,
			Outlines: outlines,
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode opml: %w", err)
	}
	return append([]byte(xml.Header), output...), nil
}
