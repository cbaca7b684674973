// Package source fetches feeds over HTTP and normalizes them into
// source-agnostic articles.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/prismfeeder/internal/merge"
	"github.com/bryan-buckman/prismfeeder/internal/model"
)

const (
	// DefaultTimeout bounds one fetch when the caller sets no deadline.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps the size of a response body.
	DefaultMaxBodyBytes = 10 << 20
	// DefaultUserAgent is sent when none is configured.
	DefaultUserAgent = "PrismFeeder/1.0 (+https://github.com/bryan-buckman/prismfeeder)"
)

// Kind is the outcome class of a fetch.
type Kind int

const (
	Success Kind = iota
	NotModified
	Failed
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case NotModified:
		return "not_modified"
	default:
		return "failure"
	}
}

// FailureKind names why a fetch failed.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureNetwork     FailureKind = "network_error"
	FailureHTTPStatus  FailureKind = "http_status"
	FailureParse       FailureKind = "parse_error"
	FailureTooLarge    FailureKind = "body_too_large"
	FailureUnsupported FailureKind = "unsupported_type"
	FailureInvalidURL  FailureKind = "invalid_url"
)

// Failure describes a failed fetch. It never wraps transport errors so
// nothing below the adapter leaks to callers.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Retriable  bool
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s %d: %s", f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Descriptor identifies what to fetch.
type Descriptor struct {
	FeedID   int64
	URL      string
	Type     model.FeedType
	Scraping *model.ScrapingConfig
}

// DescriptorFor builds the descriptor of a stored feed.
func DescriptorFor(f model.Feed) Descriptor {
	return Descriptor{FeedID: f.ID, URL: f.URL, Type: f.Type, Scraping: f.ScrapingConfig}
}

// Conditional carries the validators of the previous successful fetch.
type Conditional struct {
	ETag         string
	LastModified string
}

// Result is the outcome of one fetch.
type Result struct {
	Kind     Kind
	Articles []model.RawArticle
	// Skipped counts items dropped because they had no usable identity.
	Skipped      int
	ETag         string
	LastModified string
	Title        string
	SiteURL      string
	Description  string
	Failure      *Failure
}

// Fetcher is the contract consumed by the scheduler.
type Fetcher interface {
	Fetch(ctx context.Context, d Descriptor, cond Conditional) Result
}

// Options configures an Adapter. Zero values select the defaults.
type Options struct {
	UserAgent    string
	MaxBodyBytes int64
	Client       *http.Client
	Extractor    Extractor
}

// Adapter fetches rss, atom and scraped feeds.
type Adapter struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	extractor Extractor
}

var _ Fetcher = (*Adapter)(nil)

// New creates an Adapter.
func New(opts Options) *Adapter {
	a := &Adapter{
		client:    opts.Client,
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBodyBytes,
		extractor: opts.Extractor,
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: DefaultTimeout}
	}
	if a.userAgent == "" {
		a.userAgent = DefaultUserAgent
	}
	if a.maxBody <= 0 {
		a.maxBody = DefaultMaxBodyBytes
	}
	if a.extractor == nil {
		a.extractor = SelectorExtractor{}
	}
	return a
}

// Fetch retrieves and normalizes one feed. It never panics and never
// returns raw transport errors; failures are classified in Result.Failure.
func (a *Adapter) Fetch(ctx context.Context, d Descriptor, cond Conditional) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = failed(FailureParse, 0, fmt.Sprintf("panic while processing feed: %v", p), false)
		}
	}()

	if !d.Type.Valid() {
		return failed(FailureUnsupported, 0, fmt.Sprintf("feed type %q", d.Type), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return failed(FailureInvalidURL, 0, err.Error(), false)
	}
	ua := a.userAgent
	if d.Scraping != nil && d.Scraping.UserAgent != "" {
		ua = d.Scraping.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return transportFailure(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return Result{
			Kind:         NotModified,
			ETag:         firstNonEmpty(resp.Header.Get("ETag"), cond.ETag),
			LastModified: firstNonEmpty(resp.Header.Get("Last-Modified"), cond.LastModified),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusFailure(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody+1))
	if err != nil {
		return transportFailure(ctx, err)
	}
	if int64(len(body)) > a.maxBody {
		return failed(FailureTooLarge, 0, fmt.Sprintf("response exceeds %d bytes", a.maxBody), false)
	}

	var out Result
	if d.Type == model.FeedTypeScraped {
		out = a.scrape(ctx, d, body)
	} else {
		out = parseFeed(body)
	}
	if out.Kind == Success {
		out.ETag = resp.Header.Get("ETag")
		out.LastModified = resp.Header.Get("Last-Modified")
	}
	return out
}

func parseFeed(body []byte) Result {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return failed(FailureParse, 0, err.Error(), false)
	}
	res := Result{
		Kind:        Success,
		Title:       strings.TrimSpace(parsed.Title),
		SiteURL:     parsed.Link,
		Description: PlainText(parsed.Description),
		Articles:    make([]model.RawArticle, 0, len(parsed.Items)),
	}
	for _, item := range parsed.Items {
		if item == nil {
			res.Skipped++
			continue
		}
		guid := strings.TrimSpace(item.GUID)
		if guid == "" {
			guid = strings.TrimSpace(item.Link)
		}
		if guid == "" {
			res.Skipped++
			continue
		}
		res.Articles = append(res.Articles, articleFromItem(guid, item))
	}
	return res
}

func articleFromItem(guid string, item *gofeed.Item) model.RawArticle {
	a := model.RawArticle{
		GUID:    guid,
		Title:   strings.TrimSpace(item.Title),
		URL:     strings.TrimSpace(item.Link),
		Content: item.Content,
	}
	if a.Content == "" {
		a.Content = item.Description
	}
	switch {
	case item.Author != nil && item.Author.Name != "":
		a.Author = item.Author.Name
	case len(item.Authors) > 0 && item.Authors[0] != nil:
		a.Author = item.Authors[0].Name
	}
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		a.PublishedAt = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		a.PublishedAt = &t
	}
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		length, _ := strconv.ParseInt(enc.Length, 10, 64)
		a.Enclosures = append(a.Enclosures, model.Enclosure{URL: enc.URL, Type: enc.Type, Length: length})
	}
	return a
}

func (a *Adapter) scrape(ctx context.Context, d Descriptor, body []byte) Result {
	cfg := model.ScrapingConfig{}
	if d.Scraping != nil {
		cfg = *d.Scraping
	}
	page, err := a.extractor.Extract(ctx, d.URL, bytes.NewReader(body), cfg)
	if err != nil {
		return failed(FailureParse, 0, err.Error(), false)
	}
	res := Result{
		Kind:     Success,
		Title:    page.Title,
		SiteURL:  d.URL,
		Articles: make([]model.RawArticle, 0, len(page.Articles)),
	}
	for _, art := range page.Articles {
		if art.Title == "" && art.URL == "" {
			res.Skipped++
			continue
		}
		art.GUID = merge.ScrapedGUID(art.Title, art.URL)
		res.Articles = append(res.Articles, art)
	}
	return res
}

func failed(kind FailureKind, status int, msg string, retriable bool) Result {
	return Result{
		Kind:    Failed,
		Failure: &Failure{Kind: kind, StatusCode: status, Message: msg, Retriable: retriable},
	}
}

// statusFailure classifies a non-2xx response. Server errors and 429 are
// worth retrying; other client errors are not.
func statusFailure(code int) Result {
	retriable := code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	return failed(FailureHTTPStatus, code, http.StatusText(code), retriable)
}

func transportFailure(ctx context.Context, err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failed(FailureTimeout, 0, "request timed out", true)
	}
	if errors.Is(err, context.Canceled) {
		return failed(FailureNetwork, 0, "request canceled", true)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failed(FailureTimeout, 0, "request timed out", true)
	}
	return failed(FailureNetwork, 0, err.Error(), true)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
