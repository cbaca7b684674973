package model

import "time"

// Backoff controls how failing feeds are rescheduled.
type Backoff struct {
	// Threshold is the number of consecutive retriable failures after which a
	// feed is put into the error status.
	Threshold int
	// Max caps the effective polling interval of a failing feed.
	Max time.Duration
}

// DefaultBackoff is used when no policy is configured.
var DefaultBackoff = Backoff{Threshold: 3, Max: 24 * time.Hour}

// BaseInterval is the configured polling interval of the feed.
func (f Feed) BaseInterval() time.Duration {
	if f.FetchInterval <= 0 {
		return time.Minute
	}
	return time.Duration(f.FetchInterval) * time.Minute
}

// Interval returns the effective polling interval of f: the base interval
// for healthy feeds, doubled per consecutive failure and capped at Max for
// failing feeds, and Max for feeds with a permanent error.
func (b Backoff) Interval(f Feed) time.Duration {
	base := f.BaseInterval()
	limit := b.Max
	if limit < base {
		limit = base
	}
	if f.ErrorPermanent {
		return limit
	}
	if f.ErrorCount <= 0 {
		return base
	}
	d := base
	for i := 0; i < f.ErrorCount && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// NextFetchAt returns when f is next due. The zero time means immediately.
func (b Backoff) NextFetchAt(f Feed) time.Time {
	if f.LastFetchedAt == nil {
		return time.Time{}
	}
	return f.LastFetchedAt.Add(b.Interval(f))
}

// IsDue reports whether f should be fetched at now. Due-ness only depends on
// the last fetch attempt, so once a feed is due it stays due until it is
// fetched.
func (b Backoff) IsDue(f Feed, now time.Time) bool {
	if f.Status == FeedPaused {
		return false
	}
	if f.LastFetchedAt == nil {
		return true
	}
	return !now.Before(b.NextFetchAt(f))
}
