package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/prismfeeder/internal/logging"
	"github.com/bryan-buckman/prismfeeder/internal/model"
)

const (
	DefaultBufferSize   = 256
	DefaultRetention    = 24 * time.Hour
	DefaultMaxEvents    = 100_000
	DefaultJanitorEvery = time.Minute
)

// Close reasons reported by Hub.Reason.
const (
	ReasonLagged       = "lagged"
	ReasonUnsubscribed = "unsubscribed"
	ReasonShutdown     = "shutdown"
)

// ErrUnknownSubscription is returned for operations on a subscription that
// is not registered.
var ErrUnknownSubscription = errors.New("notify: unknown subscription")

// Counter recomputes unread counts after events that can change them.
type Counter interface {
	UnreadCount(ctx context.Context, userID string, feedID int64) (int, error)
	CategoryUnreadCount(ctx context.Context, userID string, categoryID int64) (int, error)
}

// Config tunes a Hub. Zero values select the defaults.
type Config struct {
	BufferSize   int
	Retention    time.Duration
	MaxEvents    int
	JanitorEvery time.Duration
	// AckEviction lets Prune drop events every subscriber has acknowledged.
	AckEviction bool
}

// MessageType distinguishes events from control messages.
type MessageType string

const (
	MessageEvent  MessageType = "event"
	MessageResync MessageType = "resync_required"
)

// Message is one item delivered to a subscriber.
type Message struct {
	Type  MessageType  `json:"type"`
	Event *model.Event `json:"event,omitempty"`
	// Head is the current head sequence, set on resync messages.
	Head uint64 `json:"head,omitempty"`
}

// Cursor tells Subscribe where a reconnecting client left off.
type Cursor struct {
	Seq    uint64
	Resume bool
}

// Subscription is a registered event stream.
type Subscription struct {
	ID     string
	UserID string
	Scope  model.Scope

	ch     chan Message
	done   chan struct{}
	reason string
	acked  uint64
	closed bool
}

// C delivers messages in sequence order. It is closed when the
// subscription ends; Reason then tells why.
func (s *Subscription) C() <-chan Message { return s.ch }

// Hub sequences events and fans them out to subscribers.
type Hub struct {
	log    EventLog
	counts Counter
	logger logging.Logger
	cfg    Config
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewHub creates a hub over log. counts may be nil, which disables derived
// unread-count events.
func NewHub(log EventLog, counts Counter, logger logging.Logger, cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.JanitorEvery <= 0 {
		cfg.JanitorEvery = DefaultJanitorEvery
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		log:    log,
		counts: counts,
		logger: logger.With("module", "notify"),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[string]*Subscription),
	}
}

// Publish appends events as one batch, followed by the unread-count events
// they imply, and delivers them in sequence order.
func (h *Hub) Publish(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// Counts are read under the lock so a later sequence never carries an
	// older count.
	batch := append(append([]model.Event(nil), events...), h.derive(ctx, events)...)
	stored, err := h.log.Append(ctx, batch)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	for i := range stored {
		h.deliverLocked(stored[i])
	}
	return nil
}

type countKey struct {
	userID string
	id     int64
}

// derive recomputes the unread counts touched by events.
func (h *Hub) derive(ctx context.Context, events []model.Event) []model.Event {
	if h.counts == nil {
		return nil
	}
	var (
		feeds      []countKey
		categories []countKey
		feedCat    = make(map[countKey]*int64)
		catSeen    = make(map[countKey]bool)
	)
	for _, e := range events {
		if !e.AffectsUnread() {
			continue
		}
		if k := (countKey{e.UserID, e.FeedID}); e.FeedID != 0 {
			if _, seen := feedCat[k]; !seen {
				feeds = append(feeds, k)
				feedCat[k] = e.CategoryID
			}
		}
		if e.CategoryID != nil {
			if k := (countKey{e.UserID, *e.CategoryID}); !catSeen[k] {
				catSeen[k] = true
				categories = append(categories, k)
			}
		}
	}

	var out []model.Event
	for _, k := range feeds {
		n, err := h.counts.UnreadCount(ctx, k.userID, k.id)
		if err != nil {
			h.logger.Warn(ctx, "recompute feed unread count", "feed_id", k.id, "error", err)
			continue
		}
		feedID := k.id
		out = append(out, model.NewEvent(model.EventUnreadCountChanged, k.userID, k.id, feedCat[k],
			model.UnreadCountChanged{FeedID: &feedID, TotalUnread: n}))
	}
	for _, k := range categories {
		n, err := h.counts.CategoryUnreadCount(ctx, k.userID, k.id)
		if err != nil {
			h.logger.Warn(ctx, "recompute category unread count", "category_id", k.id, "error", err)
			continue
		}
		categoryID := k.id
		out = append(out, model.NewEvent(model.EventUnreadCountChanged, k.userID, 0, &categoryID,
			model.UnreadCountChanged{CategoryID: &categoryID, TotalUnread: n}))
	}
	return out
}

func (h *Hub) deliverLocked(e model.Event) {
	for _, sub := range h.subs {
		if !sub.Scope.Matches(sub.UserID, e) {
			continue
		}
		ev := e
		select {
		case sub.ch <- Message{Type: MessageEvent, Event: &ev}:
		default:
			h.closeLocked(sub, ReasonLagged)
			h.logger.Info(context.Background(), "subscriber lagged", "subscription_id", sub.ID, "user_id", sub.UserID)
		}
	}
}

// Subscribe registers a subscriber for the events of userID within scope.
// With cursor.Resume, retained events after cursor.Seq are replayed first;
// when they are no longer all retained, the first message is a resync
// signal instead. The subscription ends when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, userID string, scope model.Scope, cursor Cursor) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var backlog []Message
	if cursor.Resume {
		oldest, head, err := h.log.Bounds(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		if cursor.Seq+1 < oldest || cursor.Seq > head {
			backlog = append(backlog, Message{Type: MessageResync, Head: head})
		} else {
			next := cursor.Seq + 1
			gap := false
			err := h.log.Range(ctx, cursor.Seq, func(e model.Event) bool {
				if e.Seq != next {
					gap = true
					return false
				}
				next++
				if scope.Matches(userID, e) {
					ev := e
					backlog = append(backlog, Message{Type: MessageEvent, Event: &ev})
				}
				return true
			})
			if err != nil {
				return nil, fmt.Errorf("subscribe: replay: %w", err)
			}
			if gap || next <= head {
				backlog = []Message{{Type: MessageResync, Head: head}}
			}
		}
	}

	sub := &Subscription{
		ID:     uuid.NewString(),
		UserID: userID,
		Scope:  scope,
		ch:     make(chan Message, len(backlog)+h.cfg.BufferSize),
		done:   make(chan struct{}),
		acked:  cursor.Seq,
	}
	for _, m := range backlog {
		sub.ch <- m
	}
	h.subs[sub.ID] = sub

	go func() {
		select {
		case <-ctx.Done():
			_ = h.Unsubscribe(sub.ID)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Ack records that the subscriber has processed events up to seq.
func (h *Hub) Ack(subID string, seq uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[subID]
	if !ok {
		return ErrUnknownSubscription
	}
	if seq > sub.acked {
		sub.acked = seq
	}
	return nil
}

// Unsubscribe ends a subscription.
func (h *Hub) Unsubscribe(subID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[subID]
	if !ok {
		return ErrUnknownSubscription
	}
	h.closeLocked(sub, ReasonUnsubscribed)
	return nil
}

// Reason returns why the subscription ended, or "" while it is open.
func (h *Hub) Reason(sub *Subscription) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sub.reason
}

func (h *Hub) closeLocked(sub *Subscription, reason string) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.reason = reason
	close(sub.ch)
	close(sub.done)
	delete(h.subs, sub.ID)
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Head returns the sequence number of the newest event.
func (h *Hub) Head(ctx context.Context) (uint64, error) {
	_, head, err := h.log.Bounds(ctx)
	return head, err
}

// Prune drops events older than the retention window or beyond MaxEvents,
// and with AckEviction those every open subscriber has acknowledged.
func (h *Hub) Prune(ctx context.Context) (int, error) {
	rule := PruneRule{
		Before:   h.now().Add(-h.cfg.Retention),
		KeepLast: h.cfg.MaxEvents,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.AckEviction {
		if len(h.subs) > 0 {
			var low uint64
			first := true
			for _, sub := range h.subs {
				if first || sub.acked < low {
					low = sub.acked
					first = false
				}
			}
			rule.UpTo = low
		}
	}
	return h.log.Prune(ctx, rule)
}

// RunJanitor prunes the log periodically until ctx is done.
func (h *Hub) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.JanitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := h.Prune(ctx)
			if err != nil {
				h.logger.Error(ctx, "prune event log", "error", err)
				continue
			}
			if n > 0 {
				h.logger.Debug(ctx, "pruned event log", "removed", n)
			}
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		h.closeLocked(sub, ReasonShutdown)
	}
}
