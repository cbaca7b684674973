package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/logging"
	"github.com/bryan-buckman/prismfeeder/internal/model"
	"github.com/bryan-buckman/prismfeeder/internal/notify"
	"github.com/bryan-buckman/prismfeeder/internal/service"
)

const testSecret = "test-secret"

type testEnv struct {
	store *database.SQLStore
	hub   *notify.Hub
	srv   *Server
	http  *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := database.NewSQLite(ctx, "file:"+uuid.NewString()+"?mode=memory&cache=shared", model.DefaultBackoff)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := notify.NewHub(notify.NewMemoryLog(), store, logging.Nop(), notify.Config{})
	t.Cleanup(hub.Close)

	cfg := Config{JWTSecret: testSecret, RateLimit: -1, PingInterval: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(service.New(store, nil, hub, logging.Nop()), hub, logging.Nop(), cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{store: store, hub: hub, srv: srv, http: ts}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.srv.Authenticator().GenerateToken(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a JSON request as userID and decodes the response into out when
// out is non-nil.
func (e *testEnv) do(t *testing.T, userID, method, path string, body any, out any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type envelope[T any] struct {
	Success    bool        `json:"success"`
	Data       T           `json:"data"`
	Pagination *pagination `json:"pagination"`
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details"`
		RequestID string         `json:"request_id"`
	} `json:"error"`
}

func (e *testEnv) createFeed(t *testing.T, userID, url string) model.Feed {
	t.Helper()
	var out envelope[model.Feed]
	resp := e.do(t, userID, http.MethodPost, "/api/v1/feeds", map[string]any{"url": url}, &out)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return out.Data
}

func (e *testEnv) seedEntries(t *testing.T, feedID int64, n int) []int64 {
	t.Helper()
	now := time.Now().UTC()
	writes := make([]database.EntryWrite, n)
	for i := range writes {
		guid := fmt.Sprintf("guid-%d", i)
		writes[i] = database.EntryWrite{
			GUID:    guid,
			Article: model.RawArticle{GUID: guid, Title: "Entry " + guid, URL: "https://example.com/" + guid},
			Hash:    guid,
		}
	}
	res, err := e.store.CommitFetchResult(context.Background(), feedID,
		database.FeedDelta{Status: model.FeedActive, FetchedAt: now, SucceededAt: &now}, writes, nil)
	require.NoError(t, err)
	return res.EntryIDs
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(nil, nil, logging.Nop(), Config{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, "", http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("missing token", func(t *testing.T) {
		var out errorBody
		resp := env.do(t, "", http.MethodGet, "/api/v1/feeds", nil, &out)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.False(t, out.Success)
		assert.Equal(t, "UNAUTHORIZED", out.Error.Code)
		assert.Equal(t, resp.Header.Get("X-Request-Id"), out.Error.RequestID)
	})

	t.Run("foreign signature", func(t *testing.T) {
		tok, err := NewAuthenticator([]byte("other"), "").GenerateToken("u1", time.Hour)
		require.NoError(t, err)
		req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/v1/feeds", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("query parameter", func(t *testing.T) {
		resp, err := http.Get(env.http.URL + "/api/v1/feeds?access_token=" + env.token(t, "u1"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAuthenticator(t *testing.T) {
	a := NewAuthenticator([]byte("secret"), "prism")

	tok, err := a.GenerateToken("user-7", time.Minute)
	require.NoError(t, err)
	id, err := a.UserID(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-7", id)

	expired, err := a.GenerateToken("user-7", -time.Minute)
	require.NoError(t, err)
	_, err = a.UserID(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherIssuer, err := NewAuthenticator([]byte("secret"), "elsewhere").GenerateToken("user-7", time.Minute)
	require.NoError(t, err)
	_, err = a.UserID(otherIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.UserID("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "", http.MethodGet, "/healthz", nil, nil)
	_, err := uuid.Parse(resp.Header.Get("X-Request-Id"))
	assert.NoError(t, err)

	id := uuid.NewString()
	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", id)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, id, resp2.Header.Get("X-Request-Id"))
}

func TestFeedLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.createFeed(t, "u1", "https://example.com/feed.xml")
	assert.Equal(t, "example.com", f.Title)
	path := fmt.Sprintf("/api/v1/feeds/%d", f.ID)

	var got envelope[model.Feed]
	resp := env.do(t, "u1", http.MethodGet, path, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, f.ID, got.Data.ID)

	var denied errorBody
	resp = env.do(t, "u2", http.MethodGet, path, nil, &denied)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "FEED_NOT_FOUND", denied.Error.Code)

	var dup errorBody
	resp = env.do(t, "u1", http.MethodPost, "/api/v1/feeds", map[string]any{"url": "https://example.com/feed.xml"}, &dup)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", dup.Error.Code)

	var updated envelope[model.Feed]
	resp = env.do(t, "u1", http.MethodPatch, path, map[string]any{"title": "Renamed", "fetch_interval": 15}, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", updated.Data.Title)
	assert.Equal(t, 15, updated.Data.FetchInterval)

	var paused envelope[model.Feed]
	resp = env.do(t, "u1", http.MethodPost, path+"/pause", nil, &paused)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.FeedPaused, paused.Data.Status)

	var list envelope[[]model.Feed]
	env.do(t, "u1", http.MethodGet, "/api/v1/feeds?status=paused", nil, &list)
	assert.Len(t, list.Data, 1)

	var resumed envelope[model.Feed]
	env.do(t, "u1", http.MethodPost, path+"/resume", nil, &resumed)
	assert.Equal(t, model.FeedActive, resumed.Data.Status)

	resp = env.do(t, "u1", http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, "u1", http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"bad path id", http.MethodGet, "/api/v1/feeds/abc", ""},
		{"empty body", http.MethodPost, "/api/v1/feeds", ""},
		{"malformed json", http.MethodPost, "/api/v1/feeds", "{"},
		{"bad status filter", http.MethodGet, "/api/v1/entries?status=maybe", ""},
		{"bad limit", http.MethodGet, "/api/v1/entries?limit=ten", ""},
		{"bad scope", http.MethodGet, "/api/v1/events?scope=planet:1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, env.http.URL+tt.path, strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+env.token(t, "u1"))
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			var out errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "VALIDATION_ERROR", out.Error.Code)
		})
	}
}

func TestCategoriesEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	var created envelope[model.Category]
	resp := env.do(t, "u1", http.MethodPost, "/api/v1/categories",
		map[string]any{"title": "Tech", "color": "#3366ff"}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Tech", created.Data.Title)

	var bad errorBody
	resp = env.do(t, "u1", http.MethodPost, "/api/v1/categories",
		map[string]any{"title": "News", "color": "blue"}, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f := env.createFeed(t, "u1", "https://example.com/feed")
	env.do(t, "u1", http.MethodPatch, fmt.Sprintf("/api/v1/feeds/%d", f.ID),
		map[string]any{"category_id": created.Data.ID}, nil)
	env.seedEntries(t, f.ID, 3)

	var list envelope[[]model.CategoryCounts]
	env.do(t, "u1", http.MethodGet, "/api/v1/categories", nil, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, 1, list.Data[0].FeedCount)
	assert.Equal(t, 3, list.Data[0].UnreadCount)

	var unassigned envelope[model.Feed]
	env.do(t, "u1", http.MethodPatch, fmt.Sprintf("/api/v1/feeds/%d", f.ID),
		map[string]any{"category_id": nil}, &unassigned)
	assert.Nil(t, unassigned.Data.CategoryID)

	path := fmt.Sprintf("/api/v1/categories/%d", created.Data.ID)
	var renamed envelope[model.Category]
	env.do(t, "u1", http.MethodPatch, path, map[string]any{"title": "Technology"}, &renamed)
	assert.Equal(t, "Technology", renamed.Data.Title)

	resp = env.do(t, "u2", http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, "u1", http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEntriesEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.createFeed(t, "u1", "https://example.com/feed")
	ids := env.seedEntries(t, f.ID, 5)

	var page envelope[[]model.Entry]
	resp := env.do(t, "u1", http.MethodGet, fmt.Sprintf("/api/v1/entries?feed_id=%d&limit=2&offset=0", f.ID), nil, &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, page.Data, 2)
	require.NotNil(t, page.Pagination)
	assert.Equal(t, 5, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.Limit)
	assert.True(t, page.Pagination.HasNext)
	require.NotNil(t, page.Pagination.NextOffset)
	assert.Equal(t, 2, *page.Pagination.NextOffset)

	entryPath := fmt.Sprintf("/api/v1/entries/%d", ids[0])
	var entry envelope[model.Entry]
	resp = env.do(t, "u1", http.MethodPut, entryPath+"/status", map[string]any{"status": "starred"}, &entry)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusStarred, entry.Data.Status)
	assert.NotNil(t, entry.Data.StarredAt)

	resp = env.do(t, "u2", http.MethodGet, entryPath, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var batch envelope[service.BatchResult]
	resp = env.do(t, "u1", http.MethodPost, "/api/v1/entries/status",
		map[string]any{"entry_ids": []int64{ids[1], ids[2], 999_999}, "status": "read"}, &batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, batch.Data.UpdatedCount)
	assert.Equal(t, 1, batch.Data.FailedCount)
	assert.Equal(t, []int64{999_999}, batch.Data.FailedEntries)

	var unread envelope[[]model.Entry]
	env.do(t, "u1", http.MethodGet, "/api/v1/entries?status=unread", nil, &unread)
	assert.Equal(t, 2, unread.Pagination.Total)

	var ov envelope[model.Overview]
	env.do(t, "u1", http.MethodGet, "/api/v1/overview", nil, &ov)
	assert.Equal(t, 1, ov.Data.TotalFeeds)
	assert.Equal(t, 5, ov.Data.TotalEntries)
	assert.Equal(t, 2, ov.Data.UnreadEntries)
	assert.Equal(t, 1, ov.Data.StarredEntries)
}

func TestRefreshWithoutScheduler(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.createFeed(t, "u1", "https://example.com/feed")
	var out errorBody
	resp := env.do(t, "u1", http.MethodPost, fmt.Sprintf("/api/v1/feeds/%d/refresh", f.ID), nil, &out)
	assert.GreaterOrEqual(t, resp.StatusCode, 400)
	assert.False(t, out.Success)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit = 0.5
		c.RateBurst = 2
	})

	for range 2 {
		resp := env.do(t, "u1", http.MethodGet, "/api/v1/feeds", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	var out errorBody
	resp := env.do(t, "u1", http.MethodGet, "/api/v1/feeds", nil, &out)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", out.Error.Code)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	resp = env.do(t, "u2", http.MethodGet, "/api/v1/feeds", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "buckets are per user")
}

func TestUserLimiter_SweepsIdleBuckets(t *testing.T) {
	l := newUserLimiter(1, 1)
	now := time.Now()
	ok, _ := l.allow("u1", now)
	assert.True(t, ok)
	ok, wait := l.allow("u1", now)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	later := now.Add(2 * l.idle)
	ok, _ = l.allow("u2", later)
	assert.True(t, ok)
	assert.NotContains(t, l.buckets, "u1")
}

const sampleOPML = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>subs</title></head>
  <body>
    <outline text="Tech">
      <outline type="rss" text="Go Blog" xmlUrl="https://go.dev/blog/feed.atom"/>
    </outline>
    <outline type="rss" text="News" xmlUrl="https://news.example.com/rss"/>
  </body>
</opml>`

func TestOPMLEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("opml", "subs.opml")
	require.NoError(t, err)
	_, _ = part.Write([]byte(sampleOPML))
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest(http.MethodPost, env.http.URL+"/api/v1/opml/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token(t, "u1"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var imported envelope[service.ImportResult]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imported))
	assert.Equal(t, 2, imported.Data.Imported)

	// A raw body is accepted too; everything is already subscribed.
	req, _ = http.NewRequest(http.MethodPost, env.http.URL+"/api/v1/opml/import", strings.NewReader(sampleOPML))
	req.Header.Set("Content-Type", "text/x-opml")
	req.Header.Set("Authorization", "Bearer "+env.token(t, "u1"))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var again envelope[service.ImportResult]
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&again))
	assert.Equal(t, 2, again.Data.Skipped)

	exp := env.do(t, "u1", http.MethodGet, "/api/v1/opml/export", nil, nil)
	require.Equal(t, http.StatusOK, exp.StatusCode)
	assert.Equal(t, "application/xml", exp.Header.Get("Content-Type"))
	assert.Contains(t, exp.Header.Get("Content-Disposition"), "prismfeeder-")
	body, err := io.ReadAll(exp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `xmlUrl="https://go.dev/blog/feed.atom"`)
	assert.Contains(t, string(body), `text="Tech"`)
}

func (e *testEnv) dial(t *testing.T, userID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/v1/events" + query
	header := http.Header{"Authorization": {"Bearer " + e.token(t, userID)}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) notify.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg notify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.createFeed(t, "u1", "https://example.com/feed")
	ids := env.seedEntries(t, f.ID, 2)

	conn := env.dial(t, "u1", fmt.Sprintf("?scope=feed:%d", f.ID))
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Another user's activity is never delivered.
	other := env.createFeed(t, "u2", "https://example.com/feed")
	env.do(t, "u2", http.MethodPost, fmt.Sprintf("/api/v1/feeds/%d/pause", other.ID), nil, nil)

	env.do(t, "u1", http.MethodPut, fmt.Sprintf("/api/v1/entries/%d/status", ids[0]), map[string]any{"status": "read"}, nil)

	msg := readMessage(t, conn)
	require.Equal(t, notify.MessageEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, model.EventEntryStatusChanged, msg.Event.Type)
	assert.Equal(t, ids[0], msg.Event.EntryID)
	first := msg.Event.Seq

	msg = readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, model.EventUnreadCountChanged, msg.Event.Type)
	assert.Equal(t, first+1, msg.Event.Seq)
	var counts model.UnreadCountChanged
	require.NoError(t, msg.Event.Decode(&counts))
	assert.Equal(t, 1, counts.TotalUnread)

	require.NoError(t, conn.WriteJSON(map[string]uint64{"ack": msg.Event.Seq}))

	env.do(t, "u1", http.MethodPost, fmt.Sprintf("/api/v1/feeds/%d/pause", f.ID), nil, nil)
	msg = readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, model.EventFeedStatusChanged, msg.Event.Type)
	assert.Greater(t, msg.Event.Seq, first+1)
}

func TestEventStream_Replay(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.createFeed(t, "u1", "https://example.com/feed")
	path := fmt.Sprintf("/api/v1/feeds/%d", f.ID)
	env.do(t, "u1", http.MethodPost, path+"/pause", nil, nil)
	env.do(t, "u1", http.MethodPost, path+"/resume", nil, nil)

	head, err := env.hub.Head(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, head)

	conn := env.dial(t, "u1", "?cursor=1")
	msg := readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.EqualValues(t, 2, msg.Event.Seq)
	assert.Equal(t, model.EventFeedStatusChanged, msg.Event.Type)

	stale := env.dial(t, "u1", "?cursor=99")
	msg = readMessage(t, stale)
	assert.Equal(t, notify.MessageResync, msg.Type)
	assert.EqualValues(t, 2, msg.Head)
}

func TestEventStream_ShutdownClosesWithGoingAway(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "u1", "")
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	env.hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{cfg: Config{AllowedOrigins: []string{"https://app.example.com"}}}
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/v1/events", nil)

	assert.True(t, s.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, s.checkOrigin(req), "same origin")

	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, s.checkOrigin(req))

	s.cfg.AllowedOrigins = []string{"*"}
	assert.True(t, s.checkOrigin(req))
}
