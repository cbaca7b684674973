package server

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
	"github.com/bryan-buckman/prismfeeder/internal/model"
	"github.com/bryan-buckman/prismfeeder/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4096
)

// clientFrame is what subscribers send: acknowledgements of processed
// events.
type clientFrame struct {
	Ack *uint64 `json:"ack"`
}

// handleEvents streams the events of the user over a WebSocket.
//
//	GET /api/v1/events?scope=feed:12&cursor=42
//
// With a cursor, retained events after it are replayed first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, err := model.ParseScope(q.Get("scope"))
	if err != nil {
		s.fail(w, r, apperr.Validation("%v", err).WithDetail("field", "scope"))
		return
	}
	var cursor notify.Cursor
	if raw := q.Get("cursor"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(w, r, apperr.Validation("invalid cursor %q", raw).WithDetail("field", "cursor"))
			return
		}
		cursor = notify.Cursor{Seq: seq, Resume: true}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	user := userID(r)
	sub, err := s.hub.Subscribe(ctx, user, scope, cursor)
	if err != nil {
		s.log.Error(ctx, "subscribe", "user_id", user, "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	log := s.log.With("subscription_id", sub.ID, "user_id", user, "scope", scope.String())
	log.Debug(ctx, "subscriber connected", "cursor", cursor.Seq, "resume", cursor.Resume)

	go s.readAcks(ctx, cancel, conn, sub.ID)

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case msg, open := <-sub.C():
			if !open {
				reason := s.hub.Reason(sub)
				log.Debug(ctx, "subscription closed", "reason", reason)
				closeWith(conn, closeCode(reason), reason)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug(ctx, "write event", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			closeWith(conn, websocket.CloseGoingAway, "")
			return
		}
	}
}

// readAcks consumes client frames until the connection fails. A missing
// pong within two ping intervals ends the stream.
func (s *Server) readAcks(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, subID string) {
	defer cancel()
	wait := 2 * s.cfg.PingInterval
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		if frame.Ack != nil {
			if err := s.hub.Ack(subID, *frame.Ack); err != nil {
				s.log.Debug(ctx, "ack", "subscription_id", subID, "error", err)
				return
			}
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case notify.ReasonLagged:
		return websocket.CloseTryAgainLater
	case notify.ReasonShutdown:
		return websocket.CloseGoingAway
	}
	return websocket.CloseNormalClosure
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// checkOrigin allows same-origin handshakes, clients without an Origin
// header and the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
