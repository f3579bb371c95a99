package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"courier/internal/eventbus"
	"courier/internal/events"
	"courier/pkg/logx"
)

// wsCommand is the only client-to-server frame: topic management.
type wsCommand struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

// wsEvent mirrors the webhook session payload so realtime and webhook
// consumers see the same shape.
type wsEvent struct {
	SessionID string    `json:"sessionId"`
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn

	mu       sync.Mutex
	sessions map[string]struct{}
}

func (c *wsClient) write(ctx context.Context, v any) error {
	// wsjson does not serialize concurrent writers.
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

func (c *wsClient) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

func (c *wsClient) set(sessionID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.sessions[sessionID] = struct{}{}
	} else {
		delete(c.sessions, sessionID)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.wsAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, sessions: map[string]struct{}{}}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// One bus subscription per socket; the per-event filter below narrows it
	// to the sessions this client asked for.
	ch, unsub := s.bus.Subscribe(256)
	defer unsub()
	go s.relayEvents(ctx, c, ch)

	for {
		var cmd wsCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		switch {
		case strings.TrimSpace(cmd.Subscribe) != "":
			c.set(strings.TrimSpace(cmd.Subscribe), true)
			_ = c.write(ctx, map[string]any{"subscribed": strings.TrimSpace(cmd.Subscribe)})
		case strings.TrimSpace(cmd.Unsubscribe) != "":
			c.set(strings.TrimSpace(cmd.Unsubscribe), false)
			_ = c.write(ctx, map[string]any{"unsubscribed": strings.TrimSpace(cmd.Unsubscribe)})
		default:
			_ = c.write(ctx, map[string]string{"error": "expected subscribe or unsubscribe"})
		}
	}
}

// relayEvents forwards session-lifecycle events for subscribed sessions
// until the socket closes or the bus drops us.
func (s *Server) relayEvents(ctx context.Context, c *wsClient, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			id, found := events.ParseSessionTopic(e.Topic)
			if !found || !c.subscribed(id) {
				continue
			}
			out := wsEvent{SessionID: id, Event: e.Type, Data: e.Data, Timestamp: e.Time}
			if err := c.write(ctx, out); err != nil {
				s.log.Debug("ws relay write failed", logx.String("session", id), logx.Err(err))
				return
			}
		}
	}
}
