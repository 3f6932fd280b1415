// Package inapp serves conversations started from the product's own UI: a
// REST endpoint accepts messages, a websocket per user pushes replies. Users
// without an open socket get replies parked in a bounded per-user queue that
// flushes on the next connect.
package inapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/pkg/protocol"
)

const (
	maxPendingPerUser = 100
	maxFrameBytes     = 64 << 10
	writeTimeout      = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 30 * time.Second
)

// Adapter is the in-app channel: an HTTP intake plus a websocket hub keyed
// by user id. Wire shapes live in pkg/protocol so UI clients can import them.
type Adapter struct {
	cfg      config.InAppConfig
	sink     channels.Sink
	allow    channels.Allowlist
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]map[*client]struct{}
	pending map[string][]protocol.ReplyFrame
}

var _ channels.Adapter = (*Adapter)(nil)

// client wraps one socket. Writes are serialized because replies, queue
// flushes, and pings come from different goroutines.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// New creates the adapter.
func New(cfg config.InAppConfig, sink channels.Sink) *Adapter {
	return &Adapter{
		cfg:   cfg,
		sink:  sink,
		allow: channels.NewAllowlist(cfg.AllowFrom),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:   make(map[string]map[*client]struct{}),
		pending: make(map[string][]protocol.ReplyFrame),
	}
}

func (a *Adapter) Name() string { return "inapp" }

// Send pushes a reply to every open socket for the user, or parks it when
// none is connected. Parking counts as accepted; the queue is bounded and
// drops the oldest reply when full.
func (a *Adapter) Send(_ context.Context, recipient, text string) error {
	if recipient == "" {
		return fmt.Errorf("inapp: empty recipient")
	}
	reply := protocol.ReplyFrame{Type: "reply", Text: text, SentAt: time.Now().UTC()}
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("inapp: encode reply: %w", err)
	}

	a.mu.RLock()
	targets := make([]*client, 0, len(a.conns[recipient]))
	for c := range a.conns[recipient] {
		targets = append(targets, c)
	}
	a.mu.RUnlock()

	if len(targets) == 0 {
		a.park(recipient, reply)
		return nil
	}

	delivered := false
	for _, c := range targets {
		if err := c.write(websocket.TextMessage, data); err != nil {
			slog.Warn("inapp socket write failed", "user", recipient, "error", err)
			continue
		}
		delivered = true
	}
	if !delivered {
		a.park(recipient, reply)
	}
	return nil
}

func (a *Adapter) park(user string, reply protocol.ReplyFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.pending[user]
	if len(q) >= maxPendingPerUser {
		slog.Warn("inapp pending queue full, dropping oldest", "user", user)
		q = q[1:]
	}
	a.pending[user] = append(q, reply)
}

// Normalize maps one REST post to the canonical intake form. A missing
// message id gets a generated one, so un-keyed posts are never deduplicated
// against each other.
func Normalize(in protocol.InboundFrame) (*intake.Message, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, fmt.Errorf("inapp: message has no user id")
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("inapp: message has no text")
	}
	id := in.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	return &intake.Message{
		Channel:           "inapp",
		Sender:            intake.Sender{ID: userID, Display: in.Display},
		Text:              in.Text,
		ProviderMessageID: id,
		Metadata:          map[string]string{"user_id": userID},
	}, nil
}

// HandleMessage accepts one message over REST and enqueues it.
func (a *Adapter) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var in protocol.InboundFrame
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		msg, err := Normalize(in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !a.allow.Allows(msg.Sender.ID) {
			http.Error(w, "sender not allowed", http.StatusForbidden)
			return
		}

		item, err := a.sink.Submit(r.Context(), msg)
		if err != nil {
			if errors.Is(err, pipeline.ErrDuplicateIntake) {
				writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
				return
			}
			slog.Error("inapp intake failed", "error", err)
			http.Error(w, "intake failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":    item.ID.String(),
			"state": string(item.State),
		})
	})
}

// HandleSocket upgrades the connection and serves it until the client goes
// away. The user id comes from the query string; parked replies flush
// immediately after the upgrade.
func (a *Adapter) HandleSocket() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		if !a.allow.Allows(userID) {
			http.Error(w, "sender not allowed", http.StatusForbidden)
			return
		}

		conn, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("inapp websocket upgrade failed", "error", err)
			return
		}

		c := &client{conn: conn}
		a.register(userID, c)
		defer func() {
			a.unregister(userID, c)
			conn.Close()
		}()

		a.flushPending(userID, c)
		a.serve(r.Context(), userID, c)
	})
}

func (a *Adapter) register(user string, c *client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conns[user] == nil {
		a.conns[user] = make(map[*client]struct{})
	}
	a.conns[user][c] = struct{}{}
	slog.Info("inapp client connected", "user", user)
}

func (a *Adapter) unregister(user string, c *client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns[user], c)
	if len(a.conns[user]) == 0 {
		delete(a.conns, user)
	}
	slog.Info("inapp client disconnected", "user", user)
}

// flushPending drains the parked replies onto a fresh connection. On a write
// failure the remainder goes back to the queue for the next connect.
func (a *Adapter) flushPending(user string, c *client) {
	a.mu.Lock()
	queue := a.pending[user]
	delete(a.pending, user)
	a.mu.Unlock()

	for i, reply := range queue {
		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if err := c.write(websocket.TextMessage, data); err != nil {
			a.mu.Lock()
			a.pending[user] = append(queue[i:], a.pending[user]...)
			a.mu.Unlock()
			return
		}
	}
}

// serve runs the read loop and a ping ticker. Text frames carry the same
// shape as the REST post and feed the same intake.
func (a *Adapter) serve(ctx context.Context, userID string, c *client) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("inapp socket read failed", "user", userID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var in protocol.InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			slog.Debug("inapp socket frame not parseable", "user", userID, "error", err)
			continue
		}
		in.UserID = userID

		msg, err := Normalize(in)
		if err != nil {
			continue
		}
		if _, err := a.sink.Submit(ctx, msg); err != nil && !errors.Is(err, pipeline.ErrDuplicateIntake) {
			slog.Error("inapp intake failed", "user", userID, "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
