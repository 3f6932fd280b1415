package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// Start opens the socket-mode connection. In webhook mode there is no
// connection to hold and the adapter is ready as soon as the server mounts
// its handler.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.cfg.SocketMode() {
		a.running.Store(true)
		return nil
	}
	if a.cfg.AppID == "" || a.cfg.AppSecret == "" {
		return fmt.Errorf("lark: app credentials not configured for socket mode")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.socketLoop(runCtx)

	a.running.Store(true)
	slog.Info("lark socket mode started")
	return nil
}

// Stop cancels the socket loop and waits for it to exit.
func (a *Adapter) Stop(_ context.Context) error {
	a.running.Store(false)
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		select {
		case <-a.done:
		case <-time.After(5 * time.Second):
			slog.Warn("lark socket loop did not exit within timeout")
		}
	}
	return nil
}

// socketLoop keeps one connection alive, redialing with backoff after any
// failure. The endpoint is re-requested on every dial because its ticket is
// short-lived.
func (a *Adapter) socketLoop(ctx context.Context) {
	defer close(a.done)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := a.runConn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("lark socket disconnected, will redial", "error", err, "backoff", backoff)
		}
		if connected {
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// runConn dials and reads frames until the connection drops. The returned
// bool reports whether a dial succeeded, so the caller can reset backoff.
func (a *Adapter) runConn(ctx context.Context) (bool, error) {
	endpoint, err := a.client.WSEndpoint(ctx)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial socket endpoint: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	slog.Info("lark socket connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		a.handleFrame(ctx, conn, data)
	}
}

// frame is the socket-mode event wrapper: the same envelope the webhook
// receives plus a sequence id used to acknowledge delivery.
type frame struct {
	SeqID string `json:"seq_id"`
	eventEnvelope
}

func (a *Adapter) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("lark socket frame not parseable", "error", err)
		return
	}
	if f.Header.EventType != eventMessageReceive {
		a.ack(ctx, conn, f.SeqID)
		return
	}

	var ev MessageEvent
	if err := json.Unmarshal(f.Event, &ev); err != nil {
		slog.Warn("lark socket event not parseable", "error", err)
		a.ack(ctx, conn, f.SeqID)
		return
	}

	// No ack on enqueue failure: the platform redelivers the frame.
	if err := a.receive(ctx, ev); err != nil {
		slog.Error("lark intake failed", "error", err)
		return
	}
	a.ack(ctx, conn, f.SeqID)
}

func (a *Adapter) ack(ctx context.Context, conn *websocket.Conn, seqID string) {
	if seqID == "" {
		return
	}
	data, _ := json.Marshal(map[string]any{"seq_id": seqID, "code": 200})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("lark socket ack failed", "error", err)
	}
}
