// Package lark adapts Lark/Feishu: inbound message events arrive either on
// a verified webhook or over a socket-mode connection, replies go out
// through the open API with a cached tenant token. Group messages only
// enter the pipeline when the bot is @mentioned.
package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
)

const eventMessageReceive = "im.message.receive_v1"

// Adapter is the Lark/Feishu channel.
type Adapter struct {
	cfg    config.LarkConfig
	sink   channels.Sink
	allow  channels.Allowlist
	client *Client

	// socket mode
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

var (
	_ channels.Webhook  = (*Adapter)(nil)
	_ channels.Listener = (*Adapter)(nil)
)

// New creates the adapter. In socket mode the connection is opened in
// Start; in webhook mode the handler is mounted by the server and Start is
// a no-op.
func New(cfg config.LarkConfig, sink channels.Sink) *Adapter {
	if cfg.Enabled && cfg.VerificationToken == "" && !cfg.SocketMode() {
		slog.Warn("lark verification token not set, webhook event checks disabled")
	}
	return &Adapter{
		cfg:    cfg,
		sink:   sink,
		allow:  channels.NewAllowlist(cfg.AllowFrom),
		client: NewClient(cfg.AppID, cfg.AppSecret, cfg.Domain),
	}
}

func (a *Adapter) Name() string { return "lark" }

// Path exposes the webhook mount point. Socket mode needs no public
// endpoint, so the path is empty and the server mounts nothing.
func (a *Adapter) Path() string {
	if a.cfg.SocketMode() {
		return ""
	}
	return "/webhooks/lark"
}

func (a *Adapter) Running() bool { return a.running.Load() }

// Send delivers a reply through the open API.
func (a *Adapter) Send(ctx context.Context, recipient, text string) error {
	if recipient == "" {
		return fmt.Errorf("lark: empty recipient")
	}
	return a.client.SendText(ctx, recipient, text)
}

// --- Webhook mode ---

// eventEnvelope is the v2 event callback wrapper. url_verification
// handshakes put token and challenge at the top level; real events carry a
// header.
type eventEnvelope struct {
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Type      string `json:"type"`
	Header    struct {
		EventID    string `json:"event_id"`
		EventType  string `json:"event_type"`
		Token      string `json:"token"`
		CreateTime string `json:"create_time"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

// Handler answers the url_verification handshake and turns message events
// into queue items. Event delivery is acknowledged immediately; processing
// happens in the worker.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var env eventEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		if env.Type == "url_verification" {
			if !a.tokenOK(env.Token) {
				slog.Warn("lark url_verification token rejected", "remote", r.RemoteAddr)
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
			return
		}

		if !a.tokenOK(env.Header.Token) {
			slog.Warn("lark event token rejected", "remote", r.RemoteAddr)
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		if env.Header.EventType != eventMessageReceive {
			w.WriteHeader(http.StatusOK)
			return
		}

		var ev MessageEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			http.Error(w, "bad event", http.StatusBadRequest)
			return
		}

		if err := a.receive(r.Context(), ev); err != nil {
			slog.Error("lark intake failed", "error", err)
			http.Error(w, "intake failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (a *Adapter) tokenOK(token string) bool {
	if a.cfg.VerificationToken == "" {
		return true
	}
	return token == a.cfg.VerificationToken
}

// receive filters one message event and hands it to the sink. A nil return
// covers both accepted and deliberately skipped events; only enqueue
// failures propagate so the webhook can ask for redelivery.
func (a *Adapter) receive(ctx context.Context, ev MessageEvent) error {
	if ev.Message.ChatType == "group" && !ev.mentionsBot() {
		return nil
	}

	msg, err := Normalize(ev)
	if err != nil {
		slog.Debug("lark message skipped", "reason", err)
		return nil
	}
	if !a.allow.Allows(msg.Metadata["user_id"]) && !a.allow.Allows(msg.Sender.ID) {
		slog.Debug("lark sender rejected by allowlist", "sender", msg.Sender.ID)
		return nil
	}

	if _, err := a.sink.Submit(ctx, msg); err != nil && !errors.Is(err, pipeline.ErrDuplicateIntake) {
		return err
	}
	return nil
}

// MessageEvent is the im.message.receive_v1 payload.
type MessageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID  string `json:"open_id"`
			UnionID string `json:"union_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"` // "p2p" or "group"
		MessageType string `json:"message_type"`
		Content     string `json:"content"` // JSON string, e.g. {"text":"hi"}
		CreateTime  string `json:"create_time"`
		Mentions    []struct {
			Key  string `json:"key"`
			Name string `json:"name"`
			ID   struct {
				OpenID string `json:"open_id"`
			} `json:"id"`
		} `json:"mentions"`
	} `json:"message"`
}

// mentionsBot reports whether the event mentions any app. The receive
// subscription only ever carries mentions of this bot.
func (ev MessageEvent) mentionsBot() bool {
	return len(ev.Message.Mentions) > 0
}

// Normalize maps one message event to the canonical intake form. Direct
// chats answer to the sender's open id, groups to the chat id; both carry
// the oc_/ou_ prefix the send API routes by.
func Normalize(ev MessageEvent) (*intake.Message, error) {
	if ev.Sender.SenderType != "" && ev.Sender.SenderType != "user" {
		return nil, fmt.Errorf("lark: ignoring %s sender", ev.Sender.SenderType)
	}
	if ev.Message.MessageID == "" {
		return nil, fmt.Errorf("lark: event has no message id")
	}
	openID := ev.Sender.SenderID.OpenID
	if openID == "" {
		return nil, fmt.Errorf("lark: event has no sender open id")
	}

	recipient := openID
	if ev.Message.ChatType == "group" {
		recipient = ev.Message.ChatID
	}
	if recipient == "" {
		return nil, fmt.Errorf("lark: event has no reply address")
	}

	meta := map[string]string{
		"user_id":   openID,
		"chat_type": ev.Message.ChatType,
	}
	if ev.Message.ChatID != "" {
		meta["chat_id"] = ev.Message.ChatID
	}

	return &intake.Message{
		Channel:           "lark",
		Sender:            intake.Sender{ID: recipient},
		Text:              extractText(ev),
		ProviderMessageID: ev.Message.MessageID,
		ReceivedAt:        parseCreateTime(ev.Message.CreateTime),
		Metadata:          meta,
	}, nil
}

// extractText pulls plain text out of the typed content payload and strips
// mention placeholder keys.
func extractText(ev MessageEvent) string {
	var text string
	switch ev.Message.MessageType {
	case "text":
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(ev.Message.Content), &content); err == nil {
			text = content.Text
		}
	case "post":
		text = extractPostText(ev.Message.Content)
	default:
		text = "[" + ev.Message.MessageType + " message]"
	}

	for _, m := range ev.Message.Mentions {
		if m.Key != "" {
			text = strings.ReplaceAll(text, m.Key, "")
		}
	}
	return strings.TrimSpace(text)
}

// extractPostText flattens a rich post's text and markdown runs, one line
// per paragraph.
func extractPostText(raw string) string {
	var post struct {
		Content [][]struct {
			Tag  string `json:"tag"`
			Text string `json:"text"`
		} `json:"content"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		return raw
	}

	var lines []string
	if post.Title != "" {
		lines = append(lines, post.Title)
	}
	for _, para := range post.Content {
		var parts []string
		for _, elem := range para {
			if (elem.Tag == "text" || elem.Tag == "md") && elem.Text != "" {
				parts = append(parts, elem.Text)
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}
	return strings.Join(lines, "\n")
}

// parseCreateTime converts the millisecond epoch string the platform sends.
// A missing or malformed value leaves the zero time for the intake default.
func parseCreateTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
