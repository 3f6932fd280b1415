package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
)

type sinkStub struct {
	mu   sync.Mutex
	msgs []*intake.Message
	err  error
}

func (s *sinkStub) Submit(ctx context.Context, msg *intake.Message) (*pipeline.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.msgs = append(s.msgs, msg)
	return pipeline.NewItem(*msg), nil
}

func messageEvent(chatType, text string) MessageEvent {
	var ev MessageEvent
	ev.Sender.SenderID.OpenID = "ou_alice"
	ev.Sender.SenderType = "user"
	ev.Message.MessageID = "om_100"
	ev.Message.ChatID = "oc_room"
	ev.Message.ChatType = chatType
	ev.Message.MessageType = "text"
	ev.Message.Content = fmt.Sprintf(`{"text":%q}`, text)
	ev.Message.CreateTime = "1700000000000"
	return ev
}

func eventBody(t *testing.T, token string, ev MessageEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	env := map[string]any{
		"header": map[string]string{
			"event_id":   "ev_1",
			"event_type": eventMessageReceive,
			"token":      token,
		},
		"event": json.RawMessage(raw),
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func postEvent(t *testing.T, a *Adapter, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/lark", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

// TestHandler_URLVerification verifies the subscription handshake echoes the
// challenge when the token matches.
func TestHandler_URLVerification(t *testing.T) {
	a := New(config.LarkConfig{VerificationToken: "vt"}, &sinkStub{})

	body := []byte(`{"type":"url_verification","token":"vt","challenge":"c-123"}`)
	rec := postEvent(t, a, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Challenge != "c-123" {
		t.Fatalf("challenge = %q, want c-123", resp.Challenge)
	}
}

// TestHandler_RejectsBadToken verifies both the handshake and event deliveries
// are refused when the verification token does not match.
func TestHandler_RejectsBadToken(t *testing.T) {
	sink := &sinkStub{}
	a := New(config.LarkConfig{VerificationToken: "vt"}, sink)

	rec := postEvent(t, a, []byte(`{"type":"url_verification","token":"wrong","challenge":"c"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("handshake status = %d, want 401", rec.Code)
	}

	rec = postEvent(t, a, eventBody(t, "wrong", messageEvent("p2p", "hi")))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("event status = %d, want 401", rec.Code)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("sink received %d messages, want 0", len(sink.msgs))
	}
}

// TestHandler_AcceptsMessageEvent verifies a direct message event reaches the
// sink and is acknowledged.
func TestHandler_AcceptsMessageEvent(t *testing.T) {
	sink := &sinkStub{}
	a := New(config.LarkConfig{VerificationToken: "vt"}, sink)

	rec := postEvent(t, a, eventBody(t, "vt", messageEvent("p2p", "hello there")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("sink received %d messages, want 1", len(sink.msgs))
	}
	got := sink.msgs[0]
	if got.Sender.ID != "ou_alice" {
		t.Fatalf("Sender.ID = %q, want ou_alice", got.Sender.ID)
	}
	if got.Text != "hello there" {
		t.Fatalf("Text = %q", got.Text)
	}
}

// TestHandler_IgnoresUnaddressedGroupMessage verifies group chatter without a
// bot mention is acknowledged but never enqueued.
func TestHandler_IgnoresUnaddressedGroupMessage(t *testing.T) {
	sink := &sinkStub{}
	a := New(config.LarkConfig{VerificationToken: "vt"}, sink)

	rec := postEvent(t, a, eventBody(t, "vt", messageEvent("group", "just chatting")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("sink received %d messages, want 0", len(sink.msgs))
	}
}

// TestNormalize_DirectMessage verifies a p2p event answers to the sender's
// open id and keeps the create time.
func TestNormalize_DirectMessage(t *testing.T) {
	msg, err := Normalize(messageEvent("p2p", "hi"))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Channel != "lark" {
		t.Fatalf("Channel = %q", msg.Channel)
	}
	if msg.Sender.ID != "ou_alice" {
		t.Fatalf("Sender.ID = %q, want ou_alice", msg.Sender.ID)
	}
	if msg.ProviderMessageID != "om_100" {
		t.Fatalf("ProviderMessageID = %q", msg.ProviderMessageID)
	}
	if msg.Metadata["user_id"] != "ou_alice" || msg.Metadata["chat_id"] != "oc_room" {
		t.Fatalf("Metadata = %v", msg.Metadata)
	}
	want := time.UnixMilli(1700000000000).UTC()
	if !msg.ReceivedAt.Equal(want) {
		t.Fatalf("ReceivedAt = %v, want %v", msg.ReceivedAt, want)
	}
}

// TestNormalize_GroupMessageRepliesToChat verifies group events answer to the
// chat id while the sender stays in metadata.
func TestNormalize_GroupMessageRepliesToChat(t *testing.T) {
	msg, err := Normalize(messageEvent("group", "hi"))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Sender.ID != "oc_room" {
		t.Fatalf("Sender.ID = %q, want oc_room", msg.Sender.ID)
	}
	if msg.Metadata["user_id"] != "ou_alice" {
		t.Fatalf("Metadata[user_id] = %q, want ou_alice", msg.Metadata["user_id"])
	}
}

// TestNormalize_Rejections verifies events without a usable sender or id are
// refused.
func TestNormalize_Rejections(t *testing.T) {
	app := messageEvent("p2p", "hi")
	app.Sender.SenderType = "app"
	if _, err := Normalize(app); err == nil {
		t.Fatal("expected error for app sender")
	}

	noID := messageEvent("p2p", "hi")
	noID.Message.MessageID = ""
	if _, err := Normalize(noID); err == nil {
		t.Fatal("expected error for missing message id")
	}

	noSender := messageEvent("p2p", "hi")
	noSender.Sender.SenderID.OpenID = ""
	if _, err := Normalize(noSender); err == nil {
		t.Fatal("expected error for missing open id")
	}
}

// TestExtractText verifies content decoding for the message types the intake
// handles, including mention key stripping.
func TestExtractText(t *testing.T) {
	mention := messageEvent("group", "@_user_1 deploy the fix")
	mention.Message.Mentions = []struct {
		Key  string `json:"key"`
		Name string `json:"name"`
		ID   struct {
			OpenID string `json:"open_id"`
		} `json:"id"`
	}{{Key: "@_user_1", Name: "backline"}}

	post := messageEvent("p2p", "")
	post.Message.MessageType = "post"
	post.Message.Content = `{"title":"Outage","content":[[{"tag":"text","text":"db "},{"tag":"md","text":"**down**"}],[{"tag":"at","text":"ignored"}]]}`

	image := messageEvent("p2p", "")
	image.Message.MessageType = "image"
	image.Message.Content = `{"image_key":"img_1"}`

	tests := []struct {
		name string
		ev   MessageEvent
		want string
	}{
		{"plain text", messageEvent("p2p", "hello"), "hello"},
		{"mention stripped", mention, "deploy the fix"},
		{"post flattened", post, "Outage\ndb **down**"},
		{"unknown type placeholder", image, "[image message]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.ev); got != tt.want {
				t.Fatalf("extractText = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestReceiveIDType verifies routing by recipient id prefix.
func TestReceiveIDType(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"oc_room", "chat_id"},
		{"ou_alice", "open_id"},
		{"on_ext", "union_id"},
		{"something-else", "chat_id"},
	}
	for _, tt := range tests {
		if got := ReceiveIDType(tt.id); got != tt.want {
			t.Errorf("ReceiveIDType(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

// TestResolveDomain verifies the domain shorthand expansion.
func TestResolveDomain(t *testing.T) {
	tests := []struct {
		domain string
		want   string
	}{
		{"", "https://open.larksuite.com"},
		{"lark", "https://open.larksuite.com"},
		{"feishu", "https://open.feishu.cn"},
		{"open.example.com", "https://open.example.com"},
		{"https://open.example.com", "https://open.example.com"},
	}
	for _, tt := range tests {
		if got := ResolveDomain(tt.domain); got != tt.want {
			t.Errorf("ResolveDomain(%q) = %q, want %q", tt.domain, got, tt.want)
		}
	}
}

// TestParseCreateTime verifies millisecond epochs decode and garbage falls
// back to the zero time.
func TestParseCreateTime(t *testing.T) {
	if got := parseCreateTime("1700000000000"); !got.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("parseCreateTime = %v", got)
	}
	if got := parseCreateTime("not-a-number"); !got.IsZero() {
		t.Fatalf("parseCreateTime garbage = %v, want zero", got)
	}
	if got := parseCreateTime(""); !got.IsZero() {
		t.Fatalf("parseCreateTime empty = %v, want zero", got)
	}
}
