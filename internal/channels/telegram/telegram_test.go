package telegram

import (
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/backlinehq/backline/internal/intake"
)

func userMessage(text string) *telego.Message {
	return &telego.Message{
		MessageID: 42,
		Date:      1700000000,
		Chat:      telego.Chat{ID: 555, Type: "private"},
		From: &telego.User{
			ID:        555,
			FirstName: "Alice",
			LastName:  "Ng",
			Username:  "alice",
		},
		Text: text,
	}
}

// TestNormalize_PrivateMessage verifies the canonical mapping for a direct
// chat.
func TestNormalize_PrivateMessage(t *testing.T) {
	msg, err := Normalize(userMessage("  book a table for two  "))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if msg.Channel != "telegram" {
		t.Errorf("channel = %q", msg.Channel)
	}
	if msg.Sender.ID != "555" {
		t.Errorf("sender id = %q, want chat id", msg.Sender.ID)
	}
	if msg.Sender.Display != "Alice Ng" {
		t.Errorf("display = %q", msg.Sender.Display)
	}
	if msg.Text != "book a table for two" {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.ProviderMessageID != "555:42" {
		t.Errorf("provider message id = %q", msg.ProviderMessageID)
	}
	if msg.Metadata["user_id"] != "555" || msg.Metadata["username"] != "alice" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
	want := time.Unix(1700000000, 0).UTC()
	if !msg.ReceivedAt.Equal(want) {
		t.Errorf("received at = %v, want %v", msg.ReceivedAt, want)
	}
}

// TestNormalize_Deterministic verifies the same update always produces the
// same dedup key, so redelivered updates collapse in the queue.
func TestNormalize_Deterministic(t *testing.T) {
	a, err := Normalize(userMessage("hello"))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b, err := Normalize(userMessage("hello"))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if a.DedupKey() != b.DedupKey() {
		t.Errorf("dedup keys differ: %q vs %q", a.DedupKey(), b.DedupKey())
	}
}

// TestNormalize_GroupMessageKeepsChatAddress verifies group replies route to
// the group, with the author preserved in metadata.
func TestNormalize_GroupMessageKeepsChatAddress(t *testing.T) {
	m := userMessage("@backline_bot help")
	m.Chat = telego.Chat{ID: -100123, Type: "supergroup"}

	msg, err := Normalize(m)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Sender.ID != "-100123" {
		t.Errorf("sender id = %q, want group chat id", msg.Sender.ID)
	}
	if msg.Metadata["user_id"] != "555" {
		t.Errorf("author lost: metadata = %v", msg.Metadata)
	}
}

// TestNormalize_Rejections verifies bot and senderless messages are refused.
func TestNormalize_Rejections(t *testing.T) {
	bot := userMessage("beep")
	bot.From.IsBot = true
	if _, err := Normalize(bot); err == nil {
		t.Error("bot sender accepted")
	}

	noFrom := userMessage("anonymous")
	noFrom.From = nil
	if _, err := Normalize(noFrom); err == nil {
		t.Error("senderless message accepted")
	}
}

// TestNormalize_CaptionAndAttachments verifies photo messages carry their
// caption as text and record the media kind.
func TestNormalize_CaptionAndAttachments(t *testing.T) {
	m := userMessage("")
	m.Caption = "receipt attached"
	m.Photo = []telego.PhotoSize{{FileID: "f1", Width: 100, Height: 100}}
	m.Document = &telego.Document{FileName: "invoice.pdf", MimeType: "application/pdf"}

	msg, err := Normalize(m)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Text != "receipt attached" {
		t.Errorf("text = %q", msg.Text)
	}
	if len(msg.Attachments) != 2 {
		t.Fatalf("got %d attachments, want 2", len(msg.Attachments))
	}
	if msg.Attachments[0].Kind != intake.AttachmentImage {
		t.Errorf("first attachment kind = %s", msg.Attachments[0].Kind)
	}
	if msg.Attachments[1].Name != "invoice.pdf" {
		t.Errorf("document name = %q", msg.Attachments[1].Name)
	}
}

// TestMentionsBot verifies the group addressing gate.
func TestMentionsBot(t *testing.T) {
	tests := []struct {
		name string
		msg  func() *telego.Message
		want bool
	}{
		{
			"mention entity",
			func() *telego.Message {
				m := userMessage("@backline_bot status")
				m.Entities = []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 13}}
				return m
			},
			true,
		},
		{
			"command with bot suffix",
			func() *telego.Message {
				m := userMessage("/help@backline_bot")
				m.Entities = []telego.MessageEntity{{Type: "bot_command", Offset: 0, Length: 18}}
				return m
			},
			true,
		},
		{
			"plain text handle",
			func() *telego.Message { return userMessage("hey @backline_bot are you up") },
			true,
		},
		{
			"reply to bot",
			func() *telego.Message {
				m := userMessage("yes please")
				m.ReplyToMessage = &telego.Message{From: &telego.User{Username: "backline_bot"}}
				return m
			},
			true,
		},
		{
			"unaddressed chatter",
			func() *telego.Message { return userMessage("lunch anyone?") },
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mentionsBot(tt.msg(), "backline_bot"); got != tt.want {
				t.Errorf("mentionsBot = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestIsServiceMessage verifies member-change style updates are dropped
// before normalization.
func TestIsServiceMessage(t *testing.T) {
	svc := userMessage("")
	if !isServiceMessage(svc) {
		t.Error("empty message not treated as service message")
	}
	if isServiceMessage(userMessage("hello")) {
		t.Error("text message treated as service message")
	}
	withPhoto := userMessage("")
	withPhoto.Photo = []telego.PhotoSize{{FileID: "f1"}}
	if isServiceMessage(withPhoto) {
		t.Error("photo message treated as service message")
	}
}
