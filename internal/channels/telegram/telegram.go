// Package telegram runs the Telegram bot over long polling and normalizes
// bot API updates into intake messages. Private chats are handled directly;
// group messages only enter the pipeline when the bot is addressed.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
)

// maxMessageRunes is Telegram's per-message length cap.
const maxMessageRunes = 4096

// Adapter is the Telegram channel.
type Adapter struct {
	cfg   config.TelegramConfig
	sink  channels.Sink
	allow channels.Allowlist

	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	running    atomic.Bool
}

var _ channels.Listener = (*Adapter)(nil)

// New creates the adapter. The bot connection is established in Start.
func New(cfg config.TelegramConfig, sink channels.Sink) *Adapter {
	return &Adapter{cfg: cfg, sink: sink, allow: channels.NewAllowlist(cfg.AllowFrom)}
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) Running() bool { return a.running.Load() }

// Start connects the bot and begins long polling for message updates.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("telegram: token not configured")
	}

	bot, err := telego.NewBot(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = bot

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	a.running.Store(true)
	slog.Info("telegram bot connected", "username", bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					a.receive(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before another instance starts.
func (a *Adapter) Stop(_ context.Context) error {
	a.running.Store(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers a reply to a chat, splitting at the platform length cap.
func (a *Adapter) Send(ctx context.Context, recipient, text string) error {
	if a.bot == nil {
		return fmt.Errorf("telegram: bot not started")
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad recipient %q: %w", recipient, err)
	}
	for _, chunk := range channels.SplitMessage(text, maxMessageRunes) {
		if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram: send to %d: %w", chatID, err)
		}
	}
	return nil
}

// receive filters one update's message and hands it to the sink.
func (a *Adapter) receive(ctx context.Context, m *telego.Message) {
	if isServiceMessage(m) {
		return
	}
	if isGroupChat(m.Chat.Type) && !mentionsBot(m, a.bot.Username()) {
		return
	}

	msg, err := Normalize(m)
	if err != nil {
		slog.Debug("telegram message skipped", "reason", err)
		return
	}
	if !a.allow.Allows(allowCandidate(msg)) {
		slog.Debug("telegram sender rejected by allowlist", "sender", msg.Sender.ID)
		return
	}
	if _, err := a.sink.Submit(ctx, msg); err != nil && !errors.Is(err, pipeline.ErrDuplicateIntake) {
		slog.Error("telegram intake failed", "error", err)
	}
}

// Normalize maps one bot API message to the canonical intake form. The
// sender id is the chat id, so replies route back to the same conversation;
// the authoring user rides along in metadata.
func Normalize(m *telego.Message) (*intake.Message, error) {
	if m.From == nil {
		return nil, fmt.Errorf("telegram: message %d has no sender", m.MessageID)
	}
	if m.From.IsBot {
		return nil, fmt.Errorf("telegram: ignoring bot sender %d", m.From.ID)
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	userID := strconv.FormatInt(m.From.ID, 10)

	display := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if display == "" {
		display = m.From.Username
	}

	meta := map[string]string{
		"user_id":   userID,
		"chat_type": m.Chat.Type,
	}
	if m.From.Username != "" {
		meta["username"] = m.From.Username
	}

	return &intake.Message{
		Channel:           "telegram",
		Sender:            intake.Sender{ID: chatID, Display: display},
		Text:              strings.TrimSpace(text),
		Attachments:       normalizeAttachments(m),
		ProviderMessageID: chatID + ":" + strconv.Itoa(m.MessageID),
		ReceivedAt:        time.Unix(m.Date, 0).UTC(),
		Metadata:          meta,
	}, nil
}

// normalizeAttachments records media presence by kind. Bytes are not
// fetched; the bot API requires a getFile round trip and the pipeline only
// needs to know the message carried media.
func normalizeAttachments(m *telego.Message) []intake.Attachment {
	var atts []intake.Attachment
	if len(m.Photo) > 0 {
		atts = append(atts, intake.Attachment{Kind: intake.AttachmentImage, Name: "photo"})
	}
	if m.Document != nil {
		atts = append(atts, intake.Attachment{
			Kind: intake.AttachmentFile,
			Name: m.Document.FileName,
			MIME: m.Document.MimeType,
		})
	}
	if m.Voice != nil {
		atts = append(atts, intake.Attachment{Kind: intake.AttachmentAudio, Name: "voice"})
	}
	return atts
}

// allowCandidate builds the compound id|username form the allowlist matches
// against. The authoring user is the filtered identity, not the chat.
func allowCandidate(msg *intake.Message) string {
	id := msg.Metadata["user_id"]
	if u := msg.Metadata["username"]; u != "" {
		return id + "|" + u
	}
	return id
}

func isGroupChat(chatType string) bool {
	return chatType == "group" || chatType == "supergroup"
}

// isServiceMessage reports join/leave/pin style updates that carry no user
// content.
func isServiceMessage(m *telego.Message) bool {
	return m.Text == "" && m.Caption == "" &&
		len(m.Photo) == 0 && m.Document == nil && m.Voice == nil
}

// mentionsBot reports whether a group message addresses the bot: an
// explicit @mention entity, a /command@bot suffix, a plain-text @handle, or
// a reply to one of the bot's messages.
func mentionsBot(m *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	handle := "@" + strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{m.Entities, m.Text},
		{m.CaptionEntities, m.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Type != "mention" && entity.Type != "bot_command" {
				continue
			}
			end := entity.Offset + entity.Length
			if entity.Offset < 0 || end > len(pair.text) {
				continue
			}
			if strings.Contains(strings.ToLower(pair.text[entity.Offset:end]), handle) {
				return true
			}
		}
	}

	if strings.Contains(strings.ToLower(m.Text), handle) ||
		strings.Contains(strings.ToLower(m.Caption), handle) {
		return true
	}

	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil {
		return strings.EqualFold(m.ReplyToMessage.From.Username, botUsername)
	}
	return false
}
