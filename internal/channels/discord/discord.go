// Package discord runs the Discord bot over a gateway session and
// normalizes message events into intake messages. DMs are handled directly;
// guild messages only enter the pipeline when the bot is @mentioned.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
)

// maxMessageLen is Discord's per-message length cap.
const maxMessageLen = 2000

// Adapter is the Discord channel.
type Adapter struct {
	cfg   config.DiscordConfig
	sink  channels.Sink
	allow channels.Allowlist

	session   *discordgo.Session
	botUserID string
	baseCtx   context.Context
	running   atomic.Bool
}

var _ channels.Listener = (*Adapter)(nil)

// New creates the adapter. The gateway session is opened in Start.
func New(cfg config.DiscordConfig, sink channels.Sink) *Adapter {
	return &Adapter{cfg: cfg, sink: sink, allow: channels.NewAllowlist(cfg.AllowFrom)}
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) Running() bool { return a.running.Load() }

// Start opens the gateway connection and begins receiving message events.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("discord: token not configured")
	}

	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	a.baseCtx = ctx
	session.AddHandler(a.onMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}

	a.session = session
	a.botUserID = user.ID
	a.running.Store(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	a.running.Store(false)
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

// Send delivers a reply to a Discord channel, splitting at the length cap.
func (a *Adapter) Send(_ context.Context, recipient, text string) error {
	if a.session == nil {
		return fmt.Errorf("discord: session not started")
	}
	if recipient == "" {
		return fmt.Errorf("discord: empty recipient channel id")
	}
	for _, chunk := range channels.SplitMessage(text, maxMessageLen) {
		if _, err := a.session.ChannelMessageSend(recipient, chunk); err != nil {
			return fmt.Errorf("discord: send to %s: %w", recipient, err)
		}
	}
	return nil
}

// onMessage filters one gateway event and hands it to the sink.
func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.botUserID {
		return
	}
	if m.GuildID != "" && !mentionsUser(m.Mentions, a.botUserID) {
		return
	}

	msg, err := Normalize(m, a.botUserID)
	if err != nil {
		slog.Debug("discord message skipped", "reason", err)
		return
	}
	if !a.allow.Allows(allowCandidate(msg)) {
		slog.Debug("discord sender rejected by allowlist", "user_id", m.Author.ID)
		return
	}
	if _, err := a.sink.Submit(a.baseCtx, msg); err != nil && !errors.Is(err, pipeline.ErrDuplicateIntake) {
		slog.Error("discord intake failed", "error", err)
	}
}

// Normalize maps one gateway message to the canonical intake form. The
// sender id is the Discord channel id, so replies route back to the same
// conversation; the authoring user rides along in metadata.
func Normalize(m *discordgo.MessageCreate, botUserID string) (*intake.Message, error) {
	if m.Author == nil {
		return nil, fmt.Errorf("discord: message %s has no author", m.ID)
	}

	meta := map[string]string{
		"user_id":  m.Author.ID,
		"username": m.Author.Username,
	}
	if m.GuildID != "" {
		meta["guild_id"] = m.GuildID
	}

	var atts []intake.Attachment
	for _, att := range m.Attachments {
		atts = append(atts, intake.Attachment{
			Kind: attachmentKind(att.ContentType),
			URL:  att.URL,
			MIME: att.ContentType,
			Name: att.Filename,
		})
	}

	return &intake.Message{
		Channel:           "discord",
		Sender:            intake.Sender{ID: m.ChannelID, Display: displayName(m.Author)},
		Text:              stripMention(m.Content, botUserID),
		Attachments:       atts,
		ProviderMessageID: m.ID,
		ReceivedAt:        m.Timestamp.UTC(),
		Metadata:          meta,
	}, nil
}

// stripMention removes the bot's mention tokens so the pipeline classifies
// the request, not the addressing.
func stripMention(content, botUserID string) string {
	if botUserID != "" {
		content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	}
	return strings.TrimSpace(content)
}

func mentionsUser(mentions []*discordgo.User, userID string) bool {
	for _, u := range mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func attachmentKind(contentType string) intake.AttachmentKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return intake.AttachmentImage
	case strings.HasPrefix(contentType, "audio/"):
		return intake.AttachmentAudio
	default:
		return intake.AttachmentFile
	}
}

// allowCandidate builds the compound id|username form the allowlist matches
// against.
func allowCandidate(msg *intake.Message) string {
	id := msg.Metadata["user_id"]
	if u := msg.Metadata["username"]; u != "" {
		return id + "|" + u
	}
	return id
}
