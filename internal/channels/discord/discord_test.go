package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/backlinehq/backline/internal/intake"
)

const botID = "bot-1"

func guildMessage(content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-100",
			ChannelID: "chan-7",
			GuildID:   "guild-3",
			Content:   content,
			Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Author: &discordgo.User{
				ID:         "user-9",
				Username:   "alice",
				GlobalName: "Alice Ng",
			},
		},
	}
}

// TestNormalize_GuildMessage verifies the canonical mapping and mention
// stripping.
func TestNormalize_GuildMessage(t *testing.T) {
	m := guildMessage("<@bot-1> what are your opening hours?")

	msg, err := Normalize(m, botID)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if msg.Channel != "discord" {
		t.Errorf("channel = %q", msg.Channel)
	}
	if msg.Sender.ID != "chan-7" {
		t.Errorf("sender id = %q, want channel id", msg.Sender.ID)
	}
	if msg.Sender.Display != "Alice Ng" {
		t.Errorf("display = %q", msg.Sender.Display)
	}
	if msg.Text != "what are your opening hours?" {
		t.Errorf("mention not stripped: %q", msg.Text)
	}
	if msg.ProviderMessageID != "msg-100" {
		t.Errorf("provider message id = %q", msg.ProviderMessageID)
	}
	if msg.Metadata["user_id"] != "user-9" || msg.Metadata["guild_id"] != "guild-3" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

// TestNormalize_DMHasNoGuild verifies DMs omit guild metadata and keep the
// DM channel as the reply address.
func TestNormalize_DMHasNoGuild(t *testing.T) {
	m := guildMessage("hello")
	m.GuildID = ""

	msg, err := Normalize(m, botID)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if _, ok := msg.Metadata["guild_id"]; ok {
		t.Error("DM carries guild metadata")
	}
	if msg.Sender.ID != "chan-7" {
		t.Errorf("sender id = %q", msg.Sender.ID)
	}
}

// TestNormalize_Attachments verifies media kinds are classified by MIME.
func TestNormalize_Attachments(t *testing.T) {
	m := guildMessage("see attached")
	m.Attachments = []*discordgo.MessageAttachment{
		{URL: "https://cdn.example/a.png", ContentType: "image/png", Filename: "a.png"},
		{URL: "https://cdn.example/b.ogg", ContentType: "audio/ogg", Filename: "b.ogg"},
		{URL: "https://cdn.example/c.pdf", ContentType: "application/pdf", Filename: "c.pdf"},
	}

	msg, err := Normalize(m, botID)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msg.Attachments) != 3 {
		t.Fatalf("got %d attachments", len(msg.Attachments))
	}
	wantKinds := []intake.AttachmentKind{
		intake.AttachmentImage,
		intake.AttachmentAudio,
		intake.AttachmentFile,
	}
	for i, want := range wantKinds {
		if msg.Attachments[i].Kind != want {
			t.Errorf("attachment %d kind = %s, want %s", i, msg.Attachments[i].Kind, want)
		}
	}
}

// TestMentionsUser verifies the guild mention gate.
func TestMentionsUser(t *testing.T) {
	mentions := []*discordgo.User{{ID: "user-2"}, {ID: botID}}
	if !mentionsUser(mentions, botID) {
		t.Error("bot mention not detected")
	}
	if mentionsUser(mentions, "user-404") {
		t.Error("absent user reported as mentioned")
	}
	if mentionsUser(nil, botID) {
		t.Error("empty mentions reported as mentioned")
	}
}

// TestStripMention verifies both mention token forms are removed.
func TestStripMention(t *testing.T) {
	if got := stripMention("<@!bot-1> hi", botID); got != "hi" {
		t.Errorf("got %q", got)
	}
	if got := stripMention("no mentions here", botID); got != "no mentions here" {
		t.Errorf("got %q", got)
	}
}
