// Package intake defines the canonical inbound message types shared by all
// channel adapters. Adapters normalize platform-specific events into an
// intake.Message exactly once; everything downstream treats it as immutable.
package intake

import (
	"fmt"
	"time"
)

// AttachmentKind classifies an attachment payload.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a media payload carried alongside the message text.
// Either URL or Data is set depending on how the platform delivers media.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url,omitempty"`
	MIME string         `json:"mime,omitempty"`
	Name string         `json:"name,omitempty"`
	Data []byte         `json:"data,omitempty"`
}

// Sender identifies the message author on the originating platform.
type Sender struct {
	ID      string `json:"id"`
	Display string `json:"display,omitempty"`
}

// AdminMeta is set at normalize time when the sender resolves to a trusted
// operator identity. It records which channel/value matched so downstream
// steps never re-resolve identity.
type AdminMeta struct {
	OperatorID     string `json:"operator_id"`
	MatchedChannel string `json:"matched_channel"`
	MatchedValue   string `json:"matched_value"`
}

// Message is a channel-normalized inbound event. Created once by a channel
// adapter, never mutated afterwards.
type Message struct {
	Channel           string            `json:"channel"`
	Sender            Sender            `json:"sender"`
	Text              string            `json:"text"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	ProviderMessageID string            `json:"provider_message_id"`
	ReceivedAt        time.Time         `json:"received_at"`
	Admin             *AdminMeta        `json:"admin,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// DedupKey returns the uniqueness key for intake: one item per provider
// message per channel, regardless of how many webhook deliveries arrive.
func (m *Message) DedupKey() string {
	return m.Channel + "/" + m.ProviderMessageID
}

// ChatKey returns the per-identity conversation key used by the chat
// history buffer.
func (m *Message) ChatKey() string {
	return "chat:" + m.Channel + ":" + m.Sender.ID
}

// IsAdmin reports whether the sender resolved to a trusted operator.
func (m *Message) IsAdmin() bool { return m.Admin != nil }

// Validate checks the fields every adapter must populate.
func (m *Message) Validate() error {
	if m.Channel == "" {
		return fmt.Errorf("intake: message has no channel")
	}
	if m.ProviderMessageID == "" {
		return fmt.Errorf("intake: message has no provider message id")
	}
	if m.Sender.ID == "" {
		return fmt.Errorf("intake: message has no sender id")
	}
	return nil
}
