package tools

import (
	"context"
	"fmt"
	"log/slog"
)

// Sender delivers an outbound message on a channel. The channel manager
// implements this.
type Sender interface {
	Send(ctx context.Context, channel, recipient, text string) error
}

// SendMessageTool delivers a message to a recipient on one of the
// configured channels. It is a write tool: operator-gated and audited,
// since an unchecked outbound path is a spam and exfiltration vector.
type SendMessageTool struct {
	sender Sender
}

func NewSendMessageTool(sender Sender) *SendMessageTool {
	return &SendMessageTool{sender: sender}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to a recipient on a configured channel (email, sms, " +
		"telegram, discord, lark, inapp). Use this only when the user must be " +
		"reached outside the current conversation."
}

func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Channel name, e.g. email, sms, telegram",
			},
			"recipient": map[string]interface{}{
				"type":        "string",
				"description": "Channel-native recipient address or id",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message body",
			},
		},
		"required": []string{"channel", "recipient", "text"},
	}
}

func (t *SendMessageTool) Writes() bool { return true }

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	channel := stringArg(args, "channel")
	recipient := stringArg(args, "recipient")
	text := stringArg(args, "text")
	if channel == "" || recipient == "" || text == "" {
		return ErrorResult("send_message requires channel, recipient and text")
	}

	if err := t.sender.Send(ctx, channel, recipient, text); err != nil {
		slog.Warn("outbound send failed", "channel", channel, "error", err)
		return ErrorResult(fmt.Sprintf("send failed: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("message sent to %s on %s", recipient, channel))
}
