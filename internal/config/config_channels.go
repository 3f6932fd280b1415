package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Telegram and Discord sender IDs are numeric, so allowlists tend to be
// written without quotes.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// ChannelsConfig enables and configures the channel adapters.
type ChannelsConfig struct {
	Email    EmailConfig    `json:"email,omitempty"`
	SMS      SMSConfig      `json:"sms,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Lark     LarkConfig     `json:"lark,omitempty"`
	InApp    InAppConfig    `json:"inapp,omitempty"`
}

// EmailConfig configures the inbound-parse webhook and outbound send API of
// the mail provider.
type EmailConfig struct {
	Enabled       bool                `json:"enabled,omitempty"`
	From          string              `json:"from,omitempty"`     // sender address for replies
	APIBase       string              `json:"api_base,omitempty"` // provider send endpoint
	AllowFrom     FlexibleStringSlice `json:"allow_from,omitempty"`
	APIKey        string              `json:"-"` // from env BACKLINE_EMAIL_API_KEY only
	WebhookSecret string              `json:"-"` // from env BACKLINE_EMAIL_WEBHOOK_SECRET only
}

// SMSConfig configures the SMS provider webhook and send API.
type SMSConfig struct {
	Enabled    bool                `json:"enabled,omitempty"`
	From       string              `json:"from,omitempty"` // sending number
	APIBase    string              `json:"api_base,omitempty"`
	AccountSID string              `json:"account_sid,omitempty"`
	AllowFrom  FlexibleStringSlice `json:"allow_from,omitempty"`
	AuthToken  string              `json:"-"` // from env BACKLINE_SMS_AUTH_TOKEN only
}

// TelegramConfig configures the Telegram bot adapter.
type TelegramConfig struct {
	Enabled   bool                `json:"enabled,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
	Token     string              `json:"-"` // from env BACKLINE_TELEGRAM_TOKEN only
}

// DiscordConfig configures the Discord bot adapter.
type DiscordConfig struct {
	Enabled   bool                `json:"enabled,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
	Token     string              `json:"-"` // from env BACKLINE_DISCORD_TOKEN only
}

// LarkConfig configures the Lark/Feishu adapter. Mode "webhook" receives
// events over HTTP; "socket" opens an outbound websocket so no public
// endpoint is needed.
type LarkConfig struct {
	Enabled           bool                `json:"enabled,omitempty"`
	Mode              string              `json:"mode,omitempty"`   // "webhook" (default) or "socket"
	Domain            string              `json:"domain,omitempty"` // "feishu" or "lark"
	AppID             string              `json:"app_id,omitempty"`
	AllowFrom         FlexibleStringSlice `json:"allow_from,omitempty"`
	AppSecret         string              `json:"-"` // from env BACKLINE_LARK_APP_SECRET only
	VerificationToken string              `json:"-"` // from env BACKLINE_LARK_VERIFICATION_TOKEN only
}

// SocketMode reports whether the adapter holds its own connection instead
// of receiving webhooks.
func (c LarkConfig) SocketMode() bool { return strings.EqualFold(c.Mode, "socket") }

// InAppConfig configures the in-app websocket channel.
type InAppConfig struct {
	Enabled   bool                `json:"enabled,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}
