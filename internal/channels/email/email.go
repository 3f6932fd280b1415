// Package email adapts a transactional mail provider: inbound mail arrives
// on the provider's parse webhook, signed with a shared secret; replies go
// out through the provider's HTTP send API.
package email

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
)

const (
	defaultAPIBase = "https://api.sendgrid.com/v3"

	// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
	signatureHeader = "X-Webhook-Signature"

	replySubject = "Re: your message"
)

// Adapter is the email channel.
type Adapter struct {
	cfg    config.EmailConfig
	sink   channels.Sink
	allow  channels.Allowlist
	client *http.Client
}

var _ channels.Webhook = (*Adapter)(nil)

// New creates the adapter.
func New(cfg config.EmailConfig, sink channels.Sink) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Enabled && cfg.WebhookSecret == "" {
		slog.Warn("email webhook secret not set, inbound signature checks disabled")
	}
	return &Adapter{
		cfg:    cfg,
		sink:   sink,
		allow:  channels.NewAllowlist(cfg.AllowFrom),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *Adapter) Name() string { return "email" }

func (a *Adapter) Path() string { return "/webhooks/email" }

// Inbound is the provider's parse-webhook payload.
type Inbound struct {
	MessageID string `json:"message_id"`
	From      struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"from"`
	To          string              `json:"to"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	Attachments []InboundAttachment `json:"attachments,omitempty"`
}

// InboundAttachment carries one decoded attachment. Content is base64 on
// the wire.
type InboundAttachment struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Content  []byte `json:"content"`
}

// Handler verifies, normalizes and enqueues one inbound delivery, then
// acknowledges. Processing happens in the worker; only an enqueue failure
// returns 5xx so the provider redelivers.
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
		if !a.verify(r.Header.Get(signatureHeader), body) {
			slog.Warn("email webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		var payload Inbound
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		msg, err := Normalize(payload)
		if err != nil {
			// The payload parsed but is not a deliverable message; a
			// redelivery would not improve it.
			slog.Warn("email message skipped", "reason", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		if !a.allow.Allows(msg.Sender.ID) {
			slog.Debug("email sender rejected by allowlist", "sender", msg.Sender.ID)
			w.WriteHeader(http.StatusOK)
			return
		}

		if _, err := a.sink.Submit(r.Context(), msg); err != nil {
			if errors.Is(err, pipeline.ErrDuplicateIntake) {
				w.WriteHeader(http.StatusOK)
				return
			}
			slog.Error("email intake failed", "error", err)
			http.Error(w, "intake failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// verify checks the hex HMAC-SHA256 of the raw body. An unset secret
// disables the check (flagged at construction).
func (a *Adapter) verify(sig string, body []byte) bool {
	if a.cfg.WebhookSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(sig)), "sha256=")
	return hmac.Equal([]byte(got), []byte(want))
}

// Normalize maps one parsed inbound mail to the canonical intake form. The
// sender id is the lowercased from-address, so replies route back to the
// author.
func Normalize(p Inbound) (*intake.Message, error) {
	from := strings.ToLower(strings.TrimSpace(p.From.Email))
	if from == "" {
		return nil, fmt.Errorf("email: inbound mail has no from address")
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("email: inbound mail has no message id")
	}

	text := strings.TrimSpace(p.Text)
	subject := strings.TrimSpace(p.Subject)
	if subject != "" {
		if text != "" {
			text = subject + "\n\n" + text
		} else {
			text = subject
		}
	}

	meta := map[string]string{}
	if subject != "" {
		meta["subject"] = subject
	}
	if p.To != "" {
		meta["to"] = p.To
	}

	var atts []intake.Attachment
	for _, att := range p.Attachments {
		if len(att.Content) == 0 {
			continue
		}
		atts = append(atts, intake.Attachment{
			Kind: attachmentKind(att.Type),
			MIME: att.Type,
			Name: att.Filename,
			Data: att.Content,
		})
	}

	return &intake.Message{
		Channel:           "email",
		Sender:            intake.Sender{ID: from, Display: strings.TrimSpace(p.From.Name)},
		Text:              text,
		Attachments:       atts,
		ProviderMessageID: p.MessageID,
		Metadata:          meta,
	}, nil
}

// Send delivers a plain-text reply through the provider's send API. A 5xx
// or transport failure is retried once before the delivery error surfaces
// on the item.
func (a *Adapter) Send(ctx context.Context, recipient, text string) error {
	if a.cfg.APIKey == "" {
		return fmt.Errorf("email: api key not configured")
	}
	if a.cfg.From == "" {
		return fmt.Errorf("email: from address not configured")
	}

	payload, err := json.Marshal(map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": recipient}}},
		},
		"from":    map[string]string{"email": a.cfg.From},
		"subject": replySubject,
		"content": []map[string]string{{"type": "text/plain", "value": text}},
	})
	if err != nil {
		return fmt.Errorf("email: marshal send payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

		lastErr = a.post(ctx, payload)
		if lastErr == nil {
			return nil
		}
		var re *retryableSendError
		if !errors.As(lastErr, &re) {
			return lastErr
		}
	}
	return lastErr
}

type retryableSendError struct{ err error }

func (e *retryableSendError) Error() string { return e.err.Error() }
func (e *retryableSendError) Unwrap() error { return e.err }

func (a *Adapter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.cfg.APIBase, "/")+"/mail/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("email: build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return &retryableSendError{fmt.Errorf("email: send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("email: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	if resp.StatusCode >= 500 {
		return &retryableSendError{err}
	}
	return err
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
