// Package sms adapts a Twilio-style SMS provider: inbound texts arrive on
// a form-encoded webhook signed with the account auth token, replies go out
// through the Messages API.
package sms

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
)

const (
	defaultAPIBase = "https://api.twilio.com"

	signatureHeader = "X-Twilio-Signature"

	// maxBodyRunes is the provider's concatenated-message body cap.
	maxBodyRunes = 1600
)

// Adapter is the SMS channel.
type Adapter struct {
	cfg    config.SMSConfig
	sink   channels.Sink
	allow  channels.Allowlist
	client *http.Client
}

var _ channels.Webhook = (*Adapter)(nil)

// New creates the adapter.
func New(cfg config.SMSConfig, sink channels.Sink) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Enabled && cfg.AuthToken == "" {
		slog.Warn("sms auth token not set, inbound signature checks disabled")
	}
	return &Adapter{
		cfg:    cfg,
		sink:   sink,
		allow:  channels.NewAllowlist(cfg.AllowFrom),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *Adapter) Name() string { return "sms" }

func (a *Adapter) Path() string { return "/webhooks/sms" }

// Inbound is the provider's inbound-message webhook form.
type Inbound struct {
	MessageSID string
	From       string
	To         string
	Body       string
}

// Handler verifies the provider signature, normalizes and enqueues, then
// acknowledges with an empty response. Only an enqueue failure returns 5xx
// so the provider redelivers.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if !a.verify(r) {
			slog.Warn("sms webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		payload := Inbound{
			MessageSID: r.PostFormValue("MessageSid"),
			From:       r.PostFormValue("From"),
			To:         r.PostFormValue("To"),
			Body:       r.PostFormValue("Body"),
		}

		msg, err := Normalize(payload)
		if err != nil {
			slog.Warn("sms message skipped", "reason", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		if !a.allow.Allows(msg.Sender.ID) {
			slog.Debug("sms sender rejected by allowlist", "sender", msg.Sender.ID)
			w.WriteHeader(http.StatusOK)
			return
		}

		if _, err := a.sink.Submit(r.Context(), msg); err != nil {
			if errors.Is(err, pipeline.ErrDuplicateIntake) {
				w.WriteHeader(http.StatusOK)
				return
			}
			slog.Error("sms intake failed", "error", err)
			http.Error(w, "intake failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// verify checks the provider's signature: base64 HMAC-SHA1 over the public
// request URL followed by the sorted form parameters, keyed with the auth
// token. An unset token disables the check (flagged at construction).
func (a *Adapter) verify(r *http.Request) bool {
	if a.cfg.AuthToken == "" {
		return true
	}
	want := Signature(a.cfg.AuthToken, requestURL(r), r.PostForm)
	got := strings.TrimSpace(r.Header.Get(signatureHeader))
	return hmac.Equal([]byte(got), []byte(want))
}

// Signature computes the provider's webhook signature for a request URL and
// form parameters.
func Signature(authToken, reqURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(reqURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// requestURL reconstructs the public URL the provider signed, honoring the
// proxy's forwarded scheme.
func requestURL(r *http.Request) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Normalize maps one inbound text to the canonical intake form. The sender
// id is the originating number, so replies route straight back.
func Normalize(p Inbound) (*intake.Message, error) {
	from := strings.TrimSpace(p.From)
	if from == "" {
		return nil, fmt.Errorf("sms: inbound text has no from number")
	}
	if p.MessageSID == "" {
		return nil, fmt.Errorf("sms: inbound text has no message sid")
	}

	meta := map[string]string{}
	if p.To != "" {
		meta["to"] = p.To
	}

	return &intake.Message{
		Channel:           "sms",
		Sender:            intake.Sender{ID: from},
		Text:              strings.TrimSpace(p.Body),
		ProviderMessageID: p.MessageSID,
		Metadata:          meta,
	}, nil
}

// Send delivers a reply through the Messages API, splitting at the body
// cap. A 5xx or transport failure is retried once.
func (a *Adapter) Send(ctx context.Context, recipient, text string) error {
	if a.cfg.AccountSID == "" || a.cfg.AuthToken == "" {
		return fmt.Errorf("sms: account credentials not configured")
	}
	if a.cfg.From == "" {
		return fmt.Errorf("sms: sending number not configured")
	}

	for _, chunk := range channels.SplitMessage(text, maxBodyRunes) {
		if err := a.sendOne(ctx, recipient, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendOne(ctx context.Context, recipient, body string) error {
	form := url.Values{
		"To":   {recipient},
		"From": {a.cfg.From},
		"Body": {body},
	}
	endpoint := strings.TrimRight(a.cfg.APIBase, "/") +
		"/2010-04-01/Accounts/" + a.cfg.AccountSID + "/Messages.json"

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

		var retryable bool
		retryable, lastErr = a.post(ctx, endpoint, form)
		if lastErr == nil {
			return nil
		}
		if !retryable {
			return lastErr
		}
	}
	return lastErr
}

func (a *Adapter) post(ctx context.Context, endpoint string, form url.Values) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("sms: build send request: %w", err)
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("sms: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("sms: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	return resp.StatusCode >= 500, err
}
