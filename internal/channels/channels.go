// Package channels connects external messaging platforms to the pipeline.
// Each adapter normalizes its platform's inbound events into intake messages
// exactly once, hands them to the shared Intake sink, and delivers replies
// back through the platform's send API.
//
// Inbound arrival differs by transport: connection-mode adapters (Telegram,
// Discord, Lark socket mode) implement Listener and hold their own
// connection; HTTP-mode adapters (email, SMS, Lark webhook mode) implement
// Webhook and are mounted by the server.
package channels

import (
	"context"
	"net/http"
	"strings"
)

// Adapter is the common surface every channel exposes: a stable name and
// outbound delivery.
type Adapter interface {
	// Name returns the channel identifier ("email", "telegram", ...).
	Name() string

	// Send delivers one reply to a recipient address on this channel. The
	// recipient is whatever the adapter put in Sender.ID at normalize time,
	// so replies route back to the originating conversation.
	Send(ctx context.Context, recipient, text string) error
}

// Listener is an adapter that holds its own connection to the platform
// (long polling, gateway session, socket).
type Listener interface {
	Adapter

	// Start begins listening. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the connection down.
	Stop(ctx context.Context) error

	// Running reports whether the adapter is actively listening.
	Running() bool
}

// Webhook is an adapter that receives inbound events over HTTP. The server
// mounts Handler at Path. Handlers verify, normalize and enqueue, then
// acknowledge immediately; processing happens in the worker.
type Webhook interface {
	Adapter

	// Path returns the mount point ("/webhooks/email"). An empty path means
	// the adapter is not accepting webhooks in its current mode.
	Path() string

	Handler() http.Handler
}

// Allowlist is the per-channel sender filter. Empty means every sender is
// accepted. Entries and candidates may use the compound "id|username" form;
// a match on either side admits the sender.
type Allowlist []string

// NewAllowlist normalizes configured entries: whitespace trimmed, leading
// "@" stripped, empties dropped.
func NewAllowlist(entries []string) Allowlist {
	out := make(Allowlist, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimPrefix(strings.TrimSpace(e), "@")
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Allows reports whether the sender passes the filter.
func (a Allowlist) Allows(senderID string) bool {
	if len(a) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range a {
		allowedID := allowed
		allowedUser := ""
		if idx := strings.Index(allowed, "|"); idx > 0 {
			allowedID = allowed[:idx]
			allowedUser = allowed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// Truncate shortens a string to at most max runes, appending "..." when cut.
// Used for log previews.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// SplitMessage breaks text into chunks of at most max runes so replies fit
// a platform's message length cap. Chunks prefer to break at the last
// newline past the halfway mark, so paragraphs survive the split.
func SplitMessage(text string, max int) []string {
	r := []rune(text)
	if len(r) <= max {
		return []string{text}
	}

	var chunks []string
	for len(r) > max {
		cut := max
		for i := max - 1; i > max/2; i-- {
			if r[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(r[:cut]), "\n"))
		for cut < len(r) && r[cut] == '\n' {
			cut++
		}
		r = r[cut:]
	}
	if len(r) > 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}
