// Package protocol pins the wire contract between backline and its socket
// clients: the frames on the review event stream and on the in-app chat
// socket. Anything here is public API; changing a field or an event name is
// a breaking change and bumps Version.
package protocol

import "time"

// Version is the socket protocol version. Clients that care should compare
// it against the version reported by the server's health endpoint.
const Version = 1

// Review stream event names. One event is pushed per audit append, named
// after the pipeline activity that produced it.
const (
	EventItemState    = "item.state"
	EventItemDecision = "item.decision"
	EventItemExec     = "item.execution"
	EventItemDelivery = "item.delivery"
	EventItemWrite    = "item.tool_write"
	EventAudit        = "item.audit"
)

// StreamEvent is one frame on the review stream socket. Payload carries the
// audit entry that triggered the event.
type StreamEvent struct {
	Name    string    `json:"name"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// ReplyFrame is pushed over the in-app socket when the pipeline answers a
// user. Type is always "reply" today; clients should ignore unknown types.
type ReplyFrame struct {
	Type   string    `json:"type"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// InboundFrame is accepted on the in-app REST endpoint and, minus user_id
// (fixed by the connection), as a text frame on the in-app socket.
type InboundFrame struct {
	UserID    string `json:"user_id"`
	Display   string `json:"display,omitempty"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}
