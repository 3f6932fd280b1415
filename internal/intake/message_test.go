package intake

import "testing"

// TestValidate verifies the fields every adapter must populate.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "complete",
			msg:  Message{Channel: "telegram", ProviderMessageID: "42", Sender: Sender{ID: "7"}},
		},
		{
			name:    "no channel",
			msg:     Message{ProviderMessageID: "42", Sender: Sender{ID: "7"}},
			wantErr: true,
		},
		{
			name:    "no provider message id",
			msg:     Message{Channel: "telegram", Sender: Sender{ID: "7"}},
			wantErr: true,
		},
		{
			name:    "no sender",
			msg:     Message{Channel: "telegram", ProviderMessageID: "42"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestDedupKey verifies the key is scoped per channel, so two platforms
// reusing the same provider id never collide.
func TestDedupKey(t *testing.T) {
	a := Message{Channel: "telegram", ProviderMessageID: "42"}
	b := Message{Channel: "discord", ProviderMessageID: "42"}
	if a.DedupKey() == b.DedupKey() {
		t.Errorf("keys collide across channels: %q", a.DedupKey())
	}
	if a.DedupKey() != (&Message{Channel: "telegram", ProviderMessageID: "42"}).DedupKey() {
		t.Error("key not stable for identical messages")
	}
}

// TestChatKey verifies history is partitioned per sender per channel.
func TestChatKey(t *testing.T) {
	a := Message{Channel: "telegram", Sender: Sender{ID: "7"}}
	b := Message{Channel: "telegram", Sender: Sender{ID: "8"}}
	if a.ChatKey() == b.ChatKey() {
		t.Errorf("chat keys collide across senders: %q", a.ChatKey())
	}
}

// TestIsAdmin verifies admin status comes only from resolved identity.
func TestIsAdmin(t *testing.T) {
	msg := Message{}
	if msg.IsAdmin() {
		t.Error("message without AdminMeta reported as admin")
	}
	msg.Admin = &AdminMeta{OperatorID: "ann"}
	if !msg.IsAdmin() {
		t.Error("message with AdminMeta not reported as admin")
	}
}
