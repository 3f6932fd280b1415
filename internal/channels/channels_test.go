package channels

import (
	"strings"
	"testing"
)

// TestAllowlist_Allows verifies compound id|username matching on both the
// entry and the candidate side.
func TestAllowlist_Allows(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		sender  string
		want    bool
	}{
		{"empty list allows everyone", nil, "12345", true},
		{"exact id match", []string{"12345"}, "12345", true},
		{"id part of compound sender", []string{"12345"}, "12345|alice", true},
		{"username part of compound sender", []string{"alice"}, "12345|alice", true},
		{"at-prefixed entry matches username", []string{"@alice"}, "12345|alice", true},
		{"compound entry matches plain id", []string{"12345|alice"}, "12345", true},
		{"compound entry matches username side", []string{"12345|alice"}, "alice", true},
		{"unlisted sender rejected", []string{"12345"}, "99999", false},
		{"unlisted compound rejected", []string{"12345|alice"}, "99999|bob", false},
		{"whitespace entries ignored", []string{"  ", "12345"}, "12345", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAllowlist(tt.entries)
			if got := a.Allows(tt.sender); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.sender, got, tt.want)
			}
		})
	}
}

// TestTruncate verifies rune-safe shortening.
func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("got %q, want %q", got, "hello...")
	}
	// Multibyte text must not be cut mid-rune.
	got := Truncate("héllo wörld", 6)
	if !strings.HasPrefix(got, "héllo") || !strings.HasSuffix(got, "...") {
		t.Errorf("multibyte truncate broken: %q", got)
	}
}

// TestSplitMessage verifies chunking behavior for platform length caps.
func TestSplitMessage(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		chunks := SplitMessage("hi there", 100)
		if len(chunks) != 1 || chunks[0] != "hi there" {
			t.Errorf("got %#v", chunks)
		}
	})

	t.Run("breaks at newline past halfway", func(t *testing.T) {
		text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
		chunks := SplitMessage(text, 100)
		if len(chunks) != 2 {
			t.Fatalf("got %d chunks, want 2", len(chunks))
		}
		if chunks[0] != strings.Repeat("a", 60) {
			t.Errorf("first chunk = %q", chunks[0])
		}
		if chunks[1] != strings.Repeat("b", 60) {
			t.Errorf("second chunk = %q", chunks[1])
		}
	})

	t.Run("hard split without newlines", func(t *testing.T) {
		text := strings.Repeat("x", 250)
		chunks := SplitMessage(text, 100)
		if len(chunks) != 3 {
			t.Fatalf("got %d chunks, want 3", len(chunks))
		}
		for i, c := range chunks {
			if len([]rune(c)) > 100 {
				t.Errorf("chunk %d exceeds cap: %d runes", i, len([]rune(c)))
			}
		}
		if strings.Join(chunks, "") != text {
			t.Error("content lost in split")
		}
	})

	t.Run("multibyte text splits on rune boundaries", func(t *testing.T) {
		text := strings.Repeat("日本語テキスト", 30)
		chunks := SplitMessage(text, 50)
		if strings.Join(chunks, "") != text {
			t.Error("content lost in split")
		}
		for i, c := range chunks {
			if !strings.HasPrefix(c, "日") && !strings.HasPrefix(c, "本") &&
				!strings.HasPrefix(c, "語") && !strings.HasPrefix(c, "テ") &&
				!strings.HasPrefix(c, "キ") && !strings.HasPrefix(c, "ス") &&
				!strings.HasPrefix(c, "ト") {
				t.Errorf("chunk %d starts mid-rune: %q", i, c[:4])
			}
		}
	})
}
