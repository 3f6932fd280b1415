package agent

import "testing"

// TestSanitizeReply verifies that reasoning tags, tool-call markup, and
// repeated paragraphs are stripped before a reply leaves the loop.
func TestSanitizeReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain reply untouched",
			in:   "Your booking is confirmed for 10:00.",
			want: "Your booking is confirmed for 10:00.",
		},
		{
			name: "thinking tags removed",
			in:   "<think>check the slot first</think>The 10:00 slot is free.",
			want: "The 10:00 slot is free.",
		},
		{
			name: "multiline thinking block",
			in:   "<thinking>\nstep 1\nstep 2\n</thinking>\nDone.",
			want: "Done.",
		},
		{
			name: "reply with tool markup dropped whole",
			in:   `<tool_call>{"name":"records_query"}</tool_call>We have two openings.`,
			want: "",
		},
		{
			name: "pure tool markup becomes empty",
			in:   `<function_call name="records_query"><parameter name="kind">slot</parameter></function_call>`,
			want: "",
		},
		{
			name: "duplicate paragraphs collapsed",
			in:   "See you Monday.\n\nSee you Monday.",
			want: "See you Monday.",
		},
		{
			name: "whitespace trimmed",
			in:   "\n\n  Thanks for reaching out.  \n",
			want: "Thanks for reaching out.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeReply(tt.in); got != tt.want {
				t.Errorf("sanitizeReply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
