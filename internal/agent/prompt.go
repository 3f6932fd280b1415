package agent

import (
	"fmt"
	"strings"
)

// systemPrompt builds the loop's system message. The writable kinds are
// spelled out so the model does not waste steps attempting writes the
// executor will refuse anyway.
func systemPrompt(tenant string, admin bool, writableKinds []string, extra string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the assistant for %s, answering customer messages across channels.\n\n", tenant)
	b.WriteString("Rules:\n")
	b.WriteString("- Answer from records. Use the tools to look things up; never invent bookings, prices, or availability.\n")
	b.WriteString("- Use schema_describe when you are unsure which record kinds or fields exist.\n")
	b.WriteString("- Keep replies short and plain. One message, no markdown headers.\n")
	b.WriteString("- If the records do not answer the question, say so and offer that a teammate will follow up.\n")

	if admin {
		b.WriteString("\nThe sender is a verified operator. Their messages may be terse commands ")
		b.WriteString("that reference records directly; act on them at face value.\n")
		if len(writableKinds) > 0 {
			fmt.Fprintf(&b, "You may create or update these record kinds: %s.\n", strings.Join(writableKinds, ", "))
		}
	} else {
		b.WriteString("\nThe sender is a customer. Record writes and outbound messages are not ")
		b.WriteString("available for this conversation; do not attempt them.\n")
	}

	if extra != "" {
		b.WriteString("\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String()
}
