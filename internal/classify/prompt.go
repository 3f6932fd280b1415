package classify

import (
	"fmt"
	"strings"

	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/providers"
)

// BuildPrompt assembles the classification prompt: a system message listing
// the known intents and the required output shape, plus the inbound message.
func BuildPrompt(msg intake.Message, known []Intent) []providers.Message {
	var sb strings.Builder

	sb.WriteString("You classify inbound customer messages for a business back office. ")
	sb.WriteString("Map the message to exactly one of the known intents and extract entities.\n\n")

	sb.WriteString("Known intents:\n")
	for _, in := range known {
		fmt.Fprintf(&sb, "- %s: %s\n", in.Name, in.Description)
	}
	sb.WriteString("- general: anything that does not match the intents above\n")

	sb.WriteString("\nRespond with ONLY a JSON object, no prose:\n")
	sb.WriteString(`{"intent": "<name>", "entities": {"<key>": "<value>"}, "confidence": <0.0-1.0>}` + "\n")
	sb.WriteString("\nEntities are flat string pairs: dates, times, names, emails, phone numbers, quantities, record identifiers. ")
	sb.WriteString("Confidence is how certain you are that the intent is right and the entities are complete.")

	if msg.IsAdmin() {
		sb.WriteString("\n\nThe sender is a verified operator. Operator messages may be terse commands that reference records directly; classify them at face value.")
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Channel: %s\n", msg.Channel)
	fmt.Fprintf(&user, "Message: %s", msg.Text)
	if n := len(msg.Attachments); n > 0 {
		fmt.Fprintf(&user, "\n(%d attachment(s) included)", n)
	}

	return []providers.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user.String()},
	}
}
