package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// Some models leak reasoning tags or tool-call XML into their text content
// instead of using the structured tool-call channel. Replies go straight to
// customer channels, so those artifacts are stripped before anything is sent
// or buffered.

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

var toolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var toolXMLIndicators = []string{
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<invoke",
	"<parameter name=",
	"</parameter",
}

func sanitizeReply(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = stripToolXML(content)
	if content == "" {
		return ""
	}
	content = stripThinkingTags(content)
	content = collapseDuplicateBlocks(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized reply", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// stripToolXML drops replies containing XML-ish tool-call fragments. A model
// that emits tool markup as text is confused about the call channel, so the
// whole reply is discarded and the loop falls back rather than risk sending
// half a tool call to a customer.
func stripToolXML(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, ind := range toolXMLIndicators {
		if strings.Contains(lower, ind) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	cleaned := strings.TrimSpace(toolXMLPattern.ReplaceAllString(content, ""))
	slog.Warn("dropped reply containing tool-call markup",
		"original_len", len(content),
		"non_markup_len", len(cleaned),
	)
	return ""
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// collapseDuplicateBlocks removes consecutive repeated paragraphs, a common
// failure mode when a model re-emits its answer after a tool round.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}
