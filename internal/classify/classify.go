// Package classify turns an inbound message into a structured Understanding
// (intent, entities, confidence) using a fast LLM call.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/providers"
)

const defaultTimeout = 3 * time.Second

// Chatter is the slice of the provider interface the classifier needs.
type Chatter interface {
	Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
}

// Intent is one recognized intent presented to the model.
type Intent struct {
	Name        string
	Description string
}

// Classifier extracts structured intent from inbound messages.
type Classifier struct {
	chatter Chatter
	model   string
	timeout time.Duration
}

// New creates a Classifier. model may be empty to use the provider default;
// timeout <= 0 falls back to 3s.
func New(chatter Chatter, model string, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Classifier{chatter: chatter, model: model, timeout: timeout}
}

// Classify analyses the message against the known intents. Errors are
// returned to the caller; a failed classification is retried by the queue,
// not silently swallowed.
func (c *Classifier) Classify(ctx context.Context, msg intake.Message, known []Intent) (*pipeline.Understanding, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.chatter.Chat(ctx, providers.ChatRequest{
		Messages: BuildPrompt(msg, known),
		Model:    c.model,
		Options: map[string]interface{}{
			providers.OptTemperature: 0.0,
			providers.OptMaxTokens:   512,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	u, err := parseUnderstanding(resp.Content)
	if err != nil {
		slog.Warn("classifier returned unparseable output", "error", err, "response", resp.Content)
		return nil, fmt.Errorf("classify: %w", err)
	}
	return u, nil
}

// parseUnderstanding extracts the JSON object from the model output.
// Models occasionally wrap JSON in markdown fences or prose; take the
// outermost braces.
func parseUnderstanding(raw string) (*pipeline.Understanding, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var u pipeline.Understanding
	if err := json.Unmarshal([]byte(raw[start:end+1]), &u); err != nil {
		return nil, fmt.Errorf("decode understanding: %w", err)
	}

	u.Intent = strings.ToLower(strings.TrimSpace(u.Intent))
	if u.Intent == "" {
		return nil, fmt.Errorf("empty intent in response")
	}
	if u.Confidence < 0 {
		u.Confidence = 0
	}
	if u.Confidence > 1 {
		u.Confidence = 1
	}
	return &u, nil
}
