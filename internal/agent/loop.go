// Package agent runs the bounded tool-calling loop that answers general
// inquiries and operator commands. One run is one inbound message: the
// loop reads the conversation buffer, iterates the model against the tool
// surface, and returns a final reply plus every side effect it performed.
package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/providers"
	"github.com/backlinehq/backline/internal/store"
	"github.com/backlinehq/backline/internal/telemetry"
	"github.com/backlinehq/backline/internal/tools"
)

// FallbackReply is returned when the loop exhausts its step or time budget
// without producing an answer.
const FallbackReply = "Sorry, I could not finish handling this message. A teammate will follow up shortly."

const (
	defaultMaxSteps   = 7
	defaultTimeBudget = 50 * time.Second
	defaultMaxTokens  = 1024
)

// Loop is the agent execution loop. Think, act, observe, with every tool
// call routed through the executor's guard sequence.
type Loop struct {
	provider  providers.Provider
	model     string
	registry  *tools.Registry
	executor  *tools.Executor
	chat      store.ChatHistoryStore
	tenant    string
	maxSteps  int
	budget    time.Duration
	maxTokens int
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider  providers.Provider
	Model     string // empty = provider default
	Registry  *tools.Registry
	Executor  *tools.Executor
	Chat      store.ChatHistoryStore
	Tenant    string
	MaxSteps  int
	Budget    time.Duration
	MaxTokens int
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.Budget <= 0 {
		cfg.Budget = defaultTimeBudget
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Model == "" && cfg.Provider != nil {
		cfg.Model = cfg.Provider.DefaultModel()
	}
	return &Loop{
		provider:  cfg.Provider,
		model:     cfg.Model,
		registry:  cfg.Registry,
		executor:  cfg.Executor,
		chat:      cfg.Chat,
		tenant:    cfg.Tenant,
		maxSteps:  cfg.MaxSteps,
		budget:    cfg.Budget,
		maxTokens: cfg.MaxTokens,
	}
}

// RunRequest is one inbound message for the loop to answer.
type RunRequest struct {
	// ItemID ties the run's audit entries to the originating queue item.
	ItemID string

	Message intake.Message

	// Extra is appended to the system prompt, e.g. the classifier's
	// reading of an operator command.
	Extra string
}

// SideEffect describes one write a run performed through a tool.
type SideEffect struct {
	Tool    string `json:"tool"`
	Summary string `json:"summary"`
}

// RunResult is the final reply plus everything the run changed.
type RunResult struct {
	Reply       string
	Steps       int
	SideEffects []SideEffect
	Usage       providers.Usage
}

// Run processes one message through the loop. It blocks until the model
// answers or the budget runs out; budget exhaustion produces the fallback
// reply, not an error. An error return means nothing happened yet and the
// caller may safely retry.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.budget)
	defer cancel()

	actor := req.Message.Channel + ":" + req.Message.Sender.ID
	if req.Message.Admin != nil {
		actor = req.Message.Admin.OperatorID
	}
	ctx = tools.WithTenant(ctx, l.tenant)
	ctx = tools.WithActor(ctx, actor)
	ctx = tools.WithAdmin(ctx, req.Message.IsAdmin())
	if req.ItemID != "" {
		ctx = tools.WithItemID(ctx, req.ItemID)
	}

	chatKey := req.Message.ChatKey()
	history, err := l.chat.History(ctx, chatKey)
	if err != nil {
		slog.Warn("chat history unavailable", "key", chatKey, "error", err)
	}

	messages := l.buildMessages(history, req)
	defs := l.registry.Definitions()

	var (
		usage   providers.Usage
		effects []SideEffect
		reply   string
		steps   int
	)

	for steps < l.maxSteps && ctx.Err() == nil {
		steps++
		slog.Debug("agent step", "item", req.ItemID, "step", steps, "messages", len(messages))

		sctx, span := telemetry.Start(ctx, "agent.step",
			attribute.Int("step", steps),
			attribute.String("item.id", req.ItemID),
		)
		resp, err := l.provider.Chat(sctx, providers.ChatRequest{
			Messages: messages,
			Tools:    defs,
			Model:    l.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   l.maxTokens,
				providers.OptTemperature: 0.3,
			},
		})
		if err != nil {
			telemetry.End(span, err)
			// Once a write happened, a retry would redo it. Degrade to the
			// fallback reply instead of surfacing a retryable error.
			if ctx.Err() != nil || len(effects) > 0 {
				slog.Warn("agent run degraded", "item", req.ItemID, "step", steps, "error", err)
				break
			}
			return nil, fmt.Errorf("agent chat (step %d): %w", steps, err)
		}
		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			reply = sanitizeReply(resp.Content)
			telemetry.End(span, nil)
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			slog.Info("tool call", "item", req.ItemID, "tool", tc.Name)
			res := l.executor.Execute(sctx, tc)
			if res.IsError {
				errMsg := res.ForLLM
				if len(errMsg) > 200 {
					errMsg = errMsg[:200] + "..."
				}
				slog.Warn("tool error", "item", req.ItemID, "tool", tc.Name, "error", errMsg)
			} else if t, ok := l.registry.Get(tc.Name); ok && t.Writes() {
				effects = append(effects, SideEffect{Tool: tc.Name, Summary: res.ForLLM})
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: tc.ID,
			})
		}
		telemetry.End(span, nil)
	}

	if reply == "" {
		slog.Info("agent loop stopped without an answer", "item", req.ItemID, "steps", steps)
		reply = FallbackReply
	}

	// Flush the two conversational turns even when the budget context is
	// already dead. Tool traffic stays out of the buffer.
	now := time.Now().UTC()
	if err := l.chat.Append(context.WithoutCancel(ctx), chatKey,
		store.ChatTurn{Role: "user", Content: req.Message.Text, At: now},
		store.ChatTurn{Role: "assistant", Content: reply, At: now},
	); err != nil {
		slog.Warn("chat history append failed", "key", chatKey, "error", err)
	}

	return &RunResult{
		Reply:       reply,
		Steps:       steps,
		SideEffects: effects,
		Usage:       usage,
	}, nil
}

// buildMessages assembles the system prompt, the buffered history, and the
// current message with any image attachments.
func (l *Loop) buildMessages(history []store.ChatTurn, req RunRequest) []providers.Message {
	messages := []providers.Message{{
		Role:    "system",
		Content: systemPrompt(l.tenant, req.Message.IsAdmin(), l.executor.Policy().WriteKinds(), req.Extra),
	}}

	for _, turn := range history {
		messages = append(messages, providers.Message{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	current := providers.Message{Role: "user", Content: req.Message.Text}
	for _, att := range req.Message.Attachments {
		if att.Kind != intake.AttachmentImage || len(att.Data) == 0 {
			continue
		}
		current.Images = append(current.Images, providers.ImageContent{
			MimeType: att.MIME,
			Data:     base64.StdEncoding.EncodeToString(att.Data),
		})
	}
	messages = append(messages, current)
	return messages
}
