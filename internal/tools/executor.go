package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/providers"
	"github.com/backlinehq/backline/internal/store"
	"github.com/backlinehq/backline/internal/telemetry"
)

// defaultCallTimeout bounds a single tool call so one slow store query
// cannot eat the agent loop's whole budget.
const defaultCallTimeout = 10 * time.Second

// Executor runs tool calls from the agent loop behind a fixed guard
// sequence, the same for every call:
//
//  1. The tool must be registered and, when the call names a record kind,
//     the kind must be on the read whitelist (the stricter write whitelist
//     for write tools). Anything else fails with ErrToolNotAllowed.
//  2. The tenant scope comes from context and is injected into the call.
//     An argument-supplied tenant is discarded, never honored.
//  3. Write tools require a resolved operator identity, otherwise
//     ErrWriteForbidden.
//  4. Output fed back to the model has credential-looking fields redacted.
//  5. Output is truncated to the policy's byte cap (row caps apply inside
//     the query tools).
//  6. Every executed write is appended to the audit log with actor, tool
//     name and arguments.
type Executor struct {
	registry    *Registry
	audit       store.AuditLog
	policy      *Policy
	callTimeout time.Duration
}

func NewExecutor(registry *Registry, audit store.AuditLog, policy *Policy) *Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Executor{
		registry:    registry,
		audit:       audit,
		policy:      policy,
		callTimeout: defaultCallTimeout,
	}
}

// Policy returns the whitelist the executor enforces.
func (e *Executor) Policy() *Policy { return e.policy }

// Execute runs one tool call under the guard sequence. The returned Result
// is always non-nil; security rejections carry the matching sentinel on
// Result.Err so the loop can tell them apart from tool-internal errors.
func (e *Executor) Execute(ctx context.Context, call providers.ToolCall) *Result {
	tenant := TenantFromCtx(ctx)
	if tenant == "" {
		return ErrorResult("tool call rejected: no tenant scope").
			WithError(pipeline.ErrToolNotAllowed)
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return ErrorResult(fmt.Sprintf("tool %q is not available", call.Name)).
			WithError(pipeline.ErrToolNotAllowed)
	}

	args := cloneArgs(call.Arguments)
	// The tenant scope always comes from context. Drop a model-supplied
	// value so it cannot widen the scope or end up in the audit trail
	// looking authoritative.
	delete(args, "tenant")

	if kind := stringArg(args, "kind"); kind != "" {
		allowed := e.policy.ReadAllowed(kind)
		if tool.Writes() {
			allowed = e.policy.WriteAllowed(kind)
		}
		if !allowed {
			return ErrorResult(fmt.Sprintf("kind %q is not an allowed target for %s", kind, call.Name)).
				WithError(pipeline.ErrToolNotAllowed)
		}
	}

	if tool.Writes() && !AdminFromCtx(ctx) {
		return ErrorResult("write tools require an operator identity").
			WithError(pipeline.ErrWriteForbidden)
	}

	sctx, span := telemetry.Start(ctx, "tool."+call.Name,
		attribute.String("tool", call.Name),
		attribute.Bool("writes", tool.Writes()),
	)
	callCtx, cancel := context.WithTimeout(WithPolicy(sctx, e.policy), e.callTimeout)
	defer cancel()

	start := time.Now()
	res := tool.Execute(callCtx, args)
	if res == nil {
		res = ErrorResult("tool returned no result")
	}
	res.ForLLM = Truncate(RedactSensitive(res.ForLLM), e.policy.MaxResultBytes)
	telemetry.End(span, res.Err)

	slog.Debug("tool executed",
		"tool", call.Name,
		"tenant", tenant,
		"writes", tool.Writes(),
		"is_error", res.IsError,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if tool.Writes() && !res.IsError {
		e.auditWrite(ctx, call.Name, args)
	}

	return res
}

// toolWritePayload is the NewValue of a tool-write audit entry.
type toolWritePayload struct {
	ItemID    string                 `json:"item_id,omitempty"`
	Arguments map[string]interface{} `json:"arguments"`
}

// auditWrite records one executed write tool call. The side effect already
// happened, so an audit failure is logged loudly rather than returned.
func (e *Executor) auditWrite(ctx context.Context, toolName string, args map[string]interface{}) {
	if e.audit == nil {
		return
	}
	payload, err := json.Marshal(toolWritePayload{
		ItemID:    ItemIDFromCtx(ctx),
		Arguments: args,
	})
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(args)))
	}
	entry := &store.AuditEntry{
		Actor:      ActorFromCtx(ctx),
		Action:     store.AuditToolWrite,
		TargetKind: "tool",
		TargetID:   toolName,
		NewValue:   payload,
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		slog.Error("audit append failed for tool write", "tool", toolName, "error", err)
	}
}

func cloneArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
