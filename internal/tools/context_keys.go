package tools

import "context"

// Tool execution context keys.
// Per-call scope travels in context rather than on tool instances, keeping
// tools safe for concurrent execution. The executor injects these; tools
// read them during Execute().

type toolContextKey string

const (
	ctxTenant toolContextKey = "tool_tenant"
	ctxActor  toolContextKey = "tool_actor"
	ctxAdmin  toolContextKey = "tool_admin"
	ctxItemID toolContextKey = "tool_item_id"
	ctxPolicy toolContextKey = "tool_policy"
)

func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, ctxTenant, tenant)
}

func TenantFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenant).(string)
	return v
}

// WithActor records who the tool calls act on behalf of: the operator id
// when the sender resolved to one, otherwise "channel:sender_id".
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxActor, actor)
}

func ActorFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxActor).(string)
	return v
}

func WithAdmin(ctx context.Context, admin bool) context.Context {
	return context.WithValue(ctx, ctxAdmin, admin)
}

func AdminFromCtx(ctx context.Context) bool {
	v, _ := ctx.Value(ctxAdmin).(bool)
	return v
}

// WithItemID ties tool calls to the queue item an agent run serves, so
// audit entries trace back to the originating message.
func WithItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxItemID, id)
}

func ItemIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxItemID).(string)
	return v
}

func WithPolicy(ctx context.Context, p *Policy) context.Context {
	return context.WithValue(ctx, ctxPolicy, p)
}

// PolicyFromCtx returns the active tool policy, falling back to the default
// when no executor injected one (tests calling tools directly).
func PolicyFromCtx(ctx context.Context) *Policy {
	if v, ok := ctx.Value(ctxPolicy).(*Policy); ok && v != nil {
		return v
	}
	return DefaultPolicy()
}
