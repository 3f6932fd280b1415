// Package orchestrator drives one claimed queue item through the pipeline:
// ack, understand, lookup, propose, approve, execute, acknowledge, audit.
// The item is persisted after every step, so a crashed pass resumes at the
// last completed step instead of redoing work. Dispatch goes to the module
// registered for the understood intent; operator messages and general
// chatter with no module go to the agent loop; everything else falls back
// to manual review.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/backlinehq/backline/internal/agent"
	"github.com/backlinehq/backline/internal/classify"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/modules"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
	"github.com/backlinehq/backline/internal/telemetry"
)

const (
	defaultStepTimeout  = 10 * time.Second
	defaultTotalTimeout = 60 * time.Second

	defaultAutoApprove  = 0.8
	defaultManualReview = 0.5
	defaultQuarantine   = 0.25

	// agentModuleID marks proposals produced by the agent loop rather than
	// a registered module.
	agentModuleID = "agent"

	// pipelineActor is the audit actor for steps the pipeline performs on
	// its own (transitions, executions, deliveries).
	pipelineActor = "pipeline"
)

// Sentinel errors the review surface branches on.
var (
	ErrItemNotFound = errors.New("item not found")
	ErrNotPending   = errors.New("item is not awaiting review")
)

// Classifier produces the item's Understanding. *classify.Classifier
// satisfies this.
type Classifier interface {
	Classify(ctx context.Context, msg intake.Message, known []classify.Intent) (*pipeline.Understanding, error)
}

// AgentRunner handles a message with the bounded tool-calling loop.
// *agent.Loop satisfies this.
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Config wires the orchestrator. Queue, Audit, Registry, Classifier, Agent
// and Sender are required; zero thresholds and timeouts take defaults.
type Config struct {
	Queue      store.QueueStore
	Audit      store.AuditLog
	Records    store.RecordStore
	Registry   *modules.Registry
	Fallback   modules.Module // nil = modules.NewManualReview()
	Classifier Classifier
	Agent      AgentRunner
	Sender     modules.Sender

	Tenant string

	// Confidence thresholds, evaluated at the approval step.
	AutoApprove  float64 // >= : auto-approvable proposals skip review
	ManualReview float64 // <  : parked proposals carry the quarantine flag
	Quarantine   float64 // <  : dead-lettered for inspection

	StepTimeout  time.Duration
	TotalTimeout time.Duration
}

// Orchestrator processes claimed items and records review decisions.
type Orchestrator struct {
	queue      store.QueueStore
	auditLog   store.AuditLog
	records    store.RecordStore
	registry   *modules.Registry
	fallback   modules.Module
	classifier Classifier
	agent      AgentRunner
	sender     modules.Sender

	tenant       string
	autoApprove  float64
	manualReview float64
	quarantine   float64
	stepTimeout  time.Duration
	totalTimeout time.Duration
}

// New builds an Orchestrator from cfg, applying defaults for unset tuning.
func New(cfg Config) *Orchestrator {
	if cfg.Fallback == nil {
		cfg.Fallback = modules.NewManualReview()
	}
	if cfg.AutoApprove <= 0 {
		cfg.AutoApprove = defaultAutoApprove
	}
	if cfg.ManualReview <= 0 {
		cfg.ManualReview = defaultManualReview
	}
	if cfg.Quarantine <= 0 {
		cfg.Quarantine = defaultQuarantine
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = defaultTotalTimeout
	}
	return &Orchestrator{
		queue:        cfg.Queue,
		auditLog:     cfg.Audit,
		records:      cfg.Records,
		registry:     cfg.Registry,
		fallback:     cfg.Fallback,
		classifier:   cfg.Classifier,
		agent:        cfg.Agent,
		sender:       cfg.Sender,
		tenant:       cfg.Tenant,
		autoApprove:  cfg.AutoApprove,
		manualReview: cfg.ManualReview,
		quarantine:   cfg.Quarantine,
		stepTimeout:  cfg.StepTimeout,
		totalTimeout: cfg.TotalTimeout,
	}
}

// stepError tags a failure with the step that produced it, for the error
// history and the tick summary.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// Process runs one pass over a claimed item: as far as a terminal state,
// to PROPOSED awaiting review, or to a failure outcome with retry
// accounting. The returned item reflects what was persisted. The error
// return is reserved for infrastructure trouble recording the outcome;
// step failures are encoded in the item itself.
func (o *Orchestrator) Process(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, o.totalTimeout)
	defer cancel()

	pctx, span := telemetry.Start(ctx, "pipeline.pass",
		attribute.String("item.id", item.ID.String()),
		attribute.String("channel", item.Channel),
	)
	start := time.Now()
	err := o.drive(pctx, item)
	telemetry.End(span, err)

	var out store.Outcome
	if err != nil {
		step := "pipeline"
		var se *stepError
		if errors.As(err, &se) {
			step = se.step
		}
		retryable := pipeline.IsRetryable(err)
		out.Failure = &store.StepFailure{Step: step, Message: err.Error(), Retryable: retryable}
		slog.Warn("processing pass failed",
			"item", item.ID,
			"step", step,
			"retryable", retryable,
			"error", err,
		)
	}

	if rerr := o.queue.RecordOutcome(ctx, item, out); rerr != nil {
		return item, fmt.Errorf("record outcome for %s: %w", item.ID, rerr)
	}

	slog.Info("processing pass finished",
		"item", item.ID,
		"state", item.State,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return item, nil
}

// drive advances the item until it parks, terminates, or a step fails.
func (o *Orchestrator) drive(ctx context.Context, item *pipeline.Item) error {
	for {
		if err := ctx.Err(); err != nil {
			return &stepError{"pipeline", pipeline.Transient("pipeline timeout", err)}
		}

		switch item.State {
		case pipeline.StateReceived:
			if err := o.step(ctx, "ack", item, o.stepAck); err != nil {
				return &stepError{"ack", err}
			}
		case pipeline.StateAcked:
			if err := o.step(ctx, "understand", item, o.stepUnderstand); err != nil {
				return &stepError{"understand", err}
			}
		case pipeline.StateUnderstood:
			if err := o.step(ctx, "resolve", item, o.stepResolve); err != nil {
				return &stepError{"resolve", err}
			}
		case pipeline.StateProposed:
			actx, span := telemetry.Start(ctx, "pipeline.approve",
				attribute.String("item.id", item.ID.String()))
			parked, err := o.stepApprove(actx, item)
			telemetry.End(span, err)
			if err != nil {
				return &stepError{"approve", err}
			}
			if parked {
				return nil
			}
		case pipeline.StateApproved, pipeline.StateModified:
			if err := o.step(ctx, "execute", item, o.stepExecute); err != nil {
				return &stepError{"execute", err}
			}
		case pipeline.StateExecuted:
			if err := o.step(ctx, "finish", item, o.stepFinish); err != nil {
				return &stepError{"finish", err}
			}
		case pipeline.StateFailed:
			// A reclaimed retry: back to RECEIVED, then fast-forward past
			// the steps whose payloads are already persisted.
			if err := o.transition(ctx, item, pipeline.StateReceived); err != nil {
				return &stepError{"retry", err}
			}
		default:
			return nil
		}

		if item.State.Terminal() {
			return nil
		}
	}
}

// step runs one pipeline step under a span.
func (o *Orchestrator) step(ctx context.Context, name string, item *pipeline.Item, fn func(context.Context, *pipeline.Item) error) error {
	sctx, span := telemetry.Start(ctx, "pipeline."+name,
		attribute.String("item.id", item.ID.String()))
	err := fn(sctx, item)
	telemetry.End(span, err)
	return err
}

// stepAck validates what every adapter must have populated. A message that
// fails here can never process, so the error dead-letters.
func (o *Orchestrator) stepAck(ctx context.Context, item *pipeline.Item) error {
	if err := item.Message.Validate(); err != nil {
		return pipeline.Validationf("%v", err)
	}
	if strings.TrimSpace(item.Message.Text) == "" && len(item.Message.Attachments) == 0 {
		return pipeline.Validationf("message has no text and no attachments")
	}
	return o.transition(ctx, item, pipeline.StateAcked)
}

func (o *Orchestrator) stepUnderstand(ctx context.Context, item *pipeline.Item) error {
	if item.Understanding != nil {
		return o.transition(ctx, item, pipeline.StateUnderstood)
	}

	sctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	u, err := o.classifier.Classify(sctx, item.Message, o.knownIntents())
	if err != nil {
		return pipeline.Transient("classify", err)
	}

	item.Understanding = u
	slog.Debug("message understood",
		"item", item.ID,
		"intent", u.Intent,
		"confidence", u.Confidence,
	)
	return o.transition(ctx, item, pipeline.StateUnderstood)
}

// stepResolve turns the understanding into a proposal: via the matched
// module, via the agent loop for operators and general chatter, or via the
// manual-review fallback.
func (o *Orchestrator) stepResolve(ctx context.Context, item *pipeline.Item) error {
	if item.Proposal != nil {
		return o.transition(ctx, item, pipeline.StateProposed)
	}

	intent := item.Understanding.Intent
	if mod, ok := o.registry.Match(intent); ok {
		return o.resolveWithModule(ctx, item, mod)
	}
	if item.Message.IsAdmin() || intent == "general" || intent == "unknown" {
		return o.resolveWithAgent(ctx, item)
	}
	return o.resolveWithModule(ctx, item, o.fallback)
}

func (o *Orchestrator) resolveWithModule(ctx context.Context, item *pipeline.Item, mod modules.Module) error {
	ex := o.exchange(item)

	if len(item.Lookup) == 0 {
		sctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		err := mod.Lookup(sctx, ex)
		cancel()
		if err != nil {
			return err
		}
		if err := o.queue.SaveProgress(ctx, item); err != nil {
			return pipeline.Transient("save lookup", err)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	err := mod.Propose(sctx, ex)
	cancel()
	if err != nil {
		return err
	}
	if item.Proposal == nil {
		return pipeline.Validationf("module %q proposed nothing", mod.Descriptor().ID)
	}
	return o.transition(ctx, item, pipeline.StateProposed)
}

// agentOutcome is the Lookup payload for agent-handled items. It carries
// the reply through to the acknowledge step across crash-resume.
type agentOutcome struct {
	Reply       string             `json:"reply"`
	Steps       int                `json:"steps"`
	SideEffects []agent.SideEffect `json:"side_effects,omitempty"`
}

// resolveWithAgent covers lookup through execute in one bounded loop run.
// An error return from the loop means nothing happened yet, so it is safe
// to retry the whole step; once the loop returns a result its side effects
// have already happened and the rest of the pipeline is bookkeeping.
func (o *Orchestrator) resolveWithAgent(ctx context.Context, item *pipeline.Item) error {
	res, err := o.agent.Run(ctx, agent.RunRequest{
		ItemID:  item.ID.String(),
		Message: item.Message,
		Extra:   classifierNote(item.Understanding),
	})
	if err != nil {
		return pipeline.Transient("agent loop", err)
	}

	raw, err := json.Marshal(agentOutcome{Reply: res.Reply, Steps: res.Steps, SideEffects: res.SideEffects})
	if err != nil {
		return fmt.Errorf("encode agent outcome: %w", err)
	}
	item.Lookup = raw
	item.Proposal = &pipeline.Proposal{
		ModuleID:       agentModuleID,
		Summary:        agentSummary(res),
		AutoApprovable: true,
	}
	return o.transition(ctx, item, pipeline.StateProposed)
}

// stepApprove decides the proposal's fate: resume a recorded decision,
// self-authorize operators, auto-approve confident read-safe proposals,
// dead-letter the hopeless, or park for human review.
func (o *Orchestrator) stepApprove(ctx context.Context, item *pipeline.Item) (bool, error) {
	if item.Decision != nil {
		target, err := verdictState(item.Decision.Verdict)
		if err != nil {
			return false, err
		}
		return false, o.transition(ctx, item, target)
	}

	conf := item.Confidence()
	switch {
	case item.Proposal.ModuleID == agentModuleID:
		// The loop already enforced its own boundary: whitelisted tools,
		// operator-gated writes, per-write audit. Confidence gating here
		// would only park a reply that is already safe.
		o.decide(ctx, item, agentModuleID, "handled by the bounded agent loop")

	case item.Message.IsAdmin():
		o.decide(ctx, item, item.Message.Admin.OperatorID, "operator request")

	case conf < o.quarantine:
		return false, pipeline.Validationf("confidence %.2f below quarantine floor %.2f", conf, o.quarantine)

	case item.Proposal.AutoApprovable && conf >= o.autoApprove:
		o.decide(ctx, item, "auto", fmt.Sprintf("confidence %.2f meets the auto-approve threshold", conf))

	default:
		if conf < o.manualReview {
			item.Proposal.Quarantined = true
		}
		if err := o.queue.SaveProgress(ctx, item); err != nil {
			return false, pipeline.Transient("save proposal", err)
		}
		slog.Info("item parked for review",
			"item", item.ID,
			"module", item.Proposal.ModuleID,
			"confidence", conf,
			"quarantined", item.Proposal.Quarantined,
		)
		return true, nil
	}

	return false, o.transition(ctx, item, pipeline.StateApproved)
}

// decide records an automatic approval on the item and in the audit log.
func (o *Orchestrator) decide(ctx context.Context, item *pipeline.Item, by, reason string) {
	item.Decision = &pipeline.Decision{
		Verdict:   pipeline.VerdictApproved,
		DecidedBy: by,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	o.auditDecision(ctx, item)
}

func (o *Orchestrator) stepExecute(ctx context.Context, item *pipeline.Item) error {
	if item.Execution != nil {
		return o.transition(ctx, item, pipeline.StateExecuted)
	}

	if item.Proposal.ModuleID == agentModuleID {
		var out agentOutcome
		_ = json.Unmarshal(item.Lookup, &out)
		detail := "agent loop, read only"
		if n := len(out.SideEffects); n > 0 {
			detail = fmt.Sprintf("agent loop, %d tool write(s)", n)
		}
		item.Execution = &pipeline.Execution{OK: true, Detail: detail, At: time.Now().UTC()}
	} else {
		mod, err := o.moduleForItem(item)
		if err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		err = mod.Execute(sctx, o.exchange(item))
		cancel()
		if err != nil {
			return err
		}
		if item.Execution == nil {
			return pipeline.Validationf("module %q executed without recording an execution", item.Proposal.ModuleID)
		}
	}

	raw, _ := json.Marshal(item.Execution)
	o.audit(ctx, &store.AuditEntry{
		Action:     store.AuditExecution,
		TargetKind: "item",
		TargetID:   item.ID.String(),
		NewValue:   raw,
		Reason:     item.Proposal.Summary,
	})
	return o.transition(ctx, item, pipeline.StateExecuted)
}

// stepFinish delivers the acknowledgment and closes the item. A delivery
// failure is recorded and audited but never rolls back the execution; the
// item still reaches AUDITED. A crash between the send and the final
// persist re-sends on resume, so acknowledgment delivery is at-least-once.
func (o *Orchestrator) stepFinish(ctx context.Context, item *pipeline.Item) error {
	reply, err := o.acknowledge(ctx, item)
	if err != nil {
		item.DeliveryError = err.Error()
		slog.Error("acknowledgment delivery failed",
			"item", item.ID,
			"channel", item.Channel,
			"error", err,
		)
		o.audit(ctx, &store.AuditEntry{
			Action:     store.AuditDelivery,
			TargetKind: "item",
			TargetID:   item.ID.String(),
			Reason:     err.Error(),
		})
	} else if reply != "" {
		raw, _ := json.Marshal(map[string]string{"reply": reply})
		o.audit(ctx, &store.AuditEntry{
			Action:     store.AuditDelivery,
			TargetKind: "item",
			TargetID:   item.ID.String(),
			NewValue:   raw,
		})
	}

	return o.transition(ctx, item, pipeline.StateAudited)
}

func (o *Orchestrator) acknowledge(ctx context.Context, item *pipeline.Item) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	if item.Proposal.ModuleID == agentModuleID {
		var out agentOutcome
		if err := json.Unmarshal(item.Lookup, &out); err != nil {
			return "", fmt.Errorf("agent outcome: %w", err)
		}
		reply := out.Reply
		if reply == "" {
			reply = agent.FallbackReply
		}
		return reply, o.sender.Send(sctx, item.Channel, item.Message.Sender.ID, reply)
	}

	mod, err := o.moduleForItem(item)
	if err != nil {
		return "", err
	}
	ex := o.exchange(item)
	if err := mod.Acknowledge(sctx, ex); err != nil {
		return ex.Reply, err
	}
	return ex.Reply, nil
}

// Resume records an external review decision on a parked item. Rejection
// is final immediately; approvals and modifications leave the item
// eligible for the next worker pass, which re-enters at EXECUTE.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID, d pipeline.Decision) (*pipeline.Item, error) {
	target, err := verdictState(d.Verdict)
	if err != nil {
		return nil, err
	}
	if d.DecidedBy == "" {
		return nil, fmt.Errorf("decision needs decided_by")
	}
	if d.Verdict == pipeline.VerdictModified && len(d.Action) == 0 {
		return nil, fmt.Errorf("modified decision needs a replacement action")
	}

	item, err := o.queue.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if item.State != pipeline.StateProposed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, item.State)
	}

	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	d.ViaReview = true
	item.Decision = &d

	if err := o.transition(ctx, item, target); err != nil {
		return nil, err
	}
	o.auditDecision(ctx, item)

	if item.State.Terminal() {
		if err := o.queue.RecordOutcome(ctx, item, store.Outcome{}); err != nil {
			return nil, fmt.Errorf("finalize rejection: %w", err)
		}
	}

	slog.Info("review decision recorded",
		"item", item.ID,
		"verdict", d.Verdict,
		"decided_by", d.DecidedBy,
	)
	return item, nil
}

// --- helpers ---

func (o *Orchestrator) exchange(item *pipeline.Item) *modules.Exchange {
	return &modules.Exchange{Item: item, Tenant: o.tenant, Records: o.records, Sender: o.sender}
}

func (o *Orchestrator) moduleForItem(item *pipeline.Item) (modules.Module, error) {
	if item.Proposal == nil {
		return nil, pipeline.Validationf("item has no proposal")
	}
	id := item.Proposal.ModuleID
	if id == o.fallback.Descriptor().ID {
		return o.fallback, nil
	}
	if m, ok := o.registry.ByID(id); ok {
		return m, nil
	}
	return nil, pipeline.Validationf("unknown module %q in proposal", id)
}

func (o *Orchestrator) knownIntents() []classify.Intent {
	var out []classify.Intent
	for _, d := range o.registry.Descriptors() {
		for _, intent := range d.Intents {
			out = append(out, classify.Intent{Name: intent, Description: d.Label})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// transition moves the item along a legal edge and persists it. An illegal
// edge is a wiring bug, reported as a validation failure so the item lands
// in the dead letter queue for inspection instead of looping.
func (o *Orchestrator) transition(ctx context.Context, item *pipeline.Item, to pipeline.State) error {
	from := item.State
	if !pipeline.CanTransition(from, to) {
		return pipeline.Validationf("illegal transition %s -> %s", from, to)
	}
	item.State = to
	if err := o.queue.SaveProgress(ctx, item); err != nil {
		item.State = from
		return pipeline.Transient("save progress", err)
	}
	o.audit(ctx, &store.AuditEntry{
		Action:     store.AuditStateTransition,
		TargetKind: "item",
		TargetID:   item.ID.String(),
		PrevValue:  stateJSON(from),
		NewValue:   stateJSON(to),
	})
	return nil
}

// audit appends best-effort: the trail must not take the pipeline down
// with it. Entries without an actor default to the pipeline itself.
func (o *Orchestrator) audit(ctx context.Context, e *store.AuditEntry) {
	if e.Actor == "" {
		e.Actor = pipelineActor
	}
	e.At = time.Now().UTC()
	if err := o.auditLog.Append(ctx, e); err != nil {
		slog.Error("audit append failed",
			"action", e.Action,
			"target", e.TargetID,
			"error", err,
		)
	}
}

func (o *Orchestrator) auditDecision(ctx context.Context, item *pipeline.Item) {
	d := item.Decision
	raw, _ := json.Marshal(d)
	o.audit(ctx, &store.AuditEntry{
		Actor:      d.DecidedBy,
		Action:     store.AuditDecision,
		TargetKind: "item",
		TargetID:   item.ID.String(),
		NewValue:   raw,
		Reason:     d.Reason,
	})
}

func verdictState(v pipeline.Verdict) (pipeline.State, error) {
	switch v {
	case pipeline.VerdictApproved:
		return pipeline.StateApproved, nil
	case pipeline.VerdictRejected:
		return pipeline.StateRejected, nil
	case pipeline.VerdictModified:
		return pipeline.StateModified, nil
	}
	return "", fmt.Errorf("unknown verdict %q", v)
}

func stateJSON(s pipeline.State) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"state": string(s)})
	return raw
}

// classifierNote summarizes the understanding for the agent's system
// prompt. Keys are sorted so the prompt is deterministic.
func classifierNote(u *pipeline.Understanding) string {
	if u == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "An intent classifier read this message as %q (confidence %.2f).", u.Intent, u.Confidence)
	if len(u.Entities) > 0 {
		keys := make([]string, 0, len(u.Entities))
		for k := range u.Entities {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" Extracted:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, u.Entities[k])
		}
		b.WriteString(".")
	}
	return b.String()
}

func agentSummary(res *agent.RunResult) string {
	if len(res.SideEffects) == 0 {
		return fmt.Sprintf("Agent replied (%d steps, read only)", res.Steps)
	}
	parts := make([]string, 0, len(res.SideEffects))
	for _, se := range res.SideEffects {
		parts = append(parts, se.Summary)
	}
	return fmt.Sprintf("Agent replied (%d steps); writes: %s", res.Steps, strings.Join(parts, "; "))
}
