package permission

import (
	"context"
	"time"

	"github.com/pockode/server/agent"
)

const (
	// DefaultPermissionTimeout is the default wait for a permissionRequest
	// reply before it resolves as deny; overridable via PERMISSION_TIMEOUT_MS.
	DefaultPermissionTimeout = 60 * time.Second
	// DefaultQuestionTimeout is the default wait for an askUserQuestion
	// reply; overridable via QUESTION_TIMEOUT_MS.
	DefaultQuestionTimeout = 120 * time.Second
)

// AllowListChecker reports whether a tool is already on a session's
// allow-list and records new always-allow grants. Implemented by session.Store.
type AllowListChecker interface {
	AllowedToolsFor(ctx context.Context, sessionID string) ([]string, error)
	AllowTool(ctx context.Context, sessionID, toolName, ruleContent string) error
}

// permissionReply is the payload delivered through the Broker for a
// permission_response RPC: the client's choice plus any PermissionUpdate
// suggestions it echoed back for an allow_all grant.
type permissionReply struct {
	choice      agent.PermissionChoice
	suggestions []agent.PermissionUpdate
}

// Policy wraps a Broker with the allow-list pre-check and promotion
// side-effects spec.md §4.B/§4.C describe: pre-allowed tools skip the round
// trip entirely; an allow_all reply both answers this call and persists the
// grant so future calls in the session skip it too.
type Policy struct {
	broker    *Broker
	store     AllowListChecker
	sessionID string

	permissionTimeout time.Duration
	questionTimeout   time.Duration
}

// NewPolicy binds a Broker to the session whose allow-list it consults.
// A zero permissionTimeout/questionTimeout falls back to the package defaults.
func NewPolicy(broker *Broker, store AllowListChecker, sessionID string, permissionTimeout, questionTimeout time.Duration) *Policy {
	if permissionTimeout <= 0 {
		permissionTimeout = DefaultPermissionTimeout
	}
	if questionTimeout <= 0 {
		questionTimeout = DefaultQuestionTimeout
	}
	return &Policy{
		broker:            broker,
		store:             store,
		sessionID:         sessionID,
		permissionTimeout: permissionTimeout,
		questionTimeout:   questionTimeout,
	}
}

// Resolve answers a PermissionRequestEvent: if toolName is already
// allow-listed, it resolves immediately as PermissionAllow without asking the
// client. Otherwise the returned function registers requestID with the
// Broker when called and blocks until the client replies, the permission
// timeout elapses, or ctx ends; timeout and cancellation resolve as deny.
func (p *Policy) Resolve(ctx context.Context, requestID, toolName string) (func() (agent.PermissionChoice, error), error) {
	tools, err := p.store.AllowedToolsFor(ctx, p.sessionID)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t == toolName {
			return func() (agent.PermissionChoice, error) { return agent.PermissionAllow, nil }, nil
		}
	}

	return func() (agent.PermissionChoice, error) {
		resp, err := p.broker.Await(ctx, requestID, p.permissionTimeout)
		if err != nil {
			// Timeout or cancellation both resolve as deny: the agent's turn
			// continues rather than hanging indefinitely on a silent client.
			return agent.PermissionDeny, nil
		}
		reply, _ := resp.(permissionReply)
		if reply.choice == agent.PermissionAlwaysAllow {
			ruleContent := ruleContentFor(toolName, reply.suggestions)
			if err := p.store.AllowTool(ctx, p.sessionID, toolName, ruleContent); err != nil {
				return reply.choice, err
			}
		}
		return reply.choice, nil
	}, nil
}

// ruleContentFor picks the scoped rule string for toolName out of a client's
// PermissionUpdate suggestions, e.g. "Bash(git:*)" instead of a bare "Bash".
// Returns "" when the client sent no matching suggestion, so AllowTool falls
// back to an unscoped grant for the whole tool.
func ruleContentFor(toolName string, suggestions []agent.PermissionUpdate) string {
	for _, s := range suggestions {
		for _, rule := range s.Rules {
			if rule.ToolName == toolName && rule.RuleContent != "" {
				return rule.RuleContent
			}
		}
	}
	return ""
}

// ReplyPermission delivers a client's permission_response RPC to the
// matching in-flight Resolve call. suggestions carries any PermissionUpdate
// rules the client echoed back alongside an allow_all choice.
func (p *Policy) ReplyPermission(requestID string, choice agent.PermissionChoice, suggestions []agent.PermissionUpdate) error {
	return p.broker.Reply(requestID, permissionReply{choice: choice, suggestions: suggestions})
}

// AwaitQuestion registers a pending askUserQuestion and blocks for a client
// reply, timing out after the policy's question timeout with a nil
// (cancelled) answer.
func (p *Policy) AwaitQuestion(ctx context.Context, requestID string) map[string]string {
	resp, err := p.broker.Await(ctx, requestID, p.questionTimeout)
	if err != nil {
		return nil
	}
	answers, _ := resp.(map[string]string)
	return answers
}

// ReplyQuestion delivers a client's prompt_response RPC to the matching
// in-flight AwaitQuestion call. A nil answers map signals cancellation.
func (p *Policy) ReplyQuestion(requestID string, answers map[string]string) error {
	return p.broker.Reply(requestID, answers)
}

// AwaitExitPlan registers a pending exit-plan-mode approval and blocks for a
// client reply, timing out after the policy's permission timeout with a
// false (stay in plan mode) answer.
func (p *Policy) AwaitExitPlan(ctx context.Context, requestID string) bool {
	resp, err := p.broker.Await(ctx, requestID, p.permissionTimeout)
	if err != nil {
		return false
	}
	approved, _ := resp.(bool)
	return approved
}

// ReplyExitPlan delivers a client's exit_plan_mode_response RPC to the
// matching in-flight AwaitExitPlan call.
func (p *Policy) ReplyExitPlan(requestID string, approved bool) error {
	return p.broker.Reply(requestID, approved)
}
