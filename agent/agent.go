package agent

import (
	"context"
	"encoding/json"

	"github.com/pockode/server/session"
)

// StartOptions configures how a new agent process is launched.
type StartOptions struct {
	// WorkDir is the directory the CLI process runs in (main checkout or a worktree).
	WorkDir string

	// SessionID is the agent-native conversation identifier. Empty starts a fresh
	// conversation; non-empty combined with Resume continues a prior one.
	SessionID string

	// Resume restarts the agent against a previously observed agent session id.
	Resume bool

	// Mode controls the permission posture the backend launches with.
	Mode session.Mode

	// WebSearchEnabled controls whether the backend may use built-in web search tools.
	WebSearchEnabled bool

	// AllowedTools is the set of tool names pre-approved without a permission round trip.
	AllowedTools []string
}

// PermissionChoice is the user's answer to a PermissionRequestEvent.
type PermissionChoice string

const (
	PermissionAllow       PermissionChoice = "allow"
	PermissionAlwaysAllow PermissionChoice = "always_allow"
	PermissionDeny        PermissionChoice = "deny"
)

// PermissionRequestData carries the fields a backend needs to answer a pending
// permission request; it mirrors PermissionRequestEvent but is decoupled from it
// so callers only need to pass along what the wire protocol requires.
type PermissionRequestData struct {
	RequestID             string
	ToolName              string
	ToolInput             json.RawMessage
	ToolUseID             string
	PermissionSuggestions []PermissionUpdate
}

// QuestionRequestData carries the fields a backend needs to answer a pending
// AskUserQuestion.
type QuestionRequestData struct {
	RequestID string
	ToolUseID string
}

// ExitPlanResponseData carries the fields a backend needs to answer a pending
// ExitPlanModeEvent.
type ExitPlanResponseData struct {
	RequestID string
	ToolUseID string
}

// Agent starts agent processes for a particular CLI backend (claude, cursor-agent, ...).
type Agent interface {
	// Start launches a persistent agent process and returns a Session for
	// bidirectional communication. The context governs the process lifetime:
	// cancelling it terminates the underlying subprocess.
	Start(ctx context.Context, opts StartOptions) (Session, error)
}

// Session represents a single running agent process.
type Session interface {
	// Events streams AgentEvents until the process ends, at which point the
	// channel is closed.
	Events() <-chan AgentEvent

	// SendMessage delivers a user prompt to the running agent.
	SendMessage(prompt string) error

	// SendInterrupt asks the agent to stop its current turn.
	SendInterrupt() error

	// SendPermissionResponse answers an outstanding PermissionRequestEvent.
	SendPermissionResponse(data PermissionRequestData, choice PermissionChoice) error

	// SendQuestionResponse answers an outstanding AskUserQuestionEvent.
	// A nil answers map means the question was cancelled.
	SendQuestionResponse(data QuestionRequestData, answers map[string]string) error

	// SendExitPlanResponse answers an outstanding ExitPlanModeEvent: approved
	// lets the agent leave plan mode and start acting, false keeps it planning.
	SendExitPlanResponse(data ExitPlanResponseData, approved bool) error

	// SetWebSearch updates whether the running agent may use its built-in web
	// search tools, taking effect from the next turn onward. Backends that
	// cannot change this on a running process return an error.
	SetWebSearch(enabled bool) error

	// Close terminates the underlying process. Safe to call more than once.
	Close()
}
