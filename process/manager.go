// Package process implements the Agent Process Supervisor: it owns the
// lifecycle of one agent.Session per chat Session, fans its events out to
// every subscribed RPC connection, persists them, and arbitrates tool
// permission/question round-trips through the permission package.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pockode/server/agent"
	"github.com/pockode/server/permission"
	"github.com/pockode/server/session"
	"github.com/sourcegraph/jsonrpc2"
)

const (
	// respawnBackoffBase/Cap bound the exponential backoff applied after a
	// process exits without an explicit Close, before a new one may be
	// spawned for the same session.
	respawnBackoffBase = 1 * time.Second
	respawnBackoffCap  = 30 * time.Second
	// crashResetWindow forgets a session's crash history once it has gone
	// this long without a new crash, so a single bad process doesn't
	// permanently slow down a session that later recovers.
	crashResetWindow = 5 * time.Minute
)

// Manager owns every live agent Process for one worktree, keyed by chat
// session id. Processes persist across individual WebSocket connections;
// they are reaped after idleTimeout of no RPC activity.
type Manager struct {
	agent            agent.Agent
	workDir          string
	sessionStore     session.Store
	idleTimeout      time.Duration
	permissionTimeout time.Duration
	questionTimeout   time.Duration

	onProcessEnd func()

	mu        sync.Mutex
	processes map[string]*Process
	crashes   map[string]*crashState

	ctx    context.Context
	cancel context.CancelFunc
}

type crashState struct {
	count    int
	lastExit time.Time
}

// Process is one supervised agent.Session, with its RPC subscribers and
// permission/question arbitration.
type Process struct {
	sessionID string
	agentSess agent.Session
	policy    *permission.Policy

	mu          sync.Mutex
	lastActive  time.Time
	processing  bool
	subscribers map[*jsonrpc2.Conn]struct{}
}

// NewManager creates an Agent Process Supervisor for a single worktree.
// A zero permissionTimeout/questionTimeout falls back to the permission
// package's defaults.
func NewManager(ag agent.Agent, workDir string, store session.Store, idleTimeout, permissionTimeout, questionTimeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		agent:             ag,
		workDir:           workDir,
		sessionStore:      store,
		idleTimeout:       idleTimeout,
		permissionTimeout: permissionTimeout,
		questionTimeout:   questionTimeout,
		processes:         make(map[string]*Process),
		crashes:           make(map[string]*crashState),
		ctx:               ctx,
		cancel:            cancel,
	}
	go m.runIdleReaper()
	return m
}

// SetOnProcessEnd registers a callback invoked every time a process's event
// stream ends, whether by explicit Close or subprocess exit. The worktree
// Manager uses this to consider itself idle once the last process is gone.
func (m *Manager) SetOnProcessEnd(fn func()) {
	m.mu.Lock()
	m.onProcessEnd = fn
	m.mu.Unlock()
}

// AgentSession returns the underlying agent.Session.
func (p *Process) AgentSession() agent.Session { return p.agentSess }

// SendMessage forwards prompt to the underlying agent.Session and marks the
// process as processing a turn until a DoneEvent/InterruptedEvent/
// ProcessEndedEvent clears it again.
func (p *Process) SendMessage(prompt string) error {
	p.setProcessing(true)
	return p.agentSess.SendMessage(prompt)
}

// SendInterrupt forwards an interrupt request to the underlying agent.Session.
func (p *Process) SendInterrupt() error {
	return p.agentSess.SendInterrupt()
}

// IsIdle reports whether the process has no turn currently in flight, i.e.
// it's a safe target for MAX_SESSIONS eviction.
func (p *Process) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.processing
}

// LastActive returns the last time this process observed RPC or agent activity.
func (p *Process) LastActive() time.Time {
	return p.getLastActive()
}

func (p *Process) setProcessing(v bool) {
	p.mu.Lock()
	p.processing = v
	p.mu.Unlock()
}

// GetOrCreateProcess returns the live process for sessionID, spawning a new
// agent.Session (resuming the agent-side conversation if resume is true)
// when none exists. Returns the process and whether it was newly created.
func (m *Manager) GetOrCreateProcess(ctx context.Context, sessionID string, resume bool) (*Process, bool, error) {
	m.mu.Lock()
	if p, ok := m.processes[sessionID]; ok {
		p.touch()
		m.mu.Unlock()
		return p, false, nil
	}
	if wait := m.backoffRemainingLocked(sessionID); wait > 0 {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("process: session %s crashed recently, retry in %s", sessionID, wait.Round(time.Second))
	}
	m.mu.Unlock()

	meta, found, err := m.sessionStore.Get(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("look up session: %w", err)
	}
	if !found {
		return nil, false, fmt.Errorf("process: session %s not found", sessionID)
	}

	allowedTools, err := m.sessionStore.AllowedToolsFor(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("load allowed tools: %w", err)
	}

	opts := agent.StartOptions{
		WorkDir:          m.workDir,
		SessionID:        sessionID,
		Resume:           resume,
		Mode:             meta.Mode,
		WebSearchEnabled: meta.WebSearchEnabled,
		AllowedTools:     allowedTools,
	}

	// Use the Manager's context for process lifetime, not the triggering
	// RPC request's context, which ends when the request does.
	agentSess, err := m.agent.Start(m.ctx, opts)
	if err != nil {
		return nil, false, fmt.Errorf("start agent: %w", err)
	}

	broker := permission.NewBroker()
	p := &Process{
		sessionID:   sessionID,
		agentSess:   agentSess,
		policy:      permission.NewPolicy(broker, m.sessionStore, sessionID, m.permissionTimeout, m.questionTimeout),
		lastActive:  time.Now(),
		subscribers: make(map[*jsonrpc2.Conn]struct{}),
	}

	m.mu.Lock()
	m.processes[sessionID] = p
	m.mu.Unlock()

	go m.streamEvents(p)

	slog.Info("agent process started", "sessionId", sessionID, "resume", resume)
	return p, true, nil
}

// HasProcess reports whether sessionID currently has a live process.
func (m *Manager) HasProcess(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processes[sessionID]
	return ok
}

// ProcessCount returns the number of currently live processes.
func (m *Manager) ProcessCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}

// SubscribeRPC attaches conn to sessionID's process so it receives
// notifications for subsequent events. A no-op if the process is not live.
func (m *Manager) SubscribeRPC(sessionID string, conn *jsonrpc2.Conn) {
	if p := m.get(sessionID); p != nil {
		p.mu.Lock()
		p.subscribers[conn] = struct{}{}
		p.mu.Unlock()
	}
}

// UnsubscribeRPC detaches conn from sessionID's process.
func (m *Manager) UnsubscribeRPC(sessionID string, conn *jsonrpc2.Conn) {
	if p := m.get(sessionID); p != nil {
		p.mu.Lock()
		delete(p.subscribers, conn)
		p.mu.Unlock()
	}
}

// UnsubscribeConn removes conn from every process it is subscribed to, used
// when a WebSocket connection closes without individually unsubscribing.
func (m *Manager) UnsubscribeConn(conn *jsonrpc2.Conn) {
	m.mu.Lock()
	processes := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		processes = append(processes, p)
	}
	m.mu.Unlock()

	for _, p := range processes {
		p.mu.Lock()
		delete(p.subscribers, conn)
		p.mu.Unlock()
	}
}

// ReplyPermission resolves an outstanding permission request for sessionID.
// Returns an error if sessionID has no live process or the request already
// resolved (e.g. it timed out before the client replied). suggestions carries
// any PermissionUpdate rules the client echoed back with an allow_all choice.
func (m *Manager) ReplyPermission(sessionID, requestID string, choice agent.PermissionChoice, suggestions []agent.PermissionUpdate) error {
	p := m.get(sessionID)
	if p == nil {
		return fmt.Errorf("process: session %s not found", sessionID)
	}
	return p.policy.ReplyPermission(requestID, choice, suggestions)
}

// ReplyQuestion resolves an outstanding AskUserQuestion for sessionID.
func (m *Manager) ReplyQuestion(sessionID, requestID string, answers map[string]string) error {
	p := m.get(sessionID)
	if p == nil {
		return fmt.Errorf("process: session %s not found", sessionID)
	}
	return p.policy.ReplyQuestion(requestID, answers)
}

// ReplyExitPlan resolves an outstanding exit-plan-mode approval for sessionID.
func (m *Manager) ReplyExitPlan(sessionID, requestID string, approved bool) error {
	p := m.get(sessionID)
	if p == nil {
		return fmt.Errorf("process: session %s not found", sessionID)
	}
	return p.policy.ReplyExitPlan(requestID, approved)
}

// Close terminates sessionID's process, if any.
func (m *Manager) Close(sessionID string) {
	if p := m.remove(sessionID); p != nil {
		p.agentSess.Close()
		slog.Info("agent process closed", "sessionId", sessionID)
	}
}

// Shutdown terminates every live process.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	processes := make([]*Process, 0, len(m.processes))
	for id := range m.processes {
		processes = append(processes, m.processes[id])
	}
	m.processes = make(map[string]*Process)
	m.mu.Unlock()

	for _, p := range processes {
		p.agentSess.Close()
	}
	slog.Info("process manager shutdown complete", "processesClosed", len(processes))
}

func (m *Manager) get(sessionID string) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processes[sessionID]
}

// Get returns sessionID's live process, or nil if it has none.
func (m *Manager) Get(sessionID string) *Process {
	return m.get(sessionID)
}

func (m *Manager) remove(sessionID string) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.processes[sessionID]
	delete(m.processes, sessionID)
	return p
}

// recordCrashLocked notes an unexpected process exit for sessionID;
// backoffRemainingLocked derives the respawn wait from this record.
// Must be called with m.mu held.
func (m *Manager) recordCrashLocked(sessionID string) {
	cs, ok := m.crashes[sessionID]
	if !ok || time.Since(cs.lastExit) > crashResetWindow {
		cs = &crashState{}
		m.crashes[sessionID] = cs
	}
	cs.count++
	cs.lastExit = time.Now()
}

// backoffRemainingLocked returns how much longer a respawn must wait, or
// zero if none is owed. Must be called with m.mu held.
func (m *Manager) backoffRemainingLocked(sessionID string) time.Duration {
	cs, ok := m.crashes[sessionID]
	if !ok {
		return 0
	}
	backoff := respawnBackoffBase << uint(cs.count-1)
	if backoff > respawnBackoffCap || backoff <= 0 {
		backoff = respawnBackoffCap
	}
	remaining := backoff - time.Since(cs.lastExit)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *Manager) runIdleReaper() {
	ticker := time.NewTicker(m.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()

	m.mu.Lock()
	var idle []*Process
	for id, p := range m.processes {
		if now.Sub(p.getLastActive()) > m.idleTimeout {
			idle = append(idle, p)
			delete(m.processes, id)
		}
	}
	m.mu.Unlock()

	for _, p := range idle {
		p.agentSess.Close()
		slog.Info("reaped idle agent process", "sessionId", p.sessionID)
	}
}

// streamEvents routes one process's agent events to persistence, the
// permission policy, and every subscribed RPC connection, until the
// process's event channel closes (subprocess exited or was Closed).
func (m *Manager) streamEvents(p *Process) {
	ctx := m.ctx
	log := slog.With("sessionId", p.sessionID)

	for event := range p.agentSess.Events() {
		log.Debug("streaming agent event", "type", event.EventType())
		p.touch()

		switch e := event.(type) {
		case agent.TextEvent:
			if err := m.sessionStore.AppendMessage(ctx, p.sessionID, "assistant", e.Content, time.Now().UnixMilli()); err != nil {
				log.Error("failed to append message", "error", err)
			}
		case agent.PermissionRequestEvent:
			m.handlePermissionRequest(ctx, p, e)
		case agent.AskUserQuestionEvent:
			m.handleQuestionRequest(ctx, p, e)
		case agent.ExitPlanModeEvent:
			m.handleExitPlanModeRequest(ctx, p, e)
		case agent.DoneEvent:
			p.setProcessing(false)
		case agent.InterruptedEvent:
			p.setProcessing(false)
		case agent.ProcessEndedEvent:
			p.setProcessing(false)
		}

		m.enqueueAndNotify(ctx, p, event)
	}

	log.Info("agent event stream ended")

	m.mu.Lock()
	_, stillTracked := m.processes[p.sessionID]
	// Close, the idle reaper and Shutdown untrack a process before ending it,
	// so a process still tracked here exited on its own.
	if stillTracked {
		delete(m.processes, p.sessionID)
		m.recordCrashLocked(p.sessionID)
	}
	onEnd := m.onProcessEnd
	m.mu.Unlock()

	if onEnd != nil {
		onEnd()
	}
}

// handlePermissionRequest resolves pre-allowed tools immediately and, for
// everything else, waits (in its own goroutine) for the client's reply or a
// timeout before answering the subprocess, per the Permission Broker's
// arbitration contract.
func (m *Manager) handlePermissionRequest(ctx context.Context, p *Process, e agent.PermissionRequestEvent) {
	wait, err := p.policy.Resolve(ctx, e.RequestID, e.ToolName)
	if err != nil {
		slog.Error("permission policy resolve failed", "sessionId", p.sessionID, "error", err)
		return
	}

	data := agent.PermissionRequestData{
		RequestID:             e.RequestID,
		ToolName:              e.ToolName,
		ToolInput:             e.ToolInput,
		ToolUseID:             e.ToolUseID,
		PermissionSuggestions: e.PermissionSuggestions,
	}

	go func() {
		choice, err := wait()
		if err != nil {
			slog.Error("permission wait failed", "sessionId", p.sessionID, "requestId", e.RequestID, "error", err)
			choice = agent.PermissionDeny
		}
		if err := p.agentSess.SendPermissionResponse(data, choice); err != nil {
			slog.Error("failed to deliver permission response to agent", "sessionId", p.sessionID, "error", err)
		}
	}()
}

func (m *Manager) handleQuestionRequest(ctx context.Context, p *Process, e agent.AskUserQuestionEvent) {
	data := agent.QuestionRequestData{RequestID: e.RequestID, ToolUseID: e.ToolUseID}
	go func() {
		answers := p.policy.AwaitQuestion(ctx, e.RequestID)
		if err := p.agentSess.SendQuestionResponse(data, answers); err != nil {
			slog.Error("failed to deliver question response to agent", "sessionId", p.sessionID, "error", err)
		}
	}()
}

// handleExitPlanModeRequest waits (in its own goroutine) for the client to
// approve or reject leaving plan mode before answering the subprocess.
func (m *Manager) handleExitPlanModeRequest(ctx context.Context, p *Process, e agent.ExitPlanModeEvent) {
	data := agent.ExitPlanResponseData{RequestID: e.RequestID, ToolUseID: e.ToolUseID}
	go func() {
		approved := p.policy.AwaitExitPlan(ctx, e.RequestID)
		if err := p.agentSess.SendExitPlanResponse(data, approved); err != nil {
			slog.Error("failed to deliver exit-plan response to agent", "sessionId", p.sessionID, "error", err)
		}
	}()
}

// enqueueAndNotify persists every event to the offline delivery queue (so a
// reconnecting client can drain what it missed) and pushes it live to every
// currently-subscribed RPC connection.
func (m *Manager) enqueueAndNotify(ctx context.Context, p *Process, event agent.AgentEvent) {
	params := event.ToNotifyParams(p.sessionID)
	payload, err := json.Marshal(params)
	if err != nil {
		slog.Error("failed to marshal event payload", "error", err)
		return
	}

	if _, err := m.sessionStore.EnqueueEvent(ctx, p.sessionID, string(event.EventType()), payload); err != nil {
		slog.Error("failed to enqueue event", "sessionId", p.sessionID, "error", err)
	}

	method := "chat." + string(event.EventType())

	p.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(p.subscribers))
	for conn := range p.subscribers {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Notify(ctx, method, params); err != nil {
			slog.Debug("notify failed", "sessionId", p.sessionID, "error", err)
		}
	}
}

func (p *Process) touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

func (p *Process) getLastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}
