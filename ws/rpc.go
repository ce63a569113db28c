package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pockode/server/agent"
	"github.com/pockode/server/command"
	"github.com/pockode/server/rpc"
	"github.com/pockode/server/settings"
	"github.com/pockode/server/worktree"
	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/time/rate"
)

// requestRateLimit caps how many RPC requests a single connection may issue
// per second, with a burst allowance to absorb a client catching up after a
// reconnect. Well above anything a legitimate UI sends in normal use; it
// exists to keep one misbehaving tab from starving the agent process.
const (
	requestRateLimit = 50
	requestRateBurst = 100
)

// RPCHandler serves the gateway's JSON-RPC 2.0 over WebSocket transport. One
// handler is shared across every connection; per-connection state (the bound
// worktree, subscriptions) lives in rpcConnState.
type RPCHandler struct {
	token     string
	version   string
	devMode   bool
	agentType string

	commandStore    *command.Store
	worktreeManager *worktree.Manager
	settingsStore   *settings.Store

	// maxSessions caps how many active sessions a worktree may hold before
	// session.create must evict the oldest idle one or fail with
	// session.ErrCapacityExhausted. Zero means unlimited.
	maxSessions int
}

// NewRPCHandler constructs the WebSocket JSON-RPC handler wired to every
// backing store and manager the RPC surface dispatches into.
func NewRPCHandler(token, version string, devMode bool, agentType string, commandStore *command.Store, worktreeManager *worktree.Manager, settingsStore *settings.Store, maxSessions int) *RPCHandler {
	return &RPCHandler{
		token:           token,
		version:         version,
		devMode:         devMode,
		agentType:       agentType,
		commandStore:    commandStore,
		worktreeManager: worktreeManager,
		settingsStore:   settingsStore,
		maxSessions:     maxSessions,
	}
}

// Stop is called on graceful shutdown; connection cleanup itself happens via
// each connection's own DisconnectNotify, so there is nothing left to drain
// here beyond satisfying callers that expect a symmetric Stop.
func (h *RPCHandler) Stop() {}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	connID := uuid.Must(uuid.NewV7()).String()
	log := slog.With("connId", connID)
	log.Info("new websocket connection")

	stream := newWebSocketStream(wsConn)

	state := &rpcConnState{
		connID:     connID,
		subscribed: make(map[string]struct{}),
		log:        log,
	}

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
		limiter:    rate.NewLimiter(rate.Limit(requestRateLimit), requestRateBurst),
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup(h.worktreeManager)
	log.Info("connection closed")
}

// rpcConnState tracks the one worktree a connection is currently bound to,
// plus the set of sessions it has live chat subscriptions against.
type rpcConnState struct {
	mu         sync.Mutex
	worktree   *worktree.Worktree
	connID     string
	conn       *jsonrpc2.Conn
	log        *slog.Logger
	subscribed map[string]struct{}
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *rpcConnState) getConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

func (s *rpcConnState) subscribeSession(sessionID string, conn *jsonrpc2.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscribed[sessionID]; !exists {
		s.worktree.ProcessManager.SubscribeRPC(sessionID, conn)
		s.subscribed[sessionID] = struct{}{}
	}
}

func (s *rpcConnState) unsubscribeSession(sessionID string, conn *jsonrpc2.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscribed[sessionID]; exists {
		s.worktree.ProcessManager.UnsubscribeRPC(sessionID, conn)
		delete(s.subscribed, sessionID)
	}
}

func (s *rpcConnState) cleanup(manager *worktree.Manager) {
	s.mu.Lock()
	wt := s.worktree
	connID := s.connID
	conn := s.conn
	s.mu.Unlock()

	if wt == nil {
		return
	}
	wt.UnsubscribeConnection(conn, connID)
	manager.Release(wt)
}

// rpcMethodHandler dispatches one connection's JSON-RPC requests.
type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
	limiter       *rate.Limiter
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	if !h.limiter.Allow() {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "rate limit exceeded")
		return
	}

	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "chat.message":
		h.handleMessage(ctx, conn, req)
	case "chat.interrupt":
		h.handleInterrupt(ctx, conn, req)
	case "chat.permission_response":
		h.handlePermissionResponse(ctx, conn, req)
	case "chat.question_response":
		h.handleQuestionResponse(ctx, conn, req)
	case "chat.exit_plan_response":
		h.handleExitPlanResponse(ctx, conn, req)
	case "chat.agents_list":
		h.handleAgentsList(ctx, conn, req)
	case "chat.messages_subscribe":
		h.handleChatMessagesSubscribe(ctx, conn, req)
	case "chat.messages_unsubscribe":
		h.handleChatMessagesUnsubscribe(ctx, conn, req)
	case "session.create":
		h.handleSessionCreate(ctx, conn, req)
	case "session.delete":
		h.handleSessionDelete(ctx, conn, req)
	case "session.update_title":
		h.handleSessionUpdateTitle(ctx, conn, req)
	case "session.set_mode":
		h.handleSessionSetMode(ctx, conn, req)
	case "session.reset":
		h.handleSessionReset(ctx, conn, req)
	case "session.set_web_search":
		h.handleSessionSetWebSearch(ctx, conn, req)
	case "session.get_history":
		h.handleSessionGetHistory(ctx, conn, req)
	case "session.list_subscribe":
		h.handleSessionListSubscribe(ctx, conn, req)
	case "session.list_unsubscribe":
		h.handleSessionListUnsubscribe(ctx, conn, req)
	case "file.get":
		h.handleFileGet(ctx, conn, req)
	case "git.status":
		h.handleGitStatus(ctx, conn, req)
	case "git.diff":
		h.handleGitDiff(ctx, conn, req)
	case "git.subscribe":
		h.handleGitSubscribe(ctx, conn, req)
	case "git.unsubscribe":
		h.handleGitUnsubscribe(ctx, conn, req)
	case "fs.subscribe":
		h.handleFSSubscribe(ctx, conn, req)
	case "fs.unsubscribe":
		h.handleFSUnsubscribe(ctx, conn, req)
	case "worktree.list":
		h.handleWorktreeList(ctx, conn, req)
	case "worktree.create":
		h.handleWorktreeCreate(ctx, conn, req)
	case "worktree.delete":
		h.handleWorktreeDelete(ctx, conn, req)
	case "worktree.switch":
		h.handleWorktreeSwitch(ctx, conn, req)
	case "worktree.subscribe":
		h.handleWorktreeSubscribe(ctx, conn, req)
	case "worktree.unsubscribe":
		h.handleWorktreeUnsubscribe(ctx, conn, req)
	case "command.list":
		h.handleCommandList(ctx, conn, req)
	case "command.use":
		h.handleCommandUse(ctx, conn, req)
	case "settings.get":
		h.handleSettingsGet(ctx, conn, req)
	case "settings.update":
		h.handleSettingsUpdate(ctx, conn, req)
	case "terminal.create":
		h.handleTerminalCreate(ctx, conn, req)
	case "terminal.input":
		h.handleTerminalInput(ctx, conn, req)
	case "terminal.resize":
		h.handleTerminalResize(ctx, conn, req)
	case "terminal.close":
		h.handleTerminalClose(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	wt, err := h.worktreeManager.Get(params.Worktree)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "worktree not found")
		conn.Close()
		return
	}

	h.state.mu.Lock()
	h.state.worktree = wt
	h.state.mu.Unlock()
	wt.Subscribe(conn)

	h.setAuthenticated()
	h.log.Info("authenticated", "worktree", wt.Name)

	result := rpc.AuthResult{
		Version:      h.version,
		Title:        "pockode",
		WorkDir:      wt.WorkDir,
		WorktreeName: wt.Name,
		Agent:        h.agentType,
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) handleMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.MessageParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	sess, err := h.getOrCreateProcess(ctx, log, params.SessionID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	log.Info("received prompt", "length", len(params.Content))

	if err := h.state.worktree.SessionStore.AppendMessage(ctx, params.SessionID, "user", params.Content, time.Now().UnixMilli()); err != nil {
		log.Error("failed to append message", "error", err)
	}

	if err := sess.SendMessage(params.Content); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send message response", "error", err)
	}
}

func (h *rpcMethodHandler) handleInterrupt(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.InterruptParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	sess, err := h.getOrCreateProcess(ctx, log, params.SessionID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	if err := sess.SendInterrupt(); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	log.Info("sent interrupt")

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send interrupt response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePermissionResponse(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.PermissionResponseParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)
	choice := parsePermissionChoice(params.Choice)

	if err := h.state.worktree.ProcessManager.ReplyPermission(params.SessionID, params.RequestID, choice, params.PermissionSuggestions); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	log.Info("sent permission response", "choice", params.Choice)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send permission response", "error", err)
	}
}

func (h *rpcMethodHandler) handleExitPlanResponse(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ExitPlanResponseParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	if err := h.state.worktree.ProcessManager.ReplyExitPlan(params.SessionID, params.RequestID, params.Approved); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	log.Info("sent exit plan response", "approved", params.Approved)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send exit plan response", "error", err)
	}
}

// handleAgentsList reports the agent backends this gateway knows how to
// launch. The process is started with exactly one backend selected at
// startup (agent.AgentType), so "current" is always that one choice.
func (h *rpcMethodHandler) handleAgentsList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	result := rpc.AgentsListResult{
		Agents: []rpc.AgentInfo{
			{Type: string(agent.TypeClaude), Name: "Claude Code"},
			{Type: string(agent.TypeCursorAgent), Name: "Cursor Agent"},
		},
		Current: h.agentType,
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send agents list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleQuestionResponse(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.QuestionResponseParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	if err := h.state.worktree.ProcessManager.ReplyQuestion(params.SessionID, params.RequestID, params.Answers); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	log.Info("sent question response", "cancelled", params.Answers == nil)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send question response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatMessagesSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatMessagesSubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	wt := h.state.worktree
	log := h.log.With("sessionId", params.SessionID)

	meta, found, err := wt.SessionStore.Get(ctx, params.SessionID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to get session")
		return
	}
	if !found {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "session not found")
		return
	}

	h.state.subscribeSession(params.SessionID, conn)

	messages, err := wt.SessionStore.LoadMessages(ctx, params.SessionID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to load messages")
		return
	}

	history := make([]json.RawMessage, 0, len(messages))
	for _, m := range messages {
		b, err := json.Marshal(struct {
			Type      string `json:"type"`
			Role      string `json:"role"`
			Content   string `json:"content"`
			Timestamp int64  `json:"timestamp"`
		}{Type: "message", Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
		if err != nil {
			continue
		}
		history = append(history, b)
	}

	pending, err := wt.SessionStore.DrainEvents(ctx, params.SessionID)
	if err != nil {
		log.Error("failed to drain pending events", "error", err)
	}
	for _, p := range pending {
		history = append(history, p.Payload)
	}
	if len(pending) > 0 {
		if err := wt.SessionStore.PurgeEvents(ctx, params.SessionID, pending[len(pending)-1].Sequence); err != nil {
			log.Error("failed to purge delivered events", "error", err)
		}
	}

	result := rpc.ChatMessagesSubscribeResult{
		ID:             params.SessionID,
		History:        history,
		ProcessRunning: wt.ProcessManager.HasProcess(params.SessionID),
		Mode:           meta.Mode,
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		log.Error("failed to send chat subscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatMessagesUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatMessagesUnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.state.unsubscribeSession(params.ID, conn)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send chat unsubscribe response", "error", err)
	}
}

func parsePermissionChoice(choice string) agent.PermissionChoice {
	switch choice {
	case "allow":
		return agent.PermissionAllow
	case "always_allow":
		return agent.PermissionAlwaysAllow
	default:
		return agent.PermissionDeny
	}
}

func (h *rpcMethodHandler) getOrCreateProcess(ctx context.Context, log *slog.Logger, sessionID string) (agent.Session, error) {
	wt := h.state.worktree

	meta, found, err := wt.SessionStore.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	resume := meta.AgentSessionID != ""
	proc, created, err := wt.ProcessManager.GetOrCreateProcess(ctx, sessionID, resume)
	if err != nil {
		return nil, err
	}

	if created {
		log.Info("process created", "resume", resume)
	}

	return proc.AgentSession(), nil
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(*req.Params, v)
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
