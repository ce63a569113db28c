package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pockode/server/rpc"
	"github.com/pockode/server/session"
	"github.com/pockode/server/worktree"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleSessionCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionCreateParams
	// Name is optional; an empty/absent body is fine.
	_ = unmarshalParams(req, &params)

	wt := h.state.worktree

	if h.maxSessions > 0 {
		if err := h.makeRoomForNewSession(ctx, wt); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
			return
		}
	}

	prefs := h.settingsStore.Get()

	mode := session.Mode(prefs.DefaultMode)
	if !mode.IsValid() {
		mode = session.ModeDefault
	}

	now := time.Now().UnixMilli()
	sess := session.Session{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Name:             params.Name,
		WorkingDirectory: wt.WorkDir,
		Worktree:         wt.Name,
		AgentType:        h.agentType,
		Mode:             mode,
		WebSearchEnabled: prefs.DefaultWebSearch,
		CreatedAt:        now,
		LastActivity:     now,
		IsActive:         true,
	}

	if err := wt.SessionStore.UpsertSession(ctx, sess); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to create session")
		return
	}

	h.log.Info("session created", "sessionId", sess.ID)

	if err := conn.Reply(ctx, req.ID, sess); err != nil {
		h.log.Error("failed to send session create response", "error", err)
	}
}

// makeRoomForNewSession enforces MAX_SESSIONS: if the worktree is already at
// capacity, it terminates the oldest active session with no turn currently
// in flight to make room. Returns session.ErrCapacityExhausted if every
// active session is mid-turn and none can be evicted.
func (h *rpcMethodHandler) makeRoomForNewSession(ctx context.Context, wt *worktree.Worktree) error {
	active, err := wt.SessionStore.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	if len(active) < h.maxSessions {
		return nil
	}

	// ListActiveSessions orders by last_activity DESC; the oldest idle
	// candidate is the last one in the slice we can actually evict.
	var victim *session.Session
	for i := len(active) - 1; i >= 0; i-- {
		s := active[i]
		if p := wt.ProcessManager.Get(s.ID); p != nil && !p.IsIdle() {
			continue
		}
		victim = &s
		break
	}
	if victim == nil {
		return session.ErrCapacityExhausted
	}

	if err := wt.Terminate(ctx, victim.ID); err != nil {
		return err
	}
	h.log.Info("evicted idle session to make room", "sessionId", victim.ID, "maxSessions", h.maxSessions)
	return nil
}

// handleSessionReset hard-deletes a session (persistence, process, and
// terminals) and immediately recreates it with the same cwd and name, giving
// the client a fresh conversation without losing its place in the session list.
func (h *rpcMethodHandler) handleSessionReset(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionResetParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	wt := h.state.worktree

	meta, found, err := wt.SessionStore.Get(ctx, params.SessionID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to look up session")
		return
	}
	if !found {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "session not found")
		return
	}

	wt.ProcessManager.Close(params.SessionID)
	wt.TerminalManager.DestroyAllFor(params.SessionID)
	if err := wt.SessionStore.Delete(ctx, params.SessionID); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to reset session")
		return
	}

	now := time.Now().UnixMilli()
	fresh := session.Session{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Name:             meta.Name,
		WorkingDirectory: meta.WorkingDirectory,
		Worktree:         meta.Worktree,
		AgentType:        meta.AgentType,
		Mode:             meta.Mode,
		WebSearchEnabled: meta.WebSearchEnabled,
		CreatedAt:        now,
		LastActivity:     now,
		IsActive:         true,
	}
	if err := wt.SessionStore.UpsertSession(ctx, fresh); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to reset session")
		return
	}

	h.log.Info("session reset", "oldSessionId", params.SessionID, "newSessionId", fresh.ID)

	if err := conn.Reply(ctx, req.ID, fresh); err != nil {
		h.log.Error("failed to send session reset response", "error", err)
	}
}

// handleSessionSetWebSearch persists the session's web-search preference and,
// if a Supervisor is currently live for it, passes it to the running agent
// session; a backend that rejects the live change only logs a warning, and
// the stored value applies when its process next starts.
func (h *rpcMethodHandler) handleSessionSetWebSearch(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionSetWebSearchParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	wt := h.state.worktree

	if err := wt.SessionStore.UpdateSessionField(ctx, params.SessionID, "web_search_enabled", params.Enabled); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "session not found")
			return
		}
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to update web search setting")
		return
	}

	if p := wt.ProcessManager.Get(params.SessionID); p != nil {
		if err := p.AgentSession().SetWebSearch(params.Enabled); err != nil {
			h.log.Warn("failed to apply web search setting to live process", "sessionId", params.SessionID, "error", err)
		}
	}

	h.log.Info("session web search updated", "sessionId", params.SessionID, "enabled", params.Enabled)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send session set web search response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionDeleteParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	wt := h.state.worktree
	wt.ProcessManager.Close(params.SessionID)
	wt.TerminalManager.DestroyAllFor(params.SessionID)
	if err := wt.SessionStore.Delete(ctx, params.SessionID); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to delete session")
		return
	}

	h.log.Info("session deleted", "sessionId", params.SessionID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send session delete response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionUpdateTitle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionUpdateTitleParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if params.Title == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "title required")
		return
	}

	if err := h.state.worktree.SessionStore.UpdateSessionField(ctx, params.SessionID, "name", params.Title); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "session not found")
			return
		}
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to update session")
		return
	}

	h.log.Info("session title updated", "sessionId", params.SessionID, "title", params.Title)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send session update response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionSetMode(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionSetModeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if !params.Mode.IsValid() {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid mode")
		return
	}

	if err := h.state.worktree.SessionStore.UpdateSessionField(ctx, params.SessionID, "mode", string(params.Mode)); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "session not found")
			return
		}
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to update mode")
		return
	}

	h.log.Info("session mode updated", "sessionId", params.SessionID, "mode", params.Mode)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send session set mode response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionGetHistory(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionGetHistoryParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	messages, err := h.state.worktree.SessionStore.LoadMessages(ctx, params.SessionID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to get history")
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

	result := struct {
		History []json.RawMessage `json:"history"`
	}{History: history}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send history response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionListSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	connID := h.state.getConnID()
	id, sessions, err := h.state.worktree.SessionListWatcher.Subscribe(conn, connID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to subscribe")
		return
	}

	result := rpc.SessionListSubscribeResult{
		ID:       id,
		Sessions: sessions,
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send session list subscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionListUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionListUnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.state.worktree.SessionListWatcher.Unsubscribe(params.ID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send session list unsubscribe response", "error", err)
	}
}
