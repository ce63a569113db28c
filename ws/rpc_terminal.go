package ws

import (
	"context"

	"github.com/pockode/server/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleTerminalCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TerminalCreateParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	cwd := params.Cwd
	if cwd == "" {
		cwd = h.state.worktree.WorkDir
	}

	id, err := h.state.worktree.TerminalManager.Create(params.SessionID, cwd, "")
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	if params.Cols > 0 && params.Rows > 0 {
		h.state.worktree.TerminalManager.Resize(id, params.Cols, params.Rows)
	}

	if err := conn.Reply(ctx, req.ID, rpc.TerminalCreateResult{ID: id}); err != nil {
		h.log.Error("failed to send terminal create response", "error", err)
	}
}

func (h *rpcMethodHandler) handleTerminalInput(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TerminalInputParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.state.worktree.TerminalManager.Write(params.ID, []byte(params.Data)); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send terminal input response", "error", err)
	}
}

func (h *rpcMethodHandler) handleTerminalResize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TerminalResizeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.state.worktree.TerminalManager.Resize(params.ID, params.Cols, params.Rows); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send terminal resize response", "error", err)
	}
}

func (h *rpcMethodHandler) handleTerminalClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TerminalCloseParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.state.worktree.TerminalManager.Destroy(params.ID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send terminal close response", "error", err)
	}
}
