package ws

import (
	"context"

	"github.com/pockode/server/rpc"
	"github.com/pockode/server/settings"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleSettingsGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	result := rpc.SettingsSubscribeResult{Settings: h.settingsStore.Get()}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send settings get response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSettingsUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SettingsUpdateParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	updated, err := h.settingsStore.Update(func(s *settings.Settings) {
		*s = params.Settings
	})
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to update settings")
		return
	}

	if err := conn.Reply(ctx, req.ID, updated); err != nil {
		h.log.Error("failed to send settings update response", "error", err)
	}
}
