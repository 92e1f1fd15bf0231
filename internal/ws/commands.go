package ws

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"vettrack/internal/tracking"
)

// Actions is the part of the tracking engine reachable over the socket
type Actions interface {
	View() tracking.View
	ConfirmArrival(ctx context.Context) error
	ExpandSearch(ctx context.Context) error
	Cancel(ctx context.Context, reason, reasonCode string) error
	MarkChatRead(ctx context.Context) error
}

// CommandHandler handles WebSocket commands
type CommandHandler struct {
	actions Actions
	log     *zap.Logger
}

func NewCommandHandler(actions Actions, log *zap.Logger) *CommandHandler {
	return &CommandHandler{
		actions: actions,
		log:     log,
	}
}

// HandleCommand processes a WebSocket command
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	var err error
	switch op {
	case "getView":
		h.sendResponse(conn, msgID, h.actions.View())
		return
	case "confirmArrival":
		err = h.actions.ConfirmArrival(ctx)
	case "expandSearch":
		err = h.actions.ExpandSearch(ctx)
	case "cancel":
		reason, _ := data["reason"].(string)
		reasonCode, _ := data["reasonCode"].(string)
		err = h.actions.Cancel(ctx, reason, reasonCode)
	case "markChatRead":
		err = h.actions.MarkChatRead(ctx)
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
		return
	}

	if err != nil {
		code, message := ErrorCode(err)
		h.log.Info("Command refused", zap.String("op", op), zap.String("code", code))
		h.sendError(conn, msgID, code, message)
		return
	}
	h.sendResponse(conn, msgID, map[string]string{"status": "accepted"})
}

// ErrorCode maps engine refusals to stable wire codes
func ErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, tracking.ErrActionInFlight):
		return "action_in_flight", err.Error()
	case errors.Is(err, tracking.ErrActionNotAllowed):
		return "action_not_allowed", err.Error()
	case errors.Is(err, tracking.ErrTerminal):
		return "terminal", err.Error()
	case errors.Is(err, tracking.ErrStopped):
		return "unavailable", err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout", err.Error()
	default:
		return "internal_error", err.Error()
	}
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, data interface{}) {
	resp := map[string]interface{}{
		"type": "response",
		"data": data,
	}
	if msgID != "" {
		resp["id"] = msgID
	}
	if !conn.Send(resp) {
		h.log.Warn("Failed to send response, channel full")
	}
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	err := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		err["id"] = msgID
	}
	if !conn.Send(err) {
		h.log.Warn("Failed to send error, channel full")
	}
}
