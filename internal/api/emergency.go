package api

import (
	"context"
	"encoding/json"
	"net/http"

	"vettrack/internal/tracking"
	"vettrack/internal/ws"

	"go.uber.org/zap"
)

type cancelRequest struct {
	Reason     string `json:"reason"`
	ReasonCode string `json:"reasonCode"`
}

// outcome reports whether a command settled and with which error message
type outcome func(v tracking.View) (settled bool, errMsg string)

func confirmSettled(v tracking.View) (bool, string) {
	return !v.ConfirmArrival.Pending, v.ConfirmArrival.Error
}

func expandSettled(v tracking.View) (bool, string) {
	return v.Escalation.Phase != tracking.EscalationExpanding, v.Escalation.Error
}

func cancelSettled(v tracking.View) (bool, string) {
	return !v.Cancel.Pending, v.Cancel.Error
}

func (d Dependencies) getView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Engine.View())
}

func (d Dependencies) confirmArrival(w http.ResponseWriter, r *http.Request) {
	d.runCommand(w, r, "confirm_arrival", d.Engine.ConfirmArrival, confirmSettled)
}

func (d Dependencies) expandSearch(w http.ResponseWriter, r *http.Request) {
	d.runCommand(w, r, "expand_search", d.Engine.ExpandSearch, expandSettled)
}

func (d Dependencies) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_input", "Invalid request body", d.Log)
			return
		}
	}
	start := func(ctx context.Context) error {
		return d.Engine.Cancel(ctx, req.Reason, req.ReasonCode)
	}
	d.runCommand(w, r, "cancel", start, cancelSettled)
}

func (d Dependencies) markChatRead(w http.ResponseWriter, r *http.Request) {
	if err := d.Engine.MarkChatRead(r.Context()); err != nil {
		d.writeRefusal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Engine.View())
}

// runCommand starts a command and waits for it to settle. A failure
// reported by the server answers 502 with the server's message; a command
// still running when the wait ends answers 202.
func (d Dependencies) runCommand(w http.ResponseWriter, r *http.Request, name string, start func(context.Context) error, settled outcome) {
	if err := start(r.Context()); err != nil {
		d.writeRefusal(w, err)
		return
	}

	// subscribing after acceptance makes the first view show the command pending
	views, unsubscribe := d.Engine.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(r.Context(), d.AwaitTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusAccepted, d.Engine.View())
			return
		case v, ok := <-views:
			if !ok {
				WriteError(w, http.StatusServiceUnavailable, "unavailable", "Tracking stopped", d.Log)
				return
			}
			done, msg := settled(v)
			if !done {
				continue
			}
			if msg != "" {
				d.Log.Info("Command failed", zap.String("command", name), zap.String("message", msg))
				WriteError(w, http.StatusBadGateway, "command_failed", msg, d.Log)
				return
			}
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
}

func (d Dependencies) writeRefusal(w http.ResponseWriter, err error) {
	code, message := ws.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "action_in_flight", "action_not_allowed", "terminal":
		status = http.StatusConflict
	case "unavailable":
		status = http.StatusServiceUnavailable
	case "timeout":
		status = http.StatusGatewayTimeout
	}
	WriteError(w, status, code, message, d.Log)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
