package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"vettrack/internal/model"
)

// ErrNotConnected is returned when a command is sent while the channel is down
// or the connection drops before the answer arrives.
var ErrNotConnected = errors.New("push channel not connected")

// CommandError is a command rejected by the server
type CommandError struct {
	Op      string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed (%s): %s", e.Op, e.Code, e.Message)
}

// UserMessage returns the server's message
func (e *CommandError) UserMessage() string {
	return e.Message
}

// Command sends a cmd frame and waits for the correlated response
func (c *Client) Command(ctx context.Context, op string, data interface{}) (json.RawMessage, error) {
	id := ulid.Make().String()
	reply := make(chan frame, 1)

	c.mu.Lock()
	cn := c.conn
	if cn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg, err := json.Marshal(map[string]interface{}{
		"type": "cmd",
		"op":   op,
		"id":   id,
		"data": data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	select {
	case cn.send <- msg:
	case <-cn.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.log.Debug("Command sent", zap.String("op", op), zap.String("id", id))

	select {
	case f, ok := <-reply:
		if !ok {
			return nil, ErrNotConnected
		}
		if f.Type == "error" {
			return nil, &CommandError{Op: op, Code: f.Code, Message: f.Message}
		}
		return f.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	reply, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Reply for unknown command", zap.String("id", f.ID))
		return
	}
	reply <- f
}

// ConfirmArrival confirms the vet's arrival manually
func (c *Client) ConfirmArrival(ctx context.Context, emergencyID string) error {
	_, err := c.Command(ctx, "confirmArrival", map[string]interface{}{"emergencyId": emergencyID})
	return err
}

// CancelEmergency cancels the request and returns the fee charged, if any
func (c *Client) CancelEmergency(ctx context.Context, emergencyID, reason, reasonCode string) (*float64, error) {
	data, err := c.Command(ctx, "cancelEmergency", map[string]interface{}{
		"emergencyId": emergencyID,
		"reason":      reason,
		"reasonCode":  reasonCode,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Fee model.OptFloat `json:"cancellationFee"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			c.log.Warn("Failed to decode cancel response", zap.Error(err))
		}
	}
	return out.Fee.Ptr(), nil
}
