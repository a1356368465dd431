// internal/rpc/protocol.go
package rpc

import (
	"encoding/json"

	"github.com/user/gateclaw/internal/types"
)

// Envelope types of the control-plane wire protocol.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Broadcast event names.
const (
	EventChat          = "chat"
	EventModelsChanged = "models.default.changed"
	EventPresence      = "presence"
)

// Request is one client call: type "req", a client-chosen id echoed back on
// the response, a method name, and method-specific params.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorPayload carries a typed failure across the wire.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response answers one Request.
type Response struct {
	Type   string        `json:"type"`
	ID     string        `json:"id"`
	OK     bool          `json:"ok"`
	Result any           `json:"result,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

// Event is a server-initiated broadcast.
type Event struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func okResponse(id string, result any) *Response {
	return &Response{Type: TypeResponse, ID: id, OK: true, Result: result}
}

func invalidFrame(err error) error {
	if err != nil {
		return types.InvalidRequest("malformed frame: %v", err)
	}
	return types.InvalidRequest(`expected {"type":"req","id":"...","method":"..."}`)
}

func errResponse(id string, err error) *Response {
	return &Response{
		Type: TypeResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorPayload{
			Kind:    string(types.KindOf(err)),
			Message: err.Error(),
		},
	}
}
