package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RPC methods accepted in request frames.
const (
	MethodBlockExecute = "block.execute"
	MethodExtension    = "extension.get"
	MethodAnalytics    = "analytics.get"
)

// ExecuteRequest is the payload of a block.execute request and the body of
// POST /api/blocks/{opcode}.
type ExecuteRequest struct {
	Opcode string         `json:"opcode,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// ExecuteResult wraps a block result.
type ExecuteResult struct {
	Result any `json:"result"`
}
