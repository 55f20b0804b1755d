package models

import "encoding/json"

// JSON-RPC shaped request/response envelopes for the A2A task endpoints.
// The wire shapes follow the A2A protocol: tasks/send, tasks/sendSubscribe,
// tasks/resubscribe, tasks/get and tasks/cancel all carry a params object.

// SendTaskParams are the parameters for tasks/send and tasks/sendSubscribe.
type SendTaskParams struct {
	ID        string                 `json:"id,omitempty"`        // caller-supplied task ID; generated when empty
	SessionID string                 `json:"sessionId,omitempty"` // optional session grouping
	Message   json.RawMessage        `json:"message"`             // opaque input handed to the producer
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SendTaskRequest is the envelope for tasks/send and tasks/sendSubscribe.
type SendTaskRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  SendTaskParams `json:"params"`
}

// ResubscribeParams are the parameters for tasks/resubscribe.
// FromSequence is the last sequence the observer has already seen;
// replay starts after it (0 replays from the beginning).
type ResubscribeParams struct {
	ID           string `json:"id"`
	FromSequence int64  `json:"fromSequence,omitempty"`
}

// ResubscribeRequest is the envelope for tasks/resubscribe.
type ResubscribeRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Params  ResubscribeParams `json:"params"`
}

// TaskIDParams carry just a task ID, used by tasks/get and tasks/cancel.
type TaskIDParams struct {
	ID string `json:"id"`
}

// TaskIDRequest is the envelope for tasks/get and tasks/cancel.
type TaskIDRequest struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      string       `json:"id"`
	Method  string       `json:"method"`
	Params  TaskIDParams `json:"params"`
}

// RPCError mirrors the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCResponse is the non-streaming JSON-RPC response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// NewRPCResult builds a success response.
func NewRPCResult(id string, result interface{}) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// NewRPCError builds an error response.
func NewRPCError(id string, code int, message string) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// AgentCapabilities describe what the serving agent supports.
type AgentCapabilities struct {
	Streaming             bool `json:"streaming"`
	PushNotifications     bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentCard is the identity document served at /.well-known/agent.json.
type AgentCard struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	URL          string            `json:"url"`
	Version      string            `json:"version"`
	Capabilities AgentCapabilities `json:"capabilities"`
}
