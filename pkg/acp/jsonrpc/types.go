// Package jsonrpc implements the JSON-RPC 2.0 envelope for ACP (Agent Client Protocol).
// Messages are newline-delimited JSON objects over the agent's stdio.
package jsonrpc

import "encoding/json"

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`      // Always "2.0"
	ID      interface{}     `json:"id,omitempty"` // Request ID (int or string), omit for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ACP Methods
const (
	// Client -> Agent methods
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"

	// Agent -> Client notifications
	NotificationSessionUpdate = "session/update"
)

// Prompt roles
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// Session update types
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolResult        = "tool_result"
)

// InitializeParams for initialize method
type InitializeParams struct {
	ProtocolVersion int        `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult from initialize method
type InitializeResult struct {
	ProtocolVersion int       `json:"protocolVersion"`
	AgentInfo       AgentInfo `json:"agentInfo"`
}

// AgentInfo identifies the agent
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SessionNewParams for session/new method
type SessionNewParams struct {
	Cwd string `json:"cwd"` // Working directory for the session
}

// SessionNewResult from session/new method
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock represents a content block in ACP protocol.
// The prompt field in session/prompt is an array of ContentBlock.
type ContentBlock struct {
	Type string `json:"type"`           // "text"
	Text string `json:"text,omitempty"` // For type="text"
}

// SessionPromptParams for session/prompt method
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"` // "user" or "system"
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult from session/prompt method.
// Updates stream in as session/update notifications while the call is in flight.
type SessionPromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

// SessionCancelParams for session/cancel notification
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionUpdateParams carries a session/update notification from the agent.
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one streamed update inside a prompt turn.
type SessionUpdate struct {
	UpdateType string      `json:"update_type"` // agent_message_chunk, tool_call, tool_result
	Content    *Content    `json:"content,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Content carries text content for agent_message_chunk updates.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCall describes a tool invocation started by the agent.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status string          `json:"status,omitempty"` // pending, running
}

// ToolResult describes the outcome of a prior tool call, paired by CallID.
type ToolResult struct {
	CallID   string `json:"call_id"`
	Status   string `json:"status"` // success, failure
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}
