// Package memory implements the event-sourced persistence layer: agent
// session event logs, conversation turn logs, and turn content
// reconstruction. Turns never store content; they point into the event
// log by seq range.
package memory

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Session status values.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusAbandoned = "abandoned"
)

// Conversation status values.
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Event types recorded in a session's event log.
const (
	EventSessionStart  = "session.start"
	EventSessionEnd    = "session.end"
	EventSessionUpdate = "session.update"
	EventPromptSent    = "prompt.sent"
	EventMessageChunk  = "message.chunk"
	EventToolCall      = "tool.call"
	EventToolResult    = "tool.result"
	EventNote          = "note"
)

var validEventTypes = map[string]bool{
	EventSessionStart:  true,
	EventSessionEnd:    true,
	EventSessionUpdate: true,
	EventPromptSent:    true,
	EventMessageChunk:  true,
	EventToolCall:      true,
	EventToolResult:    true,
	EventNote:          true,
}

// AgentSession is one run of a logical conversation against the agent
// subprocess. It owns an append-only event log.
type AgentSession struct {
	ID             string `yaml:"id" json:"id"`
	ConversationID string `yaml:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	AgentType      string `yaml:"agent_type" json:"agent_type"`
	SessionKey     string `yaml:"session_key,omitempty" json:"session_key,omitempty"`
	Status         string `yaml:"status" json:"status"`
	StartedAt      int64  `yaml:"started_at" json:"started_at"`
	EndedAt        int64  `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// SessionEvent is the atom of the event log. Once written it is immutable.
type SessionEvent struct {
	TS        int64                  `json:"ts"`
	Seq       int64                  `json:"seq"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventRange is an inclusive [StartSeq, EndSeq] window into a session's log.
type EventRange struct {
	StartSeq int64 `json:"start_seq"`
	EndSeq   int64 `json:"end_seq"`
}

// Conversation is the platform-facing thread. It outlives the agent
// sessions created (and rotated) underneath it.
type Conversation struct {
	ID         string            `yaml:"id" json:"id"`
	SessionKey string            `yaml:"session_key" json:"session_key"`
	Status     string            `yaml:"status" json:"status"`
	CreatedAt  int64             `yaml:"created_at" json:"created_at"`
	UpdatedAt  int64             `yaml:"updated_at" json:"updated_at"`
	TurnCount  int64             `yaml:"turn_count" json:"turn_count"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Turn is a pointer into the event log. Content is reconstructed on
// demand from EventRange; it is never stored on the turn itself.
type Turn struct {
	TS         int64                  `json:"ts"`
	Seq        int64                  `json:"seq"`
	Role       string                 `json:"role"`
	SessionID  string                 `json:"session_id"`
	EventRange EventRange             `json:"event_range"`
	MessageID  string                 `json:"message_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ValidationError identifies the first invalid field of a store input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewID returns a new ULID string. ULIDs sort lexicographically by
// creation time, which keeps session and conversation directories in
// chronological order.
func NewID() string {
	return ulid.Make().String()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
