package models

import (
	"time"
)

// Session represents a conversation container in the analysis chat system. Every session is
// bound to the datasets the agent analyzes; messages cannot be sent on a session without at
// least one dataset.
type Session struct {
	ID         string
	Name       string
	DatasetIDs []string
	CreatedAt  time.Time
}

// Message represents an individual entry within a session transcript. Assistant messages are
// built up incrementally while the backend streams: text deltas coalesce into the trailing
// text content, and every announced tool call becomes both a ToolCall record and a content
// part referencing it.
type Message struct {
	ID        string
	Role      Role
	Contents  []Content
	Timestamp time.Time

	// ToolCalls maps a call ID to its lifecycle record. Only assistant messages carry
	// tool calls; call IDs are unique within the message.
	ToolCalls map[string]*ToolCall

	// Loading is true while the message is still being streamed.
	Loading bool

	// Suggestions holds the actionable next-step titles extracted from the message text.
	// It is replaced wholesale on every text delta, never accumulated.
	Suggestions []string
}

// Content is a single part of a message, either a run of text or a reference to a tool call
// in the owning message's ToolCalls map.
type Content struct {
	Type ContentType

	// Text would be filled if Type is ContentTypeText.
	Text string

	// CallID would be filled if Type is ContentTypeToolCall.
	CallID string
}

// ToolCall is the lifecycle record of one backend tool invocation announced mid-stream.
// Status only ever moves forward: running to success, or running to error.
type ToolCall struct {
	ID     string
	Name   string
	Args   Value
	Status ToolCallStatus

	// Result is set only when Status is ToolCallSuccess.
	Result Value
	// Error is set only when Status is ToolCallError.
	Error string
	// Artifact is an optional side payload attached on success.
	Artifact *Artifact
}

// Artifact is a side payload produced by a tool, currently always an image.
type Artifact struct {
	Type    string
	Data    string // base64-encoded payload
	Caption string
}

// Role represents the role of a message participant.
type Role string

// ContentType represents the type of a message content part.
type ContentType string

// ToolCallStatus represents the lifecycle state of a tool call.
type ToolCallStatus string

const (
	// RoleUser represents a user message. A message with this role only contains text content.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message, which may interleave text content with
	// tool call references.
	RoleAssistant Role = "assistant"

	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeToolCall represents a reference to a tool call record.
	ContentTypeToolCall ContentType = "tool_call"

	// ToolCallRunning is the initial status of every tool call.
	ToolCallRunning ToolCallStatus = "running"
	// ToolCallSuccess is the terminal status of a resolved tool call.
	ToolCallSuccess ToolCallStatus = "success"
	// ToolCallError is the terminal status of a failed tool call.
	ToolCallError ToolCallStatus = "error"

	// ArtifactTypeImage marks an image artifact; Data holds base64-encoded image bytes.
	ArtifactTypeImage = "image"
)

// NewUserMessage builds a finished single-text user message.
func NewUserMessage(id, text string) *Message {
	return &Message{
		ID:   id,
		Role: RoleUser,
		Contents: []Content{
			{Type: ContentTypeText, Text: text},
		},
		Timestamp: time.Now(),
	}
}

// NewAssistantMessage builds an empty assistant message in the loading state, ready to
// receive streamed content.
func NewAssistantMessage(id string) *Message {
	return &Message{
		ID:        id,
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		ToolCalls: make(map[string]*ToolCall),
		Loading:   true,
	}
}

// Text returns the concatenation of all text content parts of the message.
func (m *Message) Text() string {
	var out string
	for _, ct := range m.Contents {
		if ct.Type == ContentTypeText {
			out += ct.Text
		}
	}
	return out
}
