package agent

import "github.com/lontar-ai/lontar/pkg/llms"

// EventType labels one streamed agent event. The wire protocol
// guarantees exactly one done or error event, always last.
type EventType string

const (
	EventToken    EventType = "token"
	EventToolCall EventType = "tool_call"
	EventMetadata EventType = "metadata"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// Event is one element of an agent response stream.
type Event struct {
	Type EventType `json:"type"`
	// Text carries answer tokens on token events.
	Text string `json:"text,omitempty"`
	// ToolCall is set on tool_call events, before the tool runs.
	ToolCall *llms.ToolCall `json:"tool_call,omitempty"`
	// Metadata carries structured side-channel data: warnings,
	// verification verdicts, and the final citation envelope.
	Metadata map[string]any `json:"metadata,omitempty"`
	// ErrorKind and Error are set on error events.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func tokenEvent(text string) Event {
	return Event{Type: EventToken, Text: text}
}

func metadataEvent(metadata map[string]any) Event {
	return Event{Type: EventMetadata, Metadata: metadata}
}

func warningEvent(warning string) Event {
	return Event{Type: EventMetadata, Metadata: map[string]any{"warning": warning}}
}

func errorEvent(kind ErrorKind, err error) Event {
	return Event{Type: EventError, ErrorKind: kind, Error: err.Error()}
}
