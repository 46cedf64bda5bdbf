package models

import "encoding/json"

// StreamFrameType discriminates the frames the pipeline emits to the UI sink.
type StreamFrameType string

const (
	// FrameMessageID announces the persisted question id for the turn.
	FrameMessageID StreamFrameType = "message_id"
	// FrameData carries a chunk of answer text.
	FrameData StreamFrameType = "data"
	// FrameMetadata carries tool-call or completion metadata as JSON.
	FrameMetadata StreamFrameType = "metadata"
	// FrameError carries a soft error; the turn still ends with Done.
	FrameError StreamFrameType = "error"
	// FrameDone is the end-of-stream sentinel.
	FrameDone StreamFrameType = "done"
	// FrameFollowUp signals whether related questions should be generated.
	FrameFollowUp StreamFrameType = "follow_up"

	// Resource-limit sentinels surfaced when a stream cannot start.
	FrameAIResponseLimitExceeded      StreamFrameType = "ai_response_limit_exceeded"
	FrameAIImageResponseLimitExceeded StreamFrameType = "ai_image_response_limit_exceeded"
	FrameAIMaxRequired                StreamFrameType = "ai_max_required"
	FrameLocalAINotReady              StreamFrameType = "local_ai_not_ready"
	FrameLocalAIDisabled              StreamFrameType = "local_ai_disabled"
)

// StreamFrame is one discriminated frame of the sink protocol. Exactly the
// fields relevant to the Type are populated.
type StreamFrame struct {
	Type      StreamFrameType `json:"type"`
	MessageID int64           `json:"message_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	FollowUp  bool            `json:"follow_up,omitempty"`
}

// MessageIDFrame announces the question id.
func MessageIDFrame(id int64) StreamFrame {
	return StreamFrame{Type: FrameMessageID, MessageID: id}
}

// DataFrame wraps a text chunk.
func DataFrame(text string) StreamFrame {
	return StreamFrame{Type: FrameData, Text: text}
}

// MetadataFrame wraps a JSON metadata payload.
func MetadataFrame(payload json.RawMessage) StreamFrame {
	return StreamFrame{Type: FrameMetadata, Metadata: payload}
}

// ErrorFrame wraps a soft error message.
func ErrorFrame(msg string) StreamFrame {
	return StreamFrame{Type: FrameError, Text: msg}
}

// DoneFrame is the end-of-stream sentinel.
func DoneFrame() StreamFrame {
	return StreamFrame{Type: FrameDone}
}

// LimitFrame builds one of the named resource-limit sentinels.
func LimitFrame(t StreamFrameType, msg string) StreamFrame {
	return StreamFrame{Type: t, Text: msg}
}

// ToolCallMetadata is the metadata payload describing a tool call's progress.
// A "running" frame and a final "success"/"failed" frame bracket every call.
type ToolCallMetadata struct {
	ID         string          `json:"id"`
	ToolName   string          `json:"tool_name"`
	Status     string          `json:"status"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// Envelope wraps the metadata in the {"tool_call": ...} shape the UI expects.
func (m ToolCallMetadata) Envelope() json.RawMessage {
	data, err := json.Marshal(map[string]ToolCallMetadata{"tool_call": m})
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
