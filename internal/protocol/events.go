// Package protocol defines the wire format spoken over the Netra agent
// websocket: a type-tagged JSON envelope whose payload decodes into one
// member of a closed event union.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound event type tags.
const (
	TypeAgentStarted         = "agent_started"
	TypeAgentCompleted       = "agent_completed"
	TypeError                = "error"
	TypeToolCall             = "tool_call"
	TypeSubAgentUpdate       = "sub_agent_update"
	TypeWorkflowProgress     = "workflow_progress"
	TypeMessageChunk         = "message_chunk"
	TypeValidationResult     = "validation_result"
	TypeApprovalRequired     = "approval_required"
	TypeUserMessageConfirmed = "user_message_confirmed"
	TypePong                 = "pong"
)

// Outbound frame type tags.
const (
	TypeUserMessage = "message"
	TypePing        = "ping"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one decoded inbound frame. The union is closed: every member
// lives in this package, so classification switches cover the full set.
type Event interface {
	eventType() string
}

// AgentStarted signals the beginning of an agent run.
type AgentStarted struct {
	TotalSteps        int     `json:"total_steps,omitempty"`
	EstimatedDuration float64 `json:"estimated_duration,omitempty"`
}

// AgentCompleted signals the end of an agent run, with the final content.
type AgentCompleted struct {
	Content    string `json:"content,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ErrorEvent reports a server-side failure, optionally attributed to a
// sub-agent.
type ErrorEvent struct {
	Message  string `json:"message"`
	SubAgent string `json:"sub_agent,omitempty"`
}

// ToolCall reports a tool invocation by the agent.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// SubAgentUpdate reports sub-agent name, status, and active tools.
type SubAgentUpdate struct {
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Tools  []string `json:"tools,omitempty"`
}

// WorkflowProgress reports step progress through the agent workflow.
type WorkflowProgress struct {
	CurrentStep int `json:"current_step"`
	TotalSteps  int `json:"total_steps"`
}

// MessageChunk carries one fragment of a streamed assistant message.
type MessageChunk struct {
	Content    string `json:"content"`
	IsComplete bool   `json:"is_complete"`
}

// ValidationResult reports field-level validation from the agent.
type ValidationResult struct {
	Field string `json:"field"`
	Valid bool   `json:"valid"`
}

// ApprovalRequired asks the user to approve a pending agent action.
type ApprovalRequired struct {
	ApprovalID string `json:"approval_id"`
	Prompt     string `json:"prompt"`
}

// UserMessageConfirmed is the server echo of a user message, used to
// reconcile optimistic entries.
type UserMessageConfirmed struct {
	TempID    string `json:"temp_id,omitempty"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// Pong answers a client ping.
type Pong struct{}

// UnknownEvent wraps a frame whose type this client does not know. It is
// logged and dropped so newer backends do not break older clients.
type UnknownEvent struct {
	Type    string
	Payload json.RawMessage
}

func (AgentStarted) eventType() string         { return TypeAgentStarted }
func (AgentCompleted) eventType() string       { return TypeAgentCompleted }
func (ErrorEvent) eventType() string           { return TypeError }
func (ToolCall) eventType() string             { return TypeToolCall }
func (SubAgentUpdate) eventType() string       { return TypeSubAgentUpdate }
func (WorkflowProgress) eventType() string     { return TypeWorkflowProgress }
func (MessageChunk) eventType() string         { return TypeMessageChunk }
func (ValidationResult) eventType() string     { return TypeValidationResult }
func (ApprovalRequired) eventType() string     { return TypeApprovalRequired }
func (UserMessageConfirmed) eventType() string { return TypeUserMessageConfirmed }
func (Pong) eventType() string                 { return TypePong }
func (u UnknownEvent) eventType() string       { return u.Type }

// Decode parses a raw inbound frame into its typed event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope resolves an already-parsed envelope to its typed event.
func DecodeEnvelope(env Envelope) (Event, error) {
	payload := env.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	switch env.Type {
	case TypeAgentStarted:
		return unmarshalPayload[AgentStarted](env.Type, payload)
	case TypeAgentCompleted:
		return unmarshalPayload[AgentCompleted](env.Type, payload)
	case TypeError:
		return unmarshalPayload[ErrorEvent](env.Type, payload)
	case TypeToolCall:
		return unmarshalPayload[ToolCall](env.Type, payload)
	case TypeSubAgentUpdate:
		return unmarshalPayload[SubAgentUpdate](env.Type, payload)
	case TypeWorkflowProgress:
		return unmarshalPayload[WorkflowProgress](env.Type, payload)
	case TypeMessageChunk:
		return unmarshalPayload[MessageChunk](env.Type, payload)
	case TypeValidationResult:
		return unmarshalPayload[ValidationResult](env.Type, payload)
	case TypeApprovalRequired:
		return unmarshalPayload[ApprovalRequired](env.Type, payload)
	case TypeUserMessageConfirmed:
		return unmarshalPayload[UserMessageConfirmed](env.Type, payload)
	case TypePong:
		return Pong{}, nil
	case "":
		return nil, fmt.Errorf("frame missing type field")
	default:
		return UnknownEvent{Type: env.Type, Payload: env.Payload}, nil
	}
}

func unmarshalPayload[T Event](typ string, payload json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return v, nil
}

// UserMessage is the outbound user chat frame.
type UserMessage struct {
	Content string `json:"content"`
	TempID  string `json:"temp_id,omitempty"`
}

// EncodeUserMessage marshals a user message into its wire envelope.
func EncodeUserMessage(msg UserMessage) ([]byte, error) {
	return encodeFrame(TypeUserMessage, msg)
}

// EncodePing marshals a heartbeat ping frame.
func EncodePing() ([]byte, error) {
	return encodeFrame(TypePing, struct{}{})
}

func encodeFrame(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}
