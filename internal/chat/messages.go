package chat

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleError     Role = "error"
)

// Message is one entry in the conversation as the UI sees it.
type Message struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time

	// TempID links an optimistic user message to its reconciliation
	// entry; Pending is true until the server confirms it.
	TempID  string
	Pending bool

	// SubAgent attributes an error to the sub-agent that raised it.
	SubAgent string
	// Tool is set on tool-call messages.
	Tool string
}

// AgentStatus is the derived run state of the agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
)

// Progress is the agent's workflow position.
type Progress struct {
	CurrentStep int
	TotalSteps  int
}

// ApprovalRequest is a pending ask for user approval of an agent action.
type ApprovalRequest struct {
	ID     string
	Prompt string
}

// SubAgentState is the last reported sub-agent status.
type SubAgentState struct {
	Name   string
	Status string
	Tools  []string
}
