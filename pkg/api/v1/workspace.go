// Package v1 contains the wire types shared between the Enclave control plane
// and its callers and sandbox agents.
package v1

import (
	"encoding/json"
	"time"
)

// SandboxStatus represents the lifecycle state of a sandbox.
type SandboxStatus string

const (
	SandboxStatusWarm      SandboxStatus = "warm"
	SandboxStatusRunning   SandboxStatus = "running"
	SandboxStatusIdle      SandboxStatus = "idle"
	SandboxStatusDraining  SandboxStatus = "draining"
	SandboxStatusDestroyed SandboxStatus = "destroyed"
)

// MCPServerConfig describes one MCP server made available to the in-sandbox agent.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AgentRequest is the body of POST /execute on the sandbox agent.
type AgentRequest struct {
	UserInput    string            `json:"user_input"`
	ModelID      string            `json:"model_id,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	MCPServers   []MCPServerConfig `json:"mcp_servers,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// ExecRequest is the body of POST /exec on the sandbox agent. It is used by
// the file sync path when a direct mount is unavailable.
type ExecRequest struct {
	Cmd     []string `json:"cmd"`
	Timeout int      `json:"timeout,omitempty"` // in seconds
}

// ExecResponse is the result of POST /exec.
type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Stream event kinds produced by the sandbox agent and re-emitted to callers.
const (
	EventInit               = "init"
	EventAssistant          = "assistant"
	EventThinking           = "thinking"
	EventToolCall           = "tool_call"
	EventToolResult         = "tool_result"
	EventTitle              = "title"
	EventContainerRecovered = "container_recovered"
	EventDone               = "done"
	EventError              = "error"
)

// StreamEvent is the envelope re-emitted to callers. Seq and Timestamp are
// assigned by the relay; the payload is carried opaque for unknown kinds.
type StreamEvent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AssistantPayload is the payload of assistant and thinking events.
type AssistantPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload is the payload of tool_call events.
type ToolCallPayload struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload is the payload of tool_result events.
type ToolResultPayload struct {
	ToolID  string          `json:"tool_id"`
	IsError bool            `json:"is_error,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// TitlePayload is the payload of title events.
type TitlePayload struct {
	Title string `json:"title"`
}

// RecoveredPayload is the payload of container_recovered events.
type RecoveredPayload struct {
	Reason       string `json:"reason"`
	OldSandboxID string `json:"old_sandbox_id,omitempty"`
	NewSandboxID string `json:"new_sandbox_id,omitempty"`
}

// UsagePayload reports token usage and cost on done events.
type UsagePayload struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// DonePayload is the payload of done events.
type DonePayload struct {
	Usage *UsagePayload `json:"usage,omitempty"`
}

// ErrorPayload is the payload of error events. Code is a stable
// machine-readable error code.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FileSource attributes a synced file to its producer.
type FileSource string

const (
	FileSourceUser          FileSource = "user"
	FileSourceAgentCreated  FileSource = "agent-created"
	FileSourceAgentModified FileSource = "agent-modified"
)

// FileDescriptor describes one conversation file in the index.
type FileDescriptor struct {
	Path     string     `json:"path"`
	Size     int64      `json:"size"`
	Checksum string     `json:"checksum"`
	Source   FileSource `json:"source"`
	Version  int64      `json:"version"`
}
