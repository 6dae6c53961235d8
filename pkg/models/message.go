package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type, per spec.md §3's Message model:
// role ∈ {system, user, assistant, tool, error}.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleError     Role = "error"
)

// TokenUsage annotates a message with the token accounting the provider
// reported for it.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Message is the canonical, immutable record of one turn in a session's
// message chain (spec.md §3). ParentID links it to the previous message in
// the chain it belongs to; a chain with diverging ParentID references at
// the same point is a branch (see Branch/BranchID). ToolCallID is set iff
// Role == RoleTool, and must reference a ToolCall.ID that appeared on a
// prior assistant message reachable by walking ParentID from this message.
// The system message, if present, is unique per chain and appears first.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	BranchID    string         `json:"branch_id,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	SequenceNum int64          `json:"sequence_num,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Usage       *TokenUsage    `json:"usage,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool. ID is unique per
// assistant message; Name must resolve in the tool registry; Input must
// validate against that tool's declared JSON schema.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution. Exactly one of
// Content (success) or errors surfaced via IsError should be treated as
// authoritative; ToolCallID must match an outstanding call.
type ToolResult struct {
	ToolCallID     string    `json:"tool_call_id"`
	Content        string    `json:"content"`
	IsError        bool      `json:"is_error,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	TruncatedBytes int64     `json:"truncated_bytes,omitempty"`
}

// Session represents one durable task thread (spec.md §3): a forest of
// messages rooted at SessionID, with MessageChainHead tracking the most
// recently appended message id on the current branch.
type Session struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id,omitempty"`
	Key              string         `json:"key,omitempty"`
	Title            string         `json:"title,omitempty"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	ModelIdentifier  string         `json:"model_identifier,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	MessageChainHead string         `json:"message_chain_head,omitempty"`
	CurrentBranchID  string         `json:"current_branch_id,omitempty"`
	LastSummaryAtSeq int64          `json:"last_summary_message_count,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// User represents an authenticated user, optionally linked to an external
// identity provider.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Agent represents a configured AI agent: a binding of a system prompt,
// default model/provider, and an allowed tool set.
type Agent struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Tools        []string       `json:"tools,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// APIKey represents an API key for programmatic access.
type APIKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"` // First 8 chars for identification
	Scopes     []string  `json:"scopes,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
