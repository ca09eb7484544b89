// Package transcript defines the parsed message model for agent session
// transcripts and the defensive line parser that produces it.
//
// A transcript is an append-only UTF-8 file with one JSON object per line.
// Every non-blank line decodes to exactly one of twelve message kinds; lines
// that cannot be decoded become KindMalformed rather than an error.
package transcript

import "encoding/json"

// Kind discriminates the parsed message variants.
type Kind string

const (
	KindFileHistorySnapshot Kind = "file-history-snapshot"
	KindUserPrompt          Kind = "user-prompt"
	KindUserToolResult      Kind = "user-tool-result"
	KindAssistantBlock      Kind = "assistant-block"
	KindSystemTurnDuration  Kind = "system-turn-duration"
	KindSystemAPIError      Kind = "system-api-error"
	KindSystemLocalCommand  Kind = "system-local-command"
	KindProgressAgent       Kind = "progress-agent"
	KindProgressBash        Kind = "progress-bash"
	KindProgressHook        Kind = "progress-hook"
	KindQueueOperation      Kind = "queue-operation"
	KindMalformed           Kind = "malformed"
)

// Message is the closed sum of parsed transcript lines. Consumers switch on
// MessageKind; the twelve concrete types below are the only implementations.
type Message interface {
	MessageKind() Kind
	// Line is the 0-based index of this message among the non-blank lines
	// of its transcript.
	Line() int
}

// Meta carries the discriminator and line position shared by every variant.
type Meta struct {
	Kind      Kind `json:"kind"`
	LineIndex int  `json:"lineIndex"`
}

func (m Meta) MessageKind() Kind { return m.Kind }
func (m Meta) Line() int         { return m.LineIndex }

// Envelope carries the common identity fields of user and assistant records.
type Envelope struct {
	UUID       string  `json:"uuid"`
	ParentUUID *string `json:"parentUuid"`
	SessionID  string  `json:"sessionId"`
	// Timestamp is the raw ISO-8601 string from the record; it is relayed
	// verbatim, never parsed.
	Timestamp string `json:"timestamp"`
}

// TokenUsage mirrors the usage object attached to assistant blocks.
// The cache and tier fields are optional in the source records.
type TokenUsage struct {
	InputTokens              int64  `json:"inputTokens"`
	OutputTokens             int64  `json:"outputTokens"`
	CacheCreationInputTokens int64  `json:"cacheCreationInputTokens,omitempty"`
	CacheReadInputTokens     int64  `json:"cacheReadInputTokens,omitempty"`
	ServiceTier              string `json:"serviceTier,omitempty"`
}

// Content block types within an assistant message.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// ContentBlock is one block of an assistant response. Type selects which of
// the remaining fields are populated.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	Signature string         `json:"signature,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// FileHistorySnapshot records the state of tracked file backups at a point
// in the session.
type FileHistorySnapshot struct {
	Meta
	MessageID        string       `json:"messageId"`
	Snapshot         FileSnapshot `json:"snapshot"`
	IsSnapshotUpdate bool         `json:"isSnapshotUpdate"`
}

// FileSnapshot is the payload of a file-history-snapshot record.
type FileSnapshot struct {
	MessageID          string                     `json:"messageId"`
	TrackedFileBackups map[string]json.RawMessage `json:"trackedFileBackups"`
	Timestamp          string                     `json:"timestamp"`
}

// UserPrompt is a user message whose content is plain text. Meta prompts are
// synthetic context injections and do not open conversational turns.
type UserPrompt struct {
	Meta
	Envelope
	Text   string `json:"text"`
	IsMeta bool   `json:"isMeta"`
}

// UserToolResult is a user message carrying one or more tool_result blocks.
type UserToolResult struct {
	Meta
	Envelope
	Results       []ToolResultItem `json:"results"`
	ToolUseResult *ToolUseResult   `json:"toolUseResult,omitempty"`
}

// ToolResultItem links a tool result back to the tool_use block it answers.
// Content is arbitrary JSON preserved as-is.
type ToolResultItem struct {
	ToolUseID string          `json:"toolUseId"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"isError"`
}

// ToolUseResult is the structured sidecar some tool results carry. For Task
// tool results it reports the spawned subagent and its final stats; the three
// total fields are pointers so a partially reported (still running) subagent
// is distinguishable from a completed one.
type ToolUseResult struct {
	Status            string      `json:"status,omitempty"`
	Prompt            string      `json:"prompt,omitempty"`
	AgentID           string      `json:"agentId,omitempty"`
	TotalDurationMs   *int64      `json:"totalDurationMs,omitempty"`
	TotalTokens       *int64      `json:"totalTokens,omitempty"`
	TotalToolUseCount *int64      `json:"totalToolUseCount,omitempty"`
	Usage             *TokenUsage `json:"usage,omitempty"`
}

// AssistantBlock is a single content block of an assistant response. A
// response that streams several blocks is logged as several lines sharing a
// messageId; the enricher reconstitutes them.
type AssistantBlock struct {
	Meta
	Envelope
	MessageID    string       `json:"messageId"`
	Model        string       `json:"model"`
	ContentBlock ContentBlock `json:"contentBlock"`
	Usage        TokenUsage   `json:"usage"`
	// IsSynthetic marks locally generated placeholder blocks representing
	// API errors rather than real generations.
	IsSynthetic bool `json:"isSynthetic"`
}

// SystemTurnDuration reports how long the turn rooted at ParentUUID took.
type SystemTurnDuration struct {
	Meta
	ParentUUID string `json:"parentUuid"`
	DurationMs int64  `json:"durationMs"`
}

// SystemAPIError records a retryable API failure.
type SystemAPIError struct {
	Meta
	Error        string `json:"error"`
	RetryInMs    int64  `json:"retryInMs"`
	RetryAttempt int    `json:"retryAttempt"`
	MaxRetries   int    `json:"maxRetries"`
}

// SystemLocalCommand records a locally executed slash command.
type SystemLocalCommand struct {
	Meta
	Content string `json:"content"`
}

// ProgressAgent announces a spawned subagent.
type ProgressAgent struct {
	Meta
	AgentID         string `json:"agentId"`
	Prompt          string `json:"prompt"`
	ParentToolUseID string `json:"parentToolUseID"`
}

// ProgressBash streams intermediate output of a long-running shell command.
type ProgressBash struct {
	Meta
	Output             string  `json:"output"`
	ElapsedTimeSeconds float64 `json:"elapsedTimeSeconds"`
}

// ProgressHook reports a lifecycle hook invocation.
type ProgressHook struct {
	Meta
	HookEvent string `json:"hookEvent"`
	HookName  string `json:"hookName"`
	Command   string `json:"command"`
}

// QueueOperation records prompt-queue maintenance (enqueue, dequeue, ...).
type QueueOperation struct {
	Meta
	Operation string `json:"operation"`
	Content   string `json:"content,omitempty"`
}

// Malformed wraps a line that could not be decoded. Raw is the original line
// so UIs can surface diagnostics without losing data.
type Malformed struct {
	Meta
	Raw   string `json:"raw"`
	Error string `json:"error"`
}
