package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseLine decodes one raw transcript line into a Message. It returns nil
// only for blank (empty or whitespace-only) input; any other input yields a
// message, degrading to *Malformed when the line cannot be decoded. The given
// lineIndex is attached to whatever comes out, malformed included.
//
// ParseLine is pure and never panics; callers may share it freely across
// goroutines.
func ParseLine(raw string, lineIndex int) Message {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil
	}

	if !gjson.Valid(line) {
		// Re-run through encoding/json for a descriptive position error.
		var probe any
		err := json.Unmarshal([]byte(line), &probe)
		return malformed(raw, lineIndex, fmt.Sprintf("Invalid JSON: %v", err))
	}

	typ := gjson.Get(line, "type")
	if !typ.Exists() || typ.Type != gjson.String {
		return malformed(raw, lineIndex, `record missing required string field "type"`)
	}

	switch typ.Str {
	case "user":
		return parseUser(raw, line, lineIndex)
	case "assistant":
		return parseAssistant(raw, line, lineIndex)
	case "system":
		return parseSystem(raw, line, lineIndex)
	case "progress":
		return parseProgress(raw, line, lineIndex)
	case "file-history-snapshot":
		return parseFileHistorySnapshot(raw, line, lineIndex)
	case "queue-operation":
		return parseQueueOperation(raw, line, lineIndex)
	default:
		return malformed(raw, lineIndex, fmt.Sprintf("unrecognized record type %q", typ.Str))
	}
}

func malformed(raw string, lineIndex int, errText string) *Malformed {
	return &Malformed{
		Meta:  Meta{Kind: KindMalformed, LineIndex: lineIndex},
		Raw:   raw,
		Error: errText,
	}
}

// Raw record shapes. Field names follow the on-disk envelope format: the
// envelope and message payloads are camelCase except for tool_result items
// and usage objects, which the writer emits in snake_case.

type rawEnvelope struct {
	UUID       string  `json:"uuid"`
	ParentUUID *string `json:"parentUuid"`
	SessionID  string  `json:"sessionId"`
	Timestamp  string  `json:"timestamp"`
}

type rawUserRecord struct {
	rawEnvelope
	IsMeta        bool              `json:"isMeta"`
	Message       *rawUserMessage   `json:"message"`
	ToolUseResult *rawToolUseResult `json:"toolUseResult"`
}

type rawUserMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawToolResultItem struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type rawToolUseResult struct {
	Status            string       `json:"status"`
	Prompt            string       `json:"prompt"`
	AgentID           string       `json:"agentId"`
	TotalDurationMs   *int64       `json:"totalDurationMs"`
	TotalTokens       *int64       `json:"totalTokens"`
	TotalToolUseCount *int64       `json:"totalToolUseCount"`
	Usage             *rawUsage    `json:"usage"`
}

type rawAssistantRecord struct {
	rawEnvelope
	IsAPIErrorMessage bool                 `json:"isApiErrorMessage"`
	Message           *rawAssistantMessage `json:"message"`
}

type rawAssistantMessage struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Content []json.RawMessage `json:"content"`
	Usage   rawUsage          `json:"usage"`
}

type rawUsage struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	ServiceTier              string `json:"service_tier"`
}

type rawContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Thinking  string         `json:"thinking"`
	Signature string         `json:"signature"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

func (u rawUsage) usage() TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		ServiceTier:              u.ServiceTier,
	}
}

func (e rawEnvelope) validate(kind string) error {
	switch {
	case e.UUID == "":
		return fmt.Errorf("%s record missing required field %q", kind, "uuid")
	case e.SessionID == "":
		return fmt.Errorf("%s record missing required field %q", kind, "sessionId")
	case e.Timestamp == "":
		return fmt.Errorf("%s record missing required field %q", kind, "timestamp")
	}
	return nil
}

func (e rawEnvelope) envelope() Envelope {
	return Envelope{
		UUID:       e.UUID,
		ParentUUID: e.ParentUUID,
		SessionID:  e.SessionID,
		Timestamp:  e.Timestamp,
	}
}

func parseUser(raw, line string, lineIndex int) Message {
	var rec rawUserRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return malformed(raw, lineIndex, fmt.Sprintf("invalid user record: %v", err))
	}
	if err := rec.validate("user"); err != nil {
		return malformed(raw, lineIndex, err.Error())
	}
	if rec.Message == nil {
		return malformed(raw, lineIndex, `user record missing required field "message"`)
	}

	content := gjson.Get(line, "message.content")
	switch {
	case content.Type == gjson.String:
		return &UserPrompt{
			Meta:     Meta{Kind: KindUserPrompt, LineIndex: lineIndex},
			Envelope: rec.envelope(),
			Text:     content.Str,
			IsMeta:   rec.IsMeta,
		}
	case content.IsArray():
		var items []rawToolResultItem
		if err := json.Unmarshal(rec.Message.Content, &items); err != nil {
			return malformed(raw, lineIndex, fmt.Sprintf("invalid user tool_result content: %v", err))
		}
		results := make([]ToolResultItem, 0, len(items))
		for _, item := range items {
			if item.Type != "tool_result" {
				continue
			}
			results = append(results, ToolResultItem{
				ToolUseID: item.ToolUseID,
				Content:   item.Content,
				IsError:   item.IsError,
			})
		}
		msg := &UserToolResult{
			Meta:     Meta{Kind: KindUserToolResult, LineIndex: lineIndex},
			Envelope: rec.envelope(),
			Results:  results,
		}
		if tur := rec.ToolUseResult; tur != nil {
			msg.ToolUseResult = &ToolUseResult{
				Status:            tur.Status,
				Prompt:            tur.Prompt,
				AgentID:           tur.AgentID,
				TotalDurationMs:   tur.TotalDurationMs,
				TotalTokens:       tur.TotalTokens,
				TotalToolUseCount: tur.TotalToolUseCount,
			}
			if tur.Usage != nil {
				u := tur.Usage.usage()
				msg.ToolUseResult.Usage = &u
			}
		}
		return msg
	default:
		return malformed(raw, lineIndex, "user record content must be a string or an array of tool results")
	}
}

func parseAssistant(raw, line string, lineIndex int) Message {
	var rec rawAssistantRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return malformed(raw, lineIndex, fmt.Sprintf("invalid assistant record: %v", err))
	}
	if err := rec.validate("assistant"); err != nil {
		return malformed(raw, lineIndex, err.Error())
	}
	if rec.Message == nil {
		return malformed(raw, lineIndex, `assistant record missing required field "message"`)
	}
	if rec.Message.ID == "" {
		return malformed(raw, lineIndex, `assistant record missing required field "message.id"`)
	}
	if rec.Message.Model == "" {
		return malformed(raw, lineIndex, `assistant record missing required field "message.model"`)
	}
	if n := len(rec.Message.Content); n != 1 {
		return malformed(raw, lineIndex,
			fmt.Sprintf("assistant record must contain exactly one content block, got %d", n))
	}

	var rawBlock rawContentBlock
	if err := json.Unmarshal(rec.Message.Content[0], &rawBlock); err != nil {
		return malformed(raw, lineIndex, fmt.Sprintf("invalid assistant content block: %v", err))
	}
	block, err := decodeBlock(rawBlock)
	if err != nil {
		return malformed(raw, lineIndex, err.Error())
	}

	return &AssistantBlock{
		Meta:         Meta{Kind: KindAssistantBlock, LineIndex: lineIndex},
		Envelope:     rec.envelope(),
		MessageID:    rec.Message.ID,
		Model:        rec.Message.Model,
		ContentBlock: block,
		Usage:        rec.Message.Usage.usage(),
		IsSynthetic:  rec.IsAPIErrorMessage,
	}
}

func decodeBlock(b rawContentBlock) (ContentBlock, error) {
	switch b.Type {
	case BlockText:
		return ContentBlock{Type: BlockText, Text: b.Text}, nil
	case BlockThinking:
		return ContentBlock{Type: BlockThinking, Thinking: b.Thinking, Signature: b.Signature}, nil
	case BlockToolUse:
		if b.ID == "" || b.Name == "" {
			return ContentBlock{}, fmt.Errorf("tool_use block missing id or name")
		}
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		return ContentBlock{Type: BlockToolUse, ID: b.ID, Name: b.Name, Input: input}, nil
	default:
		return ContentBlock{}, fmt.Errorf("unrecognized content block type %q", b.Type)
	}
}

func parseSystem(raw, line string, lineIndex int) Message {
	subtype := gjson.Get(line, "subtype").Str
	switch subtype {
	case "turn_duration":
		var rec struct {
			ParentUUID string `json:"parentUuid"`
			DurationMs int64  `json:"durationMs"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return malformed(raw, lineIndex, fmt.Sprintf("invalid turn_duration record: %v", err))
		}
		if rec.ParentUUID == "" {
			return malformed(raw, lineIndex, `turn_duration record missing required field "parentUuid"`)
		}
		return &SystemTurnDuration{
			Meta:       Meta{Kind: KindSystemTurnDuration, LineIndex: lineIndex},
			ParentUUID: rec.ParentUUID,
			DurationMs: rec.DurationMs,
		}
	case "api_error":
		var rec struct {
			Error        string `json:"error"`
			RetryInMs    int64  `json:"retryInMs"`
			RetryAttempt int    `json:"retryAttempt"`
			MaxRetries   int    `json:"maxRetries"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return malformed(raw, lineIndex, fmt.Sprintf("invalid api_error record: %v", err))
		}
		if rec.Error == "" {
			return malformed(raw, lineIndex, `api_error record missing required field "error"`)
		}
		return &SystemAPIError{
			Meta:         Meta{Kind: KindSystemAPIError, LineIndex: lineIndex},
			Error:        rec.Error,
			RetryInMs:    rec.RetryInMs,
			RetryAttempt: rec.RetryAttempt,
			MaxRetries:   rec.MaxRetries,
		}
	case "local_command":
		var rec struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return malformed(raw, lineIndex, fmt.Sprintf("invalid local_command record: %v", err))
		}
		return &SystemLocalCommand{
			Meta:    Meta{Kind: KindSystemLocalCommand, LineIndex: lineIndex},
			Content: rec.Content,
		}
	default:
		return malformed(raw, lineIndex, fmt.Sprintf("unrecognized system subtype %q", subtype))
	}
}

func parseProgress(raw, line string, lineIndex int) Message {
	dataType := gjson.Get(line, "data.type").Str
	switch dataType {
	case "agent_progress":
		var rec struct {
			Data struct {
				AgentID         string `json:"agentId"`
				Prompt          string `json:"prompt"`
				ParentToolUseID string `json:"parentToolUseID"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return malformed(raw, lineIndex, fmt.Sprintf("invalid agent_progress record: %v", err))
		}
		if rec.Data.AgentID == "" {
			return malformed(raw, lineIndex, `agent_progress record missing required field "data.agentId"`)
		}
		return &ProgressAgent{
			Meta:            Meta{Kind: KindProgressAgent, LineIndex: lineIndex},
			AgentID:         rec.Data.AgentID,
			Prompt:          rec.Data.Prompt,
			ParentToolUseID: rec.Data.ParentToolUseID,
		}
	case "bash_progress":
		var rec struct {
			Data struct {
				Output             string  `json:"output"`
				ElapsedTimeSeconds float64 `json:"elapsedTimeSeconds"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return malformed(raw, lineIndex, fmt.Sprintf("invalid bash_progress record: %v", err))
		}
		return &ProgressBash{
			Meta:               Meta{Kind: KindProgressBash, LineIndex: lineIndex},
			Output:             rec.Data.Output,
			ElapsedTimeSeconds: rec.Data.ElapsedTimeSeconds,
		}
	case "hook_progress":
		var rec struct {
			Data struct {
				HookEvent string `json:"hookEvent"`
				HookName  string `json:"hookName"`
				Command   string `json:"command"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return malformed(raw, lineIndex, fmt.Sprintf("invalid hook_progress record: %v", err))
		}
		return &ProgressHook{
			Meta:      Meta{Kind: KindProgressHook, LineIndex: lineIndex},
			HookEvent: rec.Data.HookEvent,
			HookName:  rec.Data.HookName,
			Command:   rec.Data.Command,
		}
	default:
		return malformed(raw, lineIndex, fmt.Sprintf("unrecognized progress data type %q", dataType))
	}
}

func parseFileHistorySnapshot(raw, line string, lineIndex int) Message {
	var rec struct {
		MessageID        string `json:"messageId"`
		Snapshot         *struct {
			MessageID          string                     `json:"messageId"`
			TrackedFileBackups map[string]json.RawMessage `json:"trackedFileBackups"`
			Timestamp          string                     `json:"timestamp"`
		} `json:"snapshot"`
		IsSnapshotUpdate bool `json:"isSnapshotUpdate"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return malformed(raw, lineIndex, fmt.Sprintf("invalid file-history-snapshot record: %v", err))
	}
	if rec.MessageID == "" {
		return malformed(raw, lineIndex, `file-history-snapshot record missing required field "messageId"`)
	}
	if rec.Snapshot == nil {
		return malformed(raw, lineIndex, `file-history-snapshot record missing required field "snapshot"`)
	}
	backups := rec.Snapshot.TrackedFileBackups
	if backups == nil {
		backups = map[string]json.RawMessage{}
	}
	return &FileHistorySnapshot{
		Meta:      Meta{Kind: KindFileHistorySnapshot, LineIndex: lineIndex},
		MessageID: rec.MessageID,
		Snapshot: FileSnapshot{
			MessageID:          rec.Snapshot.MessageID,
			TrackedFileBackups: backups,
			Timestamp:          rec.Snapshot.Timestamp,
		},
		IsSnapshotUpdate: rec.IsSnapshotUpdate,
	}
}

func parseQueueOperation(raw, line string, lineIndex int) Message {
	var rec struct {
		Operation string `json:"operation"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return malformed(raw, lineIndex, fmt.Sprintf("invalid queue-operation record: %v", err))
	}
	if rec.Operation == "" {
		return malformed(raw, lineIndex, `queue-operation record missing required field "operation"`)
	}
	return &QueueOperation{
		Meta:      Meta{Kind: KindQueueOperation, LineIndex: lineIndex},
		Operation: rec.Operation,
		Content:   rec.Content,
	}
}
