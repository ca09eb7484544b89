// Package enrich derives cross-message session structure from a parsed
// transcript: turns, reconstituted responses, paired tool calls, token and
// cost totals, per-tool statistics, subagent references, and cumulative
// context snapshots.
//
// Enrichment is a pure fold over the ordered message sequence. It never
// fails; malformed and hidden message kinds pass through in Messages and are
// simply ignored by the derived structures.
package enrich

import (
	"encoding/json"

	"github.com/haasonsaas/sessionlens/internal/transcript"
)

// Turn is one conversational round: a real (non-meta) user prompt plus all
// assistant activity until the next real prompt.
type Turn struct {
	TurnIndex  int    `json:"turnIndex"`
	PromptText string `json:"promptText"`
	PromptUUID string `json:"promptUuid"`
	// DurationMs comes from the matching system turn_duration record and is
	// nil when no record named this turn's prompt uuid.
	DurationMs    *int64 `json:"durationMs"`
	ResponseCount int    `json:"responseCount"`
	ToolUseCount  int    `json:"toolUseCount"`
	IsMeta        bool   `json:"isMeta"`
}

// Response is a single API generation reassembled from the assistant-block
// lines sharing one messageId.
type Response struct {
	MessageID string                    `json:"messageId"`
	Model     string                    `json:"model"`
	Blocks    []transcript.ContentBlock `json:"blocks"`
	// Usage is taken from the last block of the group; blocks of one
	// response repeat cumulative usage, so summing would double count.
	Usage          transcript.TokenUsage `json:"usage"`
	IsSynthetic    bool                  `json:"isSynthetic"`
	TurnIndex      int                   `json:"turnIndex"`
	LineIndexStart int                   `json:"lineIndexStart"`
	LineIndexEnd   int                   `json:"lineIndexEnd"`
}

// ToolCall pairs a tool_use block with the tool_result that answered it, if
// one arrived.
type ToolCall struct {
	ToolUseID       string                     `json:"toolUseId"`
	ToolName        string                     `json:"toolName"`
	Input           map[string]any             `json:"input"`
	ToolUseBlock    transcript.ContentBlock    `json:"toolUseBlock"`
	ToolResultBlock *transcript.ToolResultItem `json:"toolResultBlock,omitempty"`
	TurnIndex       int                        `json:"turnIndex"`
}

// Totals aggregates token usage and estimated cost across deduplicated
// responses. TotalTokens is input+output only; cache tokens are reported
// separately and deliberately excluded from the sum.
type Totals struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	TotalTokens              int64   `json:"totalTokens"`
	EstimatedCostUSD         float64 `json:"estimatedCostUsd"`
	ToolUseCount             int     `json:"toolUseCount"`
}

// ToolStat summarizes calls of one tool.
type ToolStat struct {
	ToolName     string        `json:"toolName"`
	CallCount    int           `json:"callCount"`
	ErrorCount   int           `json:"errorCount"`
	ErrorSamples []ErrorSample `json:"errorSamples"`
}

// ErrorSample is one failed tool result.
type ErrorSample struct {
	ToolUseID string `json:"toolUseId"`
	ErrorText string `json:"errorText"`
	TurnIndex int    `json:"turnIndex"`
}

// SubagentRef is a child agent spawned during the session. Stats stays nil
// until the parent's tool result reports all three completion totals.
type SubagentRef struct {
	AgentID         string         `json:"agentId"`
	Prompt          string         `json:"prompt"`
	ParentToolUseID string         `json:"parentToolUseID"`
	Stats           *SubagentStats `json:"stats,omitempty"`
}

// SubagentStats are the completion totals of a finished subagent.
type SubagentStats struct {
	TotalDurationMs   int64 `json:"totalDurationMs"`
	TotalTokens       int64 `json:"totalTokens"`
	TotalToolUseCount int64 `json:"totalToolUseCount"`
}

// ContextSnapshot is the cumulative token footprint after one non-synthetic
// response, used to plot context-window utilization over the session. Unlike
// Totals, the cumulative input here folds cache tokens in.
type ContextSnapshot struct {
	MessageID              string `json:"messageId"`
	TurnIndex              int    `json:"turnIndex"`
	CumulativeInputTokens  int64  `json:"cumulativeInputTokens"`
	CumulativeOutputTokens int64  `json:"cumulativeOutputTokens"`
}

// Session is the enriched view of one transcript. Messages is the input
// sequence passed through untouched; everything else is derived.
type Session struct {
	Messages         []transcript.Message `json:"messages"`
	Turns            []Turn               `json:"turns"`
	Responses        []Response           `json:"responses"`
	ToolCalls        []ToolCall           `json:"toolCalls"`
	Totals           Totals               `json:"totals"`
	ToolStats        []ToolStat           `json:"toolStats"`
	Subagents        []SubagentRef        `json:"subagents"`
	ContextSnapshots []ContextSnapshot    `json:"contextSnapshots"`
}

// Enrich builds the full derived view of an ordered message sequence.
func Enrich(messages []transcript.Message) *Session {
	s := &Session{
		Messages:         messages,
		Turns:            []Turn{},
		Responses:        []Response{},
		ToolCalls:        []ToolCall{},
		ToolStats:        []ToolStat{},
		Subagents:        []SubagentRef{},
		ContextSnapshots: []ContextSnapshot{},
	}

	lineToTurn := s.buildTurns(messages)
	s.buildResponses(messages, lineToTurn)
	s.pairToolCalls(messages, lineToTurn)
	s.sumTotals()
	s.buildToolStats()
	s.buildSubagents(messages)
	s.buildContextSnapshots()
	return s
}

// buildTurns sweeps the messages once, opening a turn per real user prompt,
// and returns the line→turn attribution map. Every line maps to a turn index
// (clamped to 0 before the first real prompt) so later phases can attribute
// any message, meta prompts and malformed lines included.
func (s *Session) buildTurns(messages []transcript.Message) map[int]int {
	lineToTurn := make(map[int]int, len(messages))
	current := -1
	for _, msg := range messages {
		if p, ok := msg.(*transcript.UserPrompt); ok && !p.IsMeta {
			current++
			s.Turns = append(s.Turns, Turn{
				TurnIndex:  current,
				PromptText: p.Text,
				PromptUUID: p.UUID,
			})
		}
		lineToTurn[msg.Line()] = max(current, 0)
	}

	// Durations match by prompt uuid, not position; the last record naming a
	// prompt wins.
	for _, msg := range messages {
		d, ok := msg.(*transcript.SystemTurnDuration)
		if !ok {
			continue
		}
		for i := range s.Turns {
			if s.Turns[i].PromptUUID == d.ParentUUID {
				ms := d.DurationMs
				s.Turns[i].DurationMs = &ms
			}
		}
	}
	return lineToTurn
}

// buildResponses groups assistant blocks by messageId in first-seen order.
func (s *Session) buildResponses(messages []transcript.Message, lineToTurn map[int]int) {
	byID := map[string]int{}
	for _, msg := range messages {
		b, ok := msg.(*transcript.AssistantBlock)
		if !ok {
			continue
		}
		if i, seen := byID[b.MessageID]; seen {
			r := &s.Responses[i]
			r.Blocks = append(r.Blocks, b.ContentBlock)
			r.Usage = b.Usage
			r.LineIndexEnd = b.Line()
			continue
		}
		byID[b.MessageID] = len(s.Responses)
		s.Responses = append(s.Responses, Response{
			MessageID:      b.MessageID,
			Model:          b.Model,
			Blocks:         []transcript.ContentBlock{b.ContentBlock},
			Usage:          b.Usage,
			IsSynthetic:    b.IsSynthetic,
			TurnIndex:      lineToTurn[b.Line()],
			LineIndexStart: b.Line(),
			LineIndexEnd:   b.Line(),
		})
	}

	for i := range s.Responses {
		if t := s.Responses[i].TurnIndex; t < len(s.Turns) {
			s.Turns[t].ResponseCount++
		}
	}
}

// pairToolCalls records every tool_use block, then attaches matching
// tool_result items from later user messages.
func (s *Session) pairToolCalls(messages []transcript.Message, lineToTurn map[int]int) {
	byToolUseID := map[string]int{}
	for _, msg := range messages {
		b, ok := msg.(*transcript.AssistantBlock)
		if !ok || b.ContentBlock.Type != transcript.BlockToolUse {
			continue
		}
		turnIndex := lineToTurn[b.Line()]
		byToolUseID[b.ContentBlock.ID] = len(s.ToolCalls)
		s.ToolCalls = append(s.ToolCalls, ToolCall{
			ToolUseID:    b.ContentBlock.ID,
			ToolName:     b.ContentBlock.Name,
			Input:        b.ContentBlock.Input,
			ToolUseBlock: b.ContentBlock,
			TurnIndex:    turnIndex,
		})
		if turnIndex < len(s.Turns) {
			s.Turns[turnIndex].ToolUseCount++
		}
	}

	for _, msg := range messages {
		r, ok := msg.(*transcript.UserToolResult)
		if !ok {
			continue
		}
		for _, item := range r.Results {
			i, ok := byToolUseID[item.ToolUseID]
			if !ok {
				continue
			}
			result := item
			s.ToolCalls[i].ToolResultBlock = &result
		}
	}
}

// sumTotals aggregates across the deduplicated responses.
func (s *Session) sumTotals() {
	for _, r := range s.Responses {
		s.Totals.InputTokens += r.Usage.InputTokens
		s.Totals.OutputTokens += r.Usage.OutputTokens
		s.Totals.CacheCreationInputTokens += r.Usage.CacheCreationInputTokens
		s.Totals.CacheReadInputTokens += r.Usage.CacheReadInputTokens
		s.Totals.EstimatedCostUSD += ComputeCost(
			r.Usage.InputTokens,
			r.Usage.OutputTokens,
			r.Usage.CacheCreationInputTokens,
			r.Usage.CacheReadInputTokens,
			r.Model,
		)
	}
	s.Totals.TotalTokens = s.Totals.InputTokens + s.Totals.OutputTokens
	s.Totals.ToolUseCount = len(s.ToolCalls)
}

func (s *Session) buildToolStats() {
	byName := map[string]int{}
	for _, tc := range s.ToolCalls {
		i, seen := byName[tc.ToolName]
		if !seen {
			i = len(s.ToolStats)
			byName[tc.ToolName] = i
			s.ToolStats = append(s.ToolStats, ToolStat{
				ToolName:     tc.ToolName,
				ErrorSamples: []ErrorSample{},
			})
		}
		st := &s.ToolStats[i]
		st.CallCount++
		if tc.ToolResultBlock != nil && tc.ToolResultBlock.IsError {
			st.ErrorCount++
			st.ErrorSamples = append(st.ErrorSamples, ErrorSample{
				ToolUseID: tc.ToolUseID,
				ErrorText: errorText(tc.ToolResultBlock.Content),
				TurnIndex: tc.TurnIndex,
			})
		}
	}
}

// errorText renders a tool result's content for display: string content as
// itself, anything else as its JSON serialization.
func errorText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return str
	}
	return string(content)
}

// buildSubagents registers each agent on its first progress record and fills
// in stats when the parent's tool result reports all three completion totals.
func (s *Session) buildSubagents(messages []transcript.Message) {
	byAgentID := map[string]int{}
	for _, msg := range messages {
		p, ok := msg.(*transcript.ProgressAgent)
		if !ok {
			continue
		}
		if _, seen := byAgentID[p.AgentID]; seen {
			continue
		}
		byAgentID[p.AgentID] = len(s.Subagents)
		s.Subagents = append(s.Subagents, SubagentRef{
			AgentID:         p.AgentID,
			Prompt:          p.Prompt,
			ParentToolUseID: p.ParentToolUseID,
		})
	}

	for _, msg := range messages {
		r, ok := msg.(*transcript.UserToolResult)
		if !ok || r.ToolUseResult == nil {
			continue
		}
		tur := r.ToolUseResult
		i, known := byAgentID[tur.AgentID]
		if !known {
			continue
		}
		if tur.TotalDurationMs == nil || tur.TotalTokens == nil || tur.TotalToolUseCount == nil {
			// Subagent still running; leave stats unset.
			continue
		}
		s.Subagents[i].Stats = &SubagentStats{
			TotalDurationMs:   *tur.TotalDurationMs,
			TotalTokens:       *tur.TotalTokens,
			TotalToolUseCount: *tur.TotalToolUseCount,
		}
	}
}

// buildContextSnapshots emits one cumulative snapshot per non-synthetic
// response. Cache tokens count toward cumulative input here even though
// Totals excludes them from TotalTokens; both follow observed writer
// behavior and must not be normalized.
func (s *Session) buildContextSnapshots() {
	var cumInput, cumOutput int64
	for _, r := range s.Responses {
		if r.IsSynthetic {
			continue
		}
		cumInput += r.Usage.InputTokens + r.Usage.CacheReadInputTokens + r.Usage.CacheCreationInputTokens
		cumOutput += r.Usage.OutputTokens
		s.ContextSnapshots = append(s.ContextSnapshots, ContextSnapshot{
			MessageID:              r.MessageID,
			TurnIndex:              r.TurnIndex,
			CumulativeInputTokens:  cumInput,
			CumulativeOutputTokens: cumOutput,
		})
	}
}
