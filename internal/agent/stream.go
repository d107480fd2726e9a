// Package agent spawns role-configured agent CLI processes and turns their
// stream-json output into progress lines, collected text and cost sessions.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types emitted by the agent CLI in stream-json mode.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeResult    = "result"
)

// CLIMessage is one line of agent CLI stdout. The type field determines
// which of the remaining fields carry data.
type CLIMessage struct {
	Type string `json:"type"`

	// system
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant
	Message *AssistantMessage `json:"message,omitempty"`

	// result; Result is a string or an object depending on subtype
	Subtype    string          `json:"subtype,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
}

// AssistantMessage carries the assistant's content blocks.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block of assistant content.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// tool_use blocks
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// ResultText returns the result payload as plain text. String results are
// returned as-is; object results fall back to their "text" field.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// ParseLine decodes one stdout line. Agent CLIs occasionally interleave
// plain text (deprecation notices, npm output) with the JSON stream, so a
// line that is not a JSON object is reported as not-a-message rather than
// an error.
func ParseLine(line []byte) (*CLIMessage, bool) {
	trimmed := strings.TrimSpace(string(line))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var msg CLIMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, false
	}
	if msg.Type == "" {
		return nil, false
	}
	return &msg, true
}

// inputSummaryKeys is the preference order for picking the one input field
// worth showing in a condensed tool-use line.
var inputSummaryKeys = []string{
	"command", "file_path", "path", "pattern", "query", "url", "prompt", "description",
}

const summaryMaxLen = 160

// RenderLines converts a parsed message into the human-visible lines the
// workers forward as progress events. Assistant text is split on newlines;
// tool uses collapse to a one-line summary.
func RenderLines(msg *CLIMessage) []string {
	switch msg.Type {
	case MessageTypeAssistant:
		if msg.Message == nil {
			return nil
		}
		var lines []string
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				for _, l := range strings.Split(block.Text, "\n") {
					if strings.TrimSpace(l) != "" {
						lines = append(lines, l)
					}
				}
			case "tool_use":
				lines = append(lines, summarizeToolUse(block))
			}
		}
		return lines
	case MessageTypeResult:
		if msg.IsError {
			if text := msg.ResultText(); text != "" {
				return []string{"error: " + firstLine(text)}
			}
			return []string{"error: agent reported failure"}
		}
		return nil
	default:
		return nil
	}
}

// CollectText returns the raw text of a message for accumulation into the
// run's output. Unlike RenderLines it keeps full multi-line text intact so
// that JSON blocks inside the answer survive for ExtractLastJSON.
func CollectText(msg *CLIMessage) string {
	switch msg.Type {
	case MessageTypeAssistant:
		if msg.Message == nil {
			return ""
		}
		var sb strings.Builder
		for _, block := range msg.Message.Content {
			if block.Type == "text" && block.Text != "" {
				sb.WriteString(block.Text)
				sb.WriteString("\n")
			}
		}
		return sb.String()
	case MessageTypeResult:
		return msg.ResultText()
	default:
		return ""
	}
}

func summarizeToolUse(block ContentBlock) string {
	detail := ""
	for _, key := range inputSummaryKeys {
		if v, ok := block.Input[key]; ok {
			detail = fmt.Sprintf("%v", v)
			break
		}
	}
	if detail == "" && len(block.Input) > 0 {
		raw, err := json.Marshal(block.Input)
		if err == nil {
			detail = string(raw)
		}
	}
	detail = firstLine(detail)
	if len(detail) > summaryMaxLen {
		detail = detail[:summaryMaxLen] + "..."
	}
	if detail == "" {
		return "→ " + block.Name
	}
	return "→ " + block.Name + ": " + detail
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
