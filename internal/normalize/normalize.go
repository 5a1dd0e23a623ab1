// Package normalize translates agent-specific textual output into the
// closed-set NormalizedEntry vocabulary. Each executor has its own Strategy,
// selected by a tagged dispatch table rather than runtime plugin loading,
// mirroring the teacher's backend-selection pattern.
package normalize

import (
	"encoding/json"
	"strings"

	"github.com/alekspetrov/forge/internal/domain"
)

// Entry is one output of a Strategy before it is persisted; Store assigns
// the ordinal on append.
type Entry struct {
	Type    domain.EntryType
	Payload string
}

// State is the accumulated per-process state a Strategy threads across
// calls, e.g. a partial JSON buffer spanning a pipe-buffer boundary.
type State struct {
	pending string
}

// Strategy is a pure function over (accumulated_state, line): it never
// performs I/O and never blocks.
type Strategy interface {
	Name() string
	Normalize(state *State, line string) ([]Entry, error)
}

// registry maps executor name to Strategy, the "tagged variant enumerating
// supported executors" the design notes call for.
var registry = map[string]Strategy{}

// Register adds a Strategy to the table. Called from each strategy's
// package-level init or explicitly during wiring.
func Register(s Strategy) {
	registry[s.Name()] = s
}

// Lookup returns the Strategy for executor, or the fallback raw strategy if
// none is registered — unrecognized executors still produce stderr entries
// rather than failing to start.
func Lookup(executor string) Strategy {
	if s, ok := registry[executor]; ok {
		return s
	}
	return rawFallback{}
}

func init() {
	Register(EchoAgent{})
	Register(StreamJSON{})
}

// rawFallback emits every line verbatim as a stderr entry, satisfying the
// "never silently drop input" requirement for an executor with no
// registered strategy.
type rawFallback struct{}

func (rawFallback) Name() string { return "" }
func (rawFallback) Normalize(_ *State, line string) ([]Entry, error) {
	return []Entry{{Type: domain.EntryStderr, Payload: line}}, nil
}

// EchoAgent is a minimal line-oriented strategy for test/reference agents:
// a line of the form "PREFIX: payload" maps PREFIX to an entry type;
// anything else becomes stderr. Grounded on the concrete scenario in the
// testable-properties section: executor "echo-agent" emitting
// "ASSISTANT: hello".
type EchoAgent struct{}

func (EchoAgent) Name() string { return "echo-agent" }

var echoPrefixes = map[string]domain.EntryType{
	"USER":        domain.EntryUser,
	"ASSISTANT":   domain.EntryAssistant,
	"TOOL_CALL":   domain.EntryToolCall,
	"TOOL_RESULT": domain.EntryToolResult,
	"DIFF":        domain.EntryDiff,
}

func (EchoAgent) Normalize(_ *State, line string) ([]Entry, error) {
	for prefix, entryType := range echoPrefixes {
		if rest, ok := strings.CutPrefix(line, prefix+": "); ok {
			return []Entry{{Type: entryType, Payload: rest}}, nil
		}
	}
	return []Entry{{Type: domain.EntryStderr, Payload: line}}, nil
}

// StreamJSON parses one JSON object per line (or coalesced across several
// lines, when a child's write straddles a pipe-buffer boundary) in the
// shape emitted by structured coding-agent CLIs: a "type" discriminator of
// system/assistant/user/result, with assistant/user carrying a list of
// content blocks.
type StreamJSON struct{}

func (StreamJSON) Name() string { return "stream-json" }

type streamEvent struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Message *assistantMsg  `json:"message,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

type assistantMsg struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (StreamJSON) Normalize(state *State, line string) ([]Entry, error) {
	candidate := state.pending + line
	var event streamEvent
	if err := json.Unmarshal([]byte(candidate), &event); err != nil {
		if isIncompleteJSON(err) {
			// Coalesce: the object continues on the next line.
			state.pending = candidate
			return nil, nil
		}
		state.pending = ""
		return []Entry{{Type: domain.EntryStderr, Payload: line}}, nil
	}
	state.pending = ""
	return eventToEntries(event), nil
}

func isIncompleteJSON(err error) bool {
	// encoding/json reports unexpected EOF for a truncated object; any
	// other error means the line is not JSON at all and should fall back
	// to a stderr entry rather than wait indefinitely for a continuation
	// that will never arrive.
	return strings.Contains(err.Error(), "unexpected end of JSON input")
}

func eventToEntries(event streamEvent) []Entry {
	switch event.Type {
	case "assistant", "user":
		if event.Message == nil {
			return nil
		}
		var entries []Entry
		for _, block := range event.Message.Content {
			switch block.Type {
			case "text":
				entryType := domain.EntryAssistant
				if event.Type == "user" {
					entryType = domain.EntryUser
				}
				entries = append(entries, Entry{Type: entryType, Payload: block.Text})
			case "tool_use":
				entries = append(entries, Entry{Type: domain.EntryToolCall, Payload: block.Name + " " + string(block.Input)})
			case "tool_result":
				payload := block.Content
				if block.IsError {
					entries = append(entries, Entry{Type: domain.EntryStderr, Payload: payload})
				} else {
					entries = append(entries, Entry{Type: domain.EntryToolResult, Payload: payload})
				}
			}
		}
		return entries
	case "result":
		if event.IsError {
			return []Entry{{Type: domain.EntryStderr, Payload: event.Result}}
		}
		return []Entry{{Type: domain.EntryAssistant, Payload: event.Result}}
	case "system":
		return nil
	default:
		return nil
	}
}
