package normalize

import (
	"testing"

	"github.com/alekspetrov/forge/internal/domain"
)

func TestEchoAgentHappyPathLine(t *testing.T) {
	s := Lookup("echo-agent")
	entries, err := s.Normalize(&State{}, "ASSISTANT: hello")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != domain.EntryAssistant || entries[0].Payload != "hello" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestEchoAgentUnrecognizedLineBecomesStderr(t *testing.T) {
	s := Lookup("echo-agent")
	entries, err := s.Normalize(&State{}, "garbage output")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != domain.EntryStderr {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestLookupUnknownExecutorFallsBackToStderr(t *testing.T) {
	s := Lookup("no-such-executor")
	entries, err := s.Normalize(&State{}, "whatever this agent prints")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != domain.EntryStderr {
		t.Fatalf("unknown executor should degrade to stderr, got %+v", entries)
	}
}

func TestStreamJSONCoalescesAcrossLines(t *testing.T) {
	s := Lookup("stream-json")
	state := &State{}

	full := `{"type":"assistant","message":{"content":[{"type":"text","text":"hi there"}]}}`
	// Split the JSON object into two partial writes, as a pipe-buffer
	// boundary could produce.
	part1 := full[:30]
	part2 := full[30:]

	entries, err := s.Normalize(state, part1)
	if err != nil {
		t.Fatalf("Normalize part1: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries from a partial object, got %+v", entries)
	}

	entries, err = s.Normalize(state, part2)
	if err != nil {
		t.Fatalf("Normalize part2: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != domain.EntryAssistant || entries[0].Payload != "hi there" {
		t.Fatalf("expected one coalesced assistant entry, got %+v", entries)
	}
}

func TestStreamJSONResultEvent(t *testing.T) {
	s := Lookup("stream-json")
	entries, err := s.Normalize(&State{}, `{"type":"result","result":"done","is_error":false}`)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != domain.EntryAssistant || entries[0].Payload != "done" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
