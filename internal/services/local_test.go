package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"testing"

	mcp "github.com/MegaGrindStone/go-mcp"
	"github.com/firelion/insight-web-ui/internal/chat"
	"github.com/firelion/insight-web-ui/internal/models"
	"github.com/firelion/insight-web-ui/internal/services"
)

// mockLLM replays one scripted chunk sequence per Chat call.
type mockLLM struct {
	rounds [][]services.Chunk
	err    error
	calls  int
}

func (m *mockLLM) Chat(
	_ context.Context, _ []*models.Message, _ []mcp.Tool,
) iter.Seq2[services.Chunk, error] {
	round := m.calls
	m.calls++

	return func(yield func(services.Chunk, error) bool) {
		if m.err != nil {
			yield(services.Chunk{}, m.err)
			return
		}
		if round >= len(m.rounds) {
			return
		}
		for _, chunk := range m.rounds[round] {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func runLocalAgent(t *testing.T, llm services.LLM) ([]chat.StreamEvent, error) {
	t.Helper()

	agent, err := services.NewLocalAgent(context.Background(), llm, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewLocalAgent() error = %v", err)
	}

	sctx := chat.SessionContext{SessionID: "session-1", DatasetIDs: []string{"ds-1"}}
	var events []chat.StreamEvent
	for ev, err := range agent.OpenStream(context.Background(), "统计销量", sctx) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestLocalAgentTextOnly(t *testing.T) {
	llm := &mockLLM{
		rounds: [][]services.Chunk{
			{
				{Type: services.ChunkText, Text: "销量"},
				{Type: services.ChunkText, Text: "在上升。"},
			},
		},
	}

	events, err := runLocalAgent(t, llm)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	wantTypes := []chat.StreamEventType{chat.EventTextDelta, chat.EventTextDelta, chat.EventDone}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d type = %v, want %v", i, events[i].Type, want)
		}
	}
	if llm.calls != 1 {
		t.Errorf("provider called %d times, want 1", llm.calls)
	}
}

func TestLocalAgentUnknownToolFailsCall(t *testing.T) {
	llm := &mockLLM{
		rounds: [][]services.Chunk{
			{
				{Type: services.ChunkText, Text: "让我查一下。"},
				{Type: services.ChunkToolCall, CallID: "call-1", ToolName: "missing_tool",
					ToolArgs: json.RawMessage(`{"column":"sales"}`)},
			},
			{
				{Type: services.ChunkText, Text: "工具不可用。"},
			},
		},
	}

	events, err := runLocalAgent(t, llm)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	wantTypes := []chat.StreamEventType{
		chat.EventTextDelta,
		chat.EventToolCallOpened,
		chat.EventToolCallFailed,
		chat.EventTextDelta,
		chat.EventDone,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d type = %v, want %v", i, events[i].Type, want)
		}
	}

	opened := events[1]
	if opened.CallID != "call-1" || opened.ToolName != "missing_tool" {
		t.Errorf("tool call = %+v", opened)
	}
	if col, ok := opened.Args.Get("column"); !ok || col.Str != "sales" {
		t.Errorf("tool args = %+v, want column=sales", opened.Args)
	}

	failed := events[2]
	if failed.CallID != "call-1" || !strings.Contains(failed.Err, "not found") {
		t.Errorf("tool failure = %+v", failed)
	}

	// The failure is fed back and the provider answers in a second round.
	if llm.calls != 2 {
		t.Errorf("provider called %d times, want 2", llm.calls)
	}
}

func TestLocalAgentInvalidToolInput(t *testing.T) {
	llm := &mockLLM{
		rounds: [][]services.Chunk{
			{
				{Type: services.ChunkToolCall, CallID: "call-1", ToolName: "plot",
					ToolArgs: json.RawMessage(`{"column":`)},
			},
		},
	}

	events, err := runLocalAgent(t, llm)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	wantTypes := []chat.StreamEventType{
		chat.EventToolCallOpened,
		chat.EventToolCallFailed,
		chat.EventDone,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d type = %v, want %v", i, events[i].Type, want)
		}
	}
	if !strings.Contains(events[1].Err, "not valid json") {
		t.Errorf("failure = %q, want invalid-input error", events[1].Err)
	}
}

func TestLocalAgentProviderError(t *testing.T) {
	llm := &mockLLM{err: errors.New("provider unavailable")}

	events, err := runLocalAgent(t, llm)
	if err == nil {
		t.Fatal("OpenStream() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "provider unavailable") {
		t.Errorf("OpenStream() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events before failure = %d, want 0", len(events))
	}
}
