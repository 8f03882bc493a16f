package chat_test

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firelion/insight-web-ui/internal/chat"
	"github.com/firelion/insight-web-ui/internal/models"
)

// scriptedTransport replays a fixed event sequence, optionally ending with an error instead
// of a done event. A non-nil gate holds the stream open until the channel is closed.
type scriptedTransport struct {
	events []chat.StreamEvent
	err    error
	gate   chan struct{}

	mu    sync.Mutex
	opens int
}

func (t *scriptedTransport) OpenStream(
	ctx context.Context, utterance string, sctx chat.SessionContext,
) iter.Seq2[chat.StreamEvent, error] {
	t.mu.Lock()
	t.opens++
	t.mu.Unlock()

	return func(yield func(chat.StreamEvent, error) bool) {
		if t.gate != nil {
			<-t.gate
		}
		for _, ev := range t.events {
			if !yield(ev, nil) {
				return
			}
		}
		if t.err != nil {
			yield(chat.StreamEvent{}, t.err)
		}
	}
}

func (t *scriptedTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func newTestEngine(transport chat.Transport, datasets ...string) *chat.Engine {
	session := models.Session{ID: "session-1", DatasetIDs: datasets}
	return chat.NewEngine(transport, session, chat.DefaultClassifierConfig(), discardLogger())
}

func TestEngineSendPreconditions(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		datasets  []string
		wantErr   error
	}{
		{
			name:      "Empty utterance",
			utterance: "   ",
			datasets:  []string{"ds-1"},
			wantErr:   chat.ErrEmptyUtterance,
		},
		{
			name:      "No dataset",
			utterance: "统计一下",
			datasets:  nil,
			wantErr:   chat.ErrNoDataset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &scriptedTransport{}
			eng := newTestEngine(transport, tt.datasets...)

			err := eng.Send(context.Background(), tt.utterance, chat.Handlers{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
			}
			if transport.openCount() != 0 {
				t.Errorf("transport opened %d times, want 0", transport.openCount())
			}
			if len(eng.Transcript()) != 0 {
				t.Error("rejected Send mutated the transcript")
			}
		})
	}
}

func TestEngineSendReportRoute(t *testing.T) {
	transport := &scriptedTransport{
		events: []chat.StreamEvent{
			{Type: chat.EventTextDelta, Text: "销量整体呈上升趋势。\n"},
			{Type: chat.EventTextDelta, Text: "**下一步建议**：\n1. 检查缺失值：有些列不完整\n2. 绘制相关性图：看看字段关联"},
			{Type: chat.EventDone},
		},
	}
	eng := newTestEngine(transport, "ds-1")

	var doneMsg *models.Message
	err := eng.Send(context.Background(), "生成完整的数据分析报告", chat.Handlers{
		OnDone: func(msg *models.Message) { doneMsg = msg },
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	transcript := eng.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("transcript = %d messages, want 2", len(transcript))
	}
	if transcript[0].Role != models.RoleUser || transcript[1].Role != models.RoleAssistant {
		t.Errorf("transcript roles = %v, %v", transcript[0].Role, transcript[1].Role)
	}

	assistant := transcript[1]
	if doneMsg != assistant {
		t.Error("OnDone received a different message than the transcript holds")
	}
	if assistant.Loading {
		t.Error("assistant message still loading after done")
	}
	if len(assistant.Contents) != 1 {
		t.Fatalf("assistant contents = %d parts, want 1 coalesced text part", len(assistant.Contents))
	}

	wantSuggestions := []string{"检查缺失值", "绘制相关性图"}
	if !slices.Equal(assistant.Suggestions, wantSuggestions) {
		t.Errorf("suggestions = %v, want %v", assistant.Suggestions, wantSuggestions)
	}

	if got := eng.Classification().Route; got != chat.RouteReport {
		t.Errorf("classification route = %v, want %v", got, chat.RouteReport)
	}
	route, steps := eng.FlowSnapshot()
	if route != chat.RouteReport {
		t.Errorf("flow route = %v, want %v", route, chat.RouteReport)
	}
	for i, step := range steps {
		if step.Status != chat.StepCompleted {
			t.Errorf("step %d status = %v, want %v", i, step.Status, chat.StepCompleted)
		}
	}
}

func TestEngineSendToolRoute(t *testing.T) {
	args := models.ObjectValue(models.Member{Key: "column", Value: models.StringValue("sales")})
	transport := &scriptedTransport{
		events: []chat.StreamEvent{
			{Type: chat.EventTextDelta, Text: "我先画个热力图。"},
			{Type: chat.EventToolCallOpened, CallID: "call-1", ToolName: "plot_heatmap", Args: args},
			{Type: chat.EventToolCallResolved, CallID: "call-1", Result: models.StringValue("ok"),
				Artifact: &models.Artifact{Type: models.ArtifactTypeImage, Data: "aGVhdG1hcA=="}},
			{Type: chat.EventTextDelta, Text: "相关性最高的是价格与销量。"},
			{Type: chat.EventDone},
		},
	}
	eng := newTestEngine(transport, "ds-1")

	var flowUpdates int
	err := eng.Send(context.Background(), "绘制相关性热力图", chat.Handlers{
		OnFlowUpdate: func(route chat.RouteID, steps []chat.Step) { flowUpdates++ },
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	assistant := eng.Transcript()[1]
	if len(assistant.Contents) != 3 {
		t.Fatalf("assistant contents = %d parts, want text, tool call, text", len(assistant.Contents))
	}
	if assistant.Contents[1].Type != models.ContentTypeToolCall || assistant.Contents[1].CallID != "call-1" {
		t.Errorf("part 1 = %+v, want reference to call-1", assistant.Contents[1])
	}

	call := assistant.ToolCalls["call-1"]
	if call == nil {
		t.Fatal("tool call call-1 not registered")
	}
	if call.Status != models.ToolCallSuccess {
		t.Errorf("call status = %v, want %v", call.Status, models.ToolCallSuccess)
	}
	if call.Artifact == nil || call.Artifact.Type != models.ArtifactTypeImage {
		t.Errorf("call artifact = %+v, want image", call.Artifact)
	}

	if flowUpdates == 0 {
		t.Error("no flow updates published")
	}
	_, steps := eng.FlowSnapshot()
	if steps[1].ToolName != "plot_heatmap" {
		t.Errorf("tool step name = %q, want %q", steps[1].ToolName, "plot_heatmap")
	}
	for i, step := range steps {
		if step.Status != chat.StepCompleted {
			t.Errorf("step %d status = %v, want %v", i, step.Status, chat.StepCompleted)
		}
	}
}

func TestEngineSendLoopSynthesis(t *testing.T) {
	transport := &scriptedTransport{
		events: []chat.StreamEvent{
			{Type: chat.EventToolCallOpened, CallID: "call-1", ToolName: "filter_rows", Args: models.ObjectValue()},
			{Type: chat.EventToolCallResolved, CallID: "call-1", Result: models.StringValue("120 rows")},
			{Type: chat.EventToolCallOpened, CallID: "call-2", ToolName: "filter_rows", Args: models.ObjectValue()},
			{Type: chat.EventToolCallResolved, CallID: "call-2", Result: models.StringValue("80 rows")},
			{Type: chat.EventTextDelta, Text: "过滤后剩下 80 行。"},
			{Type: chat.EventDone},
		},
	}
	eng := newTestEngine(transport, "ds-1")

	if err := eng.Send(context.Background(), "筛选异常数据", chat.Handlers{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	_, steps := eng.FlowSnapshot()
	children := steps[2].LoopChildren
	if len(children) != 1 {
		t.Fatalf("loop children = %d, want 1", len(children))
	}
	if children[0].Status != chat.StepCompleted {
		t.Errorf("loop child status = %v, want %v", children[0].Status, chat.StepCompleted)
	}
	if children[0].ToolName != "filter_rows" {
		t.Errorf("loop child tool = %q, want %q", children[0].ToolName, "filter_rows")
	}

	assistant := eng.Transcript()[1]
	if len(assistant.ToolCalls) != 2 {
		t.Errorf("tool calls = %d, want 2", len(assistant.ToolCalls))
	}
}

func TestEngineSendToolFailure(t *testing.T) {
	transport := &scriptedTransport{
		events: []chat.StreamEvent{
			{Type: chat.EventToolCallOpened, CallID: "call-1", ToolName: "compute_stats", Args: models.ObjectValue()},
			{Type: chat.EventToolCallFailed, CallID: "call-1", Err: "column not found"},
			{Type: chat.EventTextDelta, Text: "这一列不存在，请确认列名。"},
			{Type: chat.EventDone},
		},
	}
	eng := newTestEngine(transport, "ds-1")

	var failedCall models.ToolCall
	err := eng.Send(context.Background(), "计算平均值", chat.Handlers{
		OnToolFailed: func(msg *models.Message, call models.ToolCall) { failedCall = call },
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if failedCall.Status != models.ToolCallError {
		t.Errorf("failed call status = %v, want %v", failedCall.Status, models.ToolCallError)
	}
	if failedCall.Error != "column not found" {
		t.Errorf("failed call error = %q, want %q", failedCall.Error, "column not found")
	}

	// The tool step's error status survives the terminal force-complete.
	_, steps := eng.FlowSnapshot()
	if steps[1].Status != chat.StepError {
		t.Errorf("tool step status = %v, want %v", steps[1].Status, chat.StepError)
	}
	for _, i := range []int{0, 2, 3} {
		if steps[i].Status != chat.StepCompleted {
			t.Errorf("step %d status = %v, want %v", i, steps[i].Status, chat.StepCompleted)
		}
	}
}

func TestEngineSendStreamError(t *testing.T) {
	tests := []struct {
		name      string
		transport *scriptedTransport
	}{
		{
			name: "Transport error",
			transport: &scriptedTransport{
				events: []chat.StreamEvent{{Type: chat.EventTextDelta, Text: "分析中"}},
				err:    errors.New("connection reset"),
			},
		},
		{
			name: "Stream closed without done",
			transport: &scriptedTransport{
				events: []chat.StreamEvent{{Type: chat.EventTextDelta, Text: "分析中"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(tt.transport, "ds-1")

			var streamErr error
			err := eng.Send(context.Background(), "统计销量", chat.Handlers{
				OnStreamError: func(msg *models.Message, err error) { streamErr = err },
			})
			if err != nil {
				t.Fatalf("Send() error = %v, stream failures must not surface as return values", err)
			}
			if streamErr == nil {
				t.Fatal("OnStreamError not invoked")
			}

			assistant := eng.Transcript()[1]
			if assistant.Loading {
				t.Error("assistant message still loading after stream failure")
			}
			if text := assistant.Text(); !strings.Contains(text, "分析流程中断") {
				t.Errorf("assistant text %q does not surface the interruption", text)
			}

			_, steps := eng.FlowSnapshot()
			for i, step := range steps {
				if step.Status != chat.StepCompleted {
					t.Errorf("step %d status = %v, want %v", i, step.Status, chat.StepCompleted)
				}
			}

			if eng.InFlight() {
				t.Error("engine still in flight after stream failure")
			}
		})
	}
}

func TestEngineSingleStreamInFlight(t *testing.T) {
	gate := make(chan struct{})
	transport := &scriptedTransport{
		events: []chat.StreamEvent{{Type: chat.EventDone}},
		gate:   gate,
	}
	eng := newTestEngine(transport, "ds-1")

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- eng.Send(context.Background(), "统计销量", chat.Handlers{})
	}()

	// Wait for the first Send to take the in-flight slot.
	deadline := time.After(2 * time.Second)
	for !eng.InFlight() {
		select {
		case <-deadline:
			t.Fatal("first Send never became in-flight")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := eng.Send(context.Background(), "再统计一次", chat.Handlers{}); !errors.Is(err, chat.ErrStreamInFlight) {
		t.Errorf("second Send() error = %v, want %v", err, chat.ErrStreamInFlight)
	}
	if transport.openCount() != 1 {
		t.Errorf("transport opened %d times, want 1", transport.openCount())
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Errorf("first Send() error = %v", err)
	}
	if eng.InFlight() {
		t.Error("engine still in flight after stream completed")
	}

	// The slot is free again.
	transport.gate = nil
	if err := eng.Send(context.Background(), "继续", chat.Handlers{}); err != nil {
		t.Errorf("third Send() error = %v", err)
	}
}

func TestEngineHydrate(t *testing.T) {
	eng := newTestEngine(&scriptedTransport{}, "ds-1")

	msgs := []*models.Message{
		models.NewUserMessage("m-1", "之前的问题"),
		models.NewAssistantMessage("m-2"),
	}
	if err := eng.Hydrate(msgs); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}

	transcript := eng.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("transcript = %d messages, want 2", len(transcript))
	}
	if transcript[0].ID != "m-1" || transcript[1].ID != "m-2" {
		t.Errorf("transcript IDs = %s, %s", transcript[0].ID, transcript[1].ID)
	}
}

func TestEngineHistoryExcludesCurrentExchange(t *testing.T) {
	var seen chat.SessionContext
	transport := &recordingTransport{
		inner: &scriptedTransport{events: []chat.StreamEvent{{Type: chat.EventDone}}},
		seen:  &seen,
	}
	eng := newTestEngine(transport, "ds-1", "ds-2")

	if err := eng.Hydrate([]*models.Message{models.NewUserMessage("m-1", "旧问题")}); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if err := eng.Send(context.Background(), "新问题", chat.Handlers{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if seen.SessionID != "session-1" {
		t.Errorf("session ID = %q, want %q", seen.SessionID, "session-1")
	}
	if !slices.Equal(seen.DatasetIDs, []string{"ds-1", "ds-2"}) {
		t.Errorf("dataset IDs = %v", seen.DatasetIDs)
	}
	if len(seen.History) != 1 || seen.History[0].ID != "m-1" {
		t.Errorf("history = %d messages, want only the prior transcript", len(seen.History))
	}
}

// recordingTransport captures the session context handed to OpenStream.
type recordingTransport struct {
	inner *scriptedTransport
	seen  *chat.SessionContext
}

func (t *recordingTransport) OpenStream(
	ctx context.Context, utterance string, sctx chat.SessionContext,
) iter.Seq2[chat.StreamEvent, error] {
	*t.seen = sctx
	return t.inner.OpenStream(ctx, utterance, sctx)
}
