package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/firelion/insight-web-ui/internal/models"
	"github.com/google/uuid"
)

// StreamEventType identifies the kind of a transport event.
type StreamEventType string

const (
	// EventTextDelta carries one fragment of assistant text.
	EventTextDelta StreamEventType = "text_delta"
	// EventToolCallOpened announces a backend tool invocation.
	EventToolCallOpened StreamEventType = "tool_call_opened"
	// EventToolCallResolved carries the successful result of an announced call.
	EventToolCallResolved StreamEventType = "tool_call_resolved"
	// EventToolCallFailed carries the error of an announced call.
	EventToolCallFailed StreamEventType = "tool_call_failed"
	// EventDone terminates the stream; no events follow it.
	EventDone StreamEventType = "done"
)

// StreamEvent is one ordered event from the Transport. Which fields are set depends on
// Type. Transport-level failure is not an event: it arrives as the iterator's error value.
type StreamEvent struct {
	Type StreamEventType

	// Text is set on EventTextDelta.
	Text string

	// CallID and ToolName are set on the tool call events.
	CallID   string
	ToolName string
	// Args is set on EventToolCallOpened.
	Args models.Value
	// Result and Artifact are set on EventToolCallResolved.
	Result   models.Value
	Artifact *models.Artifact
	// Err is set on EventToolCallFailed.
	Err string
}

// SessionContext carries everything a transport needs to open a stream on behalf of a
// session: its identity, the datasets under analysis, and the prior transcript.
type SessionContext struct {
	SessionID  string
	DatasetIDs []string
	History    []*models.Message
}

// Transport is the abstract ordered event source the engine consumes. Implementations
// yield events in FIFO order and terminate with exactly one of an EventDone or an error;
// closing the stream early must surface as an error.
type Transport interface {
	OpenStream(ctx context.Context, utterance string, sctx SessionContext) iter.Seq2[StreamEvent, error]
}

// Handlers are the callbacks a caller registers for one Send. Any of them may be nil.
// They are invoked in event order from the Send goroutine; the message pointer they
// receive is the live assistant message being streamed.
type Handlers struct {
	OnTextDelta      func(msg *models.Message, delta string)
	OnToolCallOpened func(msg *models.Message, call models.ToolCall)
	OnToolResolved   func(msg *models.Message, call models.ToolCall)
	OnToolFailed     func(msg *models.Message, call models.ToolCall)
	OnFlowUpdate     func(route RouteID, steps []Step)
	OnDone           func(msg *models.Message)
	OnStreamError    func(msg *models.Message, err error)
}

// Precondition failures returned synchronously from Send before any state mutation.
var (
	ErrEmptyUtterance = errors.New("utterance is empty")
	ErrNoDataset      = errors.New("session has no dataset selected")
	ErrStreamInFlight = errors.New("a stream is already in flight for this session")
)

// Engine is the streaming session orchestrator. It owns the session transcript, the
// per-message tool-call registry and the flow state machine, and mutates all of them only
// in reaction to transport events, one Send at a time.
type Engine struct {
	transport  Transport
	classifier ClassifierConfig
	logger     *slog.Logger

	sessionID  string
	datasetIDs []string

	mu             sync.Mutex
	inFlight       bool
	transcript     []*models.Message
	flow           *Flow
	classification Classification
}

// NewEngine creates an engine bound to one session. The session's datasets gate Send: a
// session without datasets rejects every utterance.
func NewEngine(transport Transport, session models.Session, classifier ClassifierConfig, logger *slog.Logger) *Engine {
	return &Engine{
		transport:  transport,
		classifier: classifier,
		logger:     logger.With(slog.String("module", "engine"), slog.String("sessionID", session.ID)),
		sessionID:  session.ID,
		datasetIDs: session.DatasetIDs,
		flow:       NewFlow(logger),
	}
}

// Hydrate replaces the transcript with messages loaded from persistence. It is only valid
// outside the live-stream path.
func (e *Engine) Hydrate(msgs []*models.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return ErrStreamInFlight
	}
	e.transcript = append([]*models.Message(nil), msgs...)
	return nil
}

// Transcript returns the ordered messages of the session. The slice is a copy; the
// messages are the live objects.
func (e *Engine) Transcript() []*models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*models.Message(nil), e.transcript...)
}

// FlowSnapshot returns the current route and a copy of its step chain.
func (e *Engine) FlowSnapshot() (RouteID, []Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flow.Route(), e.flow.Steps()
}

// Classification returns the routing decision of the most recent Send.
func (e *Engine) Classification() Classification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.classification
}

// InFlight reports whether a stream is currently being consumed for this session.
func (e *Engine) InFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// ForceCompleteFlow drives every flow step to completed. It is the user-facing escape
// hatch for a progress display wedged by a stalled stream.
func (e *Engine) ForceCompleteFlow() {
	e.mu.Lock()
	e.flow.ForceCompleteAll()
	e.mu.Unlock()
}

// streamState tracks the in-progress assistant message of one Send.
type streamState struct {
	builder  *messageBuilder
	msg      *models.Message
	toolSeen bool
}

// Send submits one user utterance and consumes the resulting event stream to completion.
// It returns a precondition error synchronously and nil otherwise; stream failures are
// surfaced through Handlers.OnStreamError, never as a return value. Send blocks until the
// stream terminates, so callers run it on their own goroutine.
func (e *Engine) Send(ctx context.Context, utterance string, h Handlers) error {
	if strings.TrimSpace(utterance) == "" {
		return ErrEmptyUtterance
	}

	e.mu.Lock()
	if len(e.datasetIDs) == 0 {
		e.mu.Unlock()
		return ErrNoDataset
	}
	if e.inFlight {
		e.mu.Unlock()
		return ErrStreamInFlight
	}
	e.inFlight = true

	history := append([]*models.Message(nil), e.transcript...)

	userMsg := models.NewUserMessage(uuid.New().String(), utterance)
	assistantMsg := models.NewAssistantMessage(uuid.New().String())
	e.transcript = append(e.transcript, userMsg, assistantMsg)

	// The route is decided once per utterance, before and independent of stream timing.
	e.classification = e.classifier.Classify(utterance)
	e.flow.Reset(e.classification.Route)
	e.flow.StepStarted(0)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	e.publishFlow(h)

	st := &streamState{
		builder: newMessageBuilder(assistantMsg, e.logger),
		msg:     assistantMsg,
	}

	sctx := SessionContext{
		SessionID:  e.sessionID,
		DatasetIDs: e.datasetIDs,
		History:    history,
	}
	for ev, err := range e.transport.OpenStream(ctx, utterance, sctx) {
		if err != nil {
			e.streamError(st, h, err)
			return nil
		}
		if terminal := e.handleEvent(st, h, ev); terminal {
			return nil
		}
	}

	// The transport closed without a terminal event, which the engine treats identically
	// to a transport error.
	e.streamError(st, h, errors.New("stream closed before completion"))
	return nil
}

func (e *Engine) handleEvent(st *streamState, h Handlers, ev StreamEvent) bool {
	switch ev.Type {
	case EventTextDelta:
		e.mu.Lock()
		full := st.builder.appendText(ev.Text)
		st.msg.Suggestions = ExtractSuggestions(full)
		e.advanceOnText(st)
		e.mu.Unlock()

		e.publishFlow(h)
		if h.OnTextDelta != nil {
			h.OnTextDelta(st.msg, ev.Text)
		}

	case EventToolCallOpened:
		e.mu.Lock()
		if err := st.builder.openToolCall(ev.CallID, ev.ToolName, ev.Args); err != nil {
			e.mu.Unlock()
			e.logger.Warn("Dropping tool call announcement",
				slog.String("callID", ev.CallID),
				slog.String("err", err.Error()))
			return false
		}
		e.advanceOnToolOpened(st, ev.ToolName)
		call := *st.msg.ToolCalls[ev.CallID]
		e.mu.Unlock()

		e.publishFlow(h)
		if h.OnToolCallOpened != nil {
			h.OnToolCallOpened(st.msg, call)
		}

	case EventToolCallResolved:
		e.mu.Lock()
		if !st.builder.resolveToolCall(ev.CallID, ev.Result, ev.Artifact) {
			e.mu.Unlock()
			return false
		}
		e.advanceOnToolSettled(st, false)
		call := *st.msg.ToolCalls[ev.CallID]
		e.mu.Unlock()

		e.publishFlow(h)
		if h.OnToolResolved != nil {
			h.OnToolResolved(st.msg, call)
		}

	case EventToolCallFailed:
		e.mu.Lock()
		if !st.builder.failToolCall(ev.CallID, ev.Err) {
			e.mu.Unlock()
			return false
		}
		e.advanceOnToolSettled(st, true)
		call := *st.msg.ToolCalls[ev.CallID]
		e.mu.Unlock()

		e.publishFlow(h)
		if h.OnToolFailed != nil {
			h.OnToolFailed(st.msg, call)
		}

	case EventDone:
		e.mu.Lock()
		st.msg.Loading = false
		e.flow.ForceCompleteAll()
		e.mu.Unlock()

		e.publishFlow(h)
		if h.OnDone != nil {
			h.OnDone(st.msg)
		}
		return true

	default:
		e.logger.Warn("Unknown stream event type", slog.String("type", string(ev.Type)))
	}
	return false
}

// advanceOnText moves the flow forward for a text fragment. Callers hold e.mu.
func (e *Engine) advanceOnText(st *streamState) {
	if e.flow.ToolIndex() < 0 {
		// Report route: the first text fragment means the backend moved from analyzing
		// the request to writing the report.
		if e.flow.StepStatus(0) == StepActive {
			e.flow.StepCompleted(0)
			e.flow.StepStarted(1)
		}
		return
	}

	// Tool route: text after a settled tool call is the closing summary.
	if st.toolSeen && e.flow.StepStatus(e.flow.LoopIndex()) == StepActive && !e.flow.HasActiveLoopChild() {
		e.flow.StepCompleted(e.flow.LoopIndex())
		e.flow.StepStarted(e.flow.LoopIndex() + 1)
	}
}

// advanceOnToolOpened moves the flow forward for a tool announcement. Callers hold e.mu.
func (e *Engine) advanceOnToolOpened(st *streamState, toolName string) {
	toolIdx := e.flow.ToolIndex()
	if toolIdx < 0 {
		// The backend invoked a tool on the report route; the flow has no step for it, so
		// only the registry tracks the call.
		e.logger.Warn("Tool call on the report route", slog.String("toolName", toolName))
		return
	}

	if !st.toolSeen {
		st.toolSeen = true
		e.flow.StepCompleted(0)
		e.flow.StepStarted(toolIdx)
		e.flow.StepTool(toolIdx, toolName)
		return
	}

	// A repeated invocation: the loop decision fell on "call again".
	loopIdx := e.flow.LoopIndex()
	if e.flow.StepStatus(loopIdx) == StepActive {
		e.flow.StepCompleted(loopIdx)
	}
	e.flow.LoopRequested(loopIdx)
}

// advanceOnToolSettled moves the flow forward for a tool result or error. Callers hold e.mu.
func (e *Engine) advanceOnToolSettled(st *streamState, failed bool) {
	toolIdx := e.flow.ToolIndex()
	if toolIdx < 0 {
		return
	}

	if e.flow.HasActiveLoopChild() {
		e.flow.LoopChildCompleted(failed)
		// Evaluation resumes once the repeated invocation settles.
		e.flow.StepReentered(e.flow.LoopIndex())
		return
	}

	if e.flow.StepStatus(toolIdx) == StepActive {
		if failed {
			e.flow.StepFailed(toolIdx)
		} else {
			e.flow.StepCompleted(toolIdx)
		}
	}

	if e.flow.StepStatus(e.flow.LoopIndex()) == StepPending {
		e.flow.StepStarted(e.flow.LoopIndex())
	}
}

func (e *Engine) publishFlow(h Handlers) {
	if h.OnFlowUpdate == nil {
		return
	}
	route, steps := e.FlowSnapshot()
	h.OnFlowUpdate(route, steps)
}

// streamError terminates the current exchange after a transport failure: the error is
// surfaced as inline text on the assistant message, the message stops loading, and the
// flow is force-completed. No retry is attempted; that is a caller decision.
func (e *Engine) streamError(st *streamState, h Handlers, err error) {
	e.logger.Error("Stream failed", slog.String("err", err.Error()))

	e.mu.Lock()
	st.builder.appendText("\n\n⚠️ 分析流程中断：" + err.Error())
	st.msg.Loading = false
	e.flow.ForceCompleteAll()
	e.mu.Unlock()

	e.publishFlow(h)
	if h.OnStreamError != nil {
		h.OnStreamError(st.msg, err)
	}
}
