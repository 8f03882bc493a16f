package chat

import (
	"log/slog"
)

// StepStatus represents the lifecycle state of a flow step.
type StepStatus string

const (
	// StepPending is the initial status of every step.
	StepPending StepStatus = "pending"
	// StepActive marks the step currently being advanced. At most one step of a flow is
	// active at any time.
	StepActive StepStatus = "active"
	// StepCompleted is the terminal success status.
	StepCompleted StepStatus = "completed"
	// StepError is the terminal failure status, reachable only from StepActive.
	StepError StepStatus = "error"
)

// Step is one named stage in a route's visualized progress chain.
type Step struct {
	Title       string
	Description string
	Status      StepStatus

	// ToolName is set when the step corresponds to an actual tool invocation.
	ToolName string

	// LoopChildren holds synthesized repeat-invocation steps. Only the loop-decision step
	// of the tool route carries children.
	LoopChildren []Step
}

// Flow tracks the fixed step chain of the currently selected route and synthesizes loop
// steps when the backend repeats a tool call.
//
// Transitions are driven by named calls from the session engine, not by raw stream events.
// Precondition violations are logged and dropped: the progress display favors forward
// motion over strict correctness under out-of-order network delivery.
type Flow struct {
	logger *slog.Logger

	route RouteID
	steps []Step

	// toolIndex and loopIndex locate the tool-invocation and loop-decision steps of the
	// tool route; both are -1 on the report route.
	toolIndex int
	loopIndex int
}

// NewFlow creates a flow with no route selected. Reset must be called before any step
// transition.
func NewFlow(logger *slog.Logger) *Flow {
	return &Flow{
		logger:    logger.With(slog.String("module", "flow")),
		toolIndex: -1,
		loopIndex: -1,
	}
}

// Reset discards all step state and installs the step templates of the given route, every
// step pending. Switching routes between utterances always goes through here.
func (f *Flow) Reset(route RouteID) {
	f.route = route
	switch route {
	case RouteTool:
		f.steps = []Step{
			{Title: "理解需求", Description: "解析用户的分析目标", Status: StepPending},
			{Title: "调用工具", Description: "执行数据操作", Status: StepPending},
			{Title: "评估结果", Description: "判断是否需要继续调用工具", Status: StepPending},
			{Title: "总结回答", Description: "汇总工具结果并作答", Status: StepPending},
		}
		f.toolIndex = 1
		f.loopIndex = 2
	default:
		f.steps = []Step{
			{Title: "理解需求", Description: "解析用户的分析目标", Status: StepPending},
			{Title: "生成报告", Description: "撰写完整的分析报告", Status: StepPending},
			{Title: "优化输出", Description: "整理与润色结论", Status: StepPending},
		}
		f.toolIndex = -1
		f.loopIndex = -1
	}
}

// Route returns the currently selected route.
func (f *Flow) Route() RouteID {
	return f.route
}

// Steps returns a deep copy of the current step chain, safe to hand to renderers.
func (f *Flow) Steps() []Step {
	steps := make([]Step, len(f.steps))
	copy(steps, f.steps)
	for i := range steps {
		if len(f.steps[i].LoopChildren) == 0 {
			continue
		}
		steps[i].LoopChildren = make([]Step, len(f.steps[i].LoopChildren))
		copy(steps[i].LoopChildren, f.steps[i].LoopChildren)
	}
	return steps
}

// StepStatus returns the status of step i, or StepPending if i is out of range.
func (f *Flow) StepStatus(i int) StepStatus {
	if i < 0 || i >= len(f.steps) {
		return StepPending
	}
	return f.steps[i].Status
}

// StepStarted marks a pending step active. A step that is not pending is left untouched.
func (f *Flow) StepStarted(i int) {
	if i < 0 || i >= len(f.steps) {
		f.logger.Warn("Step index out of range", slog.Int("index", i))
		return
	}
	if f.steps[i].Status != StepPending {
		f.logger.Warn("Step started while not pending",
			slog.Int("index", i),
			slog.String("status", string(f.steps[i].Status)))
		return
	}
	f.steps[i].Status = StepActive
}

// StepCompleted marks step i completed regardless of its prior state. Completing an
// already-completed step is a no-op, so the call is idempotent.
func (f *Flow) StepCompleted(i int) {
	if i < 0 || i >= len(f.steps) {
		f.logger.Warn("Step index out of range", slog.Int("index", i))
		return
	}
	f.steps[i].Status = StepCompleted
}

// StepFailed moves an active step into the error state.
func (f *Flow) StepFailed(i int) {
	if i < 0 || i >= len(f.steps) {
		f.logger.Warn("Step index out of range", slog.Int("index", i))
		return
	}
	if f.steps[i].Status != StepActive {
		f.logger.Warn("Step failed while not active",
			slog.Int("index", i),
			slog.String("status", string(f.steps[i].Status)))
		return
	}
	f.steps[i].Status = StepError
}

// StepTool labels step i with the name of the tool it represents.
func (f *Flow) StepTool(i int, name string) {
	if i < 0 || i >= len(f.steps) {
		return
	}
	f.steps[i].ToolName = name
}

// ToolIndex returns the index of the tool-invocation step, or -1 on the report route.
func (f *Flow) ToolIndex() int { return f.toolIndex }

// LoopIndex returns the index of the loop-decision step, or -1 on the report route.
func (f *Flow) LoopIndex() int { return f.loopIndex }

// HasActiveLoopChild reports whether the loop-decision step currently carries a live
// synthesized child.
func (f *Flow) HasActiveLoopChild() bool {
	if f.loopIndex < 0 {
		return false
	}
	children := f.steps[f.loopIndex].LoopChildren
	return len(children) > 0 && children[len(children)-1].Status == StepActive
}

// LoopRequested synthesizes a new repeat-invocation child on the loop-decision step and
// marks the main tool-invocation step completed. While a live child exists, further
// requests are no-ops: at most one loop child is in flight at a time.
func (f *Flow) LoopRequested(i int) {
	if i != f.loopIndex || f.loopIndex < 0 {
		f.logger.Warn("Loop requested on a step that is not the loop decision",
			slog.Int("index", i),
			slog.Int("loopIndex", f.loopIndex))
		return
	}
	if f.HasActiveLoopChild() {
		f.logger.Warn("Loop requested while a loop child is still active")
		return
	}

	f.steps[f.toolIndex].Status = StepCompleted

	f.steps[f.loopIndex].LoopChildren = append(f.steps[f.loopIndex].LoopChildren, Step{
		Title:       "再次调用工具",
		Description: "重复执行数据操作",
		Status:      StepActive,
		ToolName:    f.steps[f.toolIndex].ToolName,
	})
}

// StepReentered moves the loop-decision step from completed back to active. Only that step
// may re-enter; evaluation resumes there every time a repeated invocation settles.
func (f *Flow) StepReentered(i int) {
	if i != f.loopIndex || f.loopIndex < 0 {
		f.logger.Warn("Step reentered on a step that is not the loop decision",
			slog.Int("index", i),
			slog.Int("loopIndex", f.loopIndex))
		return
	}
	if f.steps[i].Status == StepCompleted {
		f.steps[i].Status = StepActive
	}
}

// LoopChildCompleted marks the live loop child completed, or failed when failed is true.
// Without a live child the call is dropped.
func (f *Flow) LoopChildCompleted(failed bool) {
	if !f.HasActiveLoopChild() {
		f.logger.Warn("Loop child completed without a live child")
		return
	}
	children := f.steps[f.loopIndex].LoopChildren
	if failed {
		children[len(children)-1].Status = StepError
		return
	}
	children[len(children)-1].Status = StepCompleted
}

// ForceCompleteAll drives every pending or active step of the main chain and every loop
// child to completed. Error steps are absorbing and stay put. It is the terminal action on
// stream completion and the escape hatch for a wedged flow.
func (f *Flow) ForceCompleteAll() {
	for i := range f.steps {
		if f.steps[i].Status != StepError {
			f.steps[i].Status = StepCompleted
		}
		for j := range f.steps[i].LoopChildren {
			if f.steps[i].LoopChildren[j].Status != StepError {
				f.steps[i].LoopChildren[j].Status = StepCompleted
			}
		}
	}
}
