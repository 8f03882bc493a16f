package chat

import "time"

// FlowWatchdog is an optional safety net the caller may arm per exchange: if the stream
// stalls, the flow display is force-completed after the duration so the UI never shows a
// step spinning forever. The engine itself enforces no timeout.
type FlowWatchdog struct {
	timer *time.Timer
}

// NewFlowWatchdog arms a watchdog on the engine's flow. The fired callback, if any, runs
// after the force-complete so the caller can republish the flow state.
func NewFlowWatchdog(e *Engine, d time.Duration, fired func()) *FlowWatchdog {
	return &FlowWatchdog{
		timer: time.AfterFunc(d, func() {
			e.ForceCompleteFlow()
			if fired != nil {
				fired()
			}
		}),
	}
}

// Stop disarms the watchdog. Stopping an already-fired watchdog is a no-op.
func (w *FlowWatchdog) Stop() {
	w.timer.Stop()
}
