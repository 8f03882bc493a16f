package chat

import (
	"fmt"
	"log/slog"

	"github.com/firelion/insight-web-ui/internal/models"
)

// messageBuilder incrementally assembles the content of one in-progress assistant message
// and maintains its tool-call registry. Consecutive text deltas coalesce into the trailing
// text part; every tool call opens a fresh part boundary.
type messageBuilder struct {
	msg    *models.Message
	logger *slog.Logger
}

func newMessageBuilder(msg *models.Message, logger *slog.Logger) *messageBuilder {
	return &messageBuilder{
		msg:    msg,
		logger: logger.With(slog.String("module", "builder")),
	}
}

// appendText adds delta to the trailing text part, creating one when the last part is a
// tool call reference or the message is empty. It returns the accumulated text of that
// trailing part, which is what the suggestion extractor consumes.
func (b *messageBuilder) appendText(delta string) string {
	n := len(b.msg.Contents)
	if n > 0 && b.msg.Contents[n-1].Type == models.ContentTypeText {
		b.msg.Contents[n-1].Text += delta
		return b.msg.Contents[n-1].Text
	}

	b.msg.Contents = append(b.msg.Contents, models.Content{
		Type: models.ContentTypeText,
		Text: delta,
	})
	return delta
}

// openToolCall registers a new running tool call and appends a reference part to the
// message content, preserving the streamed interleaving of text and tool calls. Duplicate
// call IDs are rejected.
func (b *messageBuilder) openToolCall(id, name string, args models.Value) error {
	if _, exists := b.msg.ToolCalls[id]; exists {
		return fmt.Errorf("tool call %q already opened", id)
	}

	b.msg.ToolCalls[id] = &models.ToolCall{
		ID:     id,
		Name:   name,
		Args:   args,
		Status: models.ToolCallRunning,
	}
	b.msg.Contents = append(b.msg.Contents, models.Content{
		Type:   models.ContentTypeToolCall,
		CallID: id,
	})
	return nil
}

// resolveToolCall moves a running call to success and attaches its result and optional
// artifact. Unknown or already-settled calls are logged and dropped; the first settlement
// of a call always wins.
func (b *messageBuilder) resolveToolCall(id string, result models.Value, artifact *models.Artifact) bool {
	call, ok := b.settleable(id)
	if !ok {
		return false
	}
	call.Status = models.ToolCallSuccess
	call.Result = result
	call.Artifact = artifact
	return true
}

// failToolCall moves a running call to error. Same preconditions as resolveToolCall.
func (b *messageBuilder) failToolCall(id, errMsg string) bool {
	call, ok := b.settleable(id)
	if !ok {
		return false
	}
	call.Status = models.ToolCallError
	call.Error = errMsg
	return true
}

func (b *messageBuilder) settleable(id string) (*models.ToolCall, bool) {
	call, ok := b.msg.ToolCalls[id]
	if !ok {
		b.logger.Warn("Result for unknown tool call", slog.String("callID", id))
		return nil, false
	}
	if call.Status != models.ToolCallRunning {
		b.logger.Warn("Result for already settled tool call",
			slog.String("callID", id),
			slog.String("status", string(call.Status)))
		return nil, false
	}
	return call, true
}
