package services

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/firelion/insight-web-ui/internal/chat"
	"github.com/firelion/insight-web-ui/internal/models"
	"github.com/google/uuid"
)

// ChunkType identifies the kind of a provider stream chunk.
type ChunkType string

const (
	// ChunkText carries one fragment of model text.
	ChunkText ChunkType = "text"
	// ChunkToolCall carries a complete tool invocation request.
	ChunkToolCall ChunkType = "tool_call"
)

// Chunk is one unit of a raw LLM provider stream: either a text fragment or a tool
// invocation request with fully accumulated arguments.
type Chunk struct {
	Type ChunkType

	Text string

	CallID   string
	ToolName string
	ToolArgs json.RawMessage
}

// LLM is a raw streaming language model provider. It yields chunks in stream order and
// reports failures through the iterator's error value.
type LLM interface {
	Chat(ctx context.Context, messages []*models.Message, tools []mcp.Tool) iter.Seq2[Chunk, error]
}

// LocalAgent is a transport that runs the agent loop locally: it drives an LLM provider
// together with MCP tool servers and emits the same ordered event stream a remote backend
// would, tool repetitions included.
type LocalAgent struct {
	llm        LLM
	mcpClients []*mcp.Client
	tools      []mcp.Tool
	toolsMap   map[string]int

	logger *slog.Logger
}

func callToolError(err error) json.RawMessage {
	contents := []mcp.Content{
		{
			Type: mcp.ContentTypeText,
			Text: err.Error(),
		},
	}

	res, _ := json.Marshal(contents)
	return res
}

// NewLocalAgent creates a local agent over the given provider and connected MCP clients.
// It lists each client's tools once; a tool name offered by two servers resolves to the
// first server that declared it.
func NewLocalAgent(ctx context.Context, llm LLM, mcpClients []*mcp.Client, logger *slog.Logger) (*LocalAgent, error) {
	agent := &LocalAgent{
		llm:        llm,
		mcpClients: mcpClients,
		toolsMap:   make(map[string]int),
		logger:     logger.With(slog.String("module", "localagent")),
	}

	for i, cli := range mcpClients {
		res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
		if err != nil {
			return nil, fmt.Errorf("failed to list tools from server %d: %w", i, err)
		}
		for _, tool := range res.Tools {
			if _, ok := agent.toolsMap[tool.Name]; ok {
				continue
			}
			agent.tools = append(agent.tools, tool)
			agent.toolsMap[tool.Name] = i
		}
	}

	return agent, nil
}

// OpenStream runs the agent loop for one utterance: stream provider chunks, forward text
// as deltas, execute every requested tool through MCP, feed the result back, and repeat
// until the provider answers without a tool request.
func (a *LocalAgent) OpenStream(
	ctx context.Context,
	utterance string,
	sctx chat.SessionContext,
) iter.Seq2[chat.StreamEvent, error] {
	return func(yield func(chat.StreamEvent, error) bool) {
		msgs := append([]*models.Message(nil), sctx.History...)
		msgs = append(msgs, models.NewUserMessage(uuid.New().String(), utterance))

		aiMsg := models.NewAssistantMessage(uuid.New().String())
		msgs = append(msgs, aiMsg)

		for {
			requested, ok := a.streamOneRound(ctx, msgs, aiMsg, yield)
			if !ok {
				return
			}
			if requested == nil {
				yield(chat.StreamEvent{Type: chat.EventDone}, nil)
				return
			}
			if !a.executeTool(aiMsg, *requested, yield) {
				return
			}
		}
	}
}

// streamOneRound consumes one provider stream. It returns the tool call requested by the
// provider, or nil when the round finished with plain text. The second return is false
// when the event consumer stopped or the provider failed.
func (a *LocalAgent) streamOneRound(
	ctx context.Context,
	msgs []*models.Message,
	aiMsg *models.Message,
	yield func(chat.StreamEvent, error) bool,
) (*models.ToolCall, bool) {
	for chunk, err := range a.llm.Chat(ctx, msgs, a.tools) {
		if err != nil {
			yield(chat.StreamEvent{}, fmt.Errorf("provider stream failed: %w", err))
			return nil, false
		}

		switch chunk.Type {
		case ChunkText:
			appendText(aiMsg, chunk.Text)
			if !yield(chat.StreamEvent{Type: chat.EventTextDelta, Text: chunk.Text}, nil) {
				return nil, false
			}
		case ChunkToolCall:
			// Some providers emit tool arguments that are not valid JSON; keep the
			// announcement but fail the call instead of feeding garbage to the server.
			rawArgs := chunk.ToolArgs
			badInput := !json.Valid(rawArgs)
			if badInput {
				rawArgs = json.RawMessage("{}")
			}

			args, err := models.ParseValue(rawArgs)
			if err != nil {
				args = models.ObjectValue()
			}

			call := &models.ToolCall{
				ID:     chunk.CallID,
				Name:   chunk.ToolName,
				Args:   args,
				Status: models.ToolCallRunning,
			}
			aiMsg.ToolCalls[call.ID] = call
			aiMsg.Contents = append(aiMsg.Contents, models.Content{
				Type:   models.ContentTypeToolCall,
				CallID: call.ID,
			})

			if !yield(chat.StreamEvent{
				Type:     chat.EventToolCallOpened,
				CallID:   call.ID,
				ToolName: call.Name,
				Args:     args,
			}, nil) {
				return nil, false
			}

			if badInput {
				call.Status = models.ToolCallError
				call.Error = fmt.Sprintf("tool input %s is not valid json", string(chunk.ToolArgs))
				if !yield(chat.StreamEvent{
					Type:   chat.EventToolCallFailed,
					CallID: call.ID,
					Err:    call.Error,
				}, nil) {
					return nil, false
				}
				return nil, true
			}

			// One tool call per round; the provider stream is abandoned here the same way
			// the backend cuts its own stream on a tool boundary.
			return call, true
		}
	}
	return nil, true
}

// executeTool calls the MCP server behind the requested tool and emits the settlement
// event. It returns false when the consumer stopped the stream.
func (a *LocalAgent) executeTool(
	aiMsg *models.Message,
	call models.ToolCall,
	yield func(chat.StreamEvent, error) bool,
) bool {
	raw, err := json.Marshal(call.Args)
	if err != nil {
		raw = json.RawMessage("{}")
	}

	resContent, success := a.callTool(mcp.CallToolParams{
		Name:      call.Name,
		Arguments: raw,
	})

	record := aiMsg.ToolCalls[call.ID]
	if !success {
		record.Status = models.ToolCallError
		record.Error = string(resContent)
		return yield(chat.StreamEvent{
			Type:   chat.EventToolCallFailed,
			CallID: call.ID,
			Err:    record.Error,
		}, nil)
	}

	result, err := models.ParseValue(resContent)
	if err != nil {
		result = models.StringValue(string(resContent))
	}
	record.Status = models.ToolCallSuccess
	record.Result = result

	return yield(chat.StreamEvent{
		Type:   chat.EventToolCallResolved,
		CallID: call.ID,
		Result: result,
	}, nil)
}

func (a *LocalAgent) callTool(params mcp.CallToolParams) (json.RawMessage, bool) {
	clientIdx, ok := a.toolsMap[params.Name]
	if !ok {
		a.logger.Error("Tool not found", slog.String("toolName", params.Name))
		return callToolError(fmt.Errorf("tool %s is not found", params.Name)), false
	}

	toolRes, err := a.mcpClients[clientIdx].CallTool(context.Background(), params)
	if err != nil {
		a.logger.Error("Tool call failed",
			slog.String("toolName", params.Name),
			slog.String("err", err.Error()))
		return callToolError(fmt.Errorf("tool call failed: %w", err)), false
	}

	resContent, err := json.Marshal(toolRes.Content)
	if err != nil {
		a.logger.Error("Failed to marshal tool result content",
			slog.String("toolName", params.Name),
			slog.String("err", err.Error()))
		return callToolError(fmt.Errorf("failed to marshal content: %w", err)), false
	}

	a.logger.Debug("Tool result content",
		slog.String("toolName", params.Name),
		slog.String("toolResult", string(resContent)))

	return resContent, !toolRes.IsError
}

func appendText(msg *models.Message, delta string) {
	n := len(msg.Contents)
	if n > 0 && msg.Contents[n-1].Type == models.ContentTypeText {
		msg.Contents[n-1].Text += delta
		return
	}
	msg.Contents = append(msg.Contents, models.Content{
		Type: models.ContentTypeText,
		Text: delta,
	})
}
