package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/firelion/insight-web-ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface over OpenAI-compatible chat
// completion streaming, including tool-call deltas.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI provider with the specified API key, model name, and
// system prompt.
func NewOpenAI(apiKey, model, systemPrompt string, logger *slog.Logger) OpenAI {
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClient(apiKey),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []*models.Message) ([]goopenai.ChatCompletionMessage, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleUser {
			if len(msg.Contents) != 1 {
				return nil, fmt.Errorf("user message should only contain one content, got %d", len(msg.Contents))
			}
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Contents[0].Text,
			})
			continue
		}

		for _, ct := range msg.Contents {
			switch ct.Type {
			case models.ContentTypeText:
				if ct.Text != "" {
					msgs = append(msgs, goopenai.ChatCompletionMessage{
						Role:    string(msg.Role),
						Content: ct.Text,
					})
				}
			case models.ContentTypeToolCall:
				call, ok := msg.ToolCalls[ct.CallID]
				if !ok {
					continue
				}
				args, err := json.Marshal(call.Args)
				if err != nil {
					args = json.RawMessage("{}")
				}
				msgs = append(msgs, goopenai.ChatCompletionMessage{
					Role: string(msg.Role),
					ToolCalls: []goopenai.ToolCall{
						{
							Type: "function",
							ID:   call.ID,
							Function: goopenai.FunctionCall{
								Name:      call.Name,
								Arguments: string(args),
							},
						},
					},
				})

				// The settled call feeds back as a tool-role message so the model sees
				// what its invocation produced.
				switch call.Status {
				case models.ToolCallSuccess:
					result, err := json.Marshal(call.Result)
					if err != nil {
						result = json.RawMessage("null")
					}
					msgs = append(msgs, goopenai.ChatCompletionMessage{
						Role:       "tool",
						Content:    string(result),
						ToolCallID: call.ID,
					})
				case models.ToolCallError:
					msgs = append(msgs, goopenai.ChatCompletionMessage{
						Role:       "tool",
						Content:    call.Error,
						ToolCallID: call.ID,
					})
				}
			}
		}
	}
	return msgs, nil
}

// Chat streams chat completion chunks for the given transcript, yielding text fragments
// as they arrive and a single tool-call chunk once its arguments are fully accumulated.
func (o OpenAI) Chat(
	ctx context.Context,
	messages []*models.Message,
	tools []mcp.Tool,
) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		msgs, err := openAIMessages(messages)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("error creating openai messages: %w", err))
			return
		}

		msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
			Role:    "system",
			Content: o.systemPrompt,
		})

		oTools := make([]goopenai.Tool, len(tools))
		for i, tool := range tools {
			oTools[i] = goopenai.Tool{
				Type: "function",
				Function: &goopenai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			}
		}

		req := goopenai.ChatCompletionRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   true,
			Tools:    oTools,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}

		toolUse := false
		toolArgs := ""
		callChunk := Chunk{
			Type: ChunkToolCall,
		}
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(Chunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			res := response.Choices[0].Delta
			if res.Content != "" {
				if !yield(Chunk{
					Type: ChunkText,
					Text: res.Content,
				}, nil) {
					return
				}
			}
			if len(res.ToolCalls) > 0 {
				if len(res.ToolCalls) > 1 {
					o.logger.Warn("Received multiple tool calls, but only the first one is supported",
						slog.Int("count", len(res.ToolCalls)))
				}
				toolArgs += res.ToolCalls[0].Function.Arguments
				if !toolUse {
					toolUse = true
					callChunk.ToolName = res.ToolCalls[0].Function.Name
					callChunk.CallID = res.ToolCalls[0].ID
				}
			}
		}
		if toolUse {
			if toolArgs == "" {
				toolArgs = "{}"
			}
			o.logger.Debug("Call Tool",
				slog.String("name", callChunk.ToolName),
				slog.String("args", toolArgs),
			)
			callChunk.ToolArgs = json.RawMessage(toolArgs)
			yield(callChunk, nil)
		}
	}
}
