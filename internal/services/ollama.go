package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/firelion/insight-web-ui/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for models served by a local
// Ollama instance. Ollama streams text only; tool requests never come from this provider.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama provider with the specified host URL and model name. The
// host parameter should be a valid URL pointing to an Ollama server. If the provided host
// URL is invalid, the function will panic.
func NewOllama(host, model, systemPrompt string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}
}

// Chat implements the LLM interface by streaming responses from the Ollama model. Message
// history is flattened to markdown, tool calls included, since Ollama has no structured
// tool channel.
func (o Ollama) Chat(ctx context.Context, messages []*models.Message, _ []mcp.Tool) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		msgs := make([]api.Message, len(messages))
		for i, msg := range messages {
			msgs[i] = api.Message{
				Role:    string(msg.Role),
				Content: models.RenderContents(msg),
			}
		}
		msgs = slices.Insert(msgs, 0, api.Message{
			Role:    "system",
			Content: o.systemPrompt,
		})

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if !yield(Chunk{
				Type: ChunkText,
				Text: res.Message.Content,
			}, nil) {
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(Chunk{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}
