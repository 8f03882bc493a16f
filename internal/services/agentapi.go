package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/firelion/insight-web-ui/internal/chat"
	"github.com/firelion/insight-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// AgentAPI is the transport for the remote analysis agent backend. It opens one SSE stream
// per utterance and decodes the backend's typed events into the engine's event sequence.
type AgentAPI struct {
	baseURL string
	apiKey  string

	client *http.Client

	logger *slog.Logger
}

type agentStreamRequest struct {
	SessionID  string                `json:"session_id"`
	DatasetIDs []string              `json:"dataset_ids"`
	Message    string                `json:"message"`
	History    []agentHistoryMessage `json:"history"`
}

type agentHistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type agentTextDelta struct {
	Content string `json:"content"`
}

type agentToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type agentToolResult struct {
	ID       string          `json:"id"`
	Result   json.RawMessage `json:"result"`
	Artifact *agentArtifact  `json:"artifact,omitempty"`
}

type agentArtifact struct {
	Type    string `json:"type"`
	Data    string `json:"data"`
	Caption string `json:"caption,omitempty"`
}

type agentToolError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type agentStreamError struct {
	Message string `json:"message"`
}

// NewAgentAPI creates a transport speaking to the analysis backend at baseURL.
func NewAgentAPI(baseURL, apiKey string, logger *slog.Logger) AgentAPI {
	return AgentAPI{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "agentapi")),
	}
}

// OpenStream posts the utterance to the backend and yields its SSE events in arrival
// order. The stream terminates with exactly one EventDone or one error.
func (a AgentAPI) OpenStream(
	ctx context.Context,
	utterance string,
	sctx chat.SessionContext,
) iter.Seq2[chat.StreamEvent, error] {
	return func(yield func(chat.StreamEvent, error) bool) {
		history := make([]agentHistoryMessage, 0, len(sctx.History))
		for _, msg := range sctx.History {
			history = append(history, agentHistoryMessage{
				Role:    string(msg.Role),
				Content: msg.Text(),
			})
		}

		reqBody := agentStreamRequest{
			SessionID:  sctx.SessionID,
			DatasetIDs: sctx.DatasetIDs,
			Message:    utterance,
			History:    history,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(chat.StreamEvent{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/api/v1/analysis/stream", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(chat.StreamEvent{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if a.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.apiKey)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(chat.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(chat.StreamEvent{}, fmt.Errorf("backend returned %s: %s", resp.Status, body))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(chat.StreamEvent{}, fmt.Errorf("error reading stream: %w", err))
				return
			}

			switch ev.Type {
			case "text_delta":
				var delta agentTextDelta
				if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
					yield(chat.StreamEvent{}, fmt.Errorf("error unmarshaling text delta: %w", err))
					return
				}
				if !yield(chat.StreamEvent{Type: chat.EventTextDelta, Text: delta.Content}, nil) {
					return
				}
			case "tool_call":
				var call agentToolCall
				if err := json.Unmarshal([]byte(ev.Data), &call); err != nil {
					yield(chat.StreamEvent{}, fmt.Errorf("error unmarshaling tool call: %w", err))
					return
				}
				args, err := models.ParseValue(call.Arguments)
				if err != nil {
					a.logger.Warn("Tool call arguments are not valid JSON",
						slog.String("callID", call.ID),
						slog.String("err", err.Error()))
					args = models.ObjectValue()
				}
				if !yield(chat.StreamEvent{
					Type:     chat.EventToolCallOpened,
					CallID:   call.ID,
					ToolName: call.Name,
					Args:     args,
				}, nil) {
					return
				}
			case "tool_result":
				var res agentToolResult
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(chat.StreamEvent{}, fmt.Errorf("error unmarshaling tool result: %w", err))
					return
				}
				result, err := models.ParseValue(res.Result)
				if err != nil {
					a.logger.Warn("Tool result is not valid JSON",
						slog.String("callID", res.ID),
						slog.String("err", err.Error()))
					result = models.Null()
				}
				var artifact *models.Artifact
				if res.Artifact != nil {
					artifact = &models.Artifact{
						Type:    res.Artifact.Type,
						Data:    res.Artifact.Data,
						Caption: res.Artifact.Caption,
					}
				}
				if !yield(chat.StreamEvent{
					Type:     chat.EventToolCallResolved,
					CallID:   res.ID,
					Result:   result,
					Artifact: artifact,
				}, nil) {
					return
				}
			case "tool_error":
				var toolErr agentToolError
				if err := json.Unmarshal([]byte(ev.Data), &toolErr); err != nil {
					yield(chat.StreamEvent{}, fmt.Errorf("error unmarshaling tool error: %w", err))
					return
				}
				if !yield(chat.StreamEvent{
					Type:   chat.EventToolCallFailed,
					CallID: toolErr.ID,
					Err:    toolErr.Error,
				}, nil) {
					return
				}
			case "error":
				var streamErr agentStreamError
				if err := json.Unmarshal([]byte(ev.Data), &streamErr); err != nil {
					yield(chat.StreamEvent{}, fmt.Errorf("error unmarshaling stream error: %w", err))
					return
				}
				yield(chat.StreamEvent{}, errors.New(streamErr.Message))
				return
			case "done":
				yield(chat.StreamEvent{Type: chat.EventDone}, nil)
				return
			default:
				continue
			}
		}

		// The backend closed the stream without a terminal event; the engine treats this
		// as a transport error, so surface it as one.
		yield(chat.StreamEvent{}, errors.New("stream ended without done event"))
	}
}
