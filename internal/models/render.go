package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	highlighting "github.com/yuin/goldmark-highlighting"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
		// Tool artifacts are rendered as inline <img> tags, so raw HTML must pass through.
		html.WithUnsafe(),
	),
)

// RenderMarkdown converts plain message text into display-ready HTML markup. The core engine
// never calls this; it is the rendering collaborator used by the presentation layer.
func RenderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return buf.String(), nil
}

// RenderContents flattens a message into markdown, preserving the interleaving of text runs
// and tool calls exactly as streamed. Tool inputs and results are rendered as fenced JSON
// blocks; image artifacts become inline base64 images.
func RenderContents(msg *Message) string {
	var sb strings.Builder
	for _, content := range msg.Contents {
		switch content.Type {
		case ContentTypeText:
			if content.Text == "" {
				continue
			}
			sb.WriteString(content.Text)
		case ContentTypeToolCall:
			call, ok := msg.ToolCalls[content.CallID]
			if !ok {
				continue
			}
			sb.WriteString("  \n\n")
			sb.WriteString(fmt.Sprintf("Calling Tool: %s  \n", call.Name))
			sb.WriteString("Input:  \n")
			sb.WriteString(fmt.Sprintf("```json  \n%s  \n```  \n", prettyValue(call.Args)))

			switch call.Status {
			case ToolCallRunning:
				sb.WriteString("Running...  \n")
			case ToolCallSuccess:
				sb.WriteString("Result:  \n")
				sb.WriteString(fmt.Sprintf("```json  \n%s  \n```  \n", prettyValue(call.Result)))
				if call.Artifact != nil && call.Artifact.Type == ArtifactTypeImage {
					sb.WriteString(fmt.Sprintf("<img src=\"data:image/png;base64,%s\" alt=\"%s\">  \n",
						call.Artifact.Data, call.Artifact.Caption))
				}
			case ToolCallError:
				sb.WriteString(fmt.Sprintf("Error: %s  \n", call.Error))
			}
		}
	}
	return sb.String()
}

func prettyValue(v Value) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, raw, "", "  "); err != nil {
		return string(raw)
	}
	return prettyJSON.String()
}
