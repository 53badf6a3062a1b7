// Package streamer renders upstream output into the two downstream
// dialects: OpenAI chat-completion chunks and Anthropic message events,
// each with a streaming SSE writer and a non-streaming collector.
package streamer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirogate/kirogate/internal/models"
)

// FinishReason maps the response shape to an OpenAI finish_reason.
func FinishReason(toolCalls []models.ToolCall) string {
	if len(toolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// NewCompletionID returns a fresh chat-completion identifier.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OpenAIStreamer writes chat-completion chunks as SSE frames. The first
// chunk carries the assistant role; content and tool-call deltas follow;
// Finish emits the terminal chunk with usage and the [DONE] sentinel.
type OpenAIStreamer struct {
	w        io.Writer
	flusher  http.Flusher
	id       string
	model    string
	created  int64
	sentRole bool
}

// NewOpenAIStreamer wraps w for SSE output. When w implements
// http.Flusher every frame is flushed as it is written.
func NewOpenAIStreamer(w io.Writer, model string) *OpenAIStreamer {
	s := &OpenAIStreamer{
		w:       w,
		id:      NewCompletionID(),
		model:   model,
		created: time.Now().Unix(),
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *OpenAIStreamer) writeChunk(chunk *models.ChatCompletionChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *OpenAIStreamer) chunk(delta models.ChatMessage, finish *string) *models.ChatCompletionChunk {
	return &models.ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []models.ChatCompletionChunkChoice{
			{Index: 0, Delta: delta, FinishReason: finish},
		},
	}
}

func (s *OpenAIStreamer) ensureRole() error {
	if s.sentRole {
		return nil
	}
	s.sentRole = true
	return s.writeChunk(s.chunk(models.ChatMessage{Role: "assistant"}, nil))
}

// WriteContent emits one content delta.
func (s *OpenAIStreamer) WriteContent(text string) error {
	if text == "" {
		return nil
	}
	if err := s.ensureRole(); err != nil {
		return err
	}
	return s.writeChunk(s.chunk(models.ChatMessage{Content: text}, nil))
}

// WriteToolCalls emits each call as two deltas: the header with id, type
// and name, then the serialized arguments.
func (s *OpenAIStreamer) WriteToolCalls(calls []models.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	if err := s.ensureRole(); err != nil {
		return err
	}
	for i, call := range calls {
		index := i
		header := models.ToolCall{
			Index: &index,
			ID:    call.ID,
			Type:  "function",
			Function: models.ToolCallFunction{
				Name: call.Function.Name,
			},
		}
		if err := s.writeChunk(s.chunk(models.ChatMessage{ToolCalls: []models.ToolCall{header}}, nil)); err != nil {
			return err
		}

		argIndex := i
		args := models.ToolCall{
			Index: &argIndex,
			Function: models.ToolCallFunction{
				Arguments: call.Function.Arguments,
			},
		}
		if err := s.writeChunk(s.chunk(models.ChatMessage{ToolCalls: []models.ToolCall{args}}, nil)); err != nil {
			return err
		}
	}
	return nil
}

// Finish emits the terminal chunk carrying finish_reason and usage, then
// the [DONE] sentinel.
func (s *OpenAIStreamer) Finish(finishReason string, usage *models.Usage) error {
	if err := s.ensureRole(); err != nil {
		return err
	}
	final := s.chunk(models.ChatMessage{}, &finishReason)
	final.Usage = usage
	if err := s.writeChunk(final); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WriteError emits an error payload as a best-effort SSE frame for
// failures after headers are already sent, followed by [DONE].
func (s *OpenAIStreamer) WriteError(message string, code int) error {
	payload := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "kiro_api_error",
			"code":    code,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\ndata: [DONE]\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// BuildOpenAIResponse assembles the non-streaming response envelope.
func BuildOpenAIResponse(model, content string, toolCalls []models.ToolCall, usage *models.Usage) *models.ChatCompletionResponse {
	message := models.ChatMessage{Role: "assistant"}
	if content != "" || len(toolCalls) == 0 {
		message.Content = content
	}
	message.ToolCalls = toolCalls

	return &models.ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChoice{
			{Index: 0, Message: message, FinishReason: FinishReason(toolCalls)},
		},
		Usage: usage,
	}
}
