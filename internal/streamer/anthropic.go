package streamer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kirogate/kirogate/internal/models"
)

// StopReason maps the response shape to an Anthropic stop_reason.
func StopReason(toolCalls []models.ToolCall) string {
	if len(toolCalls) > 0 {
		return "tool_use"
	}
	return "end_turn"
}

// NewMessageID returns a fresh Anthropic message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// AnthropicStreamer writes the Anthropic Messages event sequence:
// message_start, per-block start/delta/stop with contiguous indices,
// message_delta with the stop reason and output tokens, message_stop.
type AnthropicStreamer struct {
	w           io.Writer
	flusher     http.Flusher
	id          string
	model       string
	inputTokens int

	started    bool
	blockIndex int
	blockOpen  bool
	blockType  string
}

// NewAnthropicStreamer wraps w for SSE output. inputTokens is reported in
// the message_start usage.
func NewAnthropicStreamer(w io.Writer, model string, inputTokens int) *AnthropicStreamer {
	s := &AnthropicStreamer{
		w:           w,
		id:          NewMessageID(),
		model:       model,
		inputTokens: inputTokens,
		blockIndex:  -1,
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *AnthropicStreamer) writeEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Start emits the message_start event. It is idempotent; the write
// helpers call it on first use.
func (s *AnthropicStreamer) Start() error {
	if s.started {
		return nil
	}
	s.started = true
	return s.writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.id,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         s.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  s.inputTokens,
				"output_tokens": 0,
			},
		},
	})
}

func (s *AnthropicStreamer) openBlock(blockType string, block map[string]any) error {
	if err := s.closeBlock(); err != nil {
		return err
	}
	s.blockIndex++
	s.blockOpen = true
	s.blockType = blockType
	return s.writeEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": block,
	})
}

func (s *AnthropicStreamer) closeBlock() error {
	if !s.blockOpen {
		return nil
	}
	s.blockOpen = false
	return s.writeEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})
}

func (s *AnthropicStreamer) delta(delta map[string]any) error {
	return s.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.blockIndex,
		"delta": delta,
	})
}

// WriteText emits a text_delta, opening a text block if none is open.
func (s *AnthropicStreamer) WriteText(text string) error {
	if text == "" {
		return nil
	}
	if err := s.Start(); err != nil {
		return err
	}
	if !s.blockOpen || s.blockType != "text" {
		if err := s.openBlock("text", map[string]any{"type": "text", "text": ""}); err != nil {
			return err
		}
	}
	return s.delta(map[string]any{"type": "text_delta", "text": text})
}

// WriteThinking emits a thinking_delta in its own block. Callers gate
// this on the request having asked for thinking output.
func (s *AnthropicStreamer) WriteThinking(text string) error {
	if text == "" {
		return nil
	}
	if err := s.Start(); err != nil {
		return err
	}
	if !s.blockOpen || s.blockType != "thinking" {
		if err := s.openBlock("thinking", map[string]any{"type": "thinking", "thinking": ""}); err != nil {
			return err
		}
	}
	return s.delta(map[string]any{"type": "thinking_delta", "thinking": text})
}

// WriteToolUse emits one complete tool_use block: start with id and name,
// an input_json_delta carrying the serialized arguments, stop.
func (s *AnthropicStreamer) WriteToolUse(call models.ToolCall) error {
	if err := s.Start(); err != nil {
		return err
	}
	if err := s.openBlock("tool_use", map[string]any{
		"type":  "tool_use",
		"id":    call.ID,
		"name":  call.Function.Name,
		"input": map[string]any{},
	}); err != nil {
		return err
	}
	if err := s.delta(map[string]any{
		"type":         "input_json_delta",
		"partial_json": call.Function.Arguments,
	}); err != nil {
		return err
	}
	return s.closeBlock()
}

// Finish closes any open block and emits message_delta and message_stop.
func (s *AnthropicStreamer) Finish(stopReason string, outputTokens int) error {
	if err := s.Start(); err != nil {
		return err
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	if err := s.writeEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": outputTokens},
	}); err != nil {
		return err
	}
	return s.writeEvent("message_stop", map[string]any{"type": "message_stop"})
}

// WriteError emits an Anthropic error event for failures after headers
// are already sent.
func (s *AnthropicStreamer) WriteError(message string) error {
	return s.writeEvent("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": message,
		},
	})
}

// BuildAnthropicResponse assembles the non-streaming Messages envelope.
// Thinking text is included as a leading block only when includeThinking
// is set.
func BuildAnthropicResponse(model, content, thinking string, includeThinking bool, toolCalls []models.ToolCall, usage models.AnthropicUsage) *models.AnthropicResponse {
	var blocks []models.AnthropicContentBlock

	if includeThinking && thinking != "" {
		blocks = append(blocks, models.AnthropicContentBlock{Type: "thinking", Thinking: thinking})
	}
	if content != "" {
		blocks = append(blocks, models.AnthropicContentBlock{Type: "text", Text: content})
	}
	for _, call := range toolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil || input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, models.AnthropicContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	if blocks == nil {
		blocks = []models.AnthropicContentBlock{{Type: "text", Text: ""}}
	}

	return &models.AnthropicResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      model,
		StopReason: StopReason(toolCalls),
		Usage:      usage,
	}
}
