package tokenizer

import (
	"testing"

	"github.com/kirogate/kirogate/internal/models"
)

func TestCountTokens(t *testing.T) {
	if got := CountTokens("", true); got != 0 {
		t.Errorf("CountTokens(empty) = %d, want 0", got)
	}

	raw := CountTokens("Hello, world", false)
	if raw <= 0 {
		t.Fatalf("CountTokens = %d, want > 0", raw)
	}

	corrected := CountTokens("Hello, world", true)
	if corrected < raw {
		t.Errorf("corrected count %d should be >= raw count %d", corrected, raw)
	}
}

func TestCountTokens_LongTextScales(t *testing.T) {
	short := CountTokens("one two three", false)
	long := CountTokens("one two three four five six seven eight nine ten", false)
	if long <= short {
		t.Errorf("longer text should count more tokens: %d <= %d", long, short)
	}
}

func TestCountMessageTokens(t *testing.T) {
	if got := CountMessageTokens(nil); got != 0 {
		t.Errorf("CountMessageTokens(nil) = %d, want 0", got)
	}

	messages := []models.ChatMessage{
		{Role: "user", Content: "What's the weather in Paris?"},
	}
	base := CountMessageTokens(messages)
	if base <= 0 {
		t.Fatalf("CountMessageTokens = %d, want > 0", base)
	}

	// Adding a message strictly increases the estimate.
	messages = append(messages, models.ChatMessage{Role: "assistant", Content: "Let me check."})
	if got := CountMessageTokens(messages); got <= base {
		t.Errorf("two messages counted %d, want more than %d", got, base)
	}
}

func TestCountMessageTokens_BlockContentAndToolCalls(t *testing.T) {
	messages := []models.ChatMessage{
		{
			Role: "user",
			Content: []any{
				map[string]any{"type": "text", "text": "describe this"},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "http://x/y.png"}},
			},
		},
		{
			Role: "assistant",
			ToolCalls: []models.ToolCall{
				{ID: "t1", Type: "function", Function: models.ToolCallFunction{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
			},
		},
	}

	got := CountMessageTokens(messages)
	// The image alone contributes a flat 100 pre-correction tokens.
	if got < 100 {
		t.Errorf("CountMessageTokens = %d, want >= 100 for image content", got)
	}
}

func TestCountToolTokens(t *testing.T) {
	if got := CountToolTokens(nil); got != 0 {
		t.Errorf("CountToolTokens(nil) = %d, want 0", got)
	}

	tools := []models.Tool{
		{
			Type: "function",
			Function: models.ToolFunction{
				Name:        "get_weather",
				Description: "Returns current weather for a city",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"city": map[string]any{"type": "string"},
					},
				},
			},
		},
	}

	if got := CountToolTokens(tools); got <= 0 {
		t.Errorf("CountToolTokens = %d, want > 0", got)
	}
}

func TestEstimateRequestTokens(t *testing.T) {
	messages := []models.ChatMessage{{Role: "user", Content: "hi"}}
	tools := []models.Tool{
		{Type: "function", Function: models.ToolFunction{Name: "f", Description: "d"}},
	}

	sum := EstimateRequestTokens(messages, tools)
	if sum != CountMessageTokens(messages)+CountToolTokens(tools) {
		t.Error("EstimateRequestTokens should be the sum of message and tool counts")
	}
}
