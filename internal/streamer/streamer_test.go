package streamer

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kirogate/kirogate/internal/models"
)

// dataFrames splits an OpenAI SSE stream into its data payloads.
func dataFrames(t *testing.T, raw string) []string {
	t.Helper()
	var frames []string
	for _, part := range strings.Split(raw, "\n\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		require.True(t, strings.HasPrefix(part, "data: "), "frame %q", part)
		frames = append(frames, strings.TrimPrefix(part, "data: "))
	}
	return frames
}

func TestOpenAIStreamer_ContentStream(t *testing.T) {
	var buf bytes.Buffer
	s := NewOpenAIStreamer(&buf, "claude-sonnet-4")

	require.NoError(t, s.WriteContent("Hello"))
	require.NoError(t, s.WriteContent(" world"))
	require.NoError(t, s.Finish("stop", &models.Usage{
		PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12,
	}))

	frames := dataFrames(t, buf.String())
	require.Len(t, frames, 5)
	assert.Equal(t, "[DONE]", frames[4])

	role := gjson.Get(frames[0], "choices.0.delta.role")
	assert.Equal(t, "assistant", role.String())

	assert.Equal(t, "Hello", gjson.Get(frames[1], "choices.0.delta.content").String())
	assert.Equal(t, " world", gjson.Get(frames[2], "choices.0.delta.content").String())

	final := frames[3]
	assert.Equal(t, "stop", gjson.Get(final, "choices.0.finish_reason").String())
	assert.Equal(t, int64(12), gjson.Get(final, "usage.total_tokens").Int())

	// Every chunk shares one id and the chunk object type.
	id := gjson.Get(frames[0], "id").String()
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	for _, frame := range frames[:4] {
		assert.Equal(t, id, gjson.Get(frame, "id").String())
		assert.Equal(t, "chat.completion.chunk", gjson.Get(frame, "object").String())
	}
}

func TestOpenAIStreamer_ToolCalls(t *testing.T) {
	var buf bytes.Buffer
	s := NewOpenAIStreamer(&buf, "claude-sonnet-4")

	calls := []models.ToolCall{{
		ID:   "call_1",
		Type: "function",
		Function: models.ToolCallFunction{
			Name:      "get_weather",
			Arguments: `{"city":"NYC"}`,
		},
	}}
	require.NoError(t, s.WriteToolCalls(calls))
	require.NoError(t, s.Finish("tool_calls", nil))

	frames := dataFrames(t, buf.String())
	require.Len(t, frames, 5)

	header := frames[1]
	assert.Equal(t, "call_1", gjson.Get(header, "choices.0.delta.tool_calls.0.id").String())
	assert.Equal(t, "get_weather", gjson.Get(header, "choices.0.delta.tool_calls.0.function.name").String())
	assert.Equal(t, int64(0), gjson.Get(header, "choices.0.delta.tool_calls.0.index").Int())

	args := frames[2]
	assert.Equal(t, `{"city":"NYC"}`, gjson.Get(args, "choices.0.delta.tool_calls.0.function.arguments").String())

	assert.Equal(t, "tool_calls", gjson.Get(frames[3], "choices.0.finish_reason").String())
}

func TestBuildOpenAIResponse(t *testing.T) {
	resp := BuildOpenAIResponse("claude-sonnet-4", "hi", nil, &models.Usage{
		PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4,
	})

	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestBuildOpenAIResponse_ToolCalls(t *testing.T) {
	calls := []models.ToolCall{{
		ID: "c1", Type: "function",
		Function: models.ToolCallFunction{Name: "f", Arguments: "{}"},
	}}
	resp := BuildOpenAIResponse("m", "", calls, nil)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
}

// anthropicEvents parses "event:/data:" SSE frames into (event, payload)
// pairs.
func anthropicEvents(t *testing.T, raw string) [][2]string {
	t.Helper()
	var events [][2]string
	for _, part := range strings.Split(raw, "\n\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lines := strings.SplitN(part, "\n", 2)
		require.Len(t, lines, 2, "frame %q", part)
		events = append(events, [2]string{
			strings.TrimPrefix(lines[0], "event: "),
			strings.TrimPrefix(lines[1], "data: "),
		})
	}
	return events
}

func TestAnthropicStreamer_Sequence(t *testing.T) {
	var buf bytes.Buffer
	s := NewAnthropicStreamer(&buf, "claude-sonnet-4", 25)

	require.NoError(t, s.WriteText("Hello"))
	require.NoError(t, s.WriteText(" world"))
	require.NoError(t, s.WriteToolUse(models.ToolCall{
		ID: "toolu_1", Type: "function",
		Function: models.ToolCallFunction{Name: "get_weather", Arguments: `{"city":"NYC"}`},
	}))
	require.NoError(t, s.Finish("tool_use", 7))

	events := anthropicEvents(t, buf.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev[0])
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	start := events[0][1]
	assert.Equal(t, "assistant", gjson.Get(start, "message.role").String())
	assert.Equal(t, int64(25), gjson.Get(start, "message.usage.input_tokens").Int())

	// Text block at index 0, tool block at index 1.
	assert.Equal(t, int64(0), gjson.Get(events[1][1], "index").Int())
	assert.Equal(t, "text", gjson.Get(events[1][1], "content_block.type").String())
	assert.Equal(t, "Hello", gjson.Get(events[2][1], "delta.text").String())

	tool := events[5][1]
	assert.Equal(t, int64(1), gjson.Get(tool, "index").Int())
	assert.Equal(t, "tool_use", gjson.Get(tool, "content_block.type").String())
	assert.Equal(t, "toolu_1", gjson.Get(tool, "content_block.id").String())
	assert.Equal(t, `{"city":"NYC"}`, gjson.Get(events[6][1], "delta.partial_json").String())

	final := events[8][1]
	assert.Equal(t, "tool_use", gjson.Get(final, "delta.stop_reason").String())
	assert.Equal(t, int64(7), gjson.Get(final, "usage.output_tokens").Int())
}

func TestAnthropicStreamer_EmptyStream(t *testing.T) {
	var buf bytes.Buffer
	s := NewAnthropicStreamer(&buf, "m", 1)
	require.NoError(t, s.Finish("end_turn", 0))

	events := anthropicEvents(t, buf.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev[0])
	}
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, names)
}

func TestBuildAnthropicResponse(t *testing.T) {
	resp := BuildAnthropicResponse("m", "hi", "pondering", true, []models.ToolCall{{
		ID: "toolu_1", Type: "function",
		Function: models.ToolCallFunction{Name: "f", Arguments: `{"a":1}`},
	}}, models.AnthropicUsage{InputTokens: 5, OutputTokens: 2})

	require.Len(t, resp.Content, 3)
	assert.Equal(t, "thinking", resp.Content[0].Type)
	assert.Equal(t, "pondering", resp.Content[0].Thinking)
	assert.Equal(t, "text", resp.Content[1].Type)
	assert.Equal(t, "tool_use", resp.Content[2].Type)
	assert.Equal(t, map[string]any{"a": float64(1)}, resp.Content[2].Input)
	assert.Equal(t, "tool_use", resp.StopReason)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Equal(t, "message", gjson.GetBytes(data, "type").String())
	assert.True(t, gjson.GetBytes(data, "stop_sequence").Type == gjson.Null)
}

func TestBuildAnthropicResponse_ThinkingGated(t *testing.T) {
	resp := BuildAnthropicResponse("m", "hi", "pondering", false, nil, models.AnthropicUsage{})
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestSplitThinking(t *testing.T) {
	tests := []struct {
		name         string
		in           string
		wantText     string
		wantThinking string
	}{
		{"no tags", "plain answer", "plain answer", ""},
		{"single span", "<thinking>hmm</thinking>answer", "answer", "hmm"},
		{"span mid-text", "a<thinking>b</thinking>c", "ac", "b"},
		{"two spans", "<thinking>x</thinking>1<thinking>y</thinking>2", "12", "xy"},
		{"unterminated", "pre<thinking>still going", "pre", "still going"},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, thinking := SplitThinking(tt.in)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantThinking, thinking)
		})
	}
}

func TestThinkingSplitter_TagAcrossChunks(t *testing.T) {
	var s ThinkingSplitter
	var text, thinking strings.Builder

	// The open and close tags are both split across chunk boundaries.
	for _, chunk := range []string{"Hello <thi", "nking>deep", " thought</think", "ing> world"} {
		tx, th := s.Feed(chunk)
		text.WriteString(tx)
		thinking.WriteString(th)
	}
	tx, th := s.Flush()
	text.WriteString(tx)
	thinking.WriteString(th)

	assert.Equal(t, "Hello  world", text.String())
	assert.Equal(t, "deep thought", thinking.String())
}

func TestThinkingSplitter_FalseTagPrefixReleased(t *testing.T) {
	var s ThinkingSplitter

	// "<th" could start a tag, so it is held; the next chunk shows it was
	// ordinary text.
	tx, _ := s.Feed("a <th")
	assert.Equal(t, "a ", tx)
	tx, th := s.Feed("ree-way tie")
	assert.Equal(t, "<three-way tie", tx)
	assert.Empty(t, th)

	tx, th = s.Flush()
	assert.Empty(t, tx)
	assert.Empty(t, th)
}

func TestAnthropicStreamer_ThinkingBlocks(t *testing.T) {
	var buf bytes.Buffer
	s := NewAnthropicStreamer(&buf, "m", 1)

	require.NoError(t, s.WriteThinking("pondering"))
	require.NoError(t, s.WriteText("answer"))
	require.NoError(t, s.Finish("end_turn", 3))

	events := anthropicEvents(t, buf.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev[0])
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	assert.Equal(t, "thinking", gjson.Get(events[1][1], "content_block.type").String())
	assert.Equal(t, "pondering", gjson.Get(events[2][1], "delta.thinking").String())
	assert.Equal(t, "text", gjson.Get(events[4][1], "content_block.type").String())
	assert.Equal(t, "answer", gjson.Get(events[5][1], "delta.text").String())
}
