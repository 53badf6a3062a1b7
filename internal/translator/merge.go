package translator

import (
	"github.com/kirogate/kirogate/internal/models"
)

// MergeAdjacentMessages rewrites tool-role messages into user messages
// carrying tool_result blocks, then coalesces consecutive messages that
// share a role. The upstream rejects two adjacent turns of the same kind.
//
// Content merging: list+list concatenates, list+string appends a text
// block, string+list prepends one, string+string joins with a newline.
// Assistant tool_calls from merged messages are concatenated; dropping
// them would leave later toolResults referencing unknown toolUses and the
// upstream rejects the payload.
func MergeAdjacentMessages(messages []models.ChatMessage) []models.ChatMessage {
	if len(messages) == 0 {
		return nil
	}

	// Rewrite tool messages into user messages with tool_result blocks,
	// batching consecutive tool results into one message.
	var processed []models.ChatMessage
	var pendingResults []any

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		processed = append(processed, models.ChatMessage{
			Role:    "user",
			Content: append([]any(nil), pendingResults...),
		})
		pendingResults = nil
	}

	for _, msg := range messages {
		if msg.Role == "tool" {
			content := ExtractTextContent(msg.Content)
			if content == "" {
				content = "(empty result)"
			}
			pendingResults = append(pendingResults, map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     content,
			})
			continue
		}
		flushResults()
		processed = append(processed, msg)
	}
	flushResults()

	// Coalesce adjacent same-role messages.
	var merged []models.ChatMessage
	for _, msg := range processed {
		if len(merged) == 0 {
			merged = append(merged, msg)
			continue
		}

		last := &merged[len(merged)-1]
		if msg.Role != last.Role {
			merged = append(merged, msg)
			continue
		}

		last.Content = mergeContent(last.Content, msg.Content)
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			last.ToolCalls = append(last.ToolCalls, msg.ToolCalls...)
		}
	}

	return merged
}

func mergeContent(a, b any) any {
	aList, aIsList := a.([]any)
	bList, bIsList := b.([]any)

	switch {
	case aIsList && bIsList:
		return append(append([]any(nil), aList...), bList...)
	case aIsList:
		return append(append([]any(nil), aList...), map[string]any{
			"type": "text",
			"text": ExtractTextContent(b),
		})
	case bIsList:
		return append([]any{map[string]any{
			"type": "text",
			"text": ExtractTextContent(a),
		}}, bList...)
	default:
		return ExtractTextContent(a) + "\n" + ExtractTextContent(b)
	}
}
