// Package translator converts downstream requests into the upstream
// conversation payload. Anthropic requests are first normalized to the
// OpenAI-internal shape so both surfaces share one payload builder.
package translator

import (
	"fmt"

	"github.com/kirogate/kirogate/internal/models"
)

// ExtractTextContent flattens a message content value to plain text.
// Strings pass through; block lists concatenate their text parts; nil is
// empty.
func ExtractTextContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var out string
		for _, item := range c {
			switch block := item.(type) {
			case map[string]any:
				if block["type"] == "text" {
					if text, ok := block["text"].(string); ok {
						out += text
					}
				} else if text, ok := block["text"].(string); ok {
					out += text
				}
			case string:
				out += block
			}
		}
		return out
	default:
		return fmt.Sprintf("%v", c)
	}
}

// extractToolResults pulls tool_result blocks out of a content value in
// the upstream's toolResults shape.
func extractToolResults(content any) []models.KiroToolResult {
	blocks, ok := content.([]any)
	if !ok {
		return nil
	}

	var results []models.KiroToolResult
	for _, item := range blocks {
		block, ok := item.(map[string]any)
		if !ok || block["type"] != "tool_result" {
			continue
		}
		toolUseID, _ := block["tool_use_id"].(string)
		results = append(results, models.KiroToolResult{
			Content: []models.KiroToolResultContent{
				{Text: ExtractTextContent(block["content"])},
			},
			Status:    "success",
			ToolUseID: toolUseID,
		})
	}
	return results
}

// extractToolResultText flattens a tool_result's content, which may be a
// string or a list of text blocks.
func extractToolResultText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			switch block := item.(type) {
			case map[string]any:
				if block["type"] == "text" {
					if text, ok := block["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			case string:
				parts = append(parts, block)
			}
		}
		return joinLines(parts)
	default:
		return fmt.Sprintf("%v", c)
	}
}

func joinLines(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
