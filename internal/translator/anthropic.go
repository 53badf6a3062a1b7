package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirogate/kirogate/internal/models"
)

// ConvertAnthropicRequest normalizes an Anthropic Messages request to the
// OpenAI-internal shape so both downstream surfaces share one upstream
// payload builder.
func ConvertAnthropicRequest(req *models.AnthropicMessagesRequest) *models.ChatCompletionRequest {
	messages := convertAnthropicMessages(req.Messages, req.System)

	var tools []models.Tool
	for _, tool := range req.Tools {
		tools = append(tools, models.Tool{
			Type: "function",
			Function: models.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	var stop any
	if len(req.StopSequences) > 0 {
		stop = req.StopSequences
	}

	maxTokens := req.MaxTokens
	out := &models.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   &maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        stop,
		Tools:       tools,
		ToolChoice:  convertToolChoice(req.ToolChoice),
		Stream:      req.Stream,
	}
	return out
}

func convertToolChoice(choice map[string]any) any {
	if choice == nil {
		return nil
	}
	switch choice["type"] {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		name, _ := choice["name"].(string)
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": name},
		}
	default:
		return nil
	}
}

// convertAnthropicMessages demotes Anthropic content blocks to the
// OpenAI-internal shape. The system prompt becomes a leading system
// message; tool_use blocks become assistant tool_calls; tool_result
// blocks become a user message carrying tool_result maps for the merge
// pass to fold into the upstream context.
func convertAnthropicMessages(messages []models.AnthropicMessage, system any) []models.ChatMessage {
	var out []models.ChatMessage

	if systemPrompt := extractAnthropicSystem(system); systemPrompt != "" {
		out = append(out, models.ChatMessage{Role: "system", Content: systemPrompt})
	}

	for _, msg := range messages {
		text, toolCalls, toolResults := convertAnthropicContent(msg.Content)

		switch {
		case len(toolResults) > 0:
			out = append(out, models.ChatMessage{Role: "user", Content: toolResults})
		case msg.Role == "assistant":
			out = append(out, models.ChatMessage{
				Role:      "assistant",
				Content:   text,
				ToolCalls: toolCalls,
			})
		default:
			out = append(out, models.ChatMessage{Role: "user", Content: text})
		}
	}
	return out
}

// extractAnthropicSystem flattens the system field, which is a string or
// a list of text blocks.
func extractAnthropicSystem(system any) string {
	switch s := system.(type) {
	case nil:
		return ""
	case string:
		return s
	case []any:
		var parts []string
		for _, item := range s {
			block, ok := item.(map[string]any)
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", s)
	}
}

// convertAnthropicContent returns the flattened text, any tool calls, and
// any tool results found in an Anthropic content value.
func convertAnthropicContent(content any) (string, []models.ToolCall, []any) {
	switch c := content.(type) {
	case nil:
		return "", nil, nil
	case string:
		return c, nil, nil
	case []any:
		var textParts []string
		var toolCalls []models.ToolCall
		var toolResults []any

		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok {
					textParts = append(textParts, text)
				}

			case "image":
				// Images are not forwarded; a placeholder keeps the turn
				// coherent for the model.
				source, _ := block["source"].(map[string]any)
				switch source["type"] {
				case "base64":
					mediaType, _ := source["media_type"].(string)
					if mediaType == "" {
						mediaType = "image"
					}
					textParts = append(textParts, fmt.Sprintf("[Image: %s]", mediaType))
				case "url":
					url, _ := source["url"].(string)
					textParts = append(textParts, fmt.Sprintf("[Image URL: %s]", url))
				}

			case "tool_use":
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				input := block["input"]
				if input == nil {
					input = map[string]any{}
				}
				arguments, _ := json.Marshal(input)
				toolCalls = append(toolCalls, models.ToolCall{
					ID:   id,
					Type: "function",
					Function: models.ToolCallFunction{
						Name:      name,
						Arguments: string(arguments),
					},
				})

			case "tool_result":
				toolUseID, _ := block["tool_use_id"].(string)
				isError, _ := block["is_error"].(bool)
				toolResults = append(toolResults, map[string]any{
					"type":        "tool_result",
					"tool_use_id": toolUseID,
					"content":     extractToolResultText(block["content"]),
					"is_error":    isError,
				})

			case "thinking":
				if thinking, ok := block["thinking"].(string); ok && thinking != "" {
					textParts = append(textParts, "<thinking>"+thinking+"</thinking>")
				}
			}
		}

		return strings.Join(textParts, "\n"), toolCalls, toolResults
	default:
		return fmt.Sprintf("%v", c), nil, nil
	}
}
