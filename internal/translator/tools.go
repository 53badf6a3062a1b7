package translator

import (
	"fmt"
	"strings"

	"github.com/kirogate/kirogate/internal/models"
	log "github.com/sirupsen/logrus"
)

// ProcessToolDescriptions replaces tool descriptions longer than maxLen
// with a reference pointer and returns the documentation section to append
// to the system prompt. maxLen <= 0 disables hoisting. Short-description
// tools pass through untouched.
func ProcessToolDescriptions(tools []models.Tool, maxLen int) ([]models.Tool, string) {
	if len(tools) == 0 {
		return nil, ""
	}
	if maxLen <= 0 {
		return tools, ""
	}

	var docParts []string
	processed := make([]models.Tool, 0, len(tools))

	for _, tool := range tools {
		if tool.Type != "function" {
			processed = append(processed, tool)
			continue
		}

		description := tool.Function.Description
		if len(description) <= maxLen {
			processed = append(processed, tool)
			continue
		}

		name := tool.Function.Name
		log.WithFields(log.Fields{
			"tool":   name,
			"length": len(description),
			"limit":  maxLen,
		}).Debug("hoisting long tool description into system prompt")

		docParts = append(docParts, fmt.Sprintf("## Tool: %s\n\n%s", name, description))

		hoisted := tool
		hoisted.Function.Description = fmt.Sprintf("[Full documentation in system prompt under '## Tool: %s']", name)
		processed = append(processed, hoisted)
	}

	doc := ""
	if len(docParts) > 0 {
		doc = "\n\n---\n" +
			"# Tool Documentation\n" +
			"The following tools have detailed documentation that couldn't fit in the tool definition.\n\n" +
			strings.Join(docParts, "\n\n---\n\n")
	}
	return processed, doc
}

// extractToolUses converts an assistant message's tool calls into the
// upstream toolUses shape, reading both the tool_calls field and any
// tool_use blocks embedded in list content.
func extractToolUses(msg models.ChatMessage) []models.KiroToolUse {
	var uses []models.KiroToolUse

	for _, tc := range msg.ToolCalls {
		uses = append(uses, models.KiroToolUse{
			Name:      tc.Function.Name,
			Input:     parseArguments(tc.Function.Arguments),
			ToolUseID: tc.ID,
		})
	}

	if blocks, ok := msg.Content.([]any); ok {
		for _, item := range blocks {
			block, ok := item.(map[string]any)
			if !ok || block["type"] != "tool_use" {
				continue
			}
			name, _ := block["name"].(string)
			id, _ := block["id"].(string)
			input := block["input"]
			if input == nil {
				input = map[string]any{}
			}
			uses = append(uses, models.KiroToolUse{
				Name:      name,
				Input:     input,
				ToolUseID: id,
			})
		}
	}

	return uses
}
