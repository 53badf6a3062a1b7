package translator

import (
	"encoding/json"
	"strings"

	"github.com/kirogate/kirogate/internal/config"
	apperrors "github.com/kirogate/kirogate/internal/errors"
	"github.com/kirogate/kirogate/internal/models"
)

// continueContent stands in for the user turn when the conversation ends
// on an assistant message or the current content is empty; the upstream
// requires a non-empty user turn.
const continueContent = "Continue"

// BuildKiroPayload translates an OpenAI-shaped request into the upstream
// conversation payload. maxToolDescLen governs description hoisting.
func BuildKiroPayload(req *models.ChatCompletionRequest, conversationID, profileArn string, maxToolDescLen int) (*models.KiroPayload, error) {
	processedTools, toolDoc := ProcessToolDescriptions(req.Tools, maxToolDescLen)

	// Extract and concatenate system messages.
	var systemParts []string
	var nonSystem []models.ChatMessage
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, ExtractTextContent(msg.Content))
			continue
		}
		nonSystem = append(nonSystem, msg)
	}
	systemPrompt := strings.TrimSpace(strings.Join(systemParts, "\n"))

	if toolDoc != "" {
		if systemPrompt != "" {
			systemPrompt += toolDoc
		} else {
			systemPrompt = strings.TrimSpace(toolDoc)
		}
	}

	merged := MergeAdjacentMessages(nonSystem)
	if len(merged) == 0 {
		return nil, apperrors.BadRequest("no messages to send", nil)
	}

	modelID := config.InternalModelID(req.Model)

	var historyMessages []models.ChatMessage
	if len(merged) > 1 {
		historyMessages = merged[:len(merged)-1]
	}

	// The system prompt is never a standalone turn: it rides on the first
	// user turn of the history, or on the current message when there is
	// no history.
	if systemPrompt != "" && len(historyMessages) > 0 && historyMessages[0].Role == "user" {
		historyMessages[0].Content = systemPrompt + "\n\n" + ExtractTextContent(historyMessages[0].Content)
	}

	history := buildHistory(historyMessages, modelID)

	current := merged[len(merged)-1]
	currentContent := ExtractTextContent(current.Content)

	if systemPrompt != "" && len(history) == 0 {
		currentContent = systemPrompt + "\n\n" + currentContent
	}

	// A trailing assistant turn moves into history and the model is asked
	// to continue from it.
	if current.Role == "assistant" {
		history = append(history, models.KiroTurn{
			AssistantResponseMessage: &models.AssistantResponseMessage{
				Content:  currentContent,
				ToolUses: extractToolUses(current),
			},
		})
		currentContent = continueContent
	}
	if currentContent == "" {
		currentContent = continueContent
	}

	userInput := &models.UserInputMessage{
		Content: currentContent,
		ModelID: modelID,
		Origin:  models.Origin,
	}
	if ctx := buildUserInputContext(current, processedTools); ctx != nil {
		userInput.UserInputMessageContext = ctx
	}

	payload := &models.KiroPayload{
		ConversationState: models.ConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  conversationID,
			CurrentMessage:  models.KiroTurn{UserInputMessage: userInput},
			History:         history,
		},
		ProfileArn: profileArn,
	}
	return payload, nil
}

// buildHistory converts merged messages into alternating upstream turns.
func buildHistory(messages []models.ChatMessage, modelID string) []models.KiroTurn {
	var history []models.KiroTurn

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			userInput := &models.UserInputMessage{
				Content: ExtractTextContent(msg.Content),
				ModelID: modelID,
				Origin:  models.Origin,
			}
			if results := extractToolResults(msg.Content); len(results) > 0 {
				userInput.UserInputMessageContext = &models.UserInputMessageContext{
					ToolResults: results,
				}
			}
			history = append(history, models.KiroTurn{UserInputMessage: userInput})

		case "assistant":
			history = append(history, models.KiroTurn{
				AssistantResponseMessage: &models.AssistantResponseMessage{
					Content:  ExtractTextContent(msg.Content),
					ToolUses: extractToolUses(msg),
				},
			})
		}
	}
	return history
}

// buildUserInputContext assembles the tool definitions and any tool
// results carried by the current message.
func buildUserInputContext(current models.ChatMessage, tools []models.Tool) *models.UserInputMessageContext {
	ctx := &models.UserInputMessageContext{}

	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		params := tool.Function.Parameters
		if params == nil {
			params = map[string]any{}
		}
		ctx.Tools = append(ctx.Tools, models.KiroTool{
			ToolSpecification: models.KiroToolSpecification{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				InputSchema: models.KiroInputSchema{JSON: params},
			},
		})
	}

	ctx.ToolResults = extractToolResults(current.Content)

	if len(ctx.Tools) == 0 && len(ctx.ToolResults) == 0 {
		return nil
	}
	return ctx
}

// parseArguments decodes a serialized tool-call arguments string; invalid
// or empty input yields an empty object.
func parseArguments(arguments string) any {
	if strings.TrimSpace(arguments) == "" {
		return map[string]any{}
	}
	var parsed any
	if err := json.Unmarshal([]byte(arguments), &parsed); err != nil {
		return map[string]any{}
	}
	return parsed
}
