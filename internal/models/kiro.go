package models

// Origin identifies the gateway to the upstream in every user turn.
const Origin = "AI_EDITOR"

// KiroPayload is the top-level body of POST /generateAssistantResponse.
type KiroPayload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the history, the current turn and the trigger.
type ConversationState struct {
	ChatTriggerType string     `json:"chatTriggerType"`
	ConversationID  string     `json:"conversationId"`
	CurrentMessage  KiroTurn   `json:"currentMessage"`
	History         []KiroTurn `json:"history,omitempty"`
}

// KiroTurn is a tagged union of the two turn kinds. Exactly one field is
// set; adjacent turns never share a kind.
type KiroTurn struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// UserInputMessage is a user turn. Tool results live here: a tool-role
// message is rewritten into a user turn whose context carries toolResults.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool definitions and tool results.
type UserInputMessageContext struct {
	Tools       []KiroTool       `json:"tools,omitempty"`
	ToolResults []KiroToolResult `json:"toolResults,omitempty"`
}

// KiroTool wraps one tool specification.
type KiroTool struct {
	ToolSpecification KiroToolSpecification `json:"toolSpecification"`
}

// KiroToolSpecification is the upstream tool definition shape.
type KiroToolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema KiroInputSchema `json:"inputSchema"`
}

// KiroInputSchema nests the JSON schema under a "json" key.
type KiroInputSchema struct {
	JSON map[string]any `json:"json"`
}

// KiroToolResult reports one tool's output back to the upstream.
type KiroToolResult struct {
	Content   []KiroToolResultContent `json:"content"`
	Status    string                  `json:"status"`
	ToolUseID string                  `json:"toolUseId"`
}

// KiroToolResultContent is one text fragment of a tool result.
type KiroToolResultContent struct {
	Text string `json:"text"`
}

// AssistantResponseMessage is an assistant turn.
type AssistantResponseMessage struct {
	Content  string        `json:"content"`
	ToolUses []KiroToolUse `json:"toolUses,omitempty"`
}

// KiroToolUse is one tool invocation inside an assistant turn. Input is
// the parsed JSON object form of the call's arguments.
type KiroToolUse struct {
	Name      string `json:"name"`
	Input     any    `json:"input"`
	ToolUseID string `json:"toolUseId"`
}

// KiroModelInfo is one entry of the upstream model catalog.
type KiroModelInfo struct {
	ModelID         string `json:"modelId"`
	ModelName       string `json:"modelName,omitempty"`
	MaxInputTokens  int    `json:"maxInputTokens,omitempty"`
	MaxOutputTokens int    `json:"maxOutputTokens,omitempty"`
}
