package config

// Public model names are resolved to the upstream's internal identifiers
// through this table. Names not listed pass through unchanged so newly
// launched upstream models work without a gateway release.
var internalModelIDs = map[string]string{
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-opus-4-1":            "CLAUDE_OPUS_4_1_20250805_V1_0",
	"claude-opus-4-1-20250805":   "CLAUDE_OPUS_4_1_20250805_V1_0",
	"claude-haiku-4-5":           "auto",
	"auto":                       "auto",
}

// AvailableModels is the static catalog served by GET /v1/models, in
// preference order.
var AvailableModels = []string{
	"claude-sonnet-4-5",
	"claude-sonnet-4",
	"claude-3-7-sonnet-20250219",
	"claude-opus-4-1",
	"claude-haiku-4-5",
}

// InternalModelID maps a public model name to the upstream identifier.
func InternalModelID(model string) string {
	if id, ok := internalModelIDs[model]; ok {
		return id
	}
	return model
}
