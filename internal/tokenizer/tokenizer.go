// Package tokenizer estimates token counts for usage reporting. The
// upstream does not return token totals, so the gateway counts locally with
// the cl100k_base BPE and applies an empirical correction for Claude-family
// tokenization, which runs roughly 15% denser than cl100k.
package tokenizer

import (
	"encoding/json"
	"sync"

	"github.com/kirogate/kirogate/internal/models"
	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// ClaudeCorrectionFactor compensates for the BPE vocabulary difference
// between cl100k_base and Claude's tokenizer. Empirical, derived from
// comparing local counts against the upstream's context-usage reports.
const ClaudeCorrectionFactor = 1.15

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
		if codecErr != nil {
			log.WithError(codecErr).Warn("cl100k tokenizer unavailable, falling back to length estimation")
		}
	})
	return codec, codecErr
}

// CountTokens returns the token count of text. When applyCorrection is
// true, the Claude correction factor is applied to the result.
func CountTokens(text string, applyCorrection bool) int {
	if text == "" {
		return 0
	}

	base := 0
	if enc, err := getCodec(); err == nil {
		if n, err := enc.Count(text); err == nil {
			base = n
		}
	}
	if base == 0 {
		// Rough fallback: ~4 characters per token.
		base = len(text)/4 + 1
	}

	if applyCorrection {
		return int(float64(base) * ClaudeCorrectionFactor)
	}
	return base
}

// CountMessageTokens estimates tokens in a message list, including the
// per-message structural overhead the chat format introduces.
func CountMessageTokens(messages []models.ChatMessage) int {
	if len(messages) == 0 {
		return 0
	}

	total := 0
	for _, msg := range messages {
		total += 4 // role markers and separators
		total += CountTokens(msg.Role, false)
		total += countContentTokens(msg.Content)

		for _, tc := range msg.ToolCalls {
			total += 4
			total += CountTokens(tc.Function.Name, false)
			total += CountTokens(tc.Function.Arguments, false)
		}
		if msg.ToolCallID != "" {
			total += CountTokens(msg.ToolCallID, false)
		}
	}
	total += 3 // reply priming

	return int(float64(total) * ClaudeCorrectionFactor)
}

func countContentTokens(content any) int {
	switch c := content.(type) {
	case nil:
		return 0
	case string:
		return CountTokens(c, false)
	case []any:
		total := 0
		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok {
				if s, ok := item.(string); ok {
					total += CountTokens(s, false)
				}
				continue
			}
			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok {
					total += CountTokens(text, false)
				}
			case "image_url", "image":
				total += 100 // flat estimate per image
			default:
				if text, ok := block["text"].(string); ok {
					total += CountTokens(text, false)
				} else if text, ok := block["content"].(string); ok {
					total += CountTokens(text, false)
				}
			}
		}
		return total
	default:
		return 0
	}
}

// CountToolTokens estimates tokens in tool definitions, serializing each
// parameter schema the way the upstream sees it.
func CountToolTokens(tools []models.Tool) int {
	if len(tools) == 0 {
		return 0
	}

	total := 0
	for _, tool := range tools {
		total += 4
		if tool.Type != "function" {
			continue
		}
		total += CountTokens(tool.Function.Name, false)
		total += CountTokens(tool.Function.Description, false)
		if tool.Function.Parameters != nil {
			if raw, err := json.Marshal(tool.Function.Parameters); err == nil {
				total += CountTokens(string(raw), false)
			}
		}
	}

	return int(float64(total) * ClaudeCorrectionFactor)
}

// EstimateRequestTokens returns the input-token total for a request:
// messages plus tool definitions.
func EstimateRequestTokens(messages []models.ChatMessage, tools []models.Tool) int {
	return CountMessageTokens(messages) + CountToolTokens(tools)
}
