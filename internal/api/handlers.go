package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kirogate/kirogate/internal/config"
	apperrors "github.com/kirogate/kirogate/internal/errors"
	"github.com/kirogate/kirogate/internal/models"
	"github.com/kirogate/kirogate/internal/parser"
	"github.com/kirogate/kirogate/internal/streamer"
	"github.com/kirogate/kirogate/internal/tokenizer"
	"github.com/kirogate/kirogate/internal/translator"
)

const streamReadSize = 4096

// handleChatCompletions serves POST /v1/chat/completions.
func (s *Server) handleChatCompletions(c *gin.Context) {
	t := requestTenant(c)

	var req models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	if req.Model == "" {
		s.abortError(c, apperrors.BadRequest("model is required", nil))
		return
	}
	if len(req.Messages) == 0 {
		s.abortError(c, apperrors.BadRequest("messages must not be empty", nil))
		return
	}

	body, err := s.callUpstream(c, t, &req, req.Stream)
	if err != nil {
		t.reportOutcome(c, false, err)
		s.abortError(c, err)
		return
	}
	defer body.Close()

	promptTokens := tokenizer.EstimateRequestTokens(req.Messages, req.Tools)

	if !req.Stream {
		content, toolCalls, err := collectUpstream(body)
		if err != nil {
			t.reportOutcome(c, false, err)
			s.abortError(c, err)
			return
		}
		t.reportOutcome(c, true, nil)

		usage := buildUsage(promptTokens, content, toolCalls)
		c.JSON(http.StatusOK, streamer.BuildOpenAIResponse(req.Model, content, toolCalls, usage))
		return
	}

	setStreamHeaders(c)
	out := streamer.NewOpenAIStreamer(c.Writer, req.Model)
	decoder := parser.NewDecoder()

	var contentBuilder strings.Builder
	streamErr := readUpstream(body, decoder, func(text string) error {
		contentBuilder.WriteString(text)
		return out.WriteContent(text)
	})
	if streamErr != nil {
		t.reportOutcome(c, false, streamErr)
		appErr := apperrors.AsAppError(streamErr)
		out.WriteError(appErr.Message, appErr.HTTPStatusCode)
		return
	}

	toolCalls := finalToolCalls(decoder, contentBuilder.String())
	if err := out.WriteToolCalls(toolCalls); err != nil {
		t.reportOutcome(c, false, err)
		return
	}

	usage := buildUsage(promptTokens, contentBuilder.String(), toolCalls)
	if err := out.Finish(streamer.FinishReason(toolCalls), usage); err != nil {
		t.reportOutcome(c, false, err)
		return
	}
	t.reportOutcome(c, true, nil)
}

// handleMessages serves POST /v1/messages.
func (s *Server) handleMessages(c *gin.Context) {
	t := requestTenant(c)

	var req models.AnthropicMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	if req.Model == "" {
		s.abortError(c, apperrors.BadRequest("model is required", nil))
		return
	}
	if req.MaxTokens <= 0 {
		s.abortError(c, apperrors.BadRequest("max_tokens must be positive", nil))
		return
	}
	if len(req.Messages) == 0 {
		s.abortError(c, apperrors.BadRequest("messages must not be empty", nil))
		return
	}

	converted := translator.ConvertAnthropicRequest(&req)
	thinkingEnabled := req.Thinking != nil

	body, err := s.callUpstream(c, t, converted, req.Stream)
	if err != nil {
		t.reportOutcome(c, false, err)
		s.abortError(c, err)
		return
	}
	defer body.Close()

	inputTokens := tokenizer.EstimateRequestTokens(converted.Messages, converted.Tools)

	if !req.Stream {
		content, toolCalls, err := collectUpstream(body)
		if err != nil {
			t.reportOutcome(c, false, err)
			s.abortError(c, err)
			return
		}
		t.reportOutcome(c, true, nil)

		usage := models.AnthropicUsage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens(content, toolCalls),
		}
		var thinking string
		if thinkingEnabled {
			content, thinking = streamer.SplitThinking(content)
		}
		c.JSON(http.StatusOK, streamer.BuildAnthropicResponse(
			req.Model, content, thinking, thinkingEnabled, toolCalls, usage))
		return
	}

	setStreamHeaders(c)
	out := streamer.NewAnthropicStreamer(c.Writer, req.Model, inputTokens)
	decoder := parser.NewDecoder()

	var splitter streamer.ThinkingSplitter
	emit := func(text string) error {
		if !thinkingEnabled {
			return out.WriteText(text)
		}
		plain, thinking := splitter.Feed(text)
		if thinking != "" {
			if err := out.WriteThinking(thinking); err != nil {
				return err
			}
		}
		return out.WriteText(plain)
	}

	var contentBuilder strings.Builder
	streamErr := readUpstream(body, decoder, func(text string) error {
		contentBuilder.WriteString(text)
		return emit(text)
	})
	if streamErr != nil {
		t.reportOutcome(c, false, streamErr)
		out.WriteError(apperrors.AsAppError(streamErr).Message)
		return
	}
	if thinkingEnabled {
		plain, thinking := splitter.Flush()
		if thinking != "" {
			if err := out.WriteThinking(thinking); err != nil {
				t.reportOutcome(c, false, err)
				return
			}
		}
		if err := out.WriteText(plain); err != nil {
			t.reportOutcome(c, false, err)
			return
		}
	}

	toolCalls := finalToolCalls(decoder, contentBuilder.String())
	for _, call := range toolCalls {
		if err := out.WriteToolUse(call); err != nil {
			t.reportOutcome(c, false, err)
			return
		}
	}
	if err := out.Finish(streamer.StopReason(toolCalls), outputTokens(contentBuilder.String(), toolCalls)); err != nil {
		t.reportOutcome(c, false, err)
		return
	}
	t.reportOutcome(c, true, nil)
}

// callUpstream translates the request and posts it, with the adaptive
// per-attempt timeout for the model.
func (s *Server) callUpstream(c *gin.Context, t *tenant, req *models.ChatCompletionRequest, stream bool) (io.ReadCloser, error) {
	payload, err := translator.BuildKiroPayload(req, uuid.NewString(), t.profileArn(), s.cfg.ToolDescriptionMaxLength)
	if err != nil {
		return nil, err
	}

	base := s.cfg.NonStreamTimeout()
	if stream {
		base = s.cfg.FirstTokenTimeout()
	}
	timeout := s.cfg.AdaptiveTimeout(req.Model, base)

	started := time.Now()
	body, err := s.upstream.Send(c.Request.Context(), payload, t.manager, stream, timeout)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"model":   req.Model,
		"stream":  stream,
		"elapsed": time.Since(started).Round(time.Millisecond),
	}).Debug("upstream accepted request")
	return body, nil
}

// readUpstream pumps the upstream body through the decoder, invoking
// onContent for every content event.
func readUpstream(body io.Reader, decoder *parser.Decoder, onContent func(string) error) error {
	buf := make([]byte, streamReadSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, event := range decoder.Feed(buf[:n]) {
				if event.Kind == parser.KindContent && onContent != nil {
					if werr := onContent(event.Text); werr != nil {
						return werr
					}
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.ProtocolViolation("upstream stream aborted", err)
		}
	}
}

// collectUpstream decodes a complete (non-streaming) upstream body.
func collectUpstream(body io.Reader) (string, []models.ToolCall, error) {
	decoder := parser.NewDecoder()
	var content strings.Builder

	err := readUpstream(body, decoder, func(text string) error {
		content.WriteString(text)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return content.String(), finalToolCalls(decoder, content.String()), nil
}

// finalToolCalls collects decoded tool calls, falling back to calls the
// upstream inlined as bracket text when no structured frames arrived.
func finalToolCalls(decoder *parser.Decoder, content string) []models.ToolCall {
	calls := decoder.ToolCalls()
	if len(calls) > 0 {
		return calls
	}
	return parser.DeduplicateToolCalls(parser.ParseBracketToolCalls(content))
}

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func outputTokens(content string, toolCalls []models.ToolCall) int {
	total := tokenizer.CountTokens(content, true)
	for _, call := range toolCalls {
		total += tokenizer.CountTokens(call.Function.Name, true)
		total += tokenizer.CountTokens(call.Function.Arguments, true)
	}
	return total
}

func buildUsage(promptTokens int, content string, toolCalls []models.ToolCall) *models.Usage {
	completion := outputTokens(content, toolCalls)
	return &models.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completion,
		TotalTokens:      promptTokens + completion,
	}
}

// handleModels serves GET /v1/models: the static alias catalog, enriched
// with upstream-reported models when a default tenant is configured.
func (s *Server) handleModels(c *gin.Context) {
	created := s.startedAt.Unix()
	seen := make(map[string]bool)
	list := models.ModelList{Object: "list"}

	for _, id := range config.AvailableModels {
		seen[id] = true
		list.Data = append(list.Data, models.OpenAIModel{
			ID: id, Object: "model", Created: created, OwnedBy: "anthropic",
		})
	}

	t := requestTenant(c)
	if t != nil && t.manager != nil {
		listed, err := s.modelCache.List(c.Request.Context(), t.manager, t.profileArn())
		if err != nil {
			log.WithError(err).Debug("upstream model catalog unavailable")
		}
		for _, info := range listed {
			if seen[info.ModelID] {
				continue
			}
			seen[info.ModelID] = true
			list.Data = append(list.Data, models.OpenAIModel{
				ID: info.ModelID, Object: "model", Created: created, OwnedBy: "kiro",
			})
		}
	}

	c.JSON(http.StatusOK, list)
}
