// Package parser decodes the upstream assistant-response stream. The
// payload, viewed as UTF-8 text, is a concatenation of JSON frames, each
// introduced by a discriminating prefix; frames are delimited by balanced
// braces with string-aware scanning. The decoder is fed raw bytes and emits
// events as soon as one complete frame is buffered.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/kirogate/kirogate/internal/models"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// EventKind discriminates decoded events.
type EventKind int

const (
	// KindContent carries a text fragment of the assistant reply.
	KindContent EventKind = iota
	// KindUsage carries the upstream's credit counter.
	KindUsage
	// KindContextUsage carries the context-window fill percentage.
	KindContextUsage
)

// Event is one decoded upstream event. Tool-call frames are not surfaced
// as events; they accumulate inside the decoder and are collected with
// ToolCalls at response boundary.
type Event struct {
	Kind    EventKind
	Text    string
	Credits float64
	Percent float64
}

type frameKind int

const (
	frameContent frameKind = iota
	frameToolStart
	frameToolInput
	frameToolStop
	frameFollowup
	frameUsage
	frameContextUsage
)

// Frame prefixes in scanning order; the left-most match in the buffer wins.
var framePrefixes = []struct {
	prefix string
	kind   frameKind
}{
	{`{"content":`, frameContent},
	{`{"name":`, frameToolStart},
	{`{"input":`, frameToolInput},
	{`{"stop":`, frameToolStop},
	{`{"followupPrompt":`, frameFollowup},
	{`{"usage":`, frameUsage},
	{`{"contextUsagePercentage":`, frameContextUsage},
}

// Decoder incrementally parses the upstream stream. It is stateful across
// Feed calls and owned by exactly one request.
type Decoder struct {
	buf         strings.Builder
	lastContent *string
	pending     *models.ToolCall
	completed   []models.ToolCall
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the buffer and returns all events whose frames are
// now complete. Incomplete trailing frames stay buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf.WriteString(string(chunk))

	var events []Event
	for {
		buffer := d.buf.String()

		earliestPos := -1
		earliestKind := frameContent
		for _, p := range framePrefixes {
			pos := strings.Index(buffer, p.prefix)
			if pos != -1 && (earliestPos == -1 || pos < earliestPos) {
				earliestPos = pos
				earliestKind = p.kind
			}
		}
		if earliestPos == -1 {
			break
		}

		end := FindMatchingBrace(buffer, earliestPos)
		if end == -1 {
			// Frame incomplete, wait for more data.
			break
		}

		frame := buffer[earliestPos : end+1]
		d.buf.Reset()
		d.buf.WriteString(buffer[end+1:])

		if !gjson.Valid(frame) {
			log.WithField("frame", truncateFrame(frame)).Warn("skipping unparseable event-stream frame")
			continue
		}
		if ev, ok := d.processFrame(frame, earliestKind); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (d *Decoder) processFrame(frame string, kind frameKind) (Event, bool) {
	switch kind {
	case frameContent:
		return d.processContent(frame)
	case frameToolStart:
		d.processToolStart(frame)
	case frameToolInput:
		d.processToolInput(frame)
	case frameToolStop:
		if d.pending != nil && gjson.Get(frame, "stop").Bool() {
			d.finalizePending()
		}
	case frameFollowup:
		// Followup prompts are upstream UI hints, not response content.
	case frameUsage:
		return Event{Kind: KindUsage, Credits: gjson.Get(frame, "usage").Float()}, true
	case frameContextUsage:
		return Event{Kind: KindContextUsage, Percent: gjson.Get(frame, "contextUsagePercentage").Float()}, true
	}
	return Event{}, false
}

func (d *Decoder) processContent(frame string) (Event, bool) {
	if fp := gjson.Get(frame, "followupPrompt"); fp.Exists() && fp.String() != "" {
		return Event{}, false
	}
	content := gjson.Get(frame, "content").String()

	// The upstream sometimes repeats the final content frame verbatim.
	if d.lastContent != nil && *d.lastContent == content {
		return Event{}, false
	}
	d.lastContent = &content
	return Event{Kind: KindContent, Text: content}, true
}

func (d *Decoder) processToolStart(frame string) {
	if d.pending != nil {
		d.finalizePending()
	}

	id := gjson.Get(frame, "toolUseId").String()
	if id == "" {
		id = NewToolCallID()
	}
	d.pending = &models.ToolCall{
		ID:   id,
		Type: "function",
		Function: models.ToolCallFunction{
			Name:      gjson.Get(frame, "name").String(),
			Arguments: inputFragment(gjson.Get(frame, "input")),
		},
	}

	if gjson.Get(frame, "stop").Bool() {
		d.finalizePending()
	}
}

func (d *Decoder) processToolInput(frame string) {
	if d.pending == nil {
		return
	}
	d.pending.Function.Arguments += inputFragment(gjson.Get(frame, "input"))
}

// inputFragment stringifies a frame's input field: objects serialize to
// their raw JSON, strings pass through, anything else is empty.
func inputFragment(res gjson.Result) string {
	switch res.Type {
	case gjson.JSON:
		return res.Raw
	case gjson.String:
		return res.String()
	case gjson.Null:
		return ""
	default:
		if !res.Exists() {
			return ""
		}
		return res.Raw
	}
}

// finalizePending normalizes the accumulated arguments and moves the
// pending call to the completed list. Valid JSON is re-serialized to its
// canonical form; empty or invalid input becomes "{}".
func (d *Decoder) finalizePending() {
	if d.pending == nil {
		return
	}
	args := strings.TrimSpace(d.pending.Function.Arguments)
	if args == "" {
		d.pending.Function.Arguments = "{}"
	} else {
		var parsed any
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			log.WithFields(log.Fields{
				"tool": d.pending.Function.Name,
				"raw":  truncateFrame(args),
			}).Warn("discarding unparseable tool arguments")
			d.pending.Function.Arguments = "{}"
		} else {
			canonical, _ := json.Marshal(parsed)
			d.pending.Function.Arguments = string(canonical)
		}
	}
	d.completed = append(d.completed, *d.pending)
	d.pending = nil
}

// ToolCalls finalizes any pending call and returns the deduplicated set of
// completed tool calls.
func (d *Decoder) ToolCalls() []models.ToolCall {
	if d.pending != nil {
		d.finalizePending()
	}
	return DeduplicateToolCalls(d.completed)
}

// Reset clears all decoder state for reuse.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.lastContent = nil
	d.pending = nil
	d.completed = nil
}

// FindMatchingBrace returns the index of the brace closing the object that
// opens at start, or -1 if the object is incomplete. The scan counts braces
// outside of strings only; a backslash escapes the next character inside a
// string, which is sufficient because multi-character escapes contain no
// literal quote.
func FindMatchingBrace(text string, start int) int {
	if start >= len(text) || text[start] != '{' {
		return -1
	}

	braceCount := 0
	inString := false
	escapeNext := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escapeNext {
			escapeNext = false
			continue
		}
		if c == '\\' && inString {
			escapeNext = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if !inString {
			switch c {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return i
				}
			}
		}
	}
	return -1
}

var bracketCallPattern = regexp.MustCompile(`(?i)\[Called\s+(\w+)\s+with\s+args:\s*`)

// ParseBracketToolCalls extracts tool calls that the upstream inlined as
// text of the form "[Called name with args: {...}]". Nested argument
// objects are handled by the same brace-balanced scanner as frames.
func ParseBracketToolCalls(responseText string) []models.ToolCall {
	if responseText == "" || !strings.Contains(responseText, "[Called") {
		return nil
	}

	var calls []models.ToolCall
	for _, match := range bracketCallPattern.FindAllStringSubmatchIndex(responseText, -1) {
		name := responseText[match[2]:match[3]]
		argsStart := match[1]

		jsonStart := strings.Index(responseText[argsStart:], "{")
		if jsonStart == -1 {
			continue
		}
		jsonStart += argsStart

		jsonEnd := FindMatchingBrace(responseText, jsonStart)
		if jsonEnd == -1 {
			continue
		}

		raw := responseText[jsonStart : jsonEnd+1]
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			log.WithField("raw", truncateFrame(raw)).Warn("failed to parse bracket tool call arguments")
			continue
		}
		canonical, _ := json.Marshal(parsed)

		calls = append(calls, models.ToolCall{
			ID:   NewToolCallID(),
			Type: "function",
			Function: models.ToolCallFunction{
				Name:      name,
				Arguments: string(canonical),
			},
		})
	}
	return calls
}

// DeduplicateToolCalls removes duplicates in two stages: first by ID,
// keeping the entry with the most useful arguments; then by (name,
// arguments) across the whole set. The relative order of survivors with
// IDs precedes that of entries without.
func DeduplicateToolCalls(toolCalls []models.ToolCall) []models.ToolCall {
	byID := make(map[string]models.ToolCall)
	var idOrder []string
	var withoutID []models.ToolCall

	for _, tc := range toolCalls {
		if tc.ID == "" {
			withoutID = append(withoutID, tc)
			continue
		}
		existing, ok := byID[tc.ID]
		if !ok {
			byID[tc.ID] = tc
			idOrder = append(idOrder, tc.ID)
			continue
		}
		// Prefer non-empty arguments, then the longer of the two.
		existingArgs := existing.Function.Arguments
		currentArgs := tc.Function.Arguments
		if currentArgs != "{}" && (existingArgs == "{}" || len(currentArgs) > len(existingArgs)) {
			byID[tc.ID] = tc
		}
	}

	seen := make(map[string]bool)
	var unique []models.ToolCall
	appendUnique := func(tc models.ToolCall) {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		key := tc.Function.Name + "-" + args
		if !seen[key] {
			seen[key] = true
			unique = append(unique, tc)
		}
	}
	for _, id := range idOrder {
		appendUnique(byID[id])
	}
	for _, tc := range withoutID {
		appendUnique(tc)
	}
	return unique
}

// NewToolCallID generates an OpenAI-style tool call identifier.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func truncateFrame(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
