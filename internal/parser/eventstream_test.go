package parser

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/kirogate/kirogate/internal/models"
)

func TestFindMatchingBrace(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		start int
		want  int
	}{
		{"flat object", `{"a": 1}`, 0, 7},
		{"nested object", `{"a": {"b": 1}}`, 0, 14},
		{"brace inside string", `{"a": "{}"}`, 0, 10},
		{"escaped quote inside string", `{"a": "\"}"}`, 0, 11},
		{"incomplete", `{"a": {"b": 1}`, 0, -1},
		{"start not a brace", `abc{}`, 0, -1},
		{"start past end", `{}`, 5, -1},
		{"offset start", `xx{"a":1}`, 2, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FindMatchingBrace(tt.text, tt.start); got != tt.want {
				t.Errorf("FindMatchingBrace(%q, %d) = %d, want %d", tt.text, tt.start, got, tt.want)
			}
		})
	}
}

func TestDecoder_ContentFrames(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte(`{"content":"Hello"}{"content":" world"}`))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != KindContent || events[0].Text != "Hello" {
		t.Errorf("event 0 = %+v, want Content(Hello)", events[0])
	}
	if events[1].Kind != KindContent || events[1].Text != " world" {
		t.Errorf("event 1 = %+v, want Content( world)", events[1])
	}
}

func TestDecoder_SplitAcrossFeeds(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte(`{"content":"Hel`))
	if len(events) != 0 {
		t.Fatalf("incomplete frame should emit nothing, got %d events", len(events))
	}

	events = d.Feed([]byte(`lo"}`))
	if len(events) != 1 || events[0].Text != "Hello" {
		t.Fatalf("got %v, want one Content(Hello)", events)
	}
}

func TestDecoder_BinaryFramingIgnored(t *testing.T) {
	// The upstream wraps frames in binary event-stream headers; anything
	// between recognized frames must be skipped.
	d := NewDecoder()
	events := d.Feed([]byte("\x00\x00\x01:event-type\x07\x05chunk" + `{"content":"hi"}` + "\x00garbage"))

	if len(events) != 1 || events[0].Text != "hi" {
		t.Fatalf("got %v, want one Content(hi)", events)
	}
}

func TestDecoder_ConsecutiveDuplicateContentCollapsed(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte(`{"content":"final"}{"content":"final"}`))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 after dedup", len(events))
	}

	// A different payload after the duplicate is still emitted.
	events = d.Feed([]byte(`{"content":"more"}`))
	if len(events) != 1 || events[0].Text != "more" {
		t.Fatalf("got %v, want Content(more)", events)
	}
}

func TestDecoder_UsageAndContextUsage(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte(`{"usage":42}{"contextUsagePercentage":12.5}`))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != KindUsage || events[0].Credits != 42 {
		t.Errorf("event 0 = %+v, want Usage(42)", events[0])
	}
	if events[1].Kind != KindContextUsage || events[1].Percent != 12.5 {
		t.Errorf("event 1 = %+v, want ContextUsage(12.5)", events[1])
	}
}

func TestDecoder_FollowupPromptDiscarded(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte(`{"followupPrompt":"ask me more"}{"content":"real"}`))

	if len(events) != 1 || events[0].Text != "real" {
		t.Fatalf("got %v, want only Content(real)", events)
	}
}

func TestDecoder_ToolCallAssembly(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`{"name":"get_weather","toolUseId":"t1"}{"input":"{\"city\":"}{"input":"\"NYC\"}"}{"stop":true}`))

	calls := d.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].ID != "t1" {
		t.Errorf("ID = %q, want t1", calls[0].ID)
	}
	if calls[0].Function.Name != "get_weather" {
		t.Errorf("Name = %q, want get_weather", calls[0].Function.Name)
	}
	if calls[0].Function.Arguments != `{"city":"NYC"}` {
		t.Errorf("Arguments = %q, want {\"city\":\"NYC\"}", calls[0].Function.Arguments)
	}
}

func TestDecoder_ToolStartWithObjectInput(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`{"name":"lookup","toolUseId":"t2","input":{"q":"go"},"stop":true}`))

	calls := d.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].Function.Arguments != `{"q":"go"}` {
		t.Errorf("Arguments = %q, want {\"q\":\"go\"}", calls[0].Function.Arguments)
	}
}

func TestDecoder_NewToolStartFinalizesPrevious(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`{"name":"first","toolUseId":"a"}{"input":"{}"}{"name":"second","toolUseId":"b"}{"stop":true}`))

	calls := d.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].Function.Name != "first" || calls[1].Function.Name != "second" {
		t.Errorf("names = %q, %q; want first, second", calls[0].Function.Name, calls[1].Function.Name)
	}
}

func TestDecoder_InvalidToolArgumentsNormalizeToEmptyObject(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`{"name":"broken","toolUseId":"x"}{"input":"not json"}{"stop":true}`))

	calls := d.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].Function.Arguments != "{}" {
		t.Errorf("Arguments = %q, want {}", calls[0].Function.Arguments)
	}
}

func TestDecoder_MissingToolUseIDGenerated(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`{"name":"anon","stop":true}`))

	calls := d.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].ID == "" {
		t.Error("a missing toolUseId should be replaced with a generated one")
	}
}

func TestParseBracketToolCalls(t *testing.T) {
	text := `Sure. [Called get_weather with args: {"city": "London", "opts": {"units": "c"}}] Done.`
	calls := ParseBracketToolCalls(text)

	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Function.Name != "get_weather" {
		t.Errorf("Name = %q, want get_weather", calls[0].Function.Name)
	}
	wantArgs := map[string]any{"city": "London", "opts": map[string]any{"units": "c"}}
	var gotArgs map[string]any
	if err := json.Unmarshal([]byte(calls[0].Function.Arguments), &gotArgs); err != nil {
		t.Fatalf("arguments are not valid JSON: %v", err)
	}
	if !reflect.DeepEqual(gotArgs, wantArgs) {
		t.Errorf("Arguments = %v, want %v", gotArgs, wantArgs)
	}
}

func TestParseBracketToolCalls_NoMatches(t *testing.T) {
	tests := []string{
		"",
		"plain text without calls",
		"[Called broken with args: not json]",
	}
	for _, text := range tests {
		if calls := ParseBracketToolCalls(text); len(calls) != 0 {
			t.Errorf("ParseBracketToolCalls(%q) = %v, want none", text, calls)
		}
	}
}

func TestDeduplicateToolCalls(t *testing.T) {
	call := func(id, name, args string) models.ToolCall {
		return models.ToolCall{
			ID:   id,
			Type: "function",
			Function: models.ToolCallFunction{
				Name:      name,
				Arguments: args,
			},
		}
	}

	tests := []struct {
		name string
		in   []models.ToolCall
		want []models.ToolCall
	}{
		{
			name: "same id keeps non-empty arguments",
			in: []models.ToolCall{
				call("t1", "f", "{}"),
				call("t1", "f", `{"a":1}`),
			},
			want: []models.ToolCall{call("t1", "f", `{"a":1}`)},
		},
		{
			name: "same id keeps longer arguments",
			in: []models.ToolCall{
				call("t1", "f", `{"a":1}`),
				call("t1", "f", `{"a":1,"b":2}`),
			},
			want: []models.ToolCall{call("t1", "f", `{"a":1,"b":2}`)},
		},
		{
			name: "distinct name-args duplicates dropped",
			in: []models.ToolCall{
				call("t1", "f", `{"a":1}`),
				call("t2", "f", `{"a":1}`),
			},
			want: []models.ToolCall{call("t1", "f", `{"a":1}`)},
		},
		{
			name: "different calls survive",
			in: []models.ToolCall{
				call("t1", "f", `{"a":1}`),
				call("t2", "g", `{"a":1}`),
			},
			want: []models.ToolCall{
				call("t1", "f", `{"a":1}`),
				call("t2", "g", `{"a":1}`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeduplicateToolCalls(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DeduplicateToolCalls() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeduplicateToolCalls_Idempotent(t *testing.T) {
	in := []models.ToolCall{
		{ID: "t1", Type: "function", Function: models.ToolCallFunction{Name: "f", Arguments: "{}"}},
		{ID: "t1", Type: "function", Function: models.ToolCallFunction{Name: "f", Arguments: `{"x":1}`}},
		{ID: "", Type: "function", Function: models.ToolCallFunction{Name: "g", Arguments: `{"y":2}`}},
		{ID: "t3", Type: "function", Function: models.ToolCallFunction{Name: "g", Arguments: `{"y":2}`}},
	}

	once := DeduplicateToolCalls(in)
	twice := DeduplicateToolCalls(once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("dedup is not idempotent: %v != %v", once, twice)
	}
	if len(once) > len(in) {
		t.Errorf("dedup grew the set: %d > %d", len(once), len(in))
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`{"content":"x"}{"name":"f","toolUseId":"t"}`))
	d.Reset()

	if events := d.Feed([]byte(`{"content":"x"}`)); len(events) != 1 {
		t.Error("after Reset the content dedup state should be cleared")
	}
	if calls := d.ToolCalls(); len(calls) != 0 {
		t.Errorf("after Reset pending tool calls should be gone, got %v", calls)
	}
}
