package tooling

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"arcbot/internal/domain"
)

// =============================================================================
// fakeSource is an in-memory ChatHistorySource
// =============================================================================

type fakeSource struct {
	msgs      []domain.HistoryMessage
	err       error
	lastN     int
	lastSince time.Time
}

func (f *fakeSource) Recent(_ context.Context, _ domain.ChatKey, n int) ([]domain.HistoryMessage, error) {
	f.lastN = n
	if f.err != nil {
		return nil, f.err
	}
	if len(f.msgs) > n {
		return f.msgs[len(f.msgs)-n:], nil
	}
	return f.msgs, nil
}

func (f *fakeSource) Since(_ context.Context, _ domain.ChatKey, since time.Time) ([]domain.HistoryMessage, error) {
	f.lastSince = since
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.HistoryMessage
	for _, m := range f.msgs {
		if !m.Time.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

var groupChat = domain.ChatKey{ChatID: "100", Kind: domain.ChatGroup}

func history(n int, at time.Time) []domain.HistoryMessage {
	out := make([]domain.HistoryMessage, n)
	for i := range out {
		out[i] = domain.HistoryMessage{
			UserID:   "u" + string(rune('a'+i)),
			UserName: "user",
			Content:  "message " + string(rune('a'+i)),
			Time:     at,
		}
	}
	return out
}

func runTool(t *testing.T, tool domain.Tool, text string, chat domain.ChatKey) (string, error) {
	t.Helper()
	subs := tool.Pattern().FindStringSubmatch(text)
	if subs == nil {
		t.Fatalf("%s did not match %q", tool.Name(), text)
	}
	params, err := tool.Parse(subs)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return tool.Execute(context.Background(), domain.PendingToolCall{
		ToolName: tool.Name(), Marker: subs[0], Params: params, Chat: chat,
	})
}

// =============================================================================
// get_context
// =============================================================================

func TestNewGetContextTool_WhenSourceNil_ShouldPanic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic")
		}
	}()
	NewGetContextTool(nil, "")
}

func TestGetContextTool_Parse_ShouldClampCount(t *testing.T) {
	tool := NewGetContextTool(&fakeSource{}, "")
	cases := map[string]int{"0": 1, "5": 5, "100": 100, "250": 100, "99999999999999999999": 100}
	for in, want := range cases {
		p, err := tool.Parse([]string{"", in})
		if err != nil {
			t.Fatalf("Parse(%s): %v", in, err)
		}
		if p.(ContextParams).Count != want {
			t.Errorf("Parse(%s) = %d, want %d", in, p.(ContextParams).Count, want)
		}
	}
}

func TestGetContextTool_Execute_ShouldFormatLatestMessagesWithoutSelf(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local)
	src := &fakeSource{msgs: history(4, at)}
	src.msgs[3].UserID = "bot"
	tool := NewGetContextTool(src, "bot")

	out, err := runTool(t, tool, "[get_context:2]", groupChat)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "【chat context】\n") || !strings.HasSuffix(out, "【end of context】") {
		t.Errorf("missing header/footer: %q", out)
	}
	if !strings.Contains(out, "[03:04:05] user(ub): message b") || !strings.Contains(out, "user(uc): message c") {
		t.Errorf("expected messages b and c: %q", out)
	}
	if strings.Contains(out, "message d") || strings.Contains(out, "message a") {
		t.Errorf("unexpected messages: %q", out)
	}
}

func TestGetContextTool_Execute_WhenNoMessages_ShouldSayso(t *testing.T) {
	out, err := runTool(t, NewGetContextTool(&fakeSource{}, ""), "[get_context:5]", groupChat)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "no earlier messages") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestGetContextTool_Execute_WhenChatMissing_ShouldFail(t *testing.T) {
	_, err := runTool(t, NewGetContextTool(&fakeSource{}, ""), "[get_context:5]", domain.ChatKey{})
	if !errors.Is(err, domain.ErrToolFailure) {
		t.Errorf("expected ErrToolFailure, got %v", err)
	}
}

func TestGetContextTool_Execute_WhenSourceFails_ShouldWrapToolFailure(t *testing.T) {
	boom := errors.New("boom")
	_, err := runTool(t, NewGetContextTool(&fakeSource{err: boom}, ""), "[get_context:5]", groupChat)
	if !errors.Is(err, domain.ErrToolFailure) || !errors.Is(err, boom) {
		t.Errorf("expected wrapped failure, got %v", err)
	}
}

// =============================================================================
// search_context
// =============================================================================

func TestSearchContextTool_Parse_ShouldDefaultAndClampDays(t *testing.T) {
	tool := NewSearchContextTool(&fakeSource{}, "")
	cases := []struct {
		marker string
		query  string
		days   int
	}{
		{"[search_context:birthday]", "birthday", 7},
		{"[search_context: games :30]", "games", 30},
		{"[search_context:x:1]", "x", 7},
		{"[search_context:x:9999]", "x", 730},
	}
	for _, c := range cases {
		subs := tool.Pattern().FindStringSubmatch(c.marker)
		if subs == nil {
			t.Fatalf("no match for %s", c.marker)
		}
		p, err := tool.Parse(subs)
		if err != nil {
			t.Fatalf("Parse(%s): %v", c.marker, err)
		}
		got := p.(SearchParams)
		if got.Query != c.query || got.Days != c.days {
			t.Errorf("Parse(%s) = %+v", c.marker, got)
		}
	}
}

func TestSearchContextTool_Parse_WhenQueryBlank_ShouldFail(t *testing.T) {
	tool := NewSearchContextTool(&fakeSource{}, "")
	if _, err := tool.Parse([]string{"", "  ", ""}); !errors.Is(err, domain.ErrMalformedTag) {
		t.Errorf("expected ErrMalformedTag, got %v", err)
	}
}

func TestSearchContextTool_Execute_ShouldSearchWindowAndLabelSelf(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	orig := nowFunc
	t.Cleanup(func() { nowFunc = orig })
	nowFunc = func() time.Time { return now }

	src := &fakeSource{msgs: []domain.HistoryMessage{
		{UserID: "u1", UserName: "amy", Content: "old cake talk", Time: now.AddDate(0, 0, -30)},
		{UserID: "bot", UserName: "arc", Content: "I baked a cake", Time: now.Add(-time.Hour)},
		{UserID: "u2", UserName: "bo", Content: "weather is nice", Time: now.Add(-time.Hour)},
	}}
	tool := NewSearchContextTool(src, "bot")

	out, err := runTool(t, tool, "[search_context:cake]", groupChat)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !src.lastSince.Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("expected 7 day window, got since %v", src.lastSince)
	}
	if !strings.Contains(out, "yourself: I baked a 【cake】") {
		t.Errorf("expected highlighted self hit: %q", out)
	}
	if strings.Contains(out, "old cake talk") {
		t.Errorf("message outside window leaked: %q", out)
	}
	if !strings.Contains(out, "found: 1/2") {
		t.Errorf("expected hit summary: %q", out)
	}
}

func TestSearchContextTool_Execute_WhenNothingFound_ShouldSayso(t *testing.T) {
	src := &fakeSource{msgs: history(3, time.Now())}
	out, err := runTool(t, NewSearchContextTool(src, ""), "[search_context:zebra]", groupChat)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "nothing about 'zebra' in 3 messages") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSearchContextTool_Execute_WhenChatMissing_ShouldFail(t *testing.T) {
	_, err := runTool(t, NewSearchContextTool(&fakeSource{}, ""), "[search_context:a]", domain.ChatKey{})
	if !errors.Is(err, domain.ErrToolFailure) {
		t.Errorf("expected ErrToolFailure, got %v", err)
	}
}
