package memory

import (
	"strings"
	"testing"
)

func TestRememberEvictsOldest(t *testing.T) {
	m := NewShortTerm(3)
	for _, q := range []string{"one", "two", "three", "four"} {
		m.Remember(q, "answer to "+q)
	}

	turns := m.Turns()
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Query != "two" {
		t.Errorf("expected oldest surviving turn to be 'two', got %q", turns[0].Query)
	}
	if turns[2].Query != "four" {
		t.Errorf("expected newest turn to be 'four', got %q", turns[2].Query)
	}
}

func TestTruncateLongTurns(t *testing.T) {
	m := NewShortTerm(0)
	long := strings.Repeat("x", 2000)
	m.Remember(long, long)

	turn := m.Turns()[0]
	if got := len([]rune(turn.Query)); got != maxTurnRunes+3 {
		t.Errorf("expected truncated query of %d runes, got %d", maxTurnRunes+3, got)
	}
	if !strings.HasSuffix(turn.Answer, "...") {
		t.Error("expected truncation marker")
	}
}

func TestPromptPrefix(t *testing.T) {
	m := NewShortTerm(0)
	if m.PromptPrefix() != "" {
		t.Error("expected empty prefix with no turns")
	}

	m.Remember("who is on call", "alice is on call")
	prefix := m.PromptPrefix()
	if !strings.Contains(prefix, "who is on call") || !strings.Contains(prefix, "alice is on call") {
		t.Errorf("prefix missing turn content: %q", prefix)
	}
}

func TestSessionsIsolate(t *testing.T) {
	sessions, err := NewSessions(8, 4)
	if err != nil {
		t.Fatalf("new sessions: %v", err)
	}

	sessions.For("a").Remember("query-a", "answer-a")
	sessions.For("b").Remember("query-b", "answer-b")

	if got := sessions.For("a").Turns(); len(got) != 1 || got[0].Query != "query-a" {
		t.Errorf("session a polluted: %+v", got)
	}
	if got := sessions.For("b").Turns(); len(got) != 1 || got[0].Query != "query-b" {
		t.Errorf("session b polluted: %+v", got)
	}

	if sessions.For("a") != sessions.For("a") {
		t.Error("expected stable memory per session")
	}
}
