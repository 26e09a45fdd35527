// Package memory keeps short-term conversation context per session so
// follow-up queries can reference earlier answers.
package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxTurns = 6
	maxTurnRunes    = 500
	defaultSessions = 256
)

type Turn struct {
	Query  string    `json:"query"`
	Answer string    `json:"answer"`
	At     time.Time `json:"at"`
}

// ShortTerm holds the most recent turns of one conversation. Oldest turns
// fall off once maxTurns is reached.
type ShortTerm struct {
	mu       sync.Mutex
	turns    []Turn
	maxTurns int
}

func NewShortTerm(maxTurns int) *ShortTerm {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &ShortTerm{maxTurns: maxTurns}
}

func (m *ShortTerm) Remember(query, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = append(m.turns, Turn{
		Query:  truncate(query),
		Answer: truncate(answer),
		At:     time.Now(),
	})
	if len(m.turns) > m.maxTurns {
		m.turns = m.turns[len(m.turns)-m.maxTurns:]
	}
}

func (m *ShortTerm) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// PromptPrefix renders remembered turns as a context block for the model.
// Returns "" when there is nothing to recall.
func (m *ShortTerm) PromptPrefix() string {
	turns := m.Turns()
	if len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, turn := range turns {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", turn.Query, turn.Answer)
	}
	return b.String()
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxTurnRunes {
		return s
	}
	return string(runes[:maxTurnRunes]) + "..."
}

// Sessions maps session IDs to their short-term memory, bounded so idle
// sessions age out instead of leaking.
type Sessions struct {
	cache    *lru.Cache[string, *ShortTerm]
	maxTurns int
	mu       sync.Mutex
}

func NewSessions(maxSessions, maxTurns int) (*Sessions, error) {
	if maxSessions <= 0 {
		maxSessions = defaultSessions
	}
	cache, err := lru.New[string, *ShortTerm](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Sessions{cache: cache, maxTurns: maxTurns}, nil
}

// For returns the memory for a session, creating it on first use.
func (s *Sessions) For(sessionID string) *ShortTerm {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.cache.Get(sessionID); ok {
		return m
	}
	m := NewShortTerm(s.maxTurns)
	s.cache.Add(sessionID, m)
	return m
}
