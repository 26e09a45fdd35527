package policy

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const defaultCacheSize = 512

// Engine evaluates actions against an ordered rule list. The first matching
// rule wins; an action matching no rule is allowed by default. The rule list
// is replaced wholesale on reload, never mutated in place, so readers always
// see a consistent snapshot.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
	cache *lru.Cache[string, Decision]
}

// NewEngine builds an engine over the given rule list with a bounded
// memoization cache.
func NewEngine(rules []Rule, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, Decision](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create decision cache: %w", err)
	}
	return &Engine{
		rules: append([]Rule(nil), rules...),
		cache: cache,
	}, nil
}

// SetRules swaps in a new rule list and drops memoized decisions.
func (e *Engine) SetRules(rules []Rule) {
	snapshot := append([]Rule(nil), rules...)

	e.mu.Lock()
	e.rules = snapshot
	e.mu.Unlock()
	e.cache.Purge()

	log.Info().Int("count", len(snapshot)).Msg("policy rules reloaded")
}

// Rules returns the current rule snapshot.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Evaluate applies the rule list to the action in order.
func (e *Engine) Evaluate(ctx context.Context, action ProposedAction) (Decision, error) {
	key := action.cacheKey()
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	decision := evaluateRules(rules, action)
	e.cache.Add(key, decision)
	return decision, nil
}

func evaluateRules(rules []Rule, action ProposedAction) Decision {
	for _, rule := range rules {
		if !rule.Matches(action) {
			continue
		}
		if rule.Deny {
			return Decision{
				Outcome:     OutcomeDeny,
				MatchedRule: rule.Name,
				Rationale:   fmt.Sprintf("denied by policy rule %s", rule.Name),
			}
		}
		if rule.RequireApproval {
			return Decision{
				Outcome:     OutcomeRequireApproval,
				MatchedRule: rule.Name,
				Rationale:   fmt.Sprintf("approval required by policy rule %s", rule.Name),
			}
		}
	}
	return Decision{
		Outcome:   OutcomeAllow,
		Rationale: "no matching rule; default allow",
	}
}
