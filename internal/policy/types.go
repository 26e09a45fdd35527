package policy

import (
	"context"
	"strconv"
	"strings"
)

// Category is a semantic grouping of actions for gating purposes.
type Category string

const (
	CategoryDataExfiltration Category = "data_exfiltration"
	CategoryFinancial        Category = "financial"
	CategoryPrivilegedWrite  Category = "privileged_write"
	CategoryExternalAPICall  Category = "external_api_call"
	CategoryUserDataAccess   Category = "user_data_access"
	CategoryAWSRoleAccess    Category = "aws_role_access"
	CategoryOther            Category = "other"
)

// RiskWeight returns the default risk weight (1-10) for the category.
func (c Category) RiskWeight() int {
	switch c {
	case CategoryDataExfiltration:
		return 9
	case CategoryFinancial:
		return 8
	case CategoryPrivilegedWrite:
		return 7
	case CategoryAWSRoleAccess:
		return 8
	case CategoryUserDataAccess:
		return 6
	case CategoryExternalAPICall:
		return 5
	default:
		return 3
	}
}

// ParseCategory maps a string onto a known category, falling back to "other".
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryDataExfiltration, CategoryFinancial, CategoryPrivilegedWrite,
		CategoryExternalAPICall, CategoryUserDataAccess, CategoryAWSRoleAccess:
		return c
	default:
		return CategoryOther
	}
}

// Outcome is the result of evaluating an action against policy.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeRequireApproval Outcome = "require_approval"
	OutcomeDeny            Outcome = "deny"
)

// ProposedAction describes what an agent wants to do. Constructed once per
// request and treated as immutable afterwards.
type ProposedAction struct {
	ToolName      string   `json:"tool_name"`
	Description   string   `json:"description"`
	Category      Category `json:"category"`
	Resource      string   `json:"resource,omitempty"`
	Amount        *float64 `json:"amount,omitempty"`
	Environment   string   `json:"environment"`
	UserID        string   `json:"user_id,omitempty"`
	IntendedTools []string `json:"intended_tools,omitempty"`
}

// cacheKey builds a canonical string for memoizing evaluation results.
func (a ProposedAction) cacheKey() string {
	var b strings.Builder
	b.WriteString(a.ToolName)
	b.WriteByte('|')
	b.WriteString(a.Description)
	b.WriteByte('|')
	b.WriteString(string(a.Category))
	b.WriteByte('|')
	b.WriteString(a.Resource)
	b.WriteByte('|')
	if a.Amount != nil {
		b.WriteString(strconv.FormatFloat(*a.Amount, 'f', -1, 64))
	}
	b.WriteByte('|')
	b.WriteString(a.Environment)
	return b.String()
}

// Rule gates actions deterministically. Matching is a conjunction over all
// non-empty constraint lists; an empty list is unconstrained.
type Rule struct {
	Name             string     `json:"name" mapstructure:"name"`
	Categories       []Category `json:"categories,omitempty" mapstructure:"categories"`
	Environments     []string   `json:"environments,omitempty" mapstructure:"environments"`
	ResourcePrefixes []string   `json:"resource_prefixes,omitempty" mapstructure:"resource_prefixes"`
	Tools            []string   `json:"tools,omitempty" mapstructure:"tools"`
	MinAmount        *float64   `json:"min_amount,omitempty" mapstructure:"min_amount"`
	MaxAmount        *float64   `json:"max_amount,omitempty" mapstructure:"max_amount"`
	RequireApproval  bool       `json:"require_approval" mapstructure:"require_approval"`
	Deny             bool       `json:"deny" mapstructure:"deny"`
}

// Matches reports whether the rule applies to the action.
func (r Rule) Matches(a ProposedAction) bool {
	if len(r.Categories) > 0 && !containsCategory(r.Categories, a.Category) {
		return false
	}
	if len(r.Environments) > 0 && !containsString(r.Environments, a.Environment) {
		return false
	}
	// Prefix constraints only bind actions that name a resource.
	if len(r.ResourcePrefixes) > 0 && a.Resource != "" {
		matched := false
		for _, p := range r.ResourcePrefixes {
			if strings.HasPrefix(a.Resource, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(r.Tools) > 0 && !containsString(r.Tools, a.ToolName) {
		return false
	}
	amount := 0.0
	if a.Amount != nil {
		amount = *a.Amount
	}
	if r.MinAmount != nil && amount < *r.MinAmount {
		return false
	}
	if r.MaxAmount != nil && amount > *r.MaxAmount {
		return false
	}
	return true
}

// Decision is the result of evaluating a ProposedAction.
type Decision struct {
	Outcome     Outcome `json:"outcome"`
	MatchedRule string  `json:"matched_rule,omitempty"`
	Rationale   string  `json:"rationale"`
}

// Evaluator decides whether a proposed action may proceed. Implementations
// must be side-effect-free and safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, action ProposedAction) (Decision, error)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsCategory(list []Category, c Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}
