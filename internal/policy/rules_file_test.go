package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func TestLoadRulesFile(t *testing.T) {
	path := writeRules(t, `[
		{"name": "deny_exfil", "categories": ["data_exfiltration"], "deny": true},
		{"name": "gate_finance", "categories": ["financial"], "min_amount": 100, "require_approval": true}
	]`)

	rules, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Name != "deny_exfil" || !rules[0].Deny {
		t.Errorf("first rule not parsed: %+v", rules[0])
	}
	if rules[1].MinAmount == nil || *rules[1].MinAmount != 100 {
		t.Errorf("min_amount not parsed: %+v", rules[1])
	}
}

func TestLoadRulesFileRejectsDuplicates(t *testing.T) {
	path := writeRules(t, `[
		{"name": "r1", "deny": true},
		{"name": "r1", "require_approval": true}
	]`)

	if _, err := LoadRulesFile(path); err == nil {
		t.Error("expected duplicate names to be rejected")
	}
}

func TestLoadRulesFileRejectsConflictingEffects(t *testing.T) {
	path := writeRules(t, `[{"name": "r1", "deny": true, "require_approval": true}]`)

	if _, err := LoadRulesFile(path); err == nil {
		t.Error("expected conflicting effects to be rejected")
	}
}

func TestLoadRulesFileRejectsInvertedAmounts(t *testing.T) {
	path := writeRules(t, `[{"name": "r1", "min_amount": 500, "max_amount": 100, "deny": true}]`)

	if _, err := LoadRulesFile(path); err == nil {
		t.Error("expected inverted amount bounds to be rejected")
	}
}
