package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestLoadRulesMissingDirUsesDefaults(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "nope"), zap.NewNop())
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if rules != DefaultRules() {
		t.Fatalf("expected defaults, got %+v", rules)
	}
}

func TestLoadRulesOverlay(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := `function combat_rules()
        return { attack_damage = 3, ap_cap = 9 }
    end`
	if err := os.WriteFile(filepath.Join(rulesDir, "combat.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if rules.AttackDamage != 3 {
		t.Fatalf("expected attack_damage 3, got %d", rules.AttackDamage)
	}
	if rules.APCap != 9 {
		t.Fatalf("expected ap_cap 9, got %d", rules.APCap)
	}
	if rules.MoveCost != DefaultRules().MoveCost {
		t.Fatalf("unset key should keep default, got %d", rules.MoveCost)
	}
}

func TestLoadRulesBrokenScriptFails(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rulesDir, "bad.lua"), []byte("function ("), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(dir, zap.NewNop()); err == nil {
		t.Fatal("expected error for broken script")
	}
}
