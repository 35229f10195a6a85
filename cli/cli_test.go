package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := Execute()
	return out.String(), err
}

func TestValidateRulepack(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	os.WriteFile(valid, []byte("meta:\n  pack_id: cli\n  version: 0.1.0\ndetectors:\n  - id: D1\n    anchors_any: [shall]\n"), 0o644)
	invalid := filepath.Join(dir, "invalid.yaml")
	os.WriteFile(invalid, []byte("meta:\n  pack_id: cli\n  version: 0.1.0\ndetectors:\n  - id: D1\n    type: regex\n    pattern: '('\n"), 0o644)

	out, err := run(t, "validate-rulepack", valid)
	if err != nil {
		t.Fatalf("Expected valid pack, got %v", err)
	}
	if !strings.Contains(out, "ok: cli 0.1.0 (1 detectors") {
		t.Errorf("Unexpected output %q", out)
	}

	if _, err := run(t, "validate-rulepack", invalid); err == nil {
		t.Error("Expected invalid regex to fail validation")
	}
	if _, err := run(t, "validate-rulepack", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected missing file to fail validation")
	}
}

func TestValidateShippedRulepack(t *testing.T) {
	out, err := run(t, "validate-rulepack", "../rulepacks/gdpr_art28_v1.yaml", "--lexicon", "../lexicons/weak_en.yaml")
	if err != nil {
		t.Fatalf("Shipped rulepack must validate: %v", err)
	}
	if !strings.HasPrefix(out, "ok: ") {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out) != "contractguard "+Version {
		t.Errorf("Unexpected version output %q", out)
	}
}
