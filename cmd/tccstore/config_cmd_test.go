package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/tccstore"
)

func TestConfigGenStdout(t *testing.T) {
	out, _, err := executeRootCommand(t, "", "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if parsed["store"] != tccstore.DefaultStore {
		t.Fatalf("unexpected store %v", parsed["store"])
	}
	if parsed["sweep-threshold"] != "2m0s" {
		t.Fatalf("expected duration rendered as string, got %v", parsed["sweep-threshold"])
	}
	if parsed["log-level"] != "info" {
		t.Fatalf("expected log-level, got %v", parsed["log-level"])
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store: mem://\n"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "", "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "key-prefix: 'TCC:'") && !strings.Contains(string(data), `key-prefix: "TCC:"`) && !strings.Contains(string(data), "key-prefix: TCC:") {
		t.Fatalf("generated config missing key prefix:\n%s", data)
	}
}
