package payload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadCompactsJSON(t *testing.T) {
	got, err := Read(strings.NewReader(" { \"amount\" : [ 1 , 2 ] } \n"), 0, true)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"amount":[1,2]}` {
		t.Fatalf("unexpected compaction %q", got)
	}
}

func TestReadRejectsInvalidJSON(t *testing.T) {
	if _, err := Read(strings.NewReader(`{"a":}`), 0, true); err == nil {
		t.Fatal("expected invalid json error")
	}
}

func TestReadRawLimit(t *testing.T) {
	if _, err := Read(strings.NewReader("abcdef"), 4, false); err == nil {
		t.Fatal("expected size error")
	}
	got, err := Read(strings.NewReader("  raw  "), 16, false)
	if err != nil || string(got) != "  raw  " {
		t.Fatalf("raw read: %q %v", got, err)
	}
}

func TestLoadSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.json")
	if err := os.WriteFile(path, []byte("{ \"k\": true }"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load("", path, nil, 0, true)
	if err != nil || string(got) != `{"k":true}` {
		t.Fatalf("file: %q %v", got, err)
	}
	got, err = Load("", "-", strings.NewReader("stdin"), 0, false)
	if err != nil || string(got) != "stdin" {
		t.Fatalf("stdin: %q %v", got, err)
	}
	got, err = Load("inline", path, nil, 0, false)
	if err != nil || string(got) != "inline" {
		t.Fatalf("inline: %q %v", got, err)
	}
	got, err = Load("", "", nil, 0, false)
	if err != nil || got != nil {
		t.Fatalf("empty: %q %v", got, err)
	}
}
