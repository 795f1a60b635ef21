package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig points storage at a fresh sqlite file under a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "goaltrack.yaml")
	body := "log:\n  level: error\nstorage:\n  data_dir: " + filepath.Join(dir, "data") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

const v1Export = `[{"id":"g1","type":"achievement","title":"Read more","category":"智力","startDate":"2024-01-05","deadline":"2024-06-30","steps":["pick a book"]}]`

func TestBackend(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "--config", cfg, "backend")
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if strings.TrimSpace(out) != "sqlite" {
		t.Errorf("backend = %q, want sqlite", out)
	}
}

func TestImportExportClear(t *testing.T) {
	cfg := writeConfig(t)
	in := filepath.Join(t.TempDir(), "old.json")
	if err := os.WriteFile(in, []byte(v1Export), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := run(t, "--config", cfg, "import", in)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "imported 1 goals") {
		t.Errorf("import output = %q", out)
	}

	out, err = run(t, "--config", cfg, "export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, `"version": 3`) || !strings.Contains(out, `"Read more"`) {
		t.Errorf("export = %s", out)
	}

	// Another user's scope is empty.
	out, err = run(t, "--config", cfg, "--user", "alice", "export")
	if err != nil {
		t.Fatalf("export alice: %v", err)
	}
	if strings.Contains(out, "Read more") {
		t.Error("alice sees local goals")
	}

	if _, err := run(t, "--config", cfg, "clear"); err == nil {
		t.Error("clear without --yes should fail")
	}
	if _, err := run(t, "--config", cfg, "clear", "--yes"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, _ = run(t, "--config", cfg, "export")
	if strings.Contains(out, "Read more") {
		t.Error("goals survived clear")
	}
}

func TestImportMalformed(t *testing.T) {
	cfg := writeConfig(t)
	in := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(in, []byte(`{"version":99,"goals":[]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := run(t, "--config", cfg, "import", in); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestBackupDisabled(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "--config", cfg, "backup", "list"); err == nil {
		t.Error("expected error without backup configuration")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a.example.com, ,b.example.com,")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Errorf("splitList = %q", got)
	}
}
