package proc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadHooksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	content := "pre_tool_use:\n  - ./scripts/guard.sh\npost_run:\n  - ./scripts/notify.sh done\n  - ./scripts/cleanup.sh\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write hooks file: %v", err)
	}

	hooks, err := LoadHooksFile(path)
	if err != nil {
		t.Fatalf("LoadHooksFile() error = %v", err)
	}
	if got := len(hooks["pre_tool_use"]); got != 1 {
		t.Errorf("pre_tool_use commands = %d, want 1", got)
	}
	if got := hooks["post_run"]; len(got) != 2 || got[1] != "./scripts/cleanup.sh" {
		t.Errorf("post_run = %v", got)
	}
}

func TestLoadHooksFileEmptyPath(t *testing.T) {
	hooks, err := LoadHooksFile("")
	if err != nil {
		t.Fatalf("LoadHooksFile(\"\") error = %v", err)
	}
	if hooks != nil {
		t.Errorf("hooks = %v, want nil", hooks)
	}
}

func TestLoadHooksFileMissing(t *testing.T) {
	_, err := LoadHooksFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadHooksFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	if err := os.WriteFile(path, []byte("pre_tool_use: {not: [a, list"), 0o644); err != nil {
		t.Fatalf("write hooks file: %v", err)
	}
	if _, err := LoadHooksFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}
