package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sibyldev/sibyl/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(newTestLogger(t))
}

func TestLoadDefaults(t *testing.T) {
	r := newTestRegistry(t)
	r.LoadDefaults()

	for _, id := range []string{"developer", "reviewer", "architect", "tester"} {
		if !r.Exists(id) {
			t.Errorf("expected built-in type %q", id)
		}
	}

	dev, err := r.Get("developer")
	if err != nil {
		t.Fatalf("get developer: %v", err)
	}
	if dev.Role == "" {
		t.Error("developer role must not be empty")
	}
	if len(dev.Command) == 0 {
		t.Error("developer command must not be empty")
	}
	if len(dev.Tags) == 0 {
		t.Error("developer needs fallback tags")
	}
}

func TestGetDefaultPrefersDeveloper(t *testing.T) {
	r := Provide(newTestLogger(t))

	def, err := r.GetDefault()
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def.ID != DefaultTypeID {
		t.Errorf("default type = %q, want %q", def.ID, DefaultTypeID)
	}
}

func TestGetDefaultFallsBackToFirstEnabled(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(&TypeConfig{
		ID: "zeta", Name: "Zeta", Role: "z", Command: []string{"sibyl-agent"}, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&TypeConfig{
		ID: "alpha", Name: "Alpha", Role: "a", Command: []string{"sibyl-agent"}, Enabled: false,
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&TypeConfig{
		ID: "beta", Name: "Beta", Role: "b", Command: []string{"sibyl-agent"}, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	def, err := r.GetDefault()
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def.ID != "beta" {
		t.Errorf("default type = %q, want first enabled in id order (beta)", def.ID)
	}
}

func TestRegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	r := newTestRegistry(t)
	cfg := &TypeConfig{ID: "custom", Name: "Custom", Role: "r", Command: []string{"run"}, Enabled: true}

	if err := r.Register(cfg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(cfg); err == nil {
		t.Error("duplicate register should fail")
	}
	if err := r.Register(&TypeConfig{ID: "norole", Name: "No Role", Command: []string{"run"}}); err == nil {
		t.Error("missing role should fail validation")
	}
	if err := r.Register(&TypeConfig{ID: "nocmd", Name: "No Cmd", Role: "r"}); err == nil {
		t.Error("missing command should fail validation")
	}
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(&TypeConfig{ID: "tmp", Name: "Tmp", Role: "r", Command: []string{"run"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister("tmp"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if r.Exists("tmp") {
		t.Error("type should be gone after unregister")
	}
	if err := r.Unregister("tmp"); err == nil {
		t.Error("unregistering a missing type should fail")
	}
}

func TestLoadFromFileMergesAndSkipsInvalid(t *testing.T) {
	r := newTestRegistry(t)
	r.LoadDefaults()

	file := agentsConfig{
		Version: "1",
		Agents: []*TypeConfig{
			{ID: "developer", Name: "Custom Developer", Role: "override", Command: []string{"my-agent"}, Enabled: true},
			{ID: "broken", Name: "Broken"},
			{ID: "docs", Name: "Docs Writer", Role: "write docs", Command: []string{"sibyl-agent"}, Enabled: true},
		},
	}
	data, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "agents.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.LoadFromFile(path); err != nil {
		t.Fatalf("load from file: %v", err)
	}

	dev, err := r.Get("developer")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name != "Custom Developer" {
		t.Errorf("file entry should override the built-in, got %q", dev.Name)
	}
	if r.Exists("broken") {
		t.Error("invalid entries must be skipped")
	}
	if !r.Exists("docs") {
		t.Error("new valid entries must be added")
	}
}

func TestListOrdering(t *testing.T) {
	r := Provide(newTestLogger(t))

	all := r.List()
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("List must be id-ordered, got %q before %q", all[i-1].ID, all[i].ID)
		}
	}

	enabled := r.ListEnabled()
	if len(enabled) == 0 {
		t.Fatal("built-ins should include enabled types")
	}
	for _, cfg := range enabled {
		if !cfg.Enabled {
			t.Errorf("ListEnabled returned disabled type %q", cfg.ID)
		}
	}
}
