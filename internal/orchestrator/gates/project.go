package gates

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
)

// ProjectType is the detected project flavor of a worktree.
type ProjectType string

const (
	ProjectPython     ProjectType = "python"
	ProjectTypeScript ProjectType = "typescript"
	ProjectRust       ProjectType = "rust"
	ProjectGo         ProjectType = "go"
	ProjectUnknown    ProjectType = "unknown"
)

// DetectProject identifies the project by manifest presence. The order is
// fixed; a repo carrying both pyproject.toml and package.json counts as
// Python.
func DetectProject(dir string) ProjectType {
	checks := []struct {
		typ       ProjectType
		manifests []string
	}{
		{ProjectPython, []string{"pyproject.toml", "setup.py", "requirements.txt"}},
		{ProjectTypeScript, []string{"package.json", "tsconfig.json"}},
		{ProjectRust, []string{"Cargo.toml"}},
		{ProjectGo, []string{"go.mod"}},
	}
	for _, c := range checks {
		for _, m := range c.manifests {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return c.typ
			}
		}
	}
	return ProjectUnknown
}

// Resolve picks the command for a gate on a project. TypeScript projects
// prefer their package.json scripts; everywhere else the first locally
// installed candidate wins. Nil means no tool is available.
func Resolve(gate string, project ProjectType, dir string) []string {
	switch project {
	case ProjectPython:
		return resolvePython(gate)
	case ProjectTypeScript:
		return resolveTypeScript(gate, dir)
	case ProjectRust:
		return resolveRust(gate)
	case ProjectGo:
		return resolveGo(gate)
	}
	return nil
}

func resolvePython(gate string) []string {
	switch gate {
	case Lint:
		return firstInstalled(
			[]string{"ruff", "check", "."},
			[]string{"flake8", "."},
		)
	case Typecheck:
		return firstInstalled(
			[]string{"mypy", "."},
			[]string{"pyright"},
		)
	case Test:
		return firstInstalled(
			[]string{"pytest"},
			[]string{"python", "-m", "pytest"},
		)
	case Security:
		return firstInstalled([]string{"bandit", "-r", ".", "-q"})
	}
	return nil
}

func resolveTypeScript(gate, dir string) []string {
	scripts := packageScripts(filepath.Join(dir, "package.json"))
	switch gate {
	case Lint:
		if _, ok := scripts["lint"]; ok {
			return []string{"npm", "run", "lint", "--silent"}
		}
		return firstInstalled([]string{"npx", "--no-install", "eslint", "."})
	case Typecheck:
		for _, name := range []string{"typecheck", "type-check"} {
			if _, ok := scripts[name]; ok {
				return []string{"npm", "run", name, "--silent"}
			}
		}
		return firstInstalled([]string{"npx", "--no-install", "tsc", "--noEmit"})
	case Test:
		if _, ok := scripts["test"]; ok {
			return []string{"npm", "test", "--silent"}
		}
		return firstInstalled([]string{"npx", "--no-install", "jest", "--ci"})
	case Security:
		return firstInstalled([]string{"npm", "audit", "--audit-level=high"})
	}
	return nil
}

func resolveRust(gate string) []string {
	switch gate {
	case Lint:
		return firstInstalled([]string{"cargo", "clippy", "--no-deps"})
	case Typecheck:
		return firstInstalled([]string{"cargo", "check"})
	case Test:
		return firstInstalled([]string{"cargo", "test"})
	case Security:
		return firstInstalled([]string{"cargo", "audit"})
	}
	return nil
}

func resolveGo(gate string) []string {
	switch gate {
	case Lint:
		return firstInstalled(
			[]string{"golangci-lint", "run"},
			[]string{"go", "vet", "./..."},
		)
	case Typecheck:
		return firstInstalled([]string{"go", "build", "./..."})
	case Test:
		return firstInstalled([]string{"go", "test", "./..."})
	case Security:
		return firstInstalled([]string{"govulncheck", "./..."})
	}
	return nil
}

// firstInstalled returns the first candidate whose binary is in PATH.
func firstInstalled(candidates ...[]string) []string {
	for _, argv := range candidates {
		if len(argv) == 0 {
			continue
		}
		if _, err := exec.LookPath(argv[0]); err == nil {
			return argv
		}
	}
	return nil
}

// packageScripts reads the scripts table of a package.json. Missing or
// malformed files yield nil.
func packageScripts(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}
	return manifest.Scripts
}
