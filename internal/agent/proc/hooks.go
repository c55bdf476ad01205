package proc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadHooksFile reads a deployment hook file: a YAML map from lifecycle
// event name to the commands run when it fires, e.g.
//
//	pre_tool_use:
//	  - ./scripts/guard.sh
//	post_run:
//	  - ./scripts/notify.sh done
//
// An empty path means no hooks file is configured and returns nil.
func LoadHooksFile(path string) (HookSet, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hooks file %s: %w", path, err)
	}
	var hooks HookSet
	if err := yaml.Unmarshal(raw, &hooks); err != nil {
		return nil, fmt.Errorf("parse hooks file %s: %w", path, err)
	}
	return hooks, nil
}
