// Package registry manages the catalog of agent types: the role an agent
// plays, the subprocess command that runs it, and the fallback tags used
// when tag derivation is unavailable.
package registry

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sibyldev/sibyl/internal/common/logger"
)

//go:embed agents.json
var agentsFS embed.FS

// DefaultTypeID is tried first when no explicit type is requested.
const DefaultTypeID = "developer"

// agentsConfig is the structure of the agents.json file.
type agentsConfig struct {
	Version string        `json:"version"`
	Agents  []*TypeConfig `json:"agents"`
}

// TypeConfig describes one agent type.
type TypeConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Role is the type-specific layer of the system prompt, injected
	// between the runtime preamble and the task context.
	Role string `json:"role"`

	// Command launches the agent subprocess. The runner appends model and
	// resume flags; deployments override this per environment.
	Command []string `json:"command"`

	// Model overrides the runtime default model for this type.
	Model string `json:"model,omitempty"`

	// Tags seed the agent record when tag derivation is disabled or fails.
	Tags []string `json:"tags,omitempty"`

	Enabled bool `json:"enabled"`
}

// Registry holds agent type configurations keyed by id.
type Registry struct {
	types  map[string]*TypeConfig
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		types:  make(map[string]*TypeConfig),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
}

// Provide creates a registry preloaded with the built-in types.
func Provide(log *logger.Logger) *Registry {
	r := NewRegistry(log)
	r.LoadDefaults()
	return r
}

// LoadDefaults loads the embedded agent types. Existing entries with the
// same id are replaced.
func (r *Registry) LoadDefaults() {
	defaults, err := loadEmbeddedTypes()
	if err != nil {
		r.logger.Error("embedded agent types unreadable", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range defaults {
		r.types[cfg.ID] = cfg
		r.logger.Debug("loaded agent type", zap.String("id", cfg.ID))
	}
}

// LoadFromFile merges agent types from a JSON file over the current set.
// Invalid entries are skipped with a warning so one bad type does not take
// down the catalog.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent types file: %w", err)
	}

	var cfg agentsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse agent types file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tc := range cfg.Agents {
		if err := ValidateConfig(tc); err != nil {
			r.logger.Warn("skipping invalid agent type",
				zap.String("id", tc.ID), zap.Error(err))
			continue
		}
		r.types[tc.ID] = tc
		r.logger.Info("loaded agent type", zap.String("id", tc.ID), zap.String("path", path))
	}
	return nil
}

// Register adds a new agent type. Ids are unique.
func (r *Registry) Register(cfg *TypeConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[cfg.ID]; exists {
		return fmt.Errorf("agent type %q already registered", cfg.ID)
	}
	r.types[cfg.ID] = cfg
	r.logger.Info("registered agent type", zap.String("id", cfg.ID))
	return nil
}

// Unregister removes an agent type.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[id]; !exists {
		return fmt.Errorf("agent type %q not found", id)
	}
	delete(r.types, id)
	return nil
}

// Get returns an agent type by id.
func (r *Registry) Get(id string) (*TypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, exists := r.types[id]
	if !exists {
		return nil, fmt.Errorf("agent type %q not found", id)
	}
	return cfg, nil
}

// GetDefault returns the developer type when present and enabled,
// otherwise the first enabled type in id order.
func (r *Registry) GetDefault() (*TypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, exists := r.types[DefaultTypeID]; exists && cfg.Enabled {
		return cfg, nil
	}

	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if cfg := r.types[id]; cfg.Enabled {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("no enabled agent type available")
}

// List returns all registered types in id order.
func (r *Registry) List() []*TypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*TypeConfig, 0, len(r.types))
	for _, cfg := range r.types {
		result = append(result, cfg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ListEnabled returns only enabled types, in id order.
func (r *Registry) ListEnabled() []*TypeConfig {
	all := r.List()
	result := all[:0:0]
	for _, cfg := range all {
		if cfg.Enabled {
			result = append(result, cfg)
		}
	}
	return result
}

// Exists reports whether an agent type is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.types[id]
	return exists
}

// ValidateConfig checks the fields every agent type needs.
func ValidateConfig(cfg *TypeConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("agent type id is required")
	}
	if cfg.Name == "" {
		return fmt.Errorf("agent type name is required")
	}
	if cfg.Role == "" {
		return fmt.Errorf("agent type role is required")
	}
	if len(cfg.Command) == 0 {
		return fmt.Errorf("agent type command is required")
	}
	return nil
}

func loadEmbeddedTypes() ([]*TypeConfig, error) {
	data, err := agentsFS.ReadFile("agents.json")
	if err != nil {
		return nil, fmt.Errorf("read embedded agent types: %w", err)
	}
	var cfg agentsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded agent types: %w", err)
	}
	return cfg.Agents, nil
}
