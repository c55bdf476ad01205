package kv

import (
	"fmt"
	"strings"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
)

// Provide builds the configured K/V store implementation.
// An empty redis.addr selects the in-memory store.
func Provide(cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		store, err := NewRedisStore(cfg.Redis, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis K/V store: %w", err)
		}
		return store, store.Close, nil
	}

	log.Info("Using in-memory K/V store (set redis.addr for durable approvals)")
	mem := NewMemoryStore()
	return mem, mem.Close, nil
}
