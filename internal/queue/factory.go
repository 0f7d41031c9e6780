package queue

import (
	"context"
	"fmt"

	"github.com/relaysms/triage-gateway/internal/platform/config"
)

// RepositoryBuilder constructs a MessageRepository for one backend.
// Implementations live in the backend subpackages; the factory dispatches
// on config.StoreBackend so the wiring stays in one place.
type RepositoryBuilder func(ctx context.Context, cfg *config.Config) (MessageRepository, error)

var builders = map[string]RepositoryBuilder{}

// RegisterBackend makes a backend available to New. Called from the
// backend packages' init via the cmd wiring.
func RegisterBackend(name string, builder RepositoryBuilder) {
	builders[name] = builder
}

// New builds the repository selected by cfg.StoreBackend.
func New(ctx context.Context, cfg *config.Config) (MessageRepository, error) {
	builder, ok := builders[cfg.StoreBackend]
	if !ok {
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return builder(ctx, cfg)
}
