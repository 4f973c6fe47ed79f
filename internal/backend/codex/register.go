package codex

import (
	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
)

// Register adds Codex to registry.
func Register(registry *backend.Registry, opts cliproc.RegisterOptions) error {
	return cliproc.Register(registry, Vendor{}, DisplayName, true, opts)
}
