package opencode

import (
	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
)

// Register adds OpenCode to registry.
func Register(registry *backend.Registry, opts cliproc.RegisterOptions) error {
	return cliproc.Register(registry, Vendor{}, DisplayName, true, opts)
}

// New builds an OpenCode backend directly, bypassing the registry.
func New(cfg backend.Config, options ...cliproc.Option) (*cliproc.PermissiveBackend, error) {
	return cliproc.NewPermissive(Vendor{}, cfg, options...)
}
