package aider

import (
	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
)

// Register adds Aider to registry. Aider has no permission surface, so its
// backends do not implement backend.PermissionResponder.
func Register(registry *backend.Registry, opts cliproc.RegisterOptions) error {
	return cliproc.Register(registry, Vendor{}, DisplayName, false, opts)
}
