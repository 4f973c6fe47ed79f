package cliproc

import (
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
)

// RegisterOptions carries host-specific registration inputs.
type RegisterOptions struct {
	// Binary overrides the vendor's default executable.
	Binary string
	// LookPath probes the binary; nil uses exec.LookPath.
	LookPath backend.LookPathFunc
	// Extra are passed to every backend the factory builds.
	Extra []Option
}

// Register probes vendor's binary and adds it to registry. Permissive
// vendors get a backend implementing backend.PermissionResponder.
func Register(registry *backend.Registry, vendor Vendor, displayName string, permissive bool, opts RegisterOptions) error {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = vendor.DefaultBinary()
	}
	availability := backend.ProbeBinaryWith(binary, opts.LookPath)
	extra := append([]Option(nil), opts.Extra...)

	factory := func(fo backend.FactoryOptions) (backend.Backend, error) {
		cfg := fo.Config
		if strings.TrimSpace(cfg.Binary) == "" {
			cfg.Binary = binary
		}
		options := append([]Option{WithLogger(fo.Logger), WithGracePeriod(fo.GracePeriod)}, extra...)
		if permissive {
			return NewPermissive(vendor, cfg, options...)
		}
		return New(vendor, cfg, options...)
	}

	registerOptions := []backend.RegisterOption{
		backend.WithDisplayName(displayName),
		backend.WithAvailability(availability),
	}
	if permissive {
		registerOptions = append(registerOptions, backend.WithPermissionSupport())
	}
	return registry.Register(vendor.Name(), factory, registerOptions...)
}
