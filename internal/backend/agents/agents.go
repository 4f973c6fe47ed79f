// Package agents holds the static table of known agent adapters.
package agents

import (
	"fmt"
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/aider"
	"github.com/agentdeck/agentdeck/internal/backend/claude"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
	"github.com/agentdeck/agentdeck/internal/backend/codex"
	"github.com/agentdeck/agentdeck/internal/backend/gemini"
	"github.com/agentdeck/agentdeck/internal/backend/opencode"
	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
)

// Module is one entry of the registration table.
type Module struct {
	ID       string
	Register func(*backend.Registry, cliproc.RegisterOptions) error
}

var modules = []Module{
	{ID: claude.AgentID, Register: claude.Register},
	{ID: codex.AgentID, Register: codex.Register},
	{ID: gemini.AgentID, Register: gemini.Register},
	{ID: opencode.AgentID, Register: opencode.Register},
	{ID: aider.AgentID, Register: aider.Register},
}

// IDs returns the known agent ids in registration order.
func IDs() []string {
	ids := make([]string, 0, len(modules))
	for _, module := range modules {
		ids = append(ids, module.ID)
	}
	return ids
}

// AgentOptions are per-agent registration settings.
type AgentOptions struct {
	Disabled bool
	Binary   string
}

// Options configures RegisterAll.
type Options struct {
	Agents   map[string]AgentOptions
	LookPath backend.LookPathFunc
	Logger   *log.Logger
	Extra    []cliproc.Option
}

// RegisterAll registers every known adapter and seals registry.
//
// A module that is disabled or fails to register is recorded as unavailable
// and skipped; the others still register. The returned error aggregates the
// failures and is informational: the registry is usable either way.
func RegisterAll(registry *backend.Registry, opts Options) error {
	return registerModules(registry, opts, modules)
}

func registerModules(registry *backend.Registry, opts Options, table []Module) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	var result *multierror.Error
	for _, module := range table {
		settings := opts.Agents[strings.ToLower(module.ID)]
		if settings.Disabled {
			registry.MarkUnavailable(module.ID, "disabled in config")
			logger.Debug("agent disabled", "agent", module.ID)
			continue
		}

		err := module.Register(registry, cliproc.RegisterOptions{
			Binary:   settings.Binary,
			LookPath: opts.LookPath,
			Extra:    opts.Extra,
		})
		if err != nil {
			registry.MarkUnavailable(module.ID, err.Error())
			logger.Warn("agent module failed to register", "agent", module.ID, "err", err)
			result = multierror.Append(result, fmt.Errorf("register %s: %w", module.ID, err))
			continue
		}

		if entry, ok := registry.Lookup(module.ID); ok && !entry.Available {
			logger.Info("agent not available", "agent", module.ID, "reason", entry.Reason)
		}
	}

	registry.Seal()
	return result.ErrorOrNil()
}
