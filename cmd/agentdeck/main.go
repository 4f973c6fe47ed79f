package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/agents"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/telemetry"
	"github.com/agentdeck/agentdeck/internal/tracing"
)

// Version is set at build time.
var Version = "dev"

// agentLookPath probes vendor binaries; nil uses exec.LookPath.
var agentLookPath backend.LookPathFunc

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdown, err := telemetry.Init(ctx, telemetry.Options{Endpoint: cfg.OTelEndpoint})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdown()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "agentdeck",
		Short:         "Drive AI coding-agent CLIs as interchangeable session backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newAgentsCommand(cfg, logger),
		newRunCommand(cfg, logger),
		newBugreportCommand(cfg, logger),
		newVersionCommand(),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation", "args", tracing.RedactArgs(args))
		return nil
	}
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentdeck version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

func newAgentsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List known agent backends and whether they can run here",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := buildRegistry(cfg, logger)
			return renderAgents(cmd.OutOrStdout(), registry.Entries(), cfg.DefaultAgent)
		},
	}
}

// buildRegistry registers every adapter with the config's per-agent
// settings. Registration failures are logged and never fatal.
func buildRegistry(cfg *config.Config, logger *log.Logger) *backend.Registry {
	settings := make(map[string]agents.AgentOptions, len(cfg.Agents))
	for _, id := range agents.IDs() {
		agent := cfg.Agent(id)
		settings[id] = agents.AgentOptions{
			Disabled: !agent.Enabled,
			Binary:   agent.Binary,
		}
	}

	registry := backend.NewRegistry()
	err := agents.RegisterAll(registry, agents.Options{
		Agents:   settings,
		LookPath: agentLookPath,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("some agents failed to register", "err", err)
	}
	if disabled := cfg.DisabledAgents(); len(disabled) > 0 {
		logger.Debug("agents disabled in config", "agents", disabled)
	}
	return registry
}

func writeLine(out io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(out, format+"\n", args...)
}
