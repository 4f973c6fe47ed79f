package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/approver"
	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/relay"
	"github.com/agentdeck/agentdeck/internal/session"
)

const busBufferSize = 1024

type runOptions struct {
	agent       string
	model       string
	cwd         string
	resume      string
	json        bool
	approveAll  bool
	ask         bool
	metricsAddr string
}

type resumable interface {
	ResumeToken() string
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt through an agent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return errors.New("a prompt is required")
			}
			return runSession(cmd.Context(), cfg, logger, opts, prompt, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.agent, "agent", "", "agent id (defaults to default_agent from config)")
	flags.StringVar(&opts.model, "model", "", "model passed to the agent")
	flags.StringVar(&opts.cwd, "cwd", "", "working directory for the agent (defaults to the current directory)")
	flags.StringVar(&opts.resume, "resume", "", "vendor session token to resume")
	flags.BoolVar(&opts.json, "json", false, "print session events as JSON lines")
	flags.BoolVar(&opts.approveAll, "approve-all", false, "skip permission requests for every tool")
	flags.BoolVar(&opts.ask, "ask", isatty.IsTerminal(os.Stdin.Fd()), "answer permission requests at the terminal")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runSession(
	ctx context.Context,
	cfg *config.Config,
	logger *log.Logger,
	opts runOptions,
	prompt string,
	in io.Reader,
	out io.Writer,
	errOut io.Writer,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	registry := buildRegistry(cfg, logger)
	requested := strings.TrimSpace(opts.agent)
	if requested == "" {
		requested = cfg.DefaultAgent
	}
	agentID, warnings, err := registry.Resolve(requested)
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		writeLine(errOut, "warning: %s", warning)
		logger.Warn(warning)
	}

	workDir := strings.TrimSpace(opts.cwd)
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
	}
	backendConfig := cfg.BackendConfig(agentID, workDir, opts.model)
	backendConfig.ResumeToken = strings.TrimSpace(opts.resume)

	agentLogger := logger.With("agent", agentID)
	b, err := registry.Create(agentID, backend.FactoryOptions{
		Config:      backendConfig,
		Logger:      agentLogger,
		GracePeriod: cfg.CancelGracePeriod,
	})
	if err != nil {
		return err
	}

	metricsAddr := strings.TrimSpace(opts.metricsAddr)
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}
	stopMetrics, err := serveMetrics(metricsAddr, agentLogger)
	if err != nil {
		_ = b.Dispose()
		return err
	}
	defer stopMetrics()

	bus := events.New(events.WithBufferSize(busBufferSize), events.WithLogger(agentLogger))
	view := newDisplay(out, opts.json)
	bus.SubscribeAll(view.handle)

	policy := session.PolicyFor(cfg.RequireApproval)
	if opts.approveAll {
		policy = session.AllowAll{}
	}
	channel := relay.NewLocalChannel(agentLogger)
	orchestrator, err := session.New(b, session.Options{
		Agent:             agentID,
		Model:             backendConfig.Model,
		Channel:           channel,
		Bus:               bus,
		Policy:            policy,
		PermissionTimeout: cfg.PermissionTimeout,
		CancelOnDeny:      cfg.CancelOnDeny,
		OutboxSize:        cfg.OutboxSize,
		Logger:            agentLogger,
	})
	if err != nil {
		_ = b.Dispose()
		bus.Close()
		return fmt.Errorf("create session: %w", err)
	}

	if opts.ask && !opts.approveAll && in != nil {
		gate := approver.NewGate(channel, approver.WithLogger(agentLogger))
		gate.Attach()
		defer gate.Detach()
		askCtx, stopAsking := context.WithCancel(ctx)
		defer stopAsking()
		approver.StartTerminal(askCtx, gate, in, errOut)
	}

	signalCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-signalCtx.Done():
			if err := orchestrator.Cancel(context.Background()); err != nil {
				agentLogger.Debug("cancel on interrupt", "err", err)
			}
		case <-done:
		}
	}()

	promptErr := orchestrator.Start(ctx, "")
	if promptErr == nil {
		promptErr = orchestrator.Prompt(context.WithoutCancel(ctx), prompt)
		if err := orchestrator.Wait(ctx, cfg.ResponseTimeout); err != nil {
			agentLogger.Warn("session did not settle", "err", err)
		}
	}

	summary := runSummary{
		Agent:     agentID,
		SessionID: orchestrator.SessionID(),
		Decisions: len(orchestrator.Decisions()),
	}
	if token, ok := b.(resumable); ok {
		summary.ResumeToken = token.ResumeToken()
	}
	stopErr := orchestrator.Stop(context.Background())
	bus.Close()

	status := orchestrator.Status()
	summary.State = string(status.State)
	summary.Detail = status.Detail
	summary.Stats = orchestrator.Stats()
	view.summary(summary)

	if errors.Is(promptErr, backend.ErrCancelled) {
		writeLine(errOut, "prompt cancelled")
		promptErr = nil
	}
	var result *multierror.Error
	if promptErr != nil {
		result = multierror.Append(result, fmt.Errorf("prompt: %w", promptErr))
	}
	if stopErr != nil {
		result = multierror.Append(result, fmt.Errorf("stop session: %w", stopErr))
	}
	return result.ErrorOrNil()
}

// serveMetrics exposes /metrics on addr until the returned stop is called.
// An empty addr serves nothing.
func serveMetrics(addr string, logger *log.Logger) (func(), error) {
	if strings.TrimSpace(addr) == "" {
		return func() {}, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", listener.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Debug("metrics server shutdown", "err", err)
		}
	}, nil
}
