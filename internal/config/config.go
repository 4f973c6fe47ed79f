// Package config loads agentdeck settings from TOML files.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/agentdeck/agentdeck/internal/backend"
)

const (
	defaultAgent             = "opencode"
	defaultLogLevel          = "info"
	defaultResponseTimeout   = backend.DefaultResponseTimeout
	defaultCancelGracePeriod = backend.DefaultGracePeriod
	defaultPermissionTimeout = 60 * time.Second
	defaultOutboxSize        = 500
)

const (
	// DefaultConfigDir is the directory holding config.toml, both under the
	// home directory and in a project.
	DefaultConfigDir = ".agentdeck"
	// DefaultConfigFile is the config file name inside DefaultConfigDir.
	DefaultConfigFile = "config.toml"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	DefaultAgent      string
	LogLevel          string
	ResponseTimeout   time.Duration
	CancelGracePeriod time.Duration
	PermissionTimeout time.Duration
	MetricsAddr       string
	OTelEndpoint      string
	RequireApproval   []string
	CancelOnDeny      bool
	OutboxSize        int
	Agents            map[string]AgentConfig
}

// AgentConfig stores per-agent overrides from an [agents.<id>] table.
type AgentConfig struct {
	Enabled       bool
	Binary        string
	Model         string
	Args          []string
	Env           map[string]string
	CredentialEnv string
	Credential    string
}

type fileConfig struct {
	DefaultAgent      *string            `toml:"default_agent"`
	LogLevel          *string            `toml:"log_level"`
	ResponseTimeout   *string            `toml:"response_timeout"`
	CancelGracePeriod *string            `toml:"cancel_grace_period"`
	PermissionTimeout *string            `toml:"permission_timeout"`
	MetricsAddr       *string            `toml:"metrics_addr"`
	OTel              *otelConfig        `toml:"otel"`
	Permissions       *permissionsConfig `toml:"permissions"`
	Relay             *relayConfig       `toml:"relay"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

type permissionsConfig struct {
	RequireApproval *[]string `toml:"require_approval"`
	CancelOnDeny    *bool     `toml:"cancel_on_deny"`
}

type relayConfig struct {
	OutboxSize *int `toml:"outbox_size"`
}

// Load reads config from ~/.agentdeck/config.toml and overlays a project-local .agentdeck/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return LoadFiles(
		filepath.Join(homeDir, DefaultConfigDir, DefaultConfigFile),
		filepath.Join(workingDir, DefaultConfigDir, DefaultConfigFile),
	)
}

// LoadFiles applies each existing file over the defaults, later files winning.
// Missing files are skipped.
func LoadFiles(paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func defaults() Config {
	return Config{
		DefaultAgent:      defaultAgent,
		LogLevel:          defaultLogLevel,
		ResponseTimeout:   defaultResponseTimeout,
		CancelGracePeriod: defaultCancelGracePeriod,
		PermissionTimeout: defaultPermissionTimeout,
		OutboxSize:        defaultOutboxSize,
		Agents:            map[string]AgentConfig{},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode config agents in %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applySectionOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := overlayAgentConfigs(cfg, raw, path); err != nil {
		return err
	}

	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

// Agent returns the settings for id. Agents without a table are enabled
// with no overrides.
func (c *Config) Agent(id string) AgentConfig {
	if c != nil {
		if agent, ok := c.Agents[normalizeKey(id)]; ok {
			return agent
		}
	}
	return AgentConfig{Enabled: true}
}

// BackendConfig builds the backend configuration for agentID rooted at workDir.
// A non-empty model argument overrides the configured model.
func (c *Config) BackendConfig(agentID, workDir, model string) backend.Config {
	agent := c.Agent(agentID)
	cfg := backend.Config{
		WorkDir:   workDir,
		Model:     strings.TrimSpace(agent.Model),
		Binary:    agent.Binary,
		ExtraArgs: append([]string(nil), agent.Args...),
	}
	if override := strings.TrimSpace(model); override != "" {
		cfg.Model = override
	}
	if len(agent.Env) > 0 {
		cfg.Env = make(map[string]string, len(agent.Env))
		for key, value := range agent.Env {
			cfg.Env[key] = value
		}
	}
	if agent.Credential != "" {
		cfg.Credential = &backend.Credential{EnvVar: agent.CredentialEnv, Value: agent.Credential}
	}
	return cfg
}

// DisabledAgents lists agent ids switched off with enabled = false, sorted.
func (c *Config) DisabledAgents() []string {
	if c == nil {
		return nil
	}
	out := []string{}
	for id, agent := range c.Agents {
		if !agent.Enabled {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func overlayAgentConfigs(cfg *Config, raw map[string]any, path string) error {
	agentsRaw, ok := raw["agents"]
	if !ok {
		return nil
	}

	agentsMap, ok := agentsRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("parse agents in %q: expected table", path)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}

	for agentName, agentValue := range agentsMap {
		if err := overlaySingleAgentConfig(cfg, agentName, agentValue, path); err != nil {
			return err
		}
	}
	return nil
}

func overlaySingleAgentConfig(cfg *Config, agentName string, agentValue any, path string) error {
	agentMap, ok := agentValue.(map[string]any)
	if !ok {
		return fmt.Errorf("parse agents.%s in %q: expected table", agentName, path)
	}
	normalized := normalizeKey(agentName)
	agent, exists := cfg.Agents[normalized]
	if !exists {
		agent = AgentConfig{Enabled: true}
	}

	for key, value := range agentMap {
		if err := applyAgentEntry(&agent, agentName, key, value, path); err != nil {
			return err
		}
	}
	cfg.Agents[normalized] = agent
	return nil
}

func applyAgentEntry(agent *AgentConfig, agentName, key string, value any, path string) error {
	field := fmt.Sprintf("agents.%s.%s", agentName, key)
	switch normalizeKey(key) {
	case "enabled":
		enabled, ok := value.(bool)
		if !ok {
			return fmt.Errorf("parse %s in %q: must be bool", field, path)
		}
		agent.Enabled = enabled
	case "binary":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		agent.Binary = strings.TrimSpace(text)
	case "model":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		agent.Model = strings.TrimSpace(text)
	case "args":
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("parse %s in %q: must be array of strings", field, path)
		}
		args := make([]string, 0, len(items))
		for _, item := range items {
			text, err := stringValue(item, field, path)
			if err != nil {
				return err
			}
			args = append(args, text)
		}
		agent.Args = args
	case "env":
		table, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("parse %s in %q: expected table", field, path)
		}
		env := make(map[string]string, len(table))
		for name, item := range table {
			text, err := stringValue(item, field+"."+name, path)
			if err != nil {
				return err
			}
			env[name] = text
		}
		agent.Env = env
	case "credential_env":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		agent.CredentialEnv = strings.TrimSpace(text)
	case "credential":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		agent.Credential = text
	default:
		return fmt.Errorf("parse %s in %q: unsupported key", field, path)
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.DefaultAgent != nil {
		cfg.DefaultAgent = normalizeKey(*decoded.DefaultAgent)
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*decoded.MetricsAddr)
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ResponseTimeout != nil {
		value, err := parseDuration(*decoded.ResponseTimeout, "response_timeout", path)
		if err != nil {
			return err
		}
		cfg.ResponseTimeout = value
	}
	if decoded.CancelGracePeriod != nil {
		value, err := parseDuration(*decoded.CancelGracePeriod, "cancel_grace_period", path)
		if err != nil {
			return err
		}
		cfg.CancelGracePeriod = value
	}
	if decoded.PermissionTimeout != nil {
		value, err := parseDuration(*decoded.PermissionTimeout, "permission_timeout", path)
		if err != nil {
			return err
		}
		cfg.PermissionTimeout = value
	}
	return nil
}

func applySectionOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Permissions != nil {
		if decoded.Permissions.RequireApproval != nil {
			tools := make([]string, 0, len(*decoded.Permissions.RequireApproval))
			for _, tool := range *decoded.Permissions.RequireApproval {
				if normalized := normalizeKey(tool); normalized != "" {
					tools = append(tools, normalized)
				}
			}
			cfg.RequireApproval = tools
		}
		if decoded.Permissions.CancelOnDeny != nil {
			cfg.CancelOnDeny = *decoded.Permissions.CancelOnDeny
		}
	}
	if decoded.Relay != nil && decoded.Relay.OutboxSize != nil {
		if *decoded.Relay.OutboxSize <= 0 {
			return fmt.Errorf("parse relay.outbox_size in %q: must be > 0", path)
		}
		cfg.OutboxSize = *decoded.Relay.OutboxSize
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func stringValue(value any, key string, path string) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("parse %s in %q: must be string", key, path)
	}
	return text, nil
}
