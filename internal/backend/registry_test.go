package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	Backend
	cfg Config
}

func stubFactory(opts FactoryOptions) (Backend, error) {
	return &stubBackend{cfg: opts.Config}, nil
}

func TestRegistryCreateDistinguishesFailures(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register("opencode", stubFactory, WithDisplayName("OpenCode")))
	require.NoError(t, registry.Register("codex", stubFactory, WithAvailability(Availability{
		Binary: "codex",
		Reason: "codex not found on PATH",
	})))
	require.NoError(t, registry.Register("broken", func(FactoryOptions) (Backend, error) {
		return nil, errors.New("bad config")
	}))
	registry.MarkUnavailable("gemini", "module failed to load")
	registry.Seal()

	created, err := registry.Create(" OpenCode ", FactoryOptions{})
	require.NoError(t, err)
	require.NotNil(t, created)

	_, err = registry.Create("nope", FactoryOptions{})
	var unknown *UnknownAgentError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.ID)
	assert.Contains(t, err.Error(), "opencode")
	assert.False(t, errors.Is(err, ErrAgentUnavailable))

	_, err = registry.Create("codex", FactoryOptions{})
	require.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Contains(t, err.Error(), "codex not found on PATH")

	_, err = registry.Create("gemini", FactoryOptions{})
	require.ErrorIs(t, err, ErrAgentUnavailable)

	_, err = registry.Create("broken", FactoryOptions{})
	var construction *ConstructionError
	require.ErrorAs(t, err, &construction)
	assert.Equal(t, "broken", construction.ID)
	assert.EqualError(t, errors.Unwrap(err), "bad config")
}

func TestRegistryCreateClonesConfig(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register("opencode", stubFactory))

	cfg := Config{
		Env:        map[string]string{"A": "1"},
		ExtraArgs:  []string{"--x"},
		Credential: &Credential{EnvVar: "KEY", Value: "secret"},
	}
	created, err := registry.Create("opencode", FactoryOptions{Config: cfg})
	require.NoError(t, err)

	cfg.Env["A"] = "2"
	cfg.ExtraArgs[0] = "--y"
	cfg.Credential.Value = "changed"

	got := created.(*stubBackend).cfg
	assert.Equal(t, "1", got.Env["A"])
	assert.Equal(t, "--x", got.ExtraArgs[0])
	assert.Equal(t, "secret", got.Credential.Value)
}

func TestRegistryRegisterRejections(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.Error(t, registry.Register("", stubFactory))
	require.Error(t, registry.Register("x", nil))
	require.NoError(t, registry.Register("x", stubFactory))
	require.Error(t, registry.Register("X", stubFactory))

	registry.Seal()
	require.True(t, registry.Sealed())
	require.Error(t, registry.Register("y", stubFactory))

	registry.MarkUnavailable("x", "late")
	entry, ok := registry.Lookup("x")
	require.True(t, ok)
	assert.True(t, entry.Available)
}

func TestRegistryResolveFallsBack(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register("claude", stubFactory, WithAvailability(Availability{Binary: "claude", Reason: "missing"})))
	require.NoError(t, registry.Register("opencode", stubFactory))
	require.NoError(t, registry.Register("aider", stubFactory))
	registry.Seal()

	id, warnings, err := registry.Resolve("aider")
	require.NoError(t, err)
	assert.Equal(t, "aider", id)
	assert.Empty(t, warnings)

	id, warnings, err = registry.Resolve("claude")
	require.NoError(t, err)
	assert.Equal(t, "opencode", id)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "claude")

	id, _, err = registry.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "opencode", id)

	_, _, err = registry.Resolve("unknown")
	var unknown *UnknownAgentError
	require.ErrorAs(t, err, &unknown)

	assert.Equal(t, []string{"opencode", "aider"}, registry.Available())
	entries := registry.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "claude", entries[0].ID)
	assert.False(t, entries[0].Available)
}

func TestRegistryResolveWithNothingAvailable(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.MarkUnavailable("claude", "disabled")
	registry.Seal()

	_, _, err := registry.Resolve("claude")
	require.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestProbeBinaryWith(t *testing.T) {
	t.Parallel()

	found := ProbeBinaryWith("opencode", func(file string) (string, error) {
		return "/usr/local/bin/" + file, nil
	})
	assert.True(t, found.Available)
	assert.Equal(t, "/usr/local/bin/opencode", found.Path)

	missing := ProbeBinaryWith("codex", func(string) (string, error) {
		return "", errors.New("not found")
	})
	assert.False(t, missing.Available)
	assert.Equal(t, "codex not found on PATH", missing.Reason)

	empty := ProbeBinaryWith("  ", nil)
	assert.False(t, empty.Available)
	assert.Equal(t, "no binary configured", empty.Reason)
}
