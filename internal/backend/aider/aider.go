// Package aider adapts Aider's one-shot mode (`aider --message`). Aider
// prints plain text, so every stdout line is model output; the per-message
// token report and "Applied edit" notices are recognized on the way.
package aider

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/backend/cliproc"
)

const (
	AgentID       = "aider"
	DisplayName   = "Aider"
	DefaultBinary = "aider"
	CredentialEnv = "OPENAI_API_KEY"
)

var (
	// Tokens: 2.5k sent, 310 received. Cost: $0.01 message, $0.04 session.
	tokensPattern      = regexp.MustCompile(`^Tokens:\s+([\d.,]+)([kKmM]?)\s+sent,\s+([\d.,]+)([kKmM]?)\s+received\.(?:\s+Cost:\s+\$([\d.]+)\s+message)?`)
	appliedEditPattern = regexp.MustCompile(`^Applied edit to (.+)$`)
	stderrErrorPattern = regexp.MustCompile(`(?i)^error\b|litellm\.\w*error|authenticationerror|api key`)
)

// Vendor implements cliproc.Vendor for Aider.
type Vendor struct{}

var _ cliproc.Vendor = Vendor{}

func (Vendor) Name() string          { return AgentID }
func (Vendor) DefaultBinary() string { return DefaultBinary }
func (Vendor) CredentialEnv() string { return CredentialEnv }

// BuildArgs returns: --message <prompt> --yes-always --no-pretty --no-stream [--model M] [extra...]
// Aider keeps chat history per working directory, so there is no resume flag.
func (Vendor) BuildArgs(inv cliproc.Invocation) []string {
	args := []string{"--message", inv.Prompt, "--yes-always", "--no-pretty", "--no-stream"}
	if model := strings.TrimSpace(inv.Model); model != "" {
		args = append(args, "--model", model)
	}
	return append(args, inv.ExtraArgs...)
}

func (Vendor) StderrError(line string) bool {
	return stderrErrorPattern.MatchString(strings.TrimSpace(line))
}

// DecodeLine implements cliproc.Vendor.
func (Vendor) DecodeLine(line string) (cliproc.Decoded, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return cliproc.Decoded{}, false
	}

	if match := tokensPattern.FindStringSubmatch(trimmed); match != nil {
		usage := backend.Usage{
			InputTokens:  parseCount(match[1], match[2]),
			OutputTokens: parseCount(match[3], match[4]),
		}
		if match[5] != "" {
			usage.CostUSD, _ = strconv.ParseFloat(match[5], 64)
		}
		return cliproc.Decoded{Usage: &usage}, true
	}

	out := cliproc.Decoded{Messages: []backend.Message{backend.NewModelOutput(line + "\n")}}
	if match := appliedEditPattern.FindStringSubmatch(trimmed); match != nil {
		path := strings.TrimSpace(match[1])
		out.Messages = append(out.Messages, backend.NewFSEdit("edit "+path, path))
	}
	return out, true
}

func parseCount(number, suffix string) int64 {
	value, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", ""), 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(suffix) {
	case "k":
		value *= 1_000
	case "m":
		value *= 1_000_000
	}
	return int64(math.Round(value))
}
