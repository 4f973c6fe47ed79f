package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/tracing"
)

const (
	bugreportLogLimit = 3
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			registry := buildRegistry(cfg, logger)
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), registry.Entries())
		},
	}
}

func runBugReport(ctx context.Context, out io.Writer, agentEntries []backend.Entry) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf(".agentdeck-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "agentdeck-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	report, err := collectBugreportArtifacts(ctx, homeDir, cwd, stagingDir, agentEntries)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	SessionID string
	Agent     string
	Warnings  []string
}

func collectBugreportArtifacts(
	ctx context.Context,
	homeDir string,
	cwd string,
	stagingDir string,
	agentEntries []backend.Entry,
) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}

	logFiles, warnings := copyRecentLogs(homeDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.SessionID, summary.Agent = extractLastSession(logFiles)
	if summary.SessionID == "" {
		summary.Warnings = append(summary.Warnings, "no session_id found in copied logs")
	}

	if err := writeStagedFile(stagingDir, "last-session.txt",
		fmt.Sprintf("session_id: %s\nagent: %s\n", summary.SessionID, summary.Agent)); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeStagedFile(stagingDir, "version.txt",
		fmt.Sprintf("agentdeck version: %s\n", strings.TrimSpace(summary.Version))); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeStagedFile(stagingDir, "agents.txt", formatAgentEntries(agentEntries)); err != nil {
		return bugreportSummary{}, err
	}
	copyRedactedConfigs(homeDir, cwd, stagingDir, &summary)
	if err := writeGitState(ctx, cwd, stagingDir); err != nil {
		return bugreportSummary{}, err
	}
	return summary, nil
}

func copyRecentLogs(homeDir string, stagingDir string, limit int) ([]string, []string) {
	logsDir := filepath.Join(homeDir, config.DefaultConfigDir, "logs")
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copiedPaths := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from deterministic ~/.agentdeck/logs enumeration.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		dstPath := filepath.Join(destDir, filepath.Base(file.path))
		if writeErr := os.WriteFile(dstPath, data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copiedPaths = append(copiedPaths, file.path)
	}
	return copiedPaths, warnings
}

// extractLastSession returns the newest session_id and agent recorded in
// the JSON log files, searched newest line first.
func extractLastSession(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths are selected from deterministic ~/.agentdeck/logs files.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			record := map[string]any{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			sessionID := asString(record["session_id"])
			if sessionID == "" {
				continue
			}
			return sessionID, asString(record["agent"])
		}
	}
	return "", ""
}

func formatAgentEntries(entries []backend.Entry) string {
	var builder strings.Builder
	for _, entry := range entries {
		status := "available " + entry.Path
		if !entry.Available {
			status = "unavailable: " + entry.Reason
		}
		builder.WriteString(fmt.Sprintf("%s (%s): %s\n", entry.ID, entry.Binary, status))
	}
	if builder.Len() == 0 {
		return "no agents registered\n"
	}
	return builder.String()
}

func copyRedactedConfigs(homeDir, cwd, stagingDir string, summary *bugreportSummary) {
	sources := map[string]string{
		"config-home.toml":    filepath.Join(homeDir, config.DefaultConfigDir, config.DefaultConfigFile),
		"config-project.toml": filepath.Join(cwd, config.DefaultConfigDir, config.DefaultConfigFile),
	}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		// #nosec G304 -- config paths are deterministic under ~/.agentdeck and ./.agentdeck.
		data, err := os.ReadFile(sources[name])
		if err != nil {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read %s: %v", sources[name], err))
			continue
		}
		if err := writeStagedFile(stagingDir, name, redactSensitiveConfig(string(data))); err != nil {
			summary.Warnings = append(summary.Warnings, err.Error())
		}
	}
}

// redactSensitiveConfig masks the value of every TOML key that names a secret.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.Trim(strings.TrimSpace(parts[0]), `"'`)
		if !tracing.SensitiveKey(strings.ToLower(key)) || strings.HasSuffix(strings.ToLower(key), "_env") {
			continue
		}
		lines[i] = parts[0] + `= "***REDACTED***"`
	}
	return strings.Join(lines, "\n")
}

func writeGitState(ctx context.Context, cwd, stagingDir string) error {
	head := runCommandForBugreport(ctx, "git", "-C", cwd, "rev-parse", "HEAD")
	branch := runCommandForBugreport(ctx, "git", "-C", cwd, "rev-parse", "--abbrev-ref", "HEAD")
	status := runCommandForBugreport(ctx, "git", "-C", cwd, "status", "--short")

	content := strings.Join([]string{
		"[HEAD]",
		head,
		"",
		"[BRANCH]",
		branch,
		"",
		"[STATUS]",
		status,
		"",
	}, "\n")
	return writeStagedFile(stagingDir, "git-state.txt", content)
}

func runCommandForBugreport(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("agentdeck Bug Report\n")
	builder.WriteString("====================\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n", summary.Version))
	builder.WriteString(fmt.Sprintf("session_id: %s\n", summary.SessionID))
	builder.WriteString(fmt.Sprintf("agent: %s\n\n", summary.Agent))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString(fmt.Sprintf("- logs/ (up to last %d log files)\n", bugreportLogLimit))
	builder.WriteString("- config-home.toml, config-project.toml (redacted, when present)\n")
	builder.WriteString("- agents.txt\n")
	builder.WriteString("- version.txt\n")
	builder.WriteString("- last-session.txt\n")
	builder.WriteString("- git-state.txt\n\n")
	builder.WriteString("Use session_id to correlate logs with traces.\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return writeStagedFile(stagingDir, "README.txt", builder.String())
}

func writeStagedFile(stagingDir, name, content string) error {
	if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in current working directory with deterministic file name.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from controlled staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer func() {
			_ = file.Close()
		}()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
