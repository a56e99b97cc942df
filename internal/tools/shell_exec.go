package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellExec runs commands for the run_shell effector.
type ShellExec struct {
	workingDir      string
	allowedPrefixes []string // empty = allow all
	deniedPatterns  []string
	timeout         time.Duration
	maxOutputBytes  int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	WorkingDir      string
	AllowedPrefixes []string
	DeniedPatterns  []string
	Timeout         time.Duration
	MaxOutputBytes  int
}

// DefaultDeniedPatterns are always blocked in addition to any
// configured patterns.
var DefaultDeniedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:",
	"shutdown",
	"reboot",
}

// NewShellExec creates a shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	denied := append([]string{}, DefaultDeniedPatterns...)
	denied = append(denied, cfg.DeniedPatterns...)
	return &ShellExec{
		workingDir:      cfg.WorkingDir,
		allowedPrefixes: cfg.AllowedPrefixes,
		deniedPatterns:  denied,
		timeout:         cfg.Timeout,
		maxOutputBytes:  cfg.MaxOutputBytes,
	}
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Check reports whether a command passes the deny list and allowlist.
func (s *ShellExec) Check(command string) error {
	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedPatterns {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if len(s.allowedPrefixes) > 0 {
		trimmed := strings.TrimSpace(command)
		for _, prefix := range s.allowedPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				return nil
			}
		}
		return fmt.Errorf("command not in allowlist")
	}
	return nil
}

// Exec runs command through sh -c. A non-zero exit is reported in the
// result, not as an error; errors are policy rejections and failures to
// start the shell.
func (s *ShellExec) Exec(ctx context.Context, command string) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	if err := s.Check(command); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("start shell: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// Handle is the run_shell handler. Success yields trimmed stdout; a
// failure carries stderr so the model can correct itself.
func (s *ShellExec) Handle(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	result, err := s.Exec(ctx, command)
	if err != nil {
		return "", err
	}

	if result.TimedOut {
		return "", fmt.Errorf("command timed out after %s", s.timeout)
	}
	if result.ExitCode != 0 {
		msg := fmt.Sprintf("exit status %d", result.ExitCode)
		if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
			msg += "\n" + stderr
		}
		return "", errors.New(msg)
	}

	out := strings.TrimSpace(result.Stdout)
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}

// RegisterShell adds run_shell to the registry.
func (r *Registry) RegisterShell(s *ShellExec) {
	r.Register(&Tool{
		Name:        "run_shell",
		Description: "Run a shell command on the host computer and return its output. Use for curl, open, ls, say, file and any CLI tool.",
		Properties: map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to run",
			},
		},
		Required: []string{"command"},
		Handler:  s.Handle,
	})
}
