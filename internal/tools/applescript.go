package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// AppleScript runs scripts through osascript for the run_applescript
// effector. It is only useful on macOS.
type AppleScript struct {
	timeout time.Duration
	// command builds the process; replaced in tests.
	command func(ctx context.Context, script string) *exec.Cmd
}

// NewAppleScript creates the effector with the given per-script timeout.
func NewAppleScript(timeout time.Duration) *AppleScript {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AppleScript{
		timeout: timeout,
		command: func(ctx context.Context, script string) *exec.Cmd {
			return exec.CommandContext(ctx, "osascript", "-e", script)
		},
	}
}

// Supported reports whether the host can run AppleScript.
func Supported() bool {
	return runtime.GOOS == "darwin"
}

// Handle is the run_applescript handler.
func (a *AppleScript) Handle(ctx context.Context, args map[string]any) (string, error) {
	script, _ := args["script"].(string)
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("script is required")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := a.command(ctx, script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("script timed out after %s", a.timeout)
		}
		msg := err.Error()
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += "\n" + s
		}
		return "", errors.New(msg)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}

// RegisterAppleScript adds run_applescript.
func (r *Registry) RegisterAppleScript(a *AppleScript) {
	r.Register(&Tool{
		Name:        "run_applescript",
		Description: "Run an AppleScript on the Mac to control apps such as Safari, Mail, Music, Finder and Messages, or to change the volume.",
		Properties: map[string]any{
			"script": map[string]any{
				"type":        "string",
				"description": "AppleScript source",
			},
		},
		Required: []string{"script"},
		Handler:  a.Handle,
	})
}
