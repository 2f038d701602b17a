package hooks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ShellHook runs a script with the event exposed as INGEST_* environment
// variables, matching how internal/inference.Bridge shells out to its
// worker process.
type ShellHook struct {
	id      string
	command string
	args    []string
	env     []string
}

// NewShellHook constructs a ShellHook that runs scriptPath via /bin/bash.
func NewShellHook(id, scriptPath string) *ShellHook {
	return &ShellHook{id: id, command: "/bin/bash", args: []string{scriptPath}}
}

// SetEnv sets additional environment variables for the script.
func (h *ShellHook) SetEnv(env []string) *ShellHook {
	h.env = env
	return h
}

func (h *ShellHook) Execute(ctx context.Context, event Event) error {
	cmd := exec.CommandContext(ctx, h.command, h.args...)
	cmd.Env = append(cmd.Env, h.env...)
	cmd.Env = append(cmd.Env, h.buildEnvironment(event)...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell hook %s: execution failed: %w", h.id, err)
	}
	return nil
}

func (h *ShellHook) Type() string { return "shell" }
func (h *ShellHook) ID() string   { return h.id }

func (h *ShellHook) buildEnvironment(event Event) []string {
	env := []string{
		"INGEST_EVENT_TYPE=" + string(event.Type),
		fmt.Sprintf("INGEST_TIMESTAMP=%d", event.Timestamp),
	}
	if event.Variant != "" {
		env = append(env, "INGEST_VARIANT="+event.Variant)
	}
	for key, value := range event.Data {
		env = append(env, "INGEST_"+strings.ToUpper(key)+fmt.Sprintf("=%v", value))
	}
	return env
}
