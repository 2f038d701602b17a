package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// StdioHook writes every fired event to stderr in a structured format, used
// by operators piping the process's stderr into a log shipper.
type StdioHook struct {
	id     string
	format string // "json" or "env"
	output *os.File
}

// NewStdioHook constructs a StdioHook writing to stderr.
func NewStdioHook(id, format string) *StdioHook {
	return &StdioHook{id: id, format: format, output: os.Stderr}
}

func (h *StdioHook) Execute(ctx context.Context, event Event) error {
	switch h.format {
	case "json":
		return h.outputJSON(event)
	case "env":
		return h.outputEnv(event)
	default:
		return fmt.Errorf("stdio hook %s: unsupported format %q", h.id, h.format)
	}
}

func (h *StdioHook) Type() string { return "stdio" }
func (h *StdioHook) ID() string   { return h.id }

func (h *StdioHook) outputJSON(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stdio hook %s: marshal event: %w", h.id, err)
	}
	_, err = fmt.Fprintf(h.output, "INGEST_EVENT: %s\n", data)
	return err
}

func (h *StdioHook) outputEnv(event Event) error {
	lines := []string{
		"# ingest event: " + string(event.Type),
		fmt.Sprintf("INGEST_EVENT_TYPE=%s", event.Type),
		fmt.Sprintf("INGEST_TIMESTAMP=%d", event.Timestamp),
	}
	if event.Variant != "" {
		lines = append(lines, "INGEST_VARIANT="+event.Variant)
	}
	for key, value := range event.Data {
		lines = append(lines, "INGEST_"+strings.ToUpper(key)+fmt.Sprintf("=%v", value))
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(h.output, line); err != nil {
			return fmt.Errorf("stdio hook %s: write line: %w", h.id, err)
		}
	}
	return nil
}
