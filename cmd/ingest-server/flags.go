package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/framepipe/ingest/internal/frame"
	"github.com/framepipe/ingest/internal/session"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds user-supplied flag values prior to translation into
// session.Config and the HTTP server addresses.
type cliConfig struct {
	protocol    string
	incoming    string
	outgoing    string
	inference   bool
	listenHost  string
	httpAddr    string
	authSecret  string
	logLevel    string
	showVersion bool
	webhookURL  string
	hookScript  string
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("ingest-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.protocol, "protocol", "udp", "Transport protocol: udp|tcp")
	fs.StringVar(&cfg.incoming, "incoming", "jpeg", "Incoming frame format: jpeg|h264")
	fs.StringVar(&cfg.outgoing, "outgoing", "jpeg", "Outgoing frame format: jpeg|h264")
	fs.BoolVar(&cfg.inference, "inference", false, "Route frames through the inference bridge")
	fs.StringVar(&cfg.listenHost, "listen-host", "", "Host part of the transport listen address (empty = all interfaces)")
	fs.StringVar(&cfg.httpAddr, "http-addr", ":9090", "Address for the control plane and subscriber HTTP endpoints")
	fs.StringVar(&cfg.authSecret, "auth-secret", "", "Shared secret required by POST /reset_stream")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.webhookURL, "webhook-url", "", "If set, POST session lifecycle events to this URL")
	fs.StringVar(&cfg.hookScript, "hook-script", "", "If set, run this script on every session lifecycle event")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.showVersion {
		return cfg, nil
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	if cfg.authSecret == "" {
		return nil, errors.New("auth-secret is required")
	}

	if _, err := parseProtocol(cfg.protocol); err != nil {
		return nil, err
	}
	if _, err := parseFormat(cfg.incoming); err != nil {
		return nil, fmt.Errorf("invalid -incoming: %w", err)
	}
	if _, err := parseFormat(cfg.outgoing); err != nil {
		return nil, fmt.Errorf("invalid -outgoing: %w", err)
	}

	return cfg, nil
}

func parseProtocol(s string) (session.Protocol, error) {
	switch s {
	case "udp":
		return session.ProtocolUDP, nil
	case "tcp":
		return session.ProtocolTCP, nil
	default:
		return 0, fmt.Errorf("invalid -protocol %q, want udp or tcp", s)
	}
}

func parseFormat(s string) (frame.Format, error) {
	switch s {
	case "jpeg":
		return frame.FormatJPEG, nil
	case "h264":
		return frame.FormatH264, nil
	default:
		return 0, fmt.Errorf("unrecognized format %q, want jpeg or h264", s)
	}
}
