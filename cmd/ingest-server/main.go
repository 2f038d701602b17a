package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framepipe/ingest/internal/controlplane"
	"github.com/framepipe/ingest/internal/hooks"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
	"github.com/framepipe/ingest/internal/session"
	"github.com/framepipe/ingest/internal/subscribe"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	protocol, _ := parseProtocol(cfg.protocol)
	incoming, _ := parseFormat(cfg.incoming)
	outgoing, _ := parseFormat(cfg.outgoing)

	reg := metrics.New()

	controller := session.New(session.Config{
		Variant: session.Variant{
			Incoming:         incoming,
			Outgoing:         outgoing,
			Protocol:         protocol,
			InferenceEnabled: cfg.inference,
		},
		ListenAddr: cfg.listenHost,
	}, reg)

	if cfg.webhookURL != "" {
		_ = controller.Hooks.Register(hooks.EventResetTriggered, hooks.NewWebhookHook("cli-webhook", cfg.webhookURL, 5*time.Second))
		_ = controller.Hooks.Register(hooks.EventSessionStart, hooks.NewWebhookHook("cli-webhook", cfg.webhookURL, 5*time.Second))
		_ = controller.Hooks.Register(hooks.EventSessionStop, hooks.NewWebhookHook("cli-webhook", cfg.webhookURL, 5*time.Second))
		_ = controller.Hooks.Register(hooks.EventInferenceCrash, hooks.NewWebhookHook("cli-webhook", cfg.webhookURL, 5*time.Second))
	}
	if cfg.hookScript != "" {
		for _, et := range []hooks.EventType{hooks.EventResetTriggered, hooks.EventSessionStart, hooks.EventSessionStop, hooks.EventInferenceCrash} {
			_ = controller.Hooks.Register(et, hooks.NewShellHook("cli-script", cfg.hookScript))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := controller.Start(ctx); err != nil {
		log.Error("failed to start session controller", "error", err)
		os.Exit(1)
	}
	log.Info("session controller started", "protocol", cfg.protocol, "incoming", cfg.incoming, "outgoing", cfg.outgoing, "inference", cfg.inference, "version", version)

	mux := http.NewServeMux()
	mux.Handle("/reset_stream", controlplane.New(cfg.authSecret, controller, 5*time.Second))

	subs := subscribe.New(controller.Hub, reg, 0, 0)
	mux.HandleFunc("/h264_stream", subs.ServeH264SSE)
	mux.HandleFunc("/jpg_stream", subs.ServeJPEGMultipart)
	mux.HandleFunc("/ws_h264_stream", subs.ServeH264WebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Registerer(), promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: cfg.httpAddr, Handler: mux}
	go func() {
		log.Info("http server listening", "addr", cfg.httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpServer.Shutdown(shutdownCtx)
		controller.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
