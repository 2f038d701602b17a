package hooks

import (
	"context"
	"testing"
	"time"
)

func TestEventString(t *testing.T) {
	event := NewEvent(EventResetTriggered, time.Unix(1000, 0)).
		WithVariant("udp/h264").
		WithData("reason", "control_plane")

	if event.Type != EventResetTriggered {
		t.Fatalf("expected type %s, got %s", EventResetTriggered, event.Type)
	}
	if got := event.String(); got != "reset_triggered:udp/h264" {
		t.Fatalf("unexpected string: %s", got)
	}
	if event.Data["reason"] != "control_plane" {
		t.Fatalf("expected reason data, got %v", event.Data["reason"])
	}
}

func TestShellHookIdentity(t *testing.T) {
	hook := NewShellHook("test-hook", "/bin/true")
	if hook.Type() != "shell" {
		t.Fatalf("expected type shell, got %s", hook.Type())
	}
	if hook.ID() != "test-hook" {
		t.Fatalf("expected id test-hook, got %s", hook.ID())
	}
}

func TestManagerRegisterFireUnregister(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	defer m.Close()

	fired := make(chan Event, 1)
	hook := &recordingHook{id: "rec", fired: fired}

	if err := m.Register(EventSessionStart, hook); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Fire(context.Background(), *NewEvent(EventSessionStart, time.Unix(0, 0)))

	select {
	case ev := <-fired:
		if ev.Type != EventSessionStart {
			t.Fatalf("unexpected event type %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("hook was not fired")
	}

	if !m.Unregister(EventSessionStart, "rec") {
		t.Fatal("expected unregister to report the hook existed")
	}
}

func TestStdioHookFormats(t *testing.T) {
	hook := NewStdioHook("stdio-test", "json")
	if hook.Type() != "stdio" {
		t.Fatalf("expected type stdio, got %s", hook.Type())
	}
	if err := hook.Execute(context.Background(), *NewEvent(EventCodecError, time.Unix(0, 0))); err != nil {
		t.Fatalf("execute json: %v", err)
	}

	envHook := NewStdioHook("stdio-env", "env")
	if err := envHook.Execute(context.Background(), *NewEvent(EventCodecError, time.Unix(0, 0))); err != nil {
		t.Fatalf("execute env: %v", err)
	}
}

func TestWebhookHookAddHeader(t *testing.T) {
	hook := NewWebhookHook("webhook-test", "https://example.invalid/hook", 30*time.Second)
	hook.AddHeader("Authorization", "Bearer token")
	if hook.headers["Authorization"] != "Bearer token" {
		t.Fatalf("expected header to be set, got %v", hook.headers)
	}
}

type recordingHook struct {
	id    string
	fired chan Event
}

func (h *recordingHook) Execute(ctx context.Context, event Event) error {
	h.fired <- event
	return nil
}
func (h *recordingHook) Type() string { return "recording" }
func (h *recordingHook) ID() string   { return h.id }
