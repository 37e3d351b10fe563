package telemetry

import (
	"context"
	"testing"
)

func TestConsoleCollectorFlattensArgsAndFiltersNoise(t *testing.T) {
	ft := newFakeTransport()
	cc := NewConsoleCollector(ConsoleConfig{})
	cleanup, err := cc.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()

	ft.fire("Runtime.consoleAPICalled", map[string]any{
		"type": "log",
		"args": []map[string]any{{"type": "string", "value": "hello"}},
	})
	ft.fire("Runtime.consoleAPICalled", map[string]any{
		"type": "log",
		"args": []map[string]any{{"type": "string", "value": "[HMR] connected"}},
	})

	msgs := cc.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(Messages()) = %d, want 1 (noise suppressed)", len(msgs))
	}
	if msgs[0].Text != "hello" {
		t.Fatalf("Text = %q, want hello", msgs[0].Text)
	}
}

func TestConsoleCollectorIncludeAllKeepsNoise(t *testing.T) {
	ft := newFakeTransport()
	cc := NewConsoleCollector(ConsoleConfig{IncludeAll: true})
	cleanup, err := cc.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()

	ft.fire("Runtime.consoleAPICalled", map[string]any{
		"type": "log",
		"args": []map[string]any{{"type": "string", "value": "[HMR] connected"}},
	})

	if len(cc.Messages()) != 1 {
		t.Fatal("expected noise to be kept when IncludeAll is set")
	}
}

func TestConsoleCollectorCapturesExceptions(t *testing.T) {
	ft := newFakeTransport()
	cc := NewConsoleCollector(ConsoleConfig{})
	cleanup, err := cc.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()

	ft.fire("Runtime.exceptionThrown", map[string]any{
		"exceptionDetails": map[string]any{
			"text":      "Uncaught TypeError",
			"exception": map[string]any{"description": "TypeError: x is not a function"},
		},
	})

	msgs := cc.Messages()
	if len(msgs) != 1 || msgs[0].Type != "error" {
		t.Fatalf("got %+v", msgs)
	}
	if msgs[0].Text != "TypeError: x is not a function" {
		t.Fatalf("Text = %q", msgs[0].Text)
	}
}

func TestConsoleCollectorDropsMessagesPastLimit(t *testing.T) {
	ft := newFakeTransport()
	cc := NewConsoleCollector(ConsoleConfig{MaxMessages: 1})
	cleanup, err := cc.Activate(context.Background(), ft)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	defer cleanup()

	for i := 0; i < 3; i++ {
		ft.fire("Runtime.consoleAPICalled", map[string]any{
			"type": "log",
			"args": []map[string]any{{"type": "string", "value": "msg"}},
		})
	}

	if got := len(cc.Messages()); got != 1 {
		t.Fatalf("len(Messages()) = %d, want 1", got)
	}
}
