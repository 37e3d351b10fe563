package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bdg-dev/bdg/internal/cdp"
)

// consoleNoisePatterns suppresses well-known dev-server chatter unless
// the caller opts into IncludeAll (spec.md §4.4).
var consoleNoisePatterns = []string{
	"[HMR]",
	"[WDS]",
	"Download the React DevTools",
	"Live reload enabled",
}

// ConsoleConfig tunes the console collector.
type ConsoleConfig struct {
	MaxMessages  int
	IncludeAll   bool
	NavigationID func() int
}

func (c ConsoleConfig) withDefaults() ConsoleConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxConsoleMessages
	}
	if c.NavigationID == nil {
		c.NavigationID = func() int { return 0 }
	}
	return c
}

// ConsoleCollector captures console.* calls and uncaught exceptions.
type ConsoleCollector struct {
	cfg ConsoleConfig

	mu     sync.Mutex
	buf    []ConsoleMessage
	warner limitWarner
}

func NewConsoleCollector(cfg ConsoleConfig) *ConsoleCollector {
	return &ConsoleCollector{cfg: cfg.withDefaults(), warner: limitWarner{name: "console"}}
}

// Messages returns a snapshot copy of the buffered messages.
func (cc *ConsoleCollector) Messages() []ConsoleMessage {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]ConsoleMessage, len(cc.buf))
	copy(out, cc.buf)
	return out
}

// Activate enables the Runtime domain and registers this collector's
// handlers.
func (cc *ConsoleCollector) Activate(ctx context.Context, t transport) (Cleanup, error) {
	if _, err := t.Send(ctx, "Runtime.enable", nil); err != nil {
		return nil, err
	}

	apiID := t.On("Runtime.consoleAPICalled", func(evt cdp.Event) { cc.onConsoleAPICalled(evt) })
	excID := t.On("Runtime.exceptionThrown", func(evt cdp.Event) { cc.onExceptionThrown(evt) })

	cleanup := func() {
		t.Off("Runtime.consoleAPICalled", apiID)
		t.Off("Runtime.exceptionThrown", excID)
	}
	return cleanup, nil
}

func (cc *ConsoleCollector) onConsoleAPICalled(evt cdp.Event) {
	var params struct {
		Type      string  `json:"type"`
		Timestamp float64 `json:"timestamp"`
		Args      []struct {
			Type  string `json:"type"`
			Value any    `json:"value"`
		} `json:"args"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}

	args := make([]string, 0, len(params.Args))
	for _, arg := range params.Args {
		args = append(args, flattenArgValue(arg.Value))
	}
	text := strings.Join(args, " ")

	if !cc.cfg.IncludeAll && isConsoleNoise(text) {
		return
	}

	cc.push(ConsoleMessage{
		Type:         params.Type,
		Text:         text,
		Timestamp:    timestampMillis(params.Timestamp),
		Args:         args,
		NavigationID: cc.cfg.NavigationID(),
	})
}

func (cc *ConsoleCollector) onExceptionThrown(evt cdp.Event) {
	var params struct {
		Timestamp        float64 `json:"timestamp"`
		ExceptionDetails struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}

	text := params.ExceptionDetails.Text
	if params.ExceptionDetails.Exception != nil && params.ExceptionDetails.Exception.Description != "" {
		text = params.ExceptionDetails.Exception.Description
	}

	cc.push(ConsoleMessage{
		Type:         "error",
		Text:         text,
		Timestamp:    timestampMillis(params.Timestamp),
		NavigationID: cc.cfg.NavigationID(),
	})
}

func (cc *ConsoleCollector) push(msg ConsoleMessage) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	pushWithLimit(&cc.buf, msg, cc.cfg.MaxMessages, &cc.warner)
}

func flattenArgValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func isConsoleNoise(text string) bool {
	for _, pattern := range consoleNoisePatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

func timestampMillis(cdpTimestamp float64) int64 {
	if cdpTimestamp <= 0 {
		return time.Now().UnixMilli()
	}
	return int64(cdpTimestamp)
}
