// Package worker implements the session-scoped runtime described in
// spec.md §4.5: it owns one Chrome process and one CDP connection, runs
// the telemetry collectors, writes periodic preview snapshots, and
// serves RPCs routed to it by the daemon over its own unix socket.
package worker

import (
	"encoding/json"
	"time"
)

// Config is the worker's entire startup configuration, passed by the
// daemon as a single JSON argument (spec.md §4.5 "Entry").
type Config struct {
	URL               string        `json:"url"`
	ChromePort        int           `json:"chromePort"`
	ActiveTelemetry   []string      `json:"activeTelemetry"`
	ReadinessDeadline time.Duration `json:"readinessDeadline"`
	Headless          bool          `json:"headless"`
	ExternalWSURL     string        `json:"externalWsUrl,omitempty"`
	ChromeBinary      string        `json:"chromeBinary,omitempty"`
	ReuseExistingTab  bool          `json:"reuseExistingTab"`
	PreviewInterval   time.Duration `json:"previewInterval"`
	IdleTimeout       time.Duration `json:"idleTimeout"`
	IncludeAllConsole bool          `json:"includeAllConsole"`
}

func (c Config) withDefaults() Config {
	if c.ChromePort <= 0 {
		c.ChromePort = 9222
	}
	if c.ReadinessDeadline <= 0 {
		c.ReadinessDeadline = 30 * time.Second
	}
	if c.PreviewInterval <= 0 {
		c.PreviewInterval = 5 * time.Second
	}
	if len(c.ActiveTelemetry) == 0 {
		c.ActiveTelemetry = []string{"network", "console", "navigation"}
	}
	return c
}

// telemetryEnabled reports whether kind appears in cfg.ActiveTelemetry.
func (c Config) telemetryEnabled(kind string) bool {
	for _, k := range c.ActiveTelemetry {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseConfig decodes the single JSON argument the daemon passes when it
// spawns a worker subprocess.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}
