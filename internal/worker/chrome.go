package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/bdg-dev/bdg/internal/pathreg"
	"github.com/bdg-dev/bdg/internal/rpcproto"
)

const chromeVersionProbeInterval = 100 * time.Millisecond

// chromeInstance describes the browser process this worker is talking
// to, whether launched locally or attached externally.
type chromeInstance struct {
	cmd       *exec.Cmd // nil when attached to an external Chrome
	pid       int
	launched  bool // false means "do not kill on shutdown"
	port      int
	wsBaseURL string // http://127.0.0.1:<port> when launched; cfg.ExternalWSURL when attached
}

// startChrome launches a local headless/headful Chrome with remote
// debugging enabled, or attaches to cfg.ExternalWSURL if set. Its PID is
// captured for shutdown and for the liveness-poll termination ladder.
func startChrome(ctx context.Context, cfg Config) (*chromeInstance, error) {
	if cfg.ExternalWSURL != "" {
		return &chromeInstance{launched: false, wsBaseURL: cfg.ExternalWSURL}, nil
	}

	binary := cfg.ChromeBinary
	if binary == "" {
		binary = defaultChromeBinary()
	}
	if _, err := exec.LookPath(binary); err != nil {
		if _, statErr := os.Stat(binary); statErr != nil {
			return nil, rpcproto.WrapError(rpcproto.ErrChromeBinaryNotExecutable, err)
		}
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", cfg.ChromePort),
		"--no-first-run",
		"--no-default-browser-check",
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return nil, rpcproto.WrapError(rpcproto.ErrChromeLaunch, err)
	}

	inst := &chromeInstance{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		launched: true,
		port:     cfg.ChromePort,
	}

	if err := waitForChromeVersion(ctx, cfg.ChromePort); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, rpcproto.WrapError(rpcproto.ErrChromeLaunch, err)
	}
	inst.wsBaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.ChromePort)
	return inst, nil
}

func defaultChromeBinary() string {
	for _, candidate := range []string{"google-chrome", "chromium", "chromium-browser", "google-chrome-stable"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return "google-chrome"
}

// chromeVersion is the shape of Chrome's /json/version endpoint.
type chromeVersion struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	Browser              string `json:"Browser"`
}

// waitForChromeVersion polls /json/version until Chrome's debugging
// endpoint answers or ctx is done.
func waitForChromeVersion(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for {
		if _, err := fetchJSON[chromeVersion](ctx, url); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chrome did not become ready on port %d: %w", port, ctx.Err())
		case <-time.After(chromeVersionProbeInterval):
		}
	}
}

// targetInfo is the subset of a /json/list (or /json/new) entry this
// worker needs to attach its CDP transport.
type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// acquireTarget reuses the first page target if cfg.ReuseExistingTab is
// set and one exists, otherwise opens a new tab via /json/new.
func acquireTarget(ctx context.Context, baseURL string, cfg Config) (targetInfo, error) {
	if cfg.ReuseExistingTab {
		targets, err := fetchJSON[[]targetInfo](ctx, baseURL+"/json/list")
		if err == nil {
			for _, t := range targets {
				if t.Type == "page" {
					return t, nil
				}
			}
		}
	}

	newURL := baseURL + "/json/new"
	if cfg.URL != "" {
		newURL += "?" + cfg.URL
	}
	info, err := fetchJSONMethod[targetInfo](ctx, http.MethodPut, newURL)
	if err != nil {
		return targetInfo{}, rpcproto.WrapError(rpcproto.ErrChromeLaunch, err)
	}
	return info, nil
}

func fetchJSON[T any](ctx context.Context, url string) (T, error) {
	return fetchJSONMethod[T](ctx, http.MethodGet, url)
}

func fetchJSONMethod[T any](ctx context.Context, method, url string) (T, error) {
	var zero T
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return zero, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, err
	}
	return out, nil
}

// ProbeRunningChromeURL is the exported form of probeRunningChrome the
// daemon uses to enrich SessionAlreadyRunning responses with the active
// tab's current URL (spec.md §4.6 start_session_request), without
// exposing the unexported targetInfo type across the package boundary.
func ProbeRunningChromeURL(ctx context.Context, port int) (string, bool) {
	t, ok := probeRunningChrome(ctx, port)
	if !ok {
		return "", false
	}
	return t.URL, true
}

// probeRunningChrome checks whether a Chrome debugging endpoint is
// already answering, used by the daemon to enrich SessionAlreadyRunning
// errors with the current URL (spec.md §4.6 start_session_request).
func probeRunningChrome(ctx context.Context, port int) (targetInfo, bool) {
	targets, err := fetchJSON[[]targetInfo](ctx, fmt.Sprintf("http://127.0.0.1:%d/json/list", port))
	if err != nil || len(targets) == 0 {
		return targetInfo{}, false
	}
	for _, t := range targets {
		if t.Type == "page" {
			return t, true
		}
	}
	return targetInfo{}, false
}

// terminateChrome implements the graceful-then-forced shutdown ladder
// from spec.md §4.5: signal, poll liveness every 500ms up to 5s, then
// force-kill and poll once more. Never called for an externally-attached
// Chrome.
func terminateChrome(inst *chromeInstance) error {
	if inst == nil || !inst.launched || inst.cmd == nil {
		return nil
	}

	_ = inst.cmd.Process.Signal(os.Interrupt)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !pathreg.IsProcessAlive(inst.pid) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	_ = inst.cmd.Process.Kill()
	time.Sleep(500 * time.Millisecond)
	if pathreg.IsProcessAlive(inst.pid) {
		return fmt.Errorf("chrome pid %d survived force-kill", inst.pid)
	}
	return nil
}
