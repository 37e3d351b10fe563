package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchJSONDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"webSocketDebuggerUrl":"ws://x","Browser":"Chrome/1"}`))
	}))
	defer srv.Close()

	got, err := fetchJSON[chromeVersion](context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetchJSON() error = %v", err)
	}
	if got.WebSocketDebuggerURL != "ws://x" || got.Browser != "Chrome/1" {
		t.Fatalf("got %+v, unexpected", got)
	}
}

func TestFetchJSONNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := fetchJSON[chromeVersion](context.Background(), srv.URL); err == nil {
		t.Fatal("fetchJSON() error = nil, want error on non-200 status")
	}
}

func TestFetchJSONMethodUsesRequestedVerb(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Write([]byte(`{"id":"t1"}`))
	}))
	defer srv.Close()

	if _, err := fetchJSONMethod[targetInfo](context.Background(), http.MethodPut, srv.URL); err != nil {
		t.Fatalf("fetchJSONMethod() error = %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("method = %q, want PUT", gotMethod)
	}
}

func TestAcquireTargetReusesExistingPageTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/list":
			w.Write([]byte(`[{"id":"existing","type":"page","url":"http://existing"}]`))
		case "/json/new":
			t.Fatal("acquireTarget() should not open a new tab when reusing")
		}
	}))
	defer srv.Close()

	info, err := acquireTarget(context.Background(), srv.URL, Config{ReuseExistingTab: true})
	if err != nil {
		t.Fatalf("acquireTarget() error = %v", err)
	}
	if info.ID != "existing" {
		t.Fatalf("ID = %q, want existing", info.ID)
	}
}

func TestAcquireTargetOpensNewTabWhenNotReusing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/new" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":"new-tab","type":"page"}`))
	}))
	defer srv.Close()

	info, err := acquireTarget(context.Background(), srv.URL, Config{URL: "http://example.com"})
	if err != nil {
		t.Fatalf("acquireTarget() error = %v", err)
	}
	if info.ID != "new-tab" {
		t.Fatalf("ID = %q, want new-tab", info.ID)
	}
}

func TestProbeRunningChromeURLNoTargetsIsNotFound(t *testing.T) {
	_, ok := ProbeRunningChromeURL(context.Background(), 1)
	if ok {
		t.Fatal("ProbeRunningChromeURL() ok = true against an unreachable port, want false")
	}
}

func TestDefaultChromeBinaryNeverEmpty(t *testing.T) {
	if defaultChromeBinary() == "" {
		t.Fatal("defaultChromeBinary() = \"\", want a non-empty fallback")
	}
}
