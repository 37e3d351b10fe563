package telemetry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bdg-dev/bdg/internal/cdp"
)

// fakeTransport is a minimal transport double shared across this
// package's collector tests: Send is scripted per-method, and tests
// fire registered handlers synchronously via fire().
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string][]func(cdp.Event)
	nextID   int64
	sendFunc func(method string, params any) (json.RawMessage, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]func(cdp.Event))}
}

func (f *fakeTransport) Send(_ context.Context, method string, params any) (json.RawMessage, error) {
	if f.sendFunc != nil {
		return f.sendFunc(method, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) On(method string, fn func(cdp.Event)) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[method] = append(f.handlers[method], fn)
	return f.nextID
}

func (f *fakeTransport) Off(method string, handlerID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, method)
}

func (f *fakeTransport) fire(method string, params any) {
	raw, _ := json.Marshal(params)
	f.mu.Lock()
	handlers := append([]func(cdp.Event){}, f.handlers[method]...)
	f.mu.Unlock()
	evt := cdp.Event{Method: method, Params: raw}
	for _, h := range handlers {
		h(evt)
	}
}
