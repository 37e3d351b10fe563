package session

import (
	"testing"

	"github.com/bdg-dev/bdg/internal/pathreg"
)

func TestWriteReadRoundTrip(t *testing.T) {
	t.Setenv(pathreg.RootDirEnv, t.TempDir())

	meta := Metadata{
		WorkerPID:            123,
		ChromePID:            456,
		StartTime:            1700000000000,
		CDPPort:              9222,
		TargetID:             "target-1",
		WebSocketDebuggerURL: "ws://127.0.0.1:9222/devtools/page/target-1",
		ActiveTelemetry:      []string{"network", "console"},
	}
	if err := Write(meta); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got == nil {
		t.Fatal("Read() = nil, want metadata")
	}
	if got.WorkerPID != meta.WorkerPID || got.TargetID != meta.TargetID {
		t.Fatalf("got %+v, want %+v", got, meta)
	}
}

func TestReadWithNoSessionReturnsNil(t *testing.T) {
	t.Setenv(pathreg.RootDirEnv, t.TempDir())

	got, err := Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Read() = %+v, want nil", got)
	}
}

func TestRemoveTolerant(t *testing.T) {
	t.Setenv(pathreg.RootDirEnv, t.TempDir())

	if err := Remove(); err != nil {
		t.Fatalf("Remove() on absent file error = %v", err)
	}

	if err := Write(Metadata{WorkerPID: 1}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got, err := Read()
	if err != nil {
		t.Fatalf("Read() after Remove() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Read() after Remove() = %+v, want nil", got)
	}
}
