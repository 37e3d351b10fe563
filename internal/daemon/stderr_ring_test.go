package daemon

import (
	"fmt"
	"strings"
	"testing"
)

func TestStderrRingWrapsAfterCapacity(t *testing.T) {
	ring := newStderrRing(3)
	for i := 0; i < 5; i++ {
		ring.add(fmt.Sprintf("line-%d", i))
	}
	got := ring.Lines()
	want := []string{"line-2", "line-3", "line-4"}
	if len(got) != len(want) {
		t.Fatalf("Lines() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Lines() = %v, want %v", got, want)
		}
	}
}

func TestStderrRingBeforeFull(t *testing.T) {
	ring := newStderrRing(5)
	ring.add("a")
	ring.add("b")
	got := ring.Lines()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Lines() = %v, want [a b]", got)
	}
}

func TestStderrRingDefaultsCapacity(t *testing.T) {
	ring := newStderrRing(0)
	if ring.cap != 50 {
		t.Fatalf("cap = %d, want 50", ring.cap)
	}
}

func TestStderrRingJoinedLines(t *testing.T) {
	ring := newStderrRing(10)
	ring.add("first")
	ring.add("second")
	joined := ring.joinedLines()
	if !strings.Contains(joined, "first") || !strings.Contains(joined, "second") {
		t.Fatalf("joinedLines() = %q, want both lines present", joined)
	}
	if joined != "first\nsecond" {
		t.Fatalf("joinedLines() = %q, want %q", joined, "first\nsecond")
	}
}
