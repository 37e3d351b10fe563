package worker

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/bdg-dev/bdg/internal/pathreg"
)

// previewWriter periodically flushes the store's preview and full
// snapshots to disk (spec.md §4.5 "Preview writer"). A mutex guarantees
// at most one write cycle runs at a time; a tick that arrives while the
// previous cycle is still writing is skipped with a warning rather than
// queued.
type previewWriter struct {
	store       *Store
	previewPath string
	fullPath    string
	interval    time.Duration
	writeMu     sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func newPreviewWriter(store *Store, previewPath, fullPath string, interval time.Duration) *previewWriter {
	return &previewWriter{
		store:       store,
		previewPath: previewPath,
		fullPath:    fullPath,
		interval:    interval,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// start runs the periodic flush loop in a background goroutine.
func (w *previewWriter) start() {
	go w.run()
}

func (w *previewWriter) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *previewWriter) tick() {
	if !w.writeMu.TryLock() {
		log.Printf("worker: preview write skipped, previous cycle still in flight")
		return
	}
	defer w.writeMu.Unlock()
	w.writeOnce()
}

func (w *previewWriter) writeOnce() {
	if err := writeSnapshot(w.previewPath, w.store.Snapshot(modePreview)); err != nil {
		log.Printf("worker: preview snapshot write failed: %v", err)
	}
	if err := writeSnapshot(w.fullPath, w.store.Snapshot(modeFull)); err != nil {
		log.Printf("worker: full snapshot write failed: %v", err)
	}
}

// stop halts the ticker and awaits any in-flight write cycle before
// returning, per spec.md §4.5's shutdown sequencing.
func (w *previewWriter) stop() {
	close(w.stopCh)
	<-w.doneCh
}

func writeSnapshot(path string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return pathreg.WriteAtomic(path, data, 0o600)
}
