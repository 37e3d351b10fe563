package readiness

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

const (
	domLearnWindow = time.Second
	domPollEvery   = 100 * time.Millisecond
)

// injectMutationObserverScript installs a single global MutationObserver
// (idempotent: re-running it is a no-op if one is already attached) that
// tracks a mutation count and the timestamp of the most recent mutation.
const injectMutationObserverScript = `(function(){
  if (window.__bdgDomObserver) { return true; }
  window.__bdgDomMutations = 0;
  window.__bdgDomLastMutation = Date.now();
  var obs = new MutationObserver(function(){
    window.__bdgDomMutations++;
    window.__bdgDomLastMutation = Date.now();
  });
  obs.observe(document, {subtree:true, childList:true, attributes:true, characterData:true});
  window.__bdgDomObserver = obs;
  return true;
})()`

const disconnectMutationObserverScript = `(function(){
  if (window.__bdgDomObserver) {
    window.__bdgDomObserver.disconnect();
    window.__bdgDomObserver = null;
  }
  return true;
})()`

func (d *Detector) awaitDOMStable(ctx context.Context, deadline time.Time) {
	if _, err := d.t.Send(ctx, "Page.enable", nil); err != nil {
		log.Printf("readiness: Page.enable (dom-stable) failed: %v", err)
		return
	}
	if _, err := d.t.Send(ctx, "DOM.enable", nil); err != nil {
		log.Printf("readiness: DOM.enable failed: %v", err)
		return
	}
	if _, err := d.t.Send(ctx, "Runtime.enable", nil); err != nil {
		log.Printf("readiness: Runtime.enable failed: %v", err)
		return
	}
	defer d.disconnectMutationObserver()

	if _, err := d.evaluateRaw(ctx, injectMutationObserverScript); err != nil {
		log.Printf("readiness: failed to inject MutationObserver: %v", err)
		return
	}

	waitUntil(ctx, earlier(time.Now().Add(domLearnWindow), deadline))

	mutations, err := d.mutationCount(ctx)
	if err != nil {
		log.Printf("readiness: reading mutation count failed: %v", err)
	}
	threshold := domStableThreshold(mutations)

	ticker := time.NewTicker(domPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("readiness: deadline elapsed waiting for dom-stable")
			return
		case <-ticker.C:
			elapsed, err := d.sinceLastMutation(ctx)
			if err != nil {
				continue
			}
			if elapsed > threshold {
				return
			}
		}
	}
}

func (d *Detector) mutationCount(ctx context.Context) (int, error) {
	raw, err := d.evaluateRaw(ctx, "window.__bdgDomMutations || 0")
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Detector) sinceLastMutation(ctx context.Context) (time.Duration, error) {
	raw, err := d.evaluateRaw(ctx, "Date.now() - (window.__bdgDomLastMutation || Date.now())")
	if err != nil {
		return 0, err
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0, err
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// disconnectMutationObserver always tears the observer down on exit, per
// spec.md §4.3, using its own short-lived context so a blown overall
// deadline never skips cleanup.
func (d *Detector) disconnectMutationObserver() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.evaluateRaw(ctx, disconnectMutationObserverScript); err != nil {
		log.Printf("readiness: failed to disconnect MutationObserver: %v", err)
	}
}

// domStableThreshold implements the mutation-rate mapping from
// spec.md §4.3, where mutations is the count observed over the ~1s
// learning window (so it already approximates a per-second rate).
func domStableThreshold(mutations int) time.Duration {
	switch {
	case mutations > 50:
		return 1000 * time.Millisecond
	case mutations > 10:
		return 500 * time.Millisecond
	default:
		return 300 * time.Millisecond
	}
}
