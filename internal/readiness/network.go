package readiness

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bdg-dev/bdg/internal/cdp"
)

const (
	networkLearnWindow = 2 * time.Second
	networkPollEvery   = 50 * time.Millisecond
)

func (d *Detector) awaitNetworkStable(ctx context.Context, deadline time.Time) {
	if _, err := d.t.Send(ctx, "Network.enable", nil); err != nil {
		log.Printf("readiness: Network.enable failed: %v", err)
		return
	}

	var mu sync.Mutex
	inFlight := 0
	lastActivity := time.Now()
	var lastArrival time.Time
	var intervals []time.Duration

	onSent := d.t.On("Network.requestWillBeSent", func(cdp.Event) {
		mu.Lock()
		now := time.Now()
		if !lastArrival.IsZero() {
			intervals = append(intervals, now.Sub(lastArrival))
		}
		lastArrival = now
		inFlight++
		lastActivity = now
		mu.Unlock()
	})
	defer d.t.Off("Network.requestWillBeSent", onSent)

	release := func() {
		mu.Lock()
		if inFlight > 0 {
			inFlight--
		}
		lastActivity = time.Now()
		mu.Unlock()
	}
	onFinished := d.t.On("Network.loadingFinished", func(cdp.Event) { release() })
	defer d.t.Off("Network.loadingFinished", onFinished)
	onFailed := d.t.On("Network.loadingFailed", func(cdp.Event) { release() })
	defer d.t.Off("Network.loadingFailed", onFailed)

	waitUntil(ctx, earlier(time.Now().Add(networkLearnWindow), deadline))

	mu.Lock()
	mean := meanInterval(intervals)
	mu.Unlock()
	threshold := networkIdleThreshold(mean)

	ticker := time.NewTicker(networkPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("readiness: deadline elapsed waiting for network-stable")
			return
		case <-ticker.C:
			mu.Lock()
			idle := inFlight == 0 && time.Since(lastActivity) > threshold
			mu.Unlock()
			if idle {
				return
			}
		}
	}
}

func meanInterval(intervals []time.Duration) time.Duration {
	if len(intervals) == 0 {
		return 0
	}
	var sum time.Duration
	for _, iv := range intervals {
		sum += iv
	}
	return sum / time.Duration(len(intervals))
}

// networkIdleThreshold implements the mapping named in spec.md §4.3:
// faster traffic gets a shorter idle bar, slower traffic a longer one.
func networkIdleThreshold(mean time.Duration) time.Duration {
	switch {
	case mean < 100*time.Millisecond:
		return 200 * time.Millisecond
	case mean < 500*time.Millisecond:
		return 500 * time.Millisecond
	default:
		return 1000 * time.Millisecond
	}
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func waitUntil(ctx context.Context, t time.Time) {
	d := time.Until(t)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
