package timing

import (
	"sync"
	"sync/atomic"
	"time"
)

// watchdogPeriod is how often a watchdog compares the last event with the
// clock.
const watchdogPeriod = 100 * time.Millisecond

// watchdog fires expire once when no event was seen for timeout. It is
// re-armed by every start.
type watchdog struct {
	expire func()

	timeout atomic.Int64 // ns, 0 disables
	last    atomic.Int64 // unix ns of the last event
	fired   atomic.Bool

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newWatchdog(expire func()) *watchdog {
	return &watchdog{expire: expire}
}

func (w *watchdog) setTimeout(d time.Duration) {
	w.timeout.Store(int64(d))
}

func (w *watchdog) enabled() bool {
	return w.timeout.Load() > 0
}

// touch records an event.
func (w *watchdog) touch(now time.Time) {
	w.last.Store(now.UnixNano())
}

// check fires expire when the timeout elapsed since the last event. It
// reports whether it fired.
func (w *watchdog) check(now time.Time) bool {
	timeout := w.timeout.Load()
	if timeout <= 0 || w.fired.Load() {
		return false
	}
	if now.UnixNano()-w.last.Load() <= timeout {
		return false
	}
	if !w.fired.CompareAndSwap(false, true) {
		return false
	}
	w.expire()
	return true
}

func (w *watchdog) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil || !w.enabled() {
		return
	}
	w.fired.Store(false)
	w.touch(time.Now())
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go func(stopCh chan struct{}) {
		defer w.wg.Done()
		ticker := time.NewTicker(watchdogPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case now := <-ticker.C:
				w.check(now)
			}
		}
	}(w.stopCh)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	stopCh := w.stopCh
	w.stopCh = nil
	w.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	w.wg.Wait()
}
