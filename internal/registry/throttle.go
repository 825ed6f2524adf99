package registry

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// scanState is the rescan state of one throttle key.
type scanState int

const (
	stateIdle      scanState = iota // no scan pending or running
	stateScheduled                  // a deferred scan is armed on a timer
	stateInFlight                   // a scan is running
)

func (s scanState) String() string {
	switch s {
	case stateScheduled:
		return "scheduled"
	case stateInFlight:
		return "in-flight"
	}
	return "idle"
}

type throttleEntry struct {
	state   scanState
	lastRun time.Time
	hasRun  bool
	timer   Timer
}

// throttle enforces a minimum interval between scans per key (an instance
// or a global scan group) and coalesces concurrent triggers.
//
// Transitions:
//
//	idle      --trigger, interval elapsed-->   in-flight
//	idle      --trigger, too soon-->           scheduled (timer armed)
//	scheduled --timer fires-->                 in-flight
//	in-flight --scan completes-->              idle
//
// Triggers in scheduled or in-flight are absorbed. Forced runs skip the
// interval check but still share an in-flight scan through singleflight.
type throttle struct {
	clock    Clock
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*throttleEntry
	closed  bool

	group singleflight.Group
	wg    sync.WaitGroup
}

func newThrottle(clock Clock, interval time.Duration) *throttle {
	return &throttle{
		clock:    clock,
		interval: interval,
		entries:  make(map[string]*throttleEntry),
	}
}

func (t *throttle) entry(key string) *throttleEntry {
	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry{}
		t.entries[key] = e
	}
	return e
}

// trigger requests an asynchronous run of fn for key. It never blocks on
// the scan itself.
func (t *throttle) trigger(key string, fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	e := t.entry(key)
	if e.state != stateIdle {
		return
	}
	now := t.clock.Now()
	if e.hasRun {
		if wait := t.interval - now.Sub(e.lastRun); wait > 0 {
			e.state = stateScheduled
			e.timer = t.clock.AfterFunc(wait, func() { t.fire(key, fn) })
			return
		}
	}
	t.startLocked(e, now)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(key, fn)
	}()
}

func (t *throttle) fire(key string, fn func() error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if t.closed || !ok || e.state != stateScheduled {
		t.mu.Unlock()
		return
	}
	e.timer = nil
	t.startLocked(e, t.clock.Now())
	t.wg.Add(1)
	t.mu.Unlock()

	defer t.wg.Done()
	t.run(key, fn)
}

// runNow runs fn for key synchronously regardless of the interval. A pending
// deferred run is cancelled; a scan already in flight is joined instead of
// duplicated.
func (t *throttle) runNow(key string, fn func() error) error {
	t.mu.Lock()
	e := t.entry(key)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	t.startLocked(e, t.clock.Now())
	t.mu.Unlock()

	return t.run(key, fn)
}

func (t *throttle) startLocked(e *throttleEntry, now time.Time) {
	e.state = stateInFlight
	e.lastRun = now
	e.hasRun = true
}

func (t *throttle) run(key string, fn func() error) error {
	_, err, _ := t.group.Do(key, func() (any, error) {
		return nil, fn()
	})

	t.mu.Lock()
	if e, ok := t.entries[key]; ok && e.state == stateInFlight {
		e.state = stateIdle
	}
	t.mu.Unlock()
	return err
}

// state reports the current state of key.
func (t *throttle) state(key string) scanState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.state
	}
	return stateIdle
}

// forget drops key, cancelling any deferred run.
func (t *throttle) forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, key)
	}
}

// close cancels deferred runs and waits for asynchronous scans to finish.
func (t *throttle) close() {
	t.mu.Lock()
	t.closed = true
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.state == stateScheduled {
			e.state = stateIdle
		}
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// wait blocks until asynchronous scans started so far have finished.
func (t *throttle) wait() {
	t.wg.Wait()
}
