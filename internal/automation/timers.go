package automation

import (
	"sync"
	"sync/atomic"
	"time"
)

// timerKind distinguishes the two deferred tasks an action can own.
type timerKind string

const (
	timerDelay  timerKind = "delay"  // deferred execution of the action itself
	timerRevert timerKind = "revert" // auto-off after duration_seconds
)

// timerKey identifies one deferred task within an automation.
// Epoch is the run sequence, so two runs of the same action never collide.
type timerKey struct {
	actionIndex int
	epoch       uint64
	kind        timerKind
}

// timerTable holds pending deferred tasks grouped by automation.
//
// Each automation carries a generation. Cancel bumps it, which both stops
// every pending timer of that automation and makes any run still holding
// the old generation unable to schedule more. Cancel is O(timers of that
// automation), never a scan of the whole table.
type timerTable struct {
	mu      sync.Mutex
	clock   Clock
	byOwner map[string]*ownerTimers
	nextGen atomic.Uint64
}

type ownerTimers struct {
	generation uint64
	timers     map[timerKey]Timer
}

func newTimerTable(clock Clock) *timerTable {
	return &timerTable{
		clock:   clock,
		byOwner: make(map[string]*ownerTimers),
	}
}

// owner returns the entry for id, creating it. Caller holds t.mu.
func (t *timerTable) owner(id string) *ownerTimers {
	o, ok := t.byOwner[id]
	if !ok {
		o = &ownerTimers{
			generation: t.nextGen.Add(1),
			timers:     make(map[timerKey]Timer),
		}
		t.byOwner[id] = o
	}
	return o
}

// Generation returns the current generation for an automation.
// A run captures it at start and passes it to schedule and Current.
func (t *timerTable) Generation(id string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner(id).generation
}

// Current reports whether gen is still the live generation for id.
func (t *timerTable) Current(id string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byOwner[id]
	return ok && o.generation == gen
}

// Schedule arms fn to run after d. It returns false without arming when
// the automation was cancelled since gen was captured.
func (t *timerTable) Schedule(id string, gen uint64, key timerKey, d time.Duration, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.byOwner[id]
	if !ok || o.generation != gen {
		return false
	}

	if old, exists := o.timers[key]; exists {
		old.Stop()
	}
	o.timers[key] = t.clock.AfterFunc(d, func() {
		if t.release(id, gen, key) {
			fn()
		}
	})
	return true
}

// release removes a fired timer. It reports false when the timer was
// cancelled between firing and acquiring the lock.
func (t *timerTable) release(id string, gen uint64, key timerKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.byOwner[id]
	if !ok || o.generation != gen {
		return false
	}
	if _, pending := o.timers[key]; !pending {
		return false
	}
	delete(o.timers, key)
	return true
}

// Cancel stops every pending timer of an automation and invalidates its
// current generation. It returns the number of timers stopped.
func (t *timerTable) Cancel(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.byOwner[id]
	if !ok {
		return 0
	}
	n := len(o.timers)
	for _, tm := range o.timers {
		tm.Stop()
	}
	o.timers = make(map[timerKey]Timer)
	o.generation = t.nextGen.Add(1)
	return n
}

// Remove cancels an automation and drops its entry. Generations come from
// one counter, so a run still holding the old one stays invalid even if
// the id is created again.
func (t *timerTable) Remove(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.byOwner[id]
	if !ok {
		return 0
	}
	for _, tm := range o.timers {
		tm.Stop()
	}
	delete(t.byOwner, id)
	return len(o.timers)
}

// owners returns the number of automations with an entry.
func (t *timerTable) owners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byOwner)
}

// CancelAll cancels every automation. Used on shutdown.
func (t *timerTable) CancelAll() int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.byOwner))
	for id := range t.byOwner {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	total := 0
	for _, id := range ids {
		total += t.Cancel(id)
	}
	return total
}

// Pending returns the number of armed timers for an automation.
func (t *timerTable) Pending(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.byOwner[id]; ok {
		return len(o.timers)
	}
	return 0
}
