package scrollsync

import (
	"sync"
	"time"
)

// State is the suppression state of one scroll direction.
type State int

const (
	// Idle lets events through.
	Idle State = iota
	// Suppressing drops events; it lapses back to Idle after the quiet
	// window.
	Suppressing
)

func (s State) String() string {
	if s == Suppressing {
		return "suppressing"
	}
	return "idle"
}

// Guard is the two-state machine guarding one scroll direction. Suppress
// moves it to Suppressing and (re)arms a timer that moves it back to Idle.
// A stopped guard stays Idle and never arms a timer again.
type Guard struct {
	mu      sync.Mutex
	state   State
	window  time.Duration
	timer   *time.Timer
	seq     uint64
	stopped bool
}

// NewGuard creates an idle guard whose suppression lasts window.
func NewGuard(window time.Duration) *Guard {
	return &Guard{window: window}
}

// Suppress enters Suppressing, restarting the quiet window.
func (g *Guard) Suppress() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.state = Suppressing
	g.seq++
	seq := g.seq
	g.timer = time.AfterFunc(g.window, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.seq == seq {
			g.state = Idle
			g.timer = nil
		}
	})
}

// Release returns to Idle immediately.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked()
}

// Active reports whether the guard is Suppressing.
func (g *Guard) Active() bool {
	return g.State() == Suppressing
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Stop releases the guard and disables it.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked()
	g.stopped = true
}

func (g *Guard) releaseLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.seq++
	g.state = Idle
}
