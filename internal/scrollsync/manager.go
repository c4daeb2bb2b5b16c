// Package scrollsync keeps the text view and the rendering surface scrolled
// to the same place without letting either side's mechanical scroll bounce
// back as a new user scroll.
//
// Each direction has a Guard. Dispatching a scroll outward puts the guard
// for that direction into Suppressing; while it is suppressing, events from
// the opposite side are treated as the echo of the dispatched scroll and
// dropped. The suppression window must outlast the opposite side's debounce
// so the echo always lands inside it.
package scrollsync

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"go-live-preview/internal/contracts"
	"go-live-preview/internal/debounce"
)

const (
	// SourceDebounce is the quiet period before a text view scroll is sent.
	SourceDebounce = 100 * time.Millisecond
	// SurfaceDebounce is the quiet period before a surface scroll is sent.
	SurfaceDebounce = 100 * time.Millisecond
	// SuppressWindow is how long echoes are dropped after a dispatch.
	SuppressWindow = 150 * time.Millisecond
)

// ErrTiming is returned for a suppression window that does not outlast both
// debounce windows.
var ErrTiming = errors.New("suppression window must exceed both debounce windows")

// Timing holds the debounce and suppression windows.
type Timing struct {
	SourceDebounce  time.Duration
	SurfaceDebounce time.Duration
	SuppressWindow  time.Duration
}

// DefaultTiming returns the package constants.
func DefaultTiming() Timing {
	return Timing{
		SourceDebounce:  SourceDebounce,
		SurfaceDebounce: SurfaceDebounce,
		SuppressWindow:  SuppressWindow,
	}
}

// Validate enforces SuppressWindow > max(SourceDebounce, SurfaceDebounce).
func (t Timing) Validate() error {
	if t.SourceDebounce <= 0 || t.SurfaceDebounce <= 0 {
		return fmt.Errorf("%w: debounce windows must be positive", ErrTiming)
	}
	if t.SuppressWindow <= max(t.SourceDebounce, t.SurfaceDebounce) {
		return fmt.Errorf("%w: suppress=%s source=%s surface=%s",
			ErrTiming, t.SuppressWindow, t.SourceDebounce, t.SurfaceDebounce)
	}
	return nil
}

// SourceView is the editable text view.
type SourceView interface {
	// LineCount returns the number of lines in the document.
	LineCount() (int, error)
	// RevealLine scrolls so that the 0-based line is the first visible one.
	RevealLine(line int) error
}

// Sender delivers a message to the rendering surface.
type Sender interface {
	Send(msg contracts.Message) error
}

// ScrollState is a snapshot of the manager.
type ScrollState struct {
	OriginatingFromSource  bool
	OriginatingFromSurface bool
	Percent                float64
	Line                   int
}

// Manager synchronizes scrolling for one document. It is bound to the
// document's view and must be closed when the document goes away.
type Manager struct {
	mu      sync.Mutex
	view    SourceView
	send    Sender
	enabled bool
	closed  bool

	// fromSource is Suppressing after a text view scroll was sent to the
	// surface; fromSurface after a surface scroll was applied to the view.
	fromSource  *Guard
	fromSurface *Guard
	debouncer   *debounce.Debouncer

	pendingTop   int
	pendingTotal int

	percent float64
	line    int
}

// NewManager creates an enabled manager.
func NewManager(view SourceView, send Sender, timing Timing) (*Manager, error) {
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		view:        view,
		send:        send,
		enabled:     true,
		fromSource:  NewGuard(timing.SuppressWindow),
		fromSurface: NewGuard(timing.SuppressWindow),
	}
	m.debouncer = debounce.New(timing.SourceDebounce, m.flushSource)
	return m, nil
}

// SetEnabled turns synchronization on or off.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
	if !enabled {
		m.debouncer.Cancel()
	}
}

// SourceScrolled records that the text view now shows topLine (0-based) as
// its first visible line. It reports whether the event was accepted; echoes
// of a surface-driven scroll are not.
func (m *Manager) SourceScrolled(topLine, totalLines int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.enabled || m.fromSurface.Active() {
		return false
	}
	m.pendingTop = topLine
	m.pendingTotal = totalLines
	m.debouncer.Call()
	return true
}

func (m *Manager) flushSource() {
	m.mu.Lock()
	if m.closed || !m.enabled || m.fromSurface.Active() {
		m.mu.Unlock()
		return
	}
	total := m.pendingTotal
	line := clampLine(m.pendingTop, total)
	percent := Fraction(line, total)

	m.fromSurface.Release()
	m.fromSource.Suppress()
	m.percent, m.line = percent, line
	m.mu.Unlock()

	if err := m.send.Send(contracts.NewScrollFromSource(percent, line)); err != nil {
		log.Printf("[go-live-preview] scroll: send to surface: %v", err)
	}
}

// SurfaceScrolled applies a surface scroll report to the text view. It
// reports whether the view was moved; echoes of a source-driven scroll are
// dropped.
func (m *Manager) SurfaceScrolled(msg contracts.ScrollMessage) bool {
	m.mu.Lock()
	if m.closed || !m.enabled || m.fromSource.Active() {
		m.mu.Unlock()
		return false
	}
	m.fromSource.Release()
	m.fromSurface.Suppress()
	m.debouncer.Cancel()
	m.mu.Unlock()

	total, err := m.view.LineCount()
	if err != nil {
		log.Printf("[go-live-preview] scroll: line count: %v", err)
		return false
	}
	line := TargetLine(msg.Percent, msg.Line, total)
	if err := m.view.RevealLine(line); err != nil {
		log.Printf("[go-live-preview] scroll: reveal line %d: %v", line, err)
		return false
	}

	m.mu.Lock()
	m.percent, m.line = Fraction(line, total), line
	m.mu.Unlock()
	return true
}

// State returns a snapshot of the manager.
func (m *Manager) State() ScrollState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ScrollState{
		OriginatingFromSource:  m.fromSource.Active(),
		OriginatingFromSurface: m.fromSurface.Active(),
		Percent:                m.percent,
		Line:                   m.line,
	}
}

// Close cancels every timer. The manager ignores all events afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.debouncer.Stop()
	m.fromSource.Stop()
	m.fromSurface.Stop()
}

// Fraction maps a 0-based line to a scroll fraction in [0,1].
func Fraction(line, totalLines int) float64 {
	if totalLines <= 1 {
		return 0
	}
	f := float64(line) / float64(totalLines-1)
	return math.Max(0, math.Min(1, f))
}

// TargetLine resolves a surface position to a 0-based line in a document of
// totalLines lines. An explicit line wins over the fraction.
func TargetLine(percent float64, line *int, totalLines int) int {
	if totalLines <= 0 {
		return 0
	}
	if line != nil {
		return clampLine(*line, totalLines)
	}
	if math.IsNaN(percent) {
		percent = 0
	}
	percent = math.Max(0, math.Min(1, percent))
	return clampLine(int(math.Floor(percent*float64(totalLines-1))), totalLines)
}

func clampLine(line, totalLines int) int {
	if line < 0 || totalLines <= 0 {
		return 0
	}
	if line > totalLines-1 {
		return totalLines - 1
	}
	return line
}
