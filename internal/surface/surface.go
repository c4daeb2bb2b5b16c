// Package surface is the rendering side of the preview. A Surface owns the
// live content tree, applies updates through the patch engine, and reports
// user scrolls, link clicks and presentation choices back to the
// orchestrator.
package surface

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"go-live-preview/internal/contracts"
	"go-live-preview/internal/debounce"
	"go-live-preview/internal/patch"
	"go-live-preview/internal/scrollsync"
)

// ErrClosed is returned by operations on a closed surface.
var ErrClosed = errors.New("surface closed")

// Sender delivers a message to the orchestrator.
type Sender interface {
	Send(msg contracts.Message) error
}

// State is a snapshot of what the surface is showing.
type State struct {
	Config    contracts.ConfigMessage
	LastError string
	LastPatch patch.Result
	// Percent and Line are the last position applied from the text view.
	Percent float64
	Line    int
	// AnchorLine is the 0-based source line of the block the surface
	// scrolled to, or -1 when no block matched.
	AnchorLine int
}

// Surface is safe for concurrent use.
type Surface struct {
	mu     sync.Mutex
	send   Sender
	engine *patch.Engine
	closed bool

	// applying is Suppressing while a text view scroll is being applied, so
	// the resulting scroll events are not reported back.
	applying  *scrollsync.Guard
	debouncer *debounce.Debouncer

	pendingPercent float64
	pendingLine    int

	links map[string]struct{}
	state State
}

// New creates an empty surface.
func New(send Sender, timing scrollsync.Timing) (*Surface, error) {
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	s := &Surface{
		send:     send,
		applying: scrollsync.NewGuard(timing.SuppressWindow),
		links:    make(map[string]struct{}),
		state:    State{AnchorLine: -1},
	}
	s.engine = patch.New(s.bindLinks)
	s.debouncer = debounce.New(timing.SurfaceDebounce, s.flushScroll)
	return s, nil
}

// HandleRaw decodes an inbound payload and handles it. Malformed payloads are
// logged and dropped.
func (s *Surface) HandleRaw(raw []byte) error {
	msg, err := contracts.Decode(contracts.ToSurface, raw)
	if err != nil {
		log.Printf("[go-live-preview] surface: drop inbound message: %v", err)
		return err
	}
	return s.Handle(msg)
}

// Handle applies one orchestrator message.
func (s *Surface) Handle(msg contracts.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	switch m := msg.(type) {
	case contracts.UpdateMessage:
		res, err := s.engine.Apply(m.HTML)
		if err != nil {
			s.state.LastError = err.Error()
			return fmt.Errorf("apply update: %w", err)
		}
		s.state.LastPatch = res
		s.state.LastError = ""
	case contracts.ErrorMessage:
		s.state.LastError = m.Message
	case contracts.ScrollFromSourceMessage:
		s.applying.Suppress()
		s.debouncer.Cancel()
		s.state.Percent = m.Percent
		s.state.Line = m.Line
		s.state.AnchorLine = anchorLine(s.engine.Root(), m.Line)
	case contracts.ConfigMessage:
		s.state.Config = m
	default:
		return fmt.Errorf("%w: %q", contracts.ErrUnknownKind, msg.MessageType())
	}
	return nil
}

// Ready tells the orchestrator the surface is listening.
func (s *Surface) Ready() error {
	return s.sendOpen(contracts.NewReady())
}

// UserScrolled records a scroll by the user. line is the 0-based source line
// at the top of the viewport, or negative when unknown. It reports whether the
// event was accepted; scrolls caused by applying a text view position are
// not.
func (s *Surface) UserScrolled(percent float64, line int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.applying.Active() {
		return false
	}
	s.pendingPercent = percent
	s.pendingLine = line
	s.debouncer.Call()
	return true
}

func (s *Surface) flushScroll() {
	s.mu.Lock()
	if s.closed || s.applying.Active() {
		s.mu.Unlock()
		return
	}
	msg := contracts.NewScroll(s.pendingPercent, s.pendingLine)
	s.mu.Unlock()

	if err := s.send.Send(msg); err != nil {
		log.Printf("[go-live-preview] surface: send scroll: %v", err)
	}
}

// ClickLink handles a click on href. Only links present in the current
// content are handled. Fragment links stay inside the surface; web and mail
// links are handed to the orchestrator to open externally.
func (s *Surface) ClickLink(href string) (bool, error) {
	s.mu.Lock()
	_, known := s.links[href]
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return false, ErrClosed
	}
	if !known {
		return false, nil
	}
	if strings.HasPrefix(href, "#") {
		return true, nil
	}
	if !opensExternally(href) {
		return false, nil
	}
	return true, s.send.Send(contracts.NewOpenExternal(href))
}

// ChooseMarkdownStyle asks the orchestrator to switch markdown style.
func (s *Surface) ChooseMarkdownStyle(style string) error {
	return s.sendOpen(contracts.NewChangeMarkdownStyle(style))
}

// ChooseCodeTheme asks the orchestrator to switch code theme.
func (s *Surface) ChooseCodeTheme(theme string) error {
	return s.sendOpen(contracts.NewChangeCodeTheme(theme))
}

// ReportError forwards a surface-side failure to the orchestrator.
func (s *Surface) ReportError(msg string) error {
	return s.sendOpen(contracts.NewError(msg))
}

// HTML serializes the live content.
func (s *Surface) HTML() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.HTML()
}

// State returns a snapshot.
func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Links returns the intercepted links of the current content, sorted.
func (s *Surface) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.links))
	for href := range s.links {
		out = append(out, href)
	}
	sort.Strings(out)
	return out
}

// Close cancels all timers. The surface ignores messages afterwards.
func (s *Surface) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.debouncer.Stop()
	s.applying.Stop()
}

func (s *Surface) sendOpen(msg contracts.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.send.Send(msg)
}

// bindLinks rebuilds the link table after every update. It runs under s.mu,
// from inside Apply.
func (s *Surface) bindLinks(root *html.Node) {
	clear(s.links)
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		if href, ok := attr(n, "href"); ok && href != "" {
			s.links[href] = struct{}{}
		}
	})
}

// anchorLine finds the last block starting at or before the 0-based line.
func anchorLine(root *html.Node, line int) int {
	best := -1
	walk(root, func(n *html.Node) {
		v, ok := attr(n, "data-md-line")
		if !ok {
			return
		}
		start, err := strconv.Atoi(v)
		if err != nil {
			return
		}
		if start-1 <= line && start-1 > best {
			best = start - 1
		}
	})
	return best
}

func opensExternally(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto":
		return true
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
