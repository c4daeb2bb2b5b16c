// Package app wires one preview session: the update coordinator, the scroll
// sync manager for the active document, and the surface transport.
package app

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	"go-live-preview/internal/cache"
	"go-live-preview/internal/config"
	"go-live-preview/internal/contracts"
	"go-live-preview/internal/coordinator"
	"go-live-preview/internal/render"
	"go-live-preview/internal/scrollsync"
)

// Sender delivers a message to the rendering surface.
type Sender interface {
	Send(msg contracts.Message) error
}

// Opener opens a URL outside the preview.
type Opener interface {
	Open(url string) error
}

// LivePreview routes messages between the text side and the surface.
type LivePreview struct {
	send   Sender
	opener Opener
	coord  *coordinator.Coordinator
	timing scrollsync.Timing

	mu         sync.Mutex
	scroll     *scrollsync.Manager
	scrollSync bool
	closed     bool
}

// NewLivePreview builds a session from cfg. notifier and opener may be nil.
func NewLivePreview(send Sender, renderer coordinator.RenderFunc, cfg *config.Config, opener Opener, notifier coordinator.Notifier) *LivePreview {
	rc := cache.New(cfg.CacheOptions()...)
	if cfg.Cache.CleanupInterval > 0 {
		rc.StartJanitor(cfg.Cache.CleanupInterval)
	}

	opts := cfg.CoordinatorOptions()
	if notifier != nil {
		opts = append(opts, coordinator.WithNotifier(notifier))
	}

	return &LivePreview{
		send:       send,
		opener:     opener,
		coord:      coordinator.New(renderer, rc, send, cfg.RenderOptions(), opts...),
		timing:     cfg.Timing(),
		scrollSync: cfg.ScrollSync,
	}
}

// Switch makes doc the previewed document. The scroll manager of the previous
// document is disposed and a new one is bound to view; a nil view disables
// scroll sync for doc.
func (s *LivePreview) Switch(ctx context.Context, doc coordinator.Document, view scrollsync.SourceView) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return coordinator.ErrClosed
	}
	if s.scroll != nil {
		s.scroll.Close()
		s.scroll = nil
	}
	if view != nil {
		m, err := scrollsync.NewManager(view, s.send, s.timing)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		m.SetEnabled(s.scrollSync)
		s.scroll = m
	}
	s.mu.Unlock()

	return s.coord.SetActive(ctx, doc)
}

// Changed reports an edit to doc.
func (s *LivePreview) Changed(doc coordinator.Document) {
	s.coord.Changed(doc)
}

// SourceScrolled reports that the text view shows topLine (0-based) first.
func (s *LivePreview) SourceScrolled(topLine, totalLines int) bool {
	s.mu.Lock()
	m := s.scroll
	s.mu.Unlock()
	if m == nil {
		return false
	}
	return m.SourceScrolled(topLine, totalLines)
}

// SetScrollSync turns scroll synchronization on or off.
func (s *LivePreview) SetScrollSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollSync = enabled
	if s.scroll != nil {
		s.scroll.SetEnabled(enabled)
	}
}

// ScrollSync reports whether scroll synchronization is on.
func (s *LivePreview) ScrollSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollSync
}

// Options returns the active render options.
func (s *LivePreview) Options() render.Options {
	return s.coord.Options()
}

// HandleMessage processes one message from the surface.
func (s *LivePreview) HandleMessage(msg contracts.Message) {
	ctx := context.Background()

	switch m := msg.(type) {
	case contracts.ReadyMessage:
		s.replay(ctx)
	case contracts.ScrollMessage:
		s.mu.Lock()
		sm := s.scroll
		s.mu.Unlock()
		if sm != nil {
			sm.SurfaceScrolled(m)
		}
	case contracts.OpenExternalMessage:
		if err := s.openExternal(m.URL); err != nil {
			log.Printf("[go-live-preview] open external: %v", err)
		}
	case contracts.ErrorMessage:
		log.Printf("[go-live-preview] surface error: %s", m.Message)
	case contracts.ChangeMarkdownStyleMessage:
		opts := s.coord.Options()
		opts.MarkdownStyle = m.Style
		s.applyOptions(ctx, opts)
	case contracts.ChangeCodeThemeMessage:
		opts := s.coord.Options()
		opts.CodeTheme = m.Theme
		s.applyOptions(ctx, opts)
	default:
		log.Printf("[go-live-preview] unexpected %s message from surface", msg.MessageType())
	}
}

// replay brings a freshly connected surface up to date.
func (s *LivePreview) replay(ctx context.Context) {
	opts := s.coord.Options()
	s.sendLogged(contracts.NewConfig(opts.MarkdownStyle, opts.CodeTheme))

	if current := s.coord.Current(); current != "" {
		s.sendLogged(contracts.NewUpdate(current))
		return
	}
	if err := s.coord.Update(ctx); err != nil {
		log.Printf("[go-live-preview] initial render: %v", err)
	}
}

func (s *LivePreview) applyOptions(ctx context.Context, opts render.Options) {
	if err := opts.Validate(); err != nil {
		log.Printf("[go-live-preview] options: %v", err)
		return
	}
	s.sendLogged(contracts.NewConfig(opts.MarkdownStyle, opts.CodeTheme))
	if err := s.coord.SetOptions(ctx, opts); err != nil {
		log.Printf("[go-live-preview] re-render: %v", err)
	}
}

func (s *LivePreview) openExternal(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto":
	default:
		return fmt.Errorf("refusing to open %q: scheme %q not allowed", raw, u.Scheme)
	}
	if s.opener == nil {
		return fmt.Errorf("no opener for %q", raw)
	}
	return s.opener.Open(raw)
}

func (s *LivePreview) sendLogged(msg contracts.Message) {
	if err := s.send.Send(msg); err != nil {
		log.Printf("[go-live-preview] send %s: %v", msg.MessageType(), err)
	}
}

// Close disposes the scroll manager and the coordinator.
func (s *LivePreview) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.scroll != nil {
		s.scroll.Close()
		s.scroll = nil
	}
	s.mu.Unlock()

	s.coord.Close()
}
