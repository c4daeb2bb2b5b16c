// Package coordinator turns bursts of document changes into single render
// cycles and pushes the results to the rendering surface.
package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go-live-preview/internal/cache"
	"go-live-preview/internal/contracts"
	"go-live-preview/internal/debounce"
	"go-live-preview/internal/render"
)

const (
	// DefaultDelay is the quiet period after the last change before rendering.
	DefaultDelay = 100 * time.Millisecond
	// DefaultSlowRender is the render duration logged as a performance warning.
	DefaultSlowRender = 200 * time.Millisecond
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("coordinator closed")

// Document is the text being previewed.
type Document interface {
	// URI identifies the document.
	URI() string
	// Text returns the current contents.
	Text() (string, error)
}

// RenderFunc converts markdown into HTML.
type RenderFunc interface {
	Render(ctx context.Context, markdown string, opts render.Options) (string, error)
}

// Sender delivers a message to the rendering surface.
type Sender interface {
	Send(msg contracts.Message) error
}

// Notifier surfaces errors to the user in the host application.
type Notifier interface {
	NotifyError(msg string)
}

// Coordinator owns the render cache and the single pending update timer for
// the active document.
type Coordinator struct {
	mu       sync.Mutex
	renderer RenderFunc
	cache    *cache.RenderCache
	send     Sender
	notify   Notifier
	options  render.Options

	slowRender   time.Duration
	clearOnClose bool

	debouncer *debounce.Debouncer
	active    Document
	pending   Document

	// gen is bumped whenever a newer render supersedes the in-flight one.
	gen    uint64
	cancel context.CancelFunc

	current string
	closed  bool
}

// Option configures a Coordinator.
type Option func(*config)

type config struct {
	delay        time.Duration
	slowRender   time.Duration
	clearOnClose bool
	notifier     Notifier
}

// WithDelay sets the debounce quiet period.
func WithDelay(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithSlowRenderThreshold sets when a render counts as slow.
func WithSlowRenderThreshold(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.slowRender = d
		}
	}
}

// WithClearOnClose clears the cache when the coordinator is closed.
func WithClearOnClose(clear bool) Option {
	return func(c *config) { c.clearOnClose = clear }
}

// WithNotifier reports render failures to the host.
func WithNotifier(n Notifier) Option {
	return func(c *config) { c.notifier = n }
}

// New creates a coordinator. It takes ownership of rc.
func New(renderer RenderFunc, rc *cache.RenderCache, send Sender, opts render.Options, options ...Option) *Coordinator {
	cfg := config{delay: DefaultDelay, slowRender: DefaultSlowRender}
	for _, o := range options {
		o(&cfg)
	}

	c := &Coordinator{
		renderer:     renderer,
		cache:        rc,
		send:         send,
		notify:       cfg.notifier,
		options:      opts,
		slowRender:   cfg.slowRender,
		clearOnClose: cfg.clearOnClose,
	}
	c.debouncer = debounce.New(cfg.delay, c.fire)
	return c
}

// Changed schedules a render of doc after the quiet period, replacing any
// pending one. Changes to a document other than the active one are ignored.
func (c *Coordinator) Changed(doc Document) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.active == nil || doc.URI() != c.active.URI() {
		return
	}
	c.pending = doc
	c.debouncer.Call()
}

// SetActive makes doc the active document and renders it right away,
// dropping whatever was scheduled for the previous one.
func (c *Coordinator) SetActive(ctx context.Context, doc Document) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.debouncer.Cancel()
	c.active = doc
	c.pending = nil
	c.mu.Unlock()

	return c.Update(ctx)
}

// SetOptions replaces the render options and re-renders the active document.
func (c *Coordinator) SetOptions(ctx context.Context, opts render.Options) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.options = opts
	c.mu.Unlock()

	return c.Update(ctx)
}

// Options returns the current render options.
func (c *Coordinator) Options() render.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options
}

// Current returns the last HTML pushed to the surface.
func (c *Coordinator) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Update renders the active document now, bypassing the debounce.
func (c *Coordinator) Update(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.debouncer.Cancel()
	doc := c.active
	c.mu.Unlock()

	if doc == nil {
		return nil
	}
	return c.run(ctx, doc)
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	doc := c.pending
	c.pending = nil
	closed := c.closed
	c.mu.Unlock()

	if closed || doc == nil {
		return
	}
	_ = c.run(context.Background(), doc)
}

// run renders doc and pushes the outcome, unless a newer render started in
// the meantime.
func (c *Coordinator) run(parent context.Context, doc Document) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.cancel = cancel
	opts := c.options
	c.mu.Unlock()

	if opts.SourcePath == "" {
		opts.SourcePath = doc.URI()
	}

	html, size, err := c.render(ctx, doc, opts)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.cancel = nil
	if err == nil {
		c.current = html
	}
	c.mu.Unlock()

	if err != nil {
		log.Printf("[go-live-preview] render %s (%d bytes): %v", doc.URI(), size, err)
		c.sendLogged(contracts.NewError(err.Error()))
		if c.notify != nil {
			c.notify.NotifyError("markdown preview: " + err.Error())
		}
		return err
	}
	c.sendLogged(contracts.NewUpdate(html))
	return nil
}

// render resolves doc through the cache, falling back to the render function.
// Slow renders are logged but never fail the update.
func (c *Coordinator) render(ctx context.Context, doc Document, opts render.Options) (html string, size int, err error) {
	text, err := doc.Text()
	if err != nil {
		return "", 0, err
	}
	size = len(text)

	hit := false
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > c.slowRender {
			cacheState := "miss"
			if hit {
				cacheState = "hit"
			}
			log.Printf("[go-live-preview] slow render: %s took %s (cache=%s bytes=%d)",
				doc.URI(), elapsed.Round(time.Millisecond), cacheState, size)
		}
	}()

	key, keyErr := cache.GenerateKey(text, opts)
	if keyErr == nil {
		if cached, ok := c.cache.Get(key); ok {
			hit = true
			return cached, size, nil
		}
	} else {
		log.Printf("[go-live-preview] cache key: %v", keyErr)
	}

	html, err = c.renderer.Render(ctx, text, opts)
	if err != nil {
		return "", size, err
	}
	if keyErr == nil {
		c.cache.Set(key, html)
	}
	return html, size, nil
}

func (c *Coordinator) sendLogged(msg contracts.Message) {
	if err := c.send.Send(msg); err != nil {
		log.Printf("[go-live-preview] send %s: %v", msg.MessageType(), err)
	}
}

// Cache exposes the render cache for inspection.
func (c *Coordinator) Cache() *cache.RenderCache {
	return c.cache
}

// Close cancels the pending timer and any in-flight render, and releases the
// cache.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.mu.Unlock()

	c.debouncer.Stop()
	c.cache.Close()
	if c.clearOnClose {
		c.cache.Clear()
	}
}
