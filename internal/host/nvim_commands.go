package host

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"go-live-preview/internal/app"
	"go-live-preview/internal/config"
	"go-live-preview/internal/contracts"
	"go-live-preview/internal/render"
	httpserver "go-live-preview/internal/transport/http"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
)

// bufferEval is evaluated by Neovim when a buffer autocmd fires.
type bufferEval struct {
	Buffer int    `eval:"bufnr()"`
	Name   string `eval:"expand('<afile>:p')"`
}

// scrollEval is evaluated by Neovim when a window scrolls.
type scrollEval struct {
	Buffer int `eval:"bufnr()"`
	Top    int `eval:"line('w0')"`
	Total  int `eval:"line('$')"`
}

// Commands is the state container for the Neovim handlers. It owns the
// preview server and the session, and tracks which buffer is previewed.
type Commands struct {
	cfg *config.Config

	mu      sync.Mutex
	server  *httpserver.PreviewServer
	preview *app.LivePreview
	active  *bufferDocument
}

// NewCommands creates idle handlers. Nothing listens until the start command.
func NewCommands(cfg *config.Config) *Commands {
	return &Commands{cfg: cfg}
}

// Register registers Neovim command and autocmd handlers.
func Register(p *plugin.Plugin, cfg *config.Config) error {
	c := NewCommands(cfg)

	p.Handle("poll", func() (string, error) {
		return "ok", nil
	})

	p.HandleCommand(&plugin.CommandOptions{Name: "GoLivePreviewStart"}, c.Start)
	p.HandleCommand(&plugin.CommandOptions{Name: "GoLivePreviewStop"}, c.Stop)
	p.HandleCommand(&plugin.CommandOptions{Name: "GoLivePreviewToggleScrollSync"}, c.ToggleScrollSync)

	p.HandleAutocmd(&plugin.AutocmdOptions{
		Event: "TextChanged,TextChangedI", Pattern: "*.md", Eval: "*",
	}, c.bufferChanged)
	p.HandleAutocmd(&plugin.AutocmdOptions{
		Event: "BufEnter", Pattern: "*.md", Eval: "*",
	}, c.bufferEntered)
	p.HandleAutocmd(&plugin.AutocmdOptions{
		Event: "BufDelete", Pattern: "*.md", Eval: "*",
	}, c.bufferDeleted)
	p.HandleAutocmd(&plugin.AutocmdOptions{
		Event: "WinScrolled", Pattern: "*", Eval: "*",
	}, c.windowScrolled)
	p.HandleAutocmd(&plugin.AutocmdOptions{Event: "VimLeavePre", Pattern: "*"}, func(v *nvim.Nvim) {
		_ = c.Stop(v)
	})

	return nil
}

// Start brings up the server on first use and previews the current buffer.
func (c *Commands) Start(v *nvim.Nvim) error {
	c.mu.Lock()
	if c.preview == nil {
		var lp *app.LivePreview
		renderer := render.NewRenderer()
		c.server = httpserver.NewPreviewServer(c.cfg.Addr, renderer.RenderShell(), func(msg contracts.Message) {
			lp.HandleMessage(msg)
		})
		lp = app.NewLivePreview(c.server, renderer, c.cfg, &opener{nv: v}, &notifier{nv: v})
		c.preview = lp
		if err := c.server.Start(); err != nil {
			c.preview.Close()
			_ = c.server.Stop()
			c.preview, c.server = nil, nil
			c.mu.Unlock()
			return fmt.Errorf("start preview server: %w", err)
		}
	}
	url := c.server.URL()
	c.mu.Unlock()

	buf, err := v.CurrentBuffer()
	if err != nil {
		return err
	}
	if err := c.switchTo(v, buf); err != nil {
		return err
	}
	return v.Command(fmt.Sprintf(`echom "[go-live-preview] preview: %s"`, url))
}

// Stop shuts the session and the server down.
func (c *Commands) Stop(v *nvim.Nvim) error {
	c.mu.Lock()
	preview, server := c.preview, c.server
	c.preview, c.server, c.active = nil, nil, nil
	c.mu.Unlock()

	if preview == nil {
		return nil
	}
	preview.Close()
	return server.Stop()
}

// ToggleScrollSync flips scroll synchronization for the session.
func (c *Commands) ToggleScrollSync(v *nvim.Nvim) error {
	preview := c.session()
	if preview == nil {
		return nil
	}
	enabled := !preview.ScrollSync()
	preview.SetScrollSync(enabled)
	return v.Command(fmt.Sprintf(`echom "[go-live-preview] scroll sync: %t"`, enabled))
}

func (c *Commands) session() *app.LivePreview {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preview
}

func (c *Commands) switchTo(v *nvim.Nvim, buf nvim.Buffer) error {
	c.mu.Lock()
	preview := c.preview
	c.mu.Unlock()
	if preview == nil {
		return nil
	}

	name, err := v.BufferName(buf)
	if err != nil {
		return err
	}
	win, err := v.CurrentWindow()
	if err != nil {
		return err
	}

	doc := &bufferDocument{nv: v, buf: buf, name: name}
	c.mu.Lock()
	c.active = doc
	c.mu.Unlock()

	return preview.Switch(context.Background(), doc, &windowView{nv: v, win: win, buf: buf})
}

func (c *Commands) activeDocument(buffer int) (*app.LivePreview, *bufferDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preview == nil || c.active == nil || int(c.active.buf) != buffer {
		return nil, nil
	}
	return c.preview, c.active
}

func (c *Commands) bufferChanged(ev *bufferEval) {
	if preview, doc := c.activeDocument(ev.Buffer); preview != nil {
		preview.Changed(doc)
	}
}

func (c *Commands) bufferEntered(v *nvim.Nvim, ev *bufferEval) {
	c.mu.Lock()
	same := c.active != nil && int(c.active.buf) == ev.Buffer
	running := c.preview != nil
	c.mu.Unlock()
	if !running || same {
		return
	}
	if err := c.switchTo(v, nvim.Buffer(ev.Buffer)); err != nil {
		log.Printf("[go-live-preview] switch to %s: %v", ev.Name, err)
	}
}

func (c *Commands) bufferDeleted(v *nvim.Nvim, ev *bufferEval) {
	if preview, _ := c.activeDocument(ev.Buffer); preview != nil {
		_ = c.Stop(v)
	}
}

func (c *Commands) windowScrolled(ev *scrollEval) {
	preview, _ := c.activeDocument(ev.Buffer)
	if preview == nil {
		return
	}
	// line('w0') is 1-based.
	preview.SourceScrolled(ev.Top-1, ev.Total)
}

// bufferDocument reads a Neovim buffer on demand.
type bufferDocument struct {
	nv   *nvim.Nvim
	buf  nvim.Buffer
	name string
}

func (d *bufferDocument) URI() string {
	if d.name == "" {
		return fmt.Sprintf("buffer://%d", int(d.buf))
	}
	return d.name
}

func (d *bufferDocument) Text() (string, error) {
	lines, err := d.nv.BufferLines(d.buf, 0, -1, true)
	if err != nil {
		return "", err
	}
	return string(bytes.Join(lines, []byte("\n"))), nil
}

// windowView is the window showing the previewed buffer.
type windowView struct {
	nv  *nvim.Nvim
	win nvim.Window
	buf nvim.Buffer
}

func (w *windowView) LineCount() (int, error) {
	return w.nv.BufferLineCount(w.buf)
}

const revealLua = `
local win, line = ...
vim.api.nvim_win_call(win, function()
  vim.api.nvim_win_set_cursor(win, {line, 0})
  vim.cmd('normal! zt')
end)
`

// RevealLine puts the 0-based line at the top of the window.
func (w *windowView) RevealLine(line int) error {
	return w.nv.ExecLua(revealLua, nil, w.win, line+1)
}

type notifier struct {
	nv *nvim.Nvim
}

func (n *notifier) NotifyError(msg string) {
	if err := n.nv.WritelnErr(strings.ReplaceAll(msg, "\n", " ")); err != nil {
		log.Printf("[go-live-preview] notify: %v", err)
	}
}

type opener struct {
	nv *nvim.Nvim
}

func (o *opener) Open(url string) error {
	return o.nv.ExecLua(`vim.ui.open(...)`, nil, url)
}
