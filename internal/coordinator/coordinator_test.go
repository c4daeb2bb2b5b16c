package coordinator

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go-live-preview/internal/cache"
	"go-live-preview/internal/contracts"
	"go-live-preview/internal/render"
)

type fakeDoc struct {
	mu   sync.Mutex
	uri  string
	text string
}

func (d *fakeDoc) URI() string { return d.uri }

func (d *fakeDoc) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text, nil
}

func (d *fakeDoc) Set(text string) {
	d.mu.Lock()
	d.text = text
	d.mu.Unlock()
}

type fakeRenderer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int32, markdown string) (string, error)
}

func (r *fakeRenderer) Render(ctx context.Context, markdown string, _ render.Options) (string, error) {
	n := r.calls.Add(1)
	if r.fn != nil {
		return r.fn(ctx, n, markdown)
	}
	return "<p>" + markdown + "</p>", nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []contracts.Message
}

func (s *fakeSender) Send(msg contracts.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Sent() []contracts.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.Message(nil), s.sent...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) NotifyError(msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

func (n *fakeNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func newTestCoordinator(t *testing.T, r RenderFunc, opts ...Option) (*Coordinator, *fakeSender) {
	t.Helper()
	send := &fakeSender{}
	opts = append([]Option{WithDelay(20 * time.Millisecond)}, opts...)
	c := New(r, cache.New(), send, render.DefaultOptions(), opts...)
	t.Cleanup(c.Close)
	return c, send
}

func TestSetActive_RendersImmediately(t *testing.T) {
	r := &fakeRenderer{}
	c, send := newTestCoordinator(t, r)
	doc := &fakeDoc{uri: "/a.md", text: "hi"}

	if err := c.SetActive(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	want := []contracts.Message{contracts.NewUpdate("<p>hi</p>")}
	if diff := cmp.Diff(want, send.Sent()); diff != "" {
		t.Errorf("sent diff (-want +got):\n%s", diff)
	}
	if c.Current() != "<p>hi</p>" {
		t.Errorf("Current() = %q", c.Current())
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSlowRenderIsLoggedNotFailed(t *testing.T) {
	buf := &logBuffer{}
	log.SetOutput(buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	r := &fakeRenderer{fn: func(_ context.Context, _ int32, md string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "<p>" + md + "</p>", nil
	}}
	c, send := newTestCoordinator(t, r, WithSlowRenderThreshold(1*time.Millisecond))
	doc := &fakeDoc{uri: "/slow.md", text: "slow"}

	if err := c.SetActive(context.Background(), doc); err != nil {
		t.Fatalf("SetActive = %v, want nil for a slow render", err)
	}
	want := []contracts.Message{contracts.NewUpdate("<p>slow</p>")}
	if diff := cmp.Diff(want, send.Sent()); diff != "" {
		t.Errorf("sent diff (-want +got):\n%s", diff)
	}

	out := buf.String()
	for _, tag := range []string{"slow render: /slow.md", "cache=miss bytes=4"} {
		if !strings.Contains(out, tag) {
			t.Errorf("log missing %q:\n%s", tag, out)
		}
	}
}

func TestChanged_DebouncesBurst(t *testing.T) {
	r := &fakeRenderer{}
	c, send := newTestCoordinator(t, r)
	doc := &fakeDoc{uri: "/a.md", text: "v0"}
	_ = c.SetActive(context.Background(), doc)

	for _, text := range []string{"v1", "v2", "v3", "v4"} {
		doc.Set(text)
		c.Changed(doc)
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond)

	if got := r.calls.Load(); got != 2 {
		t.Errorf("render calls = %d, want 2", got)
	}
	sent := send.Sent()
	if diff := cmp.Diff(contracts.Message(contracts.NewUpdate("<p>v4</p>")), sent[len(sent)-1]); diff != "" {
		t.Errorf("last message diff (-want +got):\n%s", diff)
	}
}

func TestChanged_IgnoresInactiveDocument(t *testing.T) {
	r := &fakeRenderer{}
	c, _ := newTestCoordinator(t, r)
	_ = c.SetActive(context.Background(), &fakeDoc{uri: "/a.md"})

	c.Changed(&fakeDoc{uri: "/other.md"})
	time.Sleep(60 * time.Millisecond)
	if got := r.calls.Load(); got != 1 {
		t.Errorf("render calls = %d, want 1", got)
	}
}

func TestCacheHitSkipsRender(t *testing.T) {
	r := &fakeRenderer{}
	c, send := newTestCoordinator(t, r)
	doc := &fakeDoc{uri: "/hello.md", text: "# Hello"}

	_ = c.SetActive(context.Background(), doc)
	if got := c.Cache().Stats().Size; got != 1 {
		t.Fatalf("cache size = %d, want 1", got)
	}
	if err := c.Update(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := r.calls.Load(); got != 1 {
		t.Errorf("render calls = %d, want 1", got)
	}
	opts := render.DefaultOptions()
	opts.SourcePath = doc.URI()
	key, err := cache.GenerateKey("# Hello", opts)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := c.Cache().Peek(key)
	if !ok {
		t.Fatal("entry not found under expected key")
	}
	if entry.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", entry.AccessCount)
	}
	if n := len(send.Sent()); n != 2 {
		t.Errorf("sent %d updates, want 2", n)
	}
}

func TestRenderFailureKeepsLastContent(t *testing.T) {
	r := &fakeRenderer{fn: func(_ context.Context, call int32, md string) (string, error) {
		if call == 2 {
			return "", errors.New("math stage exploded")
		}
		return "<p>" + md + "</p>", nil
	}}
	notifier := &fakeNotifier{}
	c, send := newTestCoordinator(t, r, WithNotifier(notifier))
	doc := &fakeDoc{uri: "/a.md", text: "good"}
	_ = c.SetActive(context.Background(), doc)

	doc.Set("bad")
	if err := c.Update(context.Background()); err == nil {
		t.Fatal("Update succeeded, want render error")
	}

	want := []contracts.Message{
		contracts.NewUpdate("<p>good</p>"),
		contracts.NewError("math stage exploded"),
	}
	if diff := cmp.Diff(want, send.Sent()); diff != "" {
		t.Errorf("sent diff (-want +got):\n%s", diff)
	}
	if c.Current() != "<p>good</p>" {
		t.Errorf("Current() = %q after failure", c.Current())
	}
	if notifier.Count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.Count())
	}
	if c.Cache().Stats().Size != 1 {
		t.Error("failed render was cached")
	}
}

func TestSupersededRenderIsDiscarded(t *testing.T) {
	started := make(chan struct{})
	r := &fakeRenderer{fn: func(ctx context.Context, call int32, md string) (string, error) {
		if call == 1 {
			close(started)
			<-ctx.Done()
			return "<p>stale</p>", nil
		}
		return "<p>" + md + "</p>", nil
	}}
	c, send := newTestCoordinator(t, r)
	doc := &fakeDoc{uri: "/a.md", text: "old"}

	done := make(chan error, 1)
	go func() { done <- c.SetActive(context.Background(), doc) }()
	<-started

	doc.Set("new")
	if err := c.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("superseded render returned %v", err)
	}

	want := []contracts.Message{contracts.NewUpdate("<p>new</p>")}
	if diff := cmp.Diff(want, send.Sent()); diff != "" {
		t.Errorf("sent diff (-want +got):\n%s", diff)
	}
	if c.Current() != "<p>new</p>" {
		t.Errorf("Current() = %q", c.Current())
	}
}

func TestSwitchCancelsPendingForOldDocument(t *testing.T) {
	var mu sync.Mutex
	var rendered []string
	r := &fakeRenderer{fn: func(_ context.Context, _ int32, md string) (string, error) {
		mu.Lock()
		rendered = append(rendered, md)
		mu.Unlock()
		return md, nil
	}}
	c, _ := newTestCoordinator(t, r)
	a := &fakeDoc{uri: "/a.md", text: "a"}
	b := &fakeDoc{uri: "/b.md", text: "b"}

	_ = c.SetActive(context.Background(), a)
	a.Set("a2")
	c.Changed(a)
	_ = c.SetActive(context.Background(), b)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"a", "b"}, rendered); diff != "" {
		t.Errorf("rendered diff (-want +got):\n%s", diff)
	}
}

func TestSetOptions_Rerenders(t *testing.T) {
	r := &fakeRenderer{}
	c, _ := newTestCoordinator(t, r)
	_ = c.SetActive(context.Background(), &fakeDoc{uri: "/a.md", text: "x"})

	opts := render.DefaultOptions()
	opts.CodeTheme = "monokai"
	if err := c.SetOptions(context.Background(), opts); err != nil {
		t.Fatal(err)
	}
	if got := r.calls.Load(); got != 2 {
		t.Errorf("render calls = %d, want 2 (options are part of the key)", got)
	}
	if c.Options().CodeTheme != "monokai" {
		t.Error("options not stored")
	}
}

func TestClose(t *testing.T) {
	r := &fakeRenderer{}
	send := &fakeSender{}
	c := New(r, cache.New(), send, render.DefaultOptions(), WithDelay(20*time.Millisecond), WithClearOnClose(true))
	doc := &fakeDoc{uri: "/a.md", text: "x"}
	_ = c.SetActive(context.Background(), doc)

	doc.Set("y")
	c.Changed(doc)
	c.Close()
	time.Sleep(60 * time.Millisecond)

	if got := r.calls.Load(); got != 1 {
		t.Errorf("render calls = %d, want 1", got)
	}
	if c.Cache().Stats().Size != 0 {
		t.Error("cache not cleared on Close")
	}
	if err := c.Update(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Update after Close = %v, want ErrClosed", err)
	}
}
