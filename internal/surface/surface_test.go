package surface

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go-live-preview/internal/contracts"
	"go-live-preview/internal/patch"
	"go-live-preview/internal/scrollsync"
)

var testTiming = scrollsync.Timing{
	SourceDebounce:  20 * time.Millisecond,
	SurfaceDebounce: 20 * time.Millisecond,
	SuppressWindow:  80 * time.Millisecond,
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

func newTestSurface(t *testing.T) (*Surface, *fakeSender) {
	t.Helper()
	send := &fakeSender{}
	s, err := New(send, testTiming)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s, send
}

const page = `<div class="markdown-body"><h1 data-md-line="1">Title</h1>` +
	`<p data-md-line="3">See <a href="https://example.com">site</a> and <a href="#title">top</a>.</p>` +
	`<p data-md-line="5">Local <a href="notes.md">notes</a>, <a href="mailto:a@b.c">mail</a>.</p></div>`

func TestHandleUpdate_PatchesContent(t *testing.T) {
	s, _ := newTestSurface(t)

	if err := s.Handle(contracts.NewUpdate("<p>one</p>")); err != nil {
		t.Fatal(err)
	}
	if got := s.State().LastPatch.Mode; got != patch.ModeSet {
		t.Errorf("first update mode = %v, want set", got)
	}
	if err := s.Handle(contracts.NewUpdate("<p>two</p>")); err != nil {
		t.Fatal(err)
	}
	if got := s.State().LastPatch.Mode; got != patch.ModePatch {
		t.Errorf("second update mode = %v, want patch", got)
	}
	if got := s.HTML(); got != "<p>two</p>" {
		t.Errorf("HTML() = %q", got)
	}
}

func TestHandleError_KeepsContent(t *testing.T) {
	s, _ := newTestSurface(t)
	_ = s.Handle(contracts.NewUpdate("<p>good</p>"))

	if err := s.Handle(contracts.NewError("render failed")); err != nil {
		t.Fatal(err)
	}
	if got := s.HTML(); got != "<p>good</p>" {
		t.Errorf("content blanked on error: %q", got)
	}
	if got := s.State().LastError; got != "render failed" {
		t.Errorf("LastError = %q", got)
	}

	_ = s.Handle(contracts.NewUpdate("<p>better</p>"))
	if got := s.State().LastError; got != "" {
		t.Errorf("LastError not cleared by update: %q", got)
	}
}

func TestHandleRaw_DropsMalformed(t *testing.T) {
	s, _ := newTestSurface(t)

	if err := s.HandleRaw([]byte(`{"type":"update"}`)); !errors.Is(err, contracts.ErrMalformed) {
		t.Errorf("HandleRaw(missing html) = %v, want ErrMalformed", err)
	}
	if err := s.HandleRaw([]byte(`{"type":"ready"}`)); !errors.Is(err, contracts.ErrUnknownKind) {
		t.Errorf("HandleRaw(ready) = %v, want ErrUnknownKind", err)
	}
	if err := s.HandleRaw([]byte(`{"type":"config","markdownStyle":"github","codeTheme":"monokai"}`)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(contracts.NewConfig("github", "monokai"), s.State().Config); diff != "" {
		t.Errorf("config diff (-want +got):\n%s", diff)
	}
}

func TestUserScrolled_Debounced(t *testing.T) {
	s, send := newTestSurface(t)

	s.UserScrolled(0.1, 1)
	s.UserScrolled(0.2, 2)
	s.UserScrolled(0.3, -1)
	time.Sleep(50 * time.Millisecond)

	want := []contracts.Message{contracts.NewScroll(0.3, -1)}
	if diff := cmp.Diff(want, send.Sent()); diff != "" {
		t.Errorf("sent diff (-want +got):\n%s", diff)
	}
}

func TestScrollFromSource_SuppressesEcho(t *testing.T) {
	s, send := newTestSurface(t)
	_ = s.Handle(contracts.NewUpdate(page))

	// A user scroll is pending when the text view position arrives.
	s.UserScrolled(0.9, -1)
	if err := s.Handle(contracts.NewScrollFromSource(0.5, 3)); err != nil {
		t.Fatal(err)
	}
	// Applying the position scrolls the surface, which reports it.
	if s.UserScrolled(0.5, 2) {
		t.Error("echo accepted")
	}
	time.Sleep(50 * time.Millisecond)
	if got := send.Sent(); len(got) != 0 {
		t.Errorf("echo sent: %v", got)
	}

	st := s.State()
	if st.Line != 3 || st.Percent != 0.5 {
		t.Errorf("position = %v/%d, want 0.5/3", st.Percent, st.Line)
	}
	if st.AnchorLine != 2 {
		t.Errorf("AnchorLine = %d, want 2", st.AnchorLine)
	}

	time.Sleep(testTiming.SuppressWindow)
	if !s.UserScrolled(0.7, -1) {
		t.Error("user scroll after window dropped")
	}
}

func TestClickLink(t *testing.T) {
	s, send := newTestSurface(t)
	_ = s.Handle(contracts.NewUpdate(page))

	wantLinks := []string{"#title", "https://example.com", "mailto:a@b.c", "notes.md"}
	if diff := cmp.Diff(wantLinks, s.Links()); diff != "" {
		t.Errorf("links diff (-want +got):\n%s", diff)
	}

	tests := []struct {
		href    string
		handled bool
	}{
		{"https://example.com", true},
		{"#title", true},
		{"mailto:a@b.c", true},
		{"notes.md", false},
		{"https://not-in-content.example", false},
	}
	for _, tc := range tests {
		got, err := s.ClickLink(tc.href)
		if err != nil {
			t.Fatalf("ClickLink(%q): %v", tc.href, err)
		}
		if got != tc.handled {
			t.Errorf("ClickLink(%q) = %v, want %v", tc.href, got, tc.handled)
		}
	}

	want := []contracts.Message{
		contracts.NewOpenExternal("https://example.com"),
		contracts.NewOpenExternal("mailto:a@b.c"),
	}
	if diff := cmp.Diff(want, send.Sent()); diff != "" {
		t.Errorf("sent diff (-want +got):\n%s", diff)
	}
}

func TestLinksRebuiltAfterUpdate(t *testing.T) {
	s, _ := newTestSurface(t)
	_ = s.Handle(contracts.NewUpdate(`<p><a href="https://a.example">a</a></p>`))
	_ = s.Handle(contracts.NewUpdate(`<p><a href="https://b.example">b</a></p>`))

	if diff := cmp.Diff([]string{"https://b.example"}, s.Links()); diff != "" {
		t.Errorf("links diff (-want +got):\n%s", diff)
	}
	if ok, _ := s.ClickLink("https://a.example"); ok {
		t.Error("stale link handled")
	}
}

func TestOutboundRequests(t *testing.T) {
	s, send := newTestSurface(t)

	_ = s.Ready()
	_ = s.ChooseMarkdownStyle("github")
	_ = s.ChooseCodeTheme("dracula")
	_ = s.ReportError("script failed")

	want := []contracts.Message{
		contracts.NewReady(),
		contracts.NewChangeMarkdownStyle("github"),
		contracts.NewChangeCodeTheme("dracula"),
		contracts.NewError("script failed"),
	}
	if diff := cmp.Diff(want, send.Sent()); diff != "" {
		t.Errorf("sent diff (-want +got):\n%s", diff)
	}
}

func TestClose(t *testing.T) {
	s, send := newTestSurface(t)
	s.UserScrolled(0.4, -1)
	s.Close()
	time.Sleep(50 * time.Millisecond)

	if got := send.Sent(); len(got) != 0 {
		t.Errorf("sent after Close: %v", got)
	}
	if err := s.Handle(contracts.NewUpdate("<p>x</p>")); !errors.Is(err, ErrClosed) {
		t.Errorf("Handle after Close = %v, want ErrClosed", err)
	}
	if err := s.Ready(); !errors.Is(err, ErrClosed) {
		t.Errorf("Ready after Close = %v, want ErrClosed", err)
	}
}
