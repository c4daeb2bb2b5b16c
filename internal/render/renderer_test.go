package render

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"maps"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go-live-preview/internal/contracts"
	"go-live-preview/internal/patch"
)

func mustRender(t *testing.T, source string, opts Options) string {
	t.Helper()
	out, err := NewRenderer().Render(context.Background(), source, opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	return out
}

func TestRender_Heading(t *testing.T) {
	out := mustRender(t, "# Hello", DefaultOptions())

	for _, want := range []string{
		`data-md-line="1"`,
		`>Hello</h1>`,
		`class="markdown-body markdown-style-default"`,
		`data-platform="generic"`,
		`<style data-role="code-theme">`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRender_Deterministic(t *testing.T) {
	a := mustRender(t, "para\n\n```go\nfunc main() {}\n```\n", DefaultOptions())
	b := mustRender(t, "para\n\n```go\nfunc main() {}\n```\n", DefaultOptions())
	if a != b {
		t.Error("identical inputs rendered differently")
	}
}

func TestRender_LineAnnotations(t *testing.T) {
	out := mustRender(t, "first\n\nsecond\n\n- item\n", DefaultOptions())
	for _, want := range []string{`data-md-line="1"`, `data-md-line="3"`, `data-md-line="5"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRender_InlinePlatformOmitsThemeCSS(t *testing.T) {
	opts := DefaultOptions()
	opts.Platform = PlatformWeChat
	out := mustRender(t, "```go\nx := 1\n```\n", opts)

	if strings.Contains(out, `data-role="code-theme"`) {
		t.Error("wechat output carries a theme stylesheet")
	}
	if !strings.Contains(out, `style="`) {
		t.Error("wechat output has no inline styles")
	}
}

func TestRender_CustomCSS(t *testing.T) {
	opts := DefaultOptions()
	opts.CustomCSS = "h1 { color: red; }"
	out := mustRender(t, "# x", opts)
	if !strings.Contains(out, `<style data-role="custom">h1 { color: red; }</style>`) {
		t.Errorf("custom css missing:\n%s", out)
	}
}

func TestRender_ExternalLinks(t *testing.T) {
	opts := DefaultOptions()
	out := mustRender(t, "[site](https://example.com) and [local](#top)", opts)
	if !strings.Contains(out, `href="https://example.com" target="_blank" rel="noopener noreferrer"`) {
		t.Errorf("external link not opened in new window:\n%s", out)
	}
	if strings.Contains(out, `href="#top" target`) {
		t.Error("local link got a target")
	}

	opts.ExternalLinksNewWindow = false
	out = mustRender(t, "[site](https://example.com)", opts)
	if strings.Contains(out, `target="_blank"`) {
		t.Error("target set with ExternalLinksNewWindow disabled")
	}
}

func TestRender_FootnoteLinks(t *testing.T) {
	opts := DefaultOptions()
	opts.FootnoteLinks = true
	out := mustRender(t, "[a](https://a.example) then [b](https://b.example)", opts)

	for _, want := range []string{
		`</a><sup class="footnote-link">[1]</sup>`,
		`</a><sup class="footnote-link">[2]</sup>`,
		`<section class="footnote-links"><ol>`,
		`<span class="footnote-link-url">https://b.example</span>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRender_ImageRewrite(t *testing.T) {
	opts := DefaultOptions()
	opts.SourcePath = "/docs/readme.md"
	out := mustRender(t, "![pic](img/a.png) ![remote](https://x.example/b.png)", opts)

	want := "/@mdfs/" + base64.RawURLEncoding.EncodeToString([]byte("/docs/img/a.png"))
	if !strings.Contains(out, want) {
		t.Errorf("local image not rewritten to %s:\n%s", want, out)
	}
	if !strings.Contains(out, `src="https://x.example/b.png"`) {
		t.Error("remote image rewritten")
	}
}

func TestRender_InvalidPlatform(t *testing.T) {
	opts := DefaultOptions()
	opts.Platform = "myspace"
	_, err := NewRenderer().Render(context.Background(), "x", opts)
	if !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("err = %v, want ErrInvalidOptions", err)
	}
}

func TestRender_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRenderer().Render(ctx, "x", DefaultOptions())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRender_BareURLs(t *testing.T) {
	opts := DefaultOptions()
	opts.FootnoteLinks = true
	out := mustRender(t, "see https://bare.example/path and <https://angle.example>", opts)

	for _, want := range []string{
		`href="https://bare.example/path" target="_blank" rel="noopener noreferrer"`,
		`href="https://angle.example" target="_blank" rel="noopener noreferrer"`,
		`</a><sup class="footnote-link">[2]</sup>`,
		`<span class="footnote-link-url">https://bare.example/path</span>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out = mustRender(t, "mail dev@example.com", opts)
	if strings.Contains(out, "footnote-link") {
		t.Errorf("email autolink got a footnote:\n%s", out)
	}
}

func TestRenderShell(t *testing.T) {
	shell := NewRenderer().RenderShell()
	if strings.Contains(shell, "{{CONTENT}}") {
		t.Error("shell still contains placeholder")
	}
	if !strings.Contains(shell, `id="preview-content"`) {
		t.Error("shell has no content container")
	}
	if strings.Contains(shell, "{{") {
		t.Error("shell has unreplaced placeholders")
	}

	for _, want := range []string{
		"const REPLACE_RATIO = " + strconv.FormatFloat(patch.ReplaceRatio, 'f', -1, 64) + ";",
		"const MAX_CHILD_DELTA = " + strconv.Itoa(patch.MaxChildDelta) + ";",
		`"monokai"`,
	} {
		if !strings.Contains(shell, want) {
			t.Errorf("shell missing %q", want)
		}
	}
}

// messageShapes extracts the per-kind field table the page validates with.
func messageShapes(t *testing.T, shell string) map[string]map[string]string {
	t.Helper()
	const open = `<script type="application/json" id="message-shapes">`
	start := strings.Index(shell, open)
	if start < 0 {
		t.Fatal("shell has no message shapes")
	}
	body := shell[start+len(open):]
	body = body[:strings.Index(body, "</script>")]

	var shapes map[string]map[string]string
	if err := json.Unmarshal([]byte(body), &shapes); err != nil {
		t.Fatalf("message shapes: %v", err)
	}
	return shapes
}

func TestRenderShell_MessageShapesMatchContracts(t *testing.T) {
	shapes := messageShapes(t, NewRenderer().RenderShell())

	kinds := make([]string, 0, len(shapes))
	for kind := range shapes {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	want := []string{
		contracts.MessageTypeConfig,
		contracts.MessageTypeError,
		contracts.MessageTypeScrollFromSource,
		contracts.MessageTypeUpdate,
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("kinds diff (-want +got):\n%s", diff)
	}

	sample := map[string]any{"string": "x", "number": 0.5, "integer": 3}
	wrong := map[string]any{"string": 1, "number": "x", "integer": "x"}

	for kind, fields := range shapes {
		full := map[string]any{"type": kind}
		for field, typ := range fields {
			full[field] = sample[typ]
		}
		raw, _ := json.Marshal(full)
		if _, err := contracts.Decode(contracts.ToSurface, raw); err != nil {
			t.Errorf("%s: well-formed sample rejected: %v", kind, err)
		}

		for field, typ := range fields {
			missing := maps.Clone(full)
			delete(missing, field)
			raw, _ := json.Marshal(missing)
			if _, err := contracts.Decode(contracts.ToSurface, raw); !errors.Is(err, contracts.ErrMalformed) {
				t.Errorf("%s without %s: err = %v, want ErrMalformed", kind, field, err)
			}

			mistyped := maps.Clone(full)
			mistyped[field] = wrong[typ]
			raw, _ = json.Marshal(mistyped)
			if _, err := contracts.Decode(contracts.ToSurface, raw); !errors.Is(err, contracts.ErrMalformed) {
				t.Errorf("%s with mistyped %s: err = %v, want ErrMalformed", kind, field, err)
			}
		}
	}
}

func TestOffsetToLine(t *testing.T) {
	src := []byte("a\nb\nc")
	tests := []struct {
		offset, want int
	}{
		{-3, 1}, {0, 1}, {2, 2}, {4, 3}, {100, 3},
	}
	for _, tc := range tests {
		if got := offsetToLine(src, tc.offset); got != tc.want {
			t.Errorf("offsetToLine(%d) = %d, want %d", tc.offset, got, tc.want)
		}
	}
}
