package render

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	stdhtml "html"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extensionast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"
	"go.abhg.dev/goldmark/mermaid"

	"go-live-preview/internal/patch"
)

const mdLineAttribute = "data-md-line"

// Renderer turns markdown into an HTML fragment using goldmark with a fixed
// set of extensions. The extension set depends on Options, so a pipeline is
// built per call.
type Renderer struct{}

//go:embed page.html
var pageTemplate string

func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) pipeline(opts Options) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			alertcallouts.AlertCallouts,
			&mermaid.Extender{},
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
			extension.TaskList,
			extension.Linkify,
			extension.Footnote,
			highlighting.NewHighlighting(
				highlighting.WithStyle(opts.CodeTheme),
				highlighting.WithWrapperRenderer(renderHighlightedCodeWrapper),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(!opts.Platform.InlineStyles()),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
}

// Render converts markdown into a styled HTML fragment. It implements the
// render function the preview coordinator calls; the context aborts the
// render between stages.
func (r *Renderer) Render(ctx context.Context, source string, opts Options) (string, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	md := r.pipeline(opts)
	src := []byte(source)
	doc := md.Parser().Parse(text.NewReader(src))
	refs := decorateAST(doc, src, opts)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	var body bytes.Buffer
	if err := md.Renderer().Render(&body, src, doc); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	writeFootnoteLinks(&body, refs)

	var out strings.Builder
	if !opts.Platform.InlineStyles() {
		var css bytes.Buffer
		if err := chromahtml.New(chromahtml.WithClasses(true)).WriteCSS(&css, styles.Get(opts.CodeTheme)); err != nil {
			return "", fmt.Errorf("code theme %q: %w", opts.CodeTheme, err)
		}
		out.WriteString(`<style data-role="code-theme">`)
		out.Write(css.Bytes())
		out.WriteString("</style>")
	}
	if opts.CustomCSS != "" {
		out.WriteString(`<style data-role="custom">`)
		out.WriteString(opts.CustomCSS)
		out.WriteString("</style>")
	}
	fmt.Fprintf(&out, `<div class="markdown-body markdown-style-%s" data-platform="%s">`,
		stdhtml.EscapeString(opts.MarkdownStyle), opts.Platform)
	out.Write(body.Bytes())
	out.WriteString("</div>")

	return out.String(), nil
}

// RenderShell returns an empty HTML page shell for the initial WebSocket connection.
// Content will be injected dynamically via WebSocket messages. The page applies
// updates with the same thresholds as the patch engine.
func (r *Renderer) RenderShell() string {
	themes, _ := json.Marshal(CodeThemes())
	return strings.NewReplacer(
		"{{CONTENT}}", "",
		"{{REPLACE_RATIO}}", strconv.FormatFloat(patch.ReplaceRatio, 'f', -1, 64),
		"{{MAX_CHILD_DELTA}}", strconv.Itoa(patch.MaxChildDelta),
		"{{CODE_THEMES}}", string(themes),
	).Replace(pageTemplate)
}

// CodeThemes lists the chroma styles available as code themes, sorted.
func CodeThemes() []string {
	names := styles.Names()
	sort.Strings(names)
	return names
}

// decorateAST walks the AST once and applies render metadata.
// It attaches data-md-line to block-level elements for scroll sync, rewrites
// local image destinations to /@mdfs/ and adjusts external links according
// to opts. It returns the destinations turned into footnote references.
func decorateAST(doc ast.Node, source []byte, opts Options) []string {
	baseDir := ""
	if opts.SourcePath != "" {
		baseDir = filepath.Dir(opts.SourcePath)
	}
	var refs []string

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		if shouldAnnotateNode(n) {
			offset, ok := firstNodeOffset(n)
			if ok {
				n.SetAttributeString(mdLineAttribute, strconv.Itoa(offsetToLine(source, offset)))
			}
		}

		switch node := n.(type) {
		case *ast.Link:
			refs = decorateExternalLink(node, string(node.Destination), opts, refs)
		case *ast.AutoLink:
			if node.AutoLinkType == ast.AutoLinkURL {
				refs = decorateExternalLink(node, string(node.URL(source)), opts, refs)
			}
		case *ast.Image:
			rewriteImage(node, baseDir)
		}
		return ast.WalkContinue, nil
	})
	return refs
}

// decorateExternalLink applies the new-window and footnote options to a link
// whose destination is dest. Non-external links are left alone.
func decorateExternalLink(node ast.Node, dest string, opts Options, refs []string) []string {
	if !isExternal(dest) {
		return refs
	}
	if opts.ExternalLinksNewWindow {
		node.SetAttributeString("target", "_blank")
		node.SetAttributeString("rel", "noopener noreferrer")
	}
	if opts.FootnoteLinks {
		refs = append(refs, dest)
		ref := ast.NewString([]byte(fmt.Sprintf(`<sup class="footnote-link">[%d]</sup>`, len(refs))))
		ref.SetCode(true)
		node.Parent().InsertAfter(node.Parent(), node, ref)
	}
	return refs
}

func rewriteImage(img *ast.Image, baseDir string) {
	rawDest := strings.TrimSpace(string(img.Destination))
	if rawDest == "" {
		return
	}

	lowerDest := strings.ToLower(rawDest)
	if strings.HasPrefix(lowerDest, "http://") ||
		strings.HasPrefix(lowerDest, "https://") ||
		strings.HasPrefix(lowerDest, "data:") ||
		strings.HasPrefix(lowerDest, "blob:") ||
		strings.HasPrefix(lowerDest, "file://") ||
		strings.HasPrefix(lowerDest, "//") ||
		strings.HasPrefix(lowerDest, "#") ||
		strings.HasPrefix(lowerDest, "/@mdfs/") {
		return
	}

	resolved := ""
	switch {
	case filepath.IsAbs(rawDest):
		resolved = filepath.Clean(rawDest)
	case baseDir != "":
		resolved = filepath.Clean(filepath.Join(baseDir, rawDest))
	default:
		return
	}

	img.Destination = []byte("/@mdfs/" + base64.RawURLEncoding.EncodeToString([]byte(resolved)))
	img.SetAttributeString("loading", "lazy")
	img.SetAttributeString("decoding", "async")
}

func isExternal(dest string) bool {
	lower := strings.ToLower(strings.TrimSpace(dest))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// writeFootnoteLinks appends the numbered list of link destinations.
func writeFootnoteLinks(buf *bytes.Buffer, refs []string) {
	if len(refs) == 0 {
		return
	}
	buf.WriteString(`<section class="footnote-links"><ol>`)
	for _, ref := range refs {
		escaped := stdhtml.EscapeString(ref)
		fmt.Fprintf(buf, `<li><span class="footnote-link-url">%s</span></li>`, escaped)
	}
	buf.WriteString("</ol></section>\n")
}

// shouldAnnotateNode returns true for block-level element types that should
// receive line metadata. These are the elements that map directly to source lines.
func shouldAnnotateNode(n ast.Node) bool {
	switch n.Kind() {
	case ast.KindHeading,
		ast.KindParagraph,
		ast.KindBlockquote,
		ast.KindFencedCodeBlock,
		ast.KindList,
		ast.KindListItem,
		ast.KindThematicBreak,
		extensionast.KindTable:
		return true
	default:
		return false
	}
}

// firstNodeOffset returns the byte offset of the first line in a node,
// searching children when the node has no lines of its own (lists).
func firstNodeOffset(n ast.Node) (int, bool) {
	if n == nil {
		return 0, false
	}

	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(0).Start, true
	}

	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if offset, ok := firstNodeOffset(child); ok {
			return offset, true
		}
	}

	return 0, false
}

// offsetToLine converts a byte offset to a 1-based line number.
// The offset is clamped to the valid range [0, len(source)].
func offsetToLine(source []byte, offset int) int {
	if offset < 0 {
		offset = 0
	}

	if offset > len(source) {
		offset = len(source)
	}

	return bytes.Count(source[:offset], []byte{'\n'}) + 1
}

// renderHighlightedCodeWrapper wraps syntax-highlighted code blocks in a div
// carrying the block's data-md-line attribute.
func renderHighlightedCodeWrapper(w util.BufWriter, context highlighting.CodeBlockContext, entering bool) {
	line, ok := highlightedCodeLine(context)
	if !ok {
		return
	}

	if entering {
		_, _ = w.WriteString("<div ")
		_, _ = w.WriteString(mdLineAttribute)
		_, _ = w.WriteString(`="`)
		_, _ = w.WriteString(line)
		_, _ = w.WriteString(`">`)
		return
	}

	_, _ = w.WriteString("</div>")
}

func highlightedCodeLine(context highlighting.CodeBlockContext) (string, bool) {
	if context == nil {
		return "", false
	}

	attrs := context.Attributes()
	if attrs == nil {
		return "", false
	}

	v, ok := attrs.GetString(mdLineAttribute)
	if !ok {
		return "", false
	}

	switch typed := v.(type) {
	case string:
		return typed, typed != ""
	case []byte:
		if len(typed) == 0 {
			return "", false
		}
		return string(typed), true
	default:
		return "", false
	}
}
