// Package patch applies rendered HTML to a live node tree, mutating the
// existing nodes where the new render is structurally close to the old one
// and replacing content outright where it is not.
package patch

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// ReplaceRatio is the length-change ratio above which content is
	// replaced wholesale instead of reconciled.
	ReplaceRatio = 0.5
	// MaxChildDelta is the largest child-count difference reconciled
	// positionally. Larger differences replace the whole subtree.
	MaxChildDelta = 10
)

// Mode describes how an Apply changed the tree.
type Mode int

const (
	// ModeSet filled an empty tree.
	ModeSet Mode = iota
	// ModeReplace discarded the old content.
	ModeReplace
	// ModePatch reconciled the old content node by node.
	ModePatch
)

func (m Mode) String() string {
	switch m {
	case ModeSet:
		return "set"
	case ModeReplace:
		return "replace"
	case ModePatch:
		return "patch"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Result reports what an Apply did. Mutations counts attribute, text and
// subtree operations performed by a patch.
type Result struct {
	Mode      Mode
	Ratio     float64
	Mutations int
}

// Binder re-attaches behavior to a tree after it changed. Replaced nodes lose
// whatever was bound to them before.
type Binder func(root *html.Node)

// Engine owns the content tree of a rendering surface.
type Engine struct {
	root *html.Node
	last string
	bind Binder
}

// New creates an engine with an empty content container. bind may be nil.
func New(bind Binder) *Engine {
	return &Engine{
		root: &html.Node{
			Type:     html.ElementNode,
			Data:     "div",
			DataAtom: atom.Div,
			Attr:     []html.Attribute{{Key: "id", Val: "preview-content"}},
		},
		bind: bind,
	}
}

// Root returns the content container.
func (e *Engine) Root() *html.Node {
	return e.root
}

// HTML serializes the current content.
func (e *Engine) HTML() string {
	var sb strings.Builder
	for c := e.root.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&sb, c)
	}
	return sb.String()
}

// Apply brings the tree in line with content.
func (e *Engine) Apply(content string) (Result, error) {
	nodes, err := html.ParseFragment(strings.NewReader(content), &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	})
	if err != nil {
		return Result{}, fmt.Errorf("parse content: %w", err)
	}

	var res Result
	switch ratio := ChangeRatio(e.last, content); {
	case e.root.FirstChild == nil:
		res = Result{Mode: ModeSet, Ratio: ratio}
		appendAll(e.root, nodes)
	case ratio > ReplaceRatio, abs(countChildren(e.root)-len(nodes)) > MaxChildDelta:
		res = Result{Mode: ModeReplace, Ratio: ratio}
		removeAll(e.root)
		appendAll(e.root, nodes)
	default:
		p := &patcher{}
		p.patchChildren(e.root, nodes)
		res = Result{Mode: ModePatch, Ratio: ratio, Mutations: p.mutations}
	}

	e.last = content
	if e.bind != nil {
		e.bind(e.root)
	}
	return res, nil
}

// Reset empties the tree.
func (e *Engine) Reset() {
	removeAll(e.root)
	e.last = ""
}

// ChangeRatio is |len(new)-len(old)| / max(len(new), len(old)), or 0 when
// both are empty.
func ChangeRatio(old, new string) float64 {
	longest := max(len(old), len(new))
	if longest == 0 {
		return 0
	}
	return math.Abs(float64(len(new)-len(old))) / float64(longest)
}

type patcher struct {
	mutations int
}

// patchChildren reconciles parent's children against kids positionally.
// kids must be detached.
func (p *patcher) patchChildren(parent *html.Node, kids []*html.Node) {
	old := children(parent)
	n := min(len(old), len(kids))
	for i := 0; i < n; i++ {
		p.patchNode(old[i], kids[i])
	}
	for _, extra := range kids[n:] {
		parent.AppendChild(extra)
		p.mutations++
	}
	for _, extra := range old[n:] {
		parent.RemoveChild(extra)
		p.mutations++
	}
}

// patchNode mutates old to match the detached node new, or swaps new in
// when the two are unrelated.
func (p *patcher) patchNode(old, new *html.Node) {
	if !sameKind(old, new) {
		p.replace(old, new)
		return
	}

	switch old.Type {
	case html.ElementNode:
		if abs(countChildren(old)-countChildren(new)) > MaxChildDelta {
			p.replace(old, new)
			return
		}
		p.patchAttrs(old, new)
		p.patchChildren(old, detachChildren(new))
	default:
		if old.Data != new.Data {
			old.Data = new.Data
			p.mutations++
		}
	}
}

func (p *patcher) replace(old, new *html.Node) {
	old.Parent.InsertBefore(new, old)
	old.Parent.RemoveChild(old)
	p.mutations++
}

// patchAttrs removes attributes missing from new and adds or updates the
// ones whose value differs. The resulting attribute order follows new.
func (p *patcher) patchAttrs(old, new *html.Node) {
	type attrKey struct{ ns, key string }

	have := make(map[attrKey]string, len(old.Attr))
	for _, a := range old.Attr {
		have[attrKey{a.Namespace, a.Key}] = a.Val
	}

	changed := 0
	for _, a := range new.Attr {
		k := attrKey{a.Namespace, a.Key}
		if v, ok := have[k]; !ok || v != a.Val {
			changed++
		}
		delete(have, k)
	}
	changed += len(have)

	if changed == 0 && sameAttrOrder(old.Attr, new.Attr) {
		return
	}
	old.Attr = append([]html.Attribute(nil), new.Attr...)
	p.mutations += changed
}

func sameAttrOrder(a, b []html.Attribute) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameKind(a, b *html.Node) bool {
	if a.Type != b.Type {
		return false
	}
	if a.Type == html.ElementNode {
		return a.Data == b.Data && a.Namespace == b.Namespace
	}
	return true
}

func children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func countChildren(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count++
	}
	return count
}

func detachChildren(n *html.Node) []*html.Node {
	kids := children(n)
	for _, c := range kids {
		n.RemoveChild(c)
	}
	return kids
}

func removeAll(n *html.Node) {
	detachChildren(n)
}

func appendAll(parent *html.Node, nodes []*html.Node) {
	for _, c := range nodes {
		parent.AppendChild(c)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
