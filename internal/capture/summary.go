package capture

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// summaryOptions bounds the structural walk.
type summaryOptions struct {
	maxDepth         int
	interactiveDepth int
	textLimit        int
	charBudget       int
}

// Tags worth descending deeper into: they are what a userscript usually
// needs to target.
var interactiveTags = map[string]bool{
	"a":        true,
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"form":     true,
	"label":    true,
}

// Tags whose subtrees carry no structural signal for scripting.
var skippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"svg":      true,
	"template": true,
}

var allowedAttrs = map[string]bool{
	"id":          true,
	"class":       true,
	"name":        true,
	"type":        true,
	"href":        true,
	"role":        true,
	"aria-label":  true,
	"placeholder": true,
	"value":       true,
	"alt":         true,
	"title":       true,
	"for":         true,
	"action":      true,
	"method":      true,
	"data-testid": true,
}

// StructuralSummary renders oversized markup into a depth-bounded outline of
// element tags, allow-listed attributes and truncated text. Interactive
// elements get a deeper cap than generic containers. Output begins at the
// body element and never exceeds the character budget.
func StructuralSummary(markup string, opts summaryOptions) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		// Parse failures on real-world soup are rare since the parser is
		// error-tolerant; fall back to a hard cut.
		if len(markup) > opts.charBudget {
			return markup[:opts.charBudget]
		}
		return markup
	}

	body := findElement(doc, "body")
	if body == nil {
		body = doc
	}

	var b strings.Builder
	w := &summaryWriter{b: &b, opts: opts}
	w.walk(body, 0)
	out := b.String()
	if len(out) > opts.charBudget {
		out = out[:opts.charBudget]
	}
	return out
}

type summaryWriter struct {
	b    *strings.Builder
	opts summaryOptions
	full bool
}

func (w *summaryWriter) walk(n *html.Node, depth int) {
	if w.full {
		return
	}
	if w.b.Len() >= w.opts.charBudget {
		w.full = true
		return
	}

	switch n.Type {
	case html.TextNode:
		text := strings.TrimSpace(n.Data)
		if text == "" {
			return
		}
		if len(text) > w.opts.textLimit {
			text = text[:w.opts.textLimit] + "…"
		}
		w.indent(depth)
		w.b.WriteString(text)
		w.b.WriteByte('\n')
		return
	case html.ElementNode:
		if skippedTags[n.Data] {
			return
		}
		w.indent(depth)
		w.b.WriteString("<" + n.Data)
		for _, attr := range n.Attr {
			if !allowedAttrs[attr.Key] {
				continue
			}
			val := attr.Val
			if len(val) > w.opts.textLimit {
				val = val[:w.opts.textLimit] + "…"
			}
			fmt.Fprintf(w.b, " %s=%q", attr.Key, val)
		}
		w.b.WriteString(">\n")

		depthCap := w.opts.maxDepth
		if interactiveTags[n.Data] {
			depthCap = w.opts.interactiveDepth
		}
		if depth+1 >= depthCap {
			if n.FirstChild != nil {
				w.indent(depth + 1)
				w.b.WriteString("…\n")
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c, depth+1)
		}
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c, depth)
		}
	}
}

func (w *summaryWriter) indent(depth int) {
	for i := 0; i < depth; i++ {
		w.b.WriteString("  ")
	}
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}
