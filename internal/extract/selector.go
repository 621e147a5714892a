package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// A small CSS subset, enough for the extraction modes and typical custom
// selectors:
//
//	tag  .class  #id  tag.class  [attr]  [attr=val]  [attr*=val]
//	descendant chains ("div.post a") and groups ("h1, h2, h3")
type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrCond
}

type attrCond struct {
	key      string
	val      string
	contains bool
	present  bool
}

// selector is a group of descendant chains; a chain is stored outermost
// first.
type selector [][]compound

func compileSelector(s string) selector {
	var out selector
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		chain := make([]compound, 0, len(fields))
		for _, f := range fields {
			chain = append(chain, parseCompound(f))
		}
		out = append(out, chain)
	}
	return out
}

func parseCompound(s string) compound {
	var c compound
	for {
		open := strings.IndexByte(s, '[')
		if open < 0 {
			break
		}
		end := strings.IndexByte(s[open:], ']')
		if end < 0 {
			break
		}
		c.attrs = append(c.attrs, parseAttr(s[open+1:open+end]))
		s = s[:open] + s[open+end+1:]
	}

	// Split the rest on '.' and '#' keeping the marker.
	cur, kind := "", byte(0)
	flush := func() {
		switch kind {
		case 0:
			c.tag = strings.ToLower(cur)
		case '.':
			if cur != "" {
				c.classes = append(c.classes, cur)
			}
		case '#':
			c.id = cur
		}
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == '#' {
			flush()
			cur, kind = "", s[i]
			continue
		}
		cur += string(s[i])
	}
	flush()
	if c.tag == "*" {
		c.tag = ""
	}
	return c
}

func parseAttr(s string) attrCond {
	if i := strings.Index(s, "*="); i >= 0 {
		return attrCond{key: strings.TrimSpace(s[:i]), val: unquote(s[i+2:]), contains: true}
	}
	if i := strings.IndexByte(s, '='); i >= 0 {
		return attrCond{key: strings.TrimSpace(s[:i]), val: unquote(s[i+1:])}
	}
	return attrCond{key: strings.TrimSpace(s), present: true}
}

func unquote(s string) string { return strings.Trim(strings.TrimSpace(s), `"'`) }

func (c compound) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" && attr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, want := range c.classes {
			found := false
			for _, h := range have {
				if h == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		v, ok := attrOK(n, a.key)
		switch {
		case !ok:
			return false
		case a.present:
		case a.contains:
			if !strings.Contains(v, a.val) {
				return false
			}
		case v != a.val:
			return false
		}
	}
	return true
}

func matchChain(n *html.Node, chain []compound) bool {
	last := len(chain) - 1
	if !chain[last].matches(n) {
		return false
	}
	i := last - 1
	for p := n.Parent; p != nil && i >= 0; p = p.Parent {
		if chain[i].matches(p) {
			i--
		}
	}
	return i < 0
}

func (s selector) matches(n *html.Node) bool {
	for _, chain := range s {
		if matchChain(n, chain) {
			return true
		}
	}
	return false
}

// queryAll returns descendants of root matching sel in document order.
func queryAll(root *html.Node, sel selector) []*html.Node {
	if len(sel) == 0 {
		return nil
	}
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if sel.matches(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

func queryFirst(root *html.Node, sel selector) *html.Node {
	if m := queryAll(root, sel); len(m) > 0 {
		return m[0]
	}
	return nil
}

func closest(n *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return p
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func attrOK(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// text concatenates descendant text and collapses whitespace runs.
func text(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func innerHTML(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return strings.TrimSpace(b.String())
}
