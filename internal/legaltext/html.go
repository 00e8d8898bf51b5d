package legaltext

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML removes markup and returns the visible text with whitespace
// collapsed. Script and style subtrees are dropped entirely. Input without
// any tag passes through with entities decoded by the parser anyway, so a
// cheap pre-check avoids the parse for plain text.
func StripHTML(fragment string) string {
	if !strings.ContainsRune(fragment, '<') {
		return whitespacePattern.ReplaceAllString(strings.TrimSpace(fragment), " ")
	}

	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		// Keep whatever survives naive tag removal.
		return whitespacePattern.ReplaceAllString(strings.TrimSpace(naiveStrip(fragment)), " ")
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe":
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "blockquote", "pre":
				b.WriteByte('\n')
			}
		}
	}
	walk(doc)

	out := strings.TrimSpace(b.String())
	return whitespacePattern.ReplaceAllString(out, " ")
}

func naiveStrip(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
			b.WriteByte(' ')
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
