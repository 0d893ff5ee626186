// Package render converts model answers, which arrive as Markdown, into
// HTML for the browser and into plain sentences for speech synthesis.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
)

// Raw HTML in answers is not passed through; goldmark omits it unless
// configured as unsafe.
var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders markdown to an HTML fragment.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// SpeechText reduces markdown to the words a listener should hear, one
// block per line. Code blocks are dropped; headings and list items are
// closed with a period so the synthesizer pauses after them.
func SpeechText(markdown string) string {
	rendered, err := HTML(markdown)
	if err != nil {
		return strings.TrimSpace(markdown)
	}
	doc, err := html.Parse(strings.NewReader(rendered))
	if err != nil {
		return strings.TrimSpace(markdown)
	}

	var blocks []string
	var cur strings.Builder
	flush := func(terminate bool) {
		t := strings.Join(strings.Fields(cur.String()), " ")
		cur.Reset()
		if t == "" {
			return
		}
		if terminate && !endsSentence(t) {
			t += "."
		}
		blocks = append(blocks, t)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.Data {
			case "pre", "script", "style":
				flush(false)
				return
			case "h1", "h2", "h3", "h4", "h5", "h6", "li":
				flush(false)
				walkChildren(n, walk)
				flush(true)
				return
			case "p", "blockquote", "td", "th", "tr", "br", "hr":
				flush(false)
				walkChildren(n, walk)
				flush(false)
				return
			}
		}
		walkChildren(n, walk)
	}
	walk(doc)
	flush(false)
	return strings.Join(blocks, "\n")
}

func walkChildren(n *html.Node, fn func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		fn(c)
	}
}

func endsSentence(s string) bool {
	r := []rune(s)
	last := r[len(r)-1]
	return unicode.IsPunct(last) && last != ')' && last != '"' && last != '\''
}
