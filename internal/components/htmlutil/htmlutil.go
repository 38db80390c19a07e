package htmlutil

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		getTextRecursive(child, buffer)
		if child.Type == html.ElementNode && blockElements[child.Data] {
			buffer.WriteByte(' ')
		}
	}
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "td": true, "th": true, "tr": true,
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		switch {
		case c == '\n' || c == '\t':
			newStr.WriteRune(c)
		case unicode.IsSpace(c):
			newStr.WriteByte(' ')
		case unicode.IsPrint(c):
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText returns the readable text of a selection with non-printable
// characters removed and whitespace collapsed.
func CleanText(sel *goquery.Selection) string {
	var buffer bytes.Buffer
	for _, n := range sel.Nodes {
		getTextRecursive(n, &buffer)
		buffer.WriteByte(' ')
	}
	text := removeNonPrintable(buffer.String())
	text = strings.Trim(text, " \t\n")
	return innerWhitespace.ReplaceAllString(text, " ")
}

type Anchor struct {
	Name string
	Href string
}

// GetAnchors lists the links of a selection, elements without an href and
// hrefs that do not parse are skipped.
func GetAnchors(sel *goquery.Selection) []Anchor {
	anchors := []Anchor{}
	sel.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		link, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		anchors = append(anchors, Anchor{
			Name: CleanText(s),
			Href: link.String(),
		})
	})
	return anchors
}

// DocumentText returns the readable text of a whole html document. Script,
// style and head contents are dropped and entities are decoded.
func DocumentText(document string) (string, error) {
	doc, err := Parse(document)
	if err != nil {
		return "", err
	}
	doc.Find("head, script, style, noscript, template").Remove()
	return CleanText(doc.Selection), nil
}

// Parse wraps an html fragment into a goquery document.
func Parse(fragment string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(fragment))
}

func fragmentContext(fragment string) *html.Node {
	trimmed := strings.ToLower(strings.TrimSpace(fragment))
	switch {
	case strings.HasPrefix(trimmed, "<tr"):
		return &html.Node{Type: html.ElementNode, Data: "tbody", DataAtom: atom.Tbody}
	case strings.HasPrefix(trimmed, "<td"), strings.HasPrefix(trimmed, "<th"):
		return &html.Node{Type: html.ElementNode, Data: "tr", DataAtom: atom.Tr}
	case strings.HasPrefix(trimmed, "<li"):
		return &html.Node{Type: html.ElementNode, Data: "ul", DataAtom: atom.Ul}
	case strings.HasPrefix(trimmed, "<option"):
		return &html.Node{Type: html.ElementNode, Data: "select", DataAtom: atom.Select}
	}
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}

// ParseFragment parses the outer html of a single element, table rows and
// cells included, and returns a selection of a wrapper around it.
func ParseFragment(fragment string) (*goquery.Selection, error) {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), fragmentContext(fragment))
	if err != nil {
		return nil, err
	}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return goquery.NewDocumentFromNode(root).Selection, nil
}
