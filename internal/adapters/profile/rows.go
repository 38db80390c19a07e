package profile

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"reviewtrail/internal/components/htmlutil"
	"reviewtrail/internal/surface"

	"github.com/PuerkitoBio/goquery"
)

// row is one parsed fragment read from the surface.
type row struct {
	sel *goquery.Selection
}

func parseRows(fragments []surface.Fragment) []row {
	rows := make([]row, 0, len(fragments))
	for _, f := range fragments {
		sel, err := htmlutil.ParseFragment(f.HTML)
		if err != nil {
			continue
		}
		rows = append(rows, row{sel: sel})
	}
	return rows
}

// find matches selector within the row, an empty selector is the row itself.
func (r row) find(selector string) *goquery.Selection {
	if selector == "" {
		return r.sel
	}
	return r.sel.Find(selector)
}

func (r row) text(selector string) string {
	return htmlutil.CleanText(r.find(selector))
}

func (r row) attr(selector, name string) string {
	found := r.find(selector)
	if selector == "" {
		found = found.Children().First()
	}
	value, _ := found.First().Attr(name)
	return strings.TrimSpace(value)
}

// link is the first anchor matched by selector, the row's first child when
// selector is empty.
func (r row) link(selector string) (htmlutil.Anchor, bool) {
	found := r.find(selector)
	if selector == "" {
		found = found.Children()
	}
	anchors := htmlutil.GetAnchors(found.First())
	if len(anchors) == 0 {
		return htmlutil.Anchor{}, false
	}
	return anchors[0], true
}

func (r row) href(selector string) string {
	anchor, _ := r.link(selector)
	return anchor.Href
}

var integerPattern = regexp.MustCompile(`\d[\d,.]*`)

func parseCount(text string) int {
	match := integerPattern.FindString(text)
	match = strings.NewReplacer(",", "", ".", "").Replace(match)
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return n
}

// matchID applies pattern to text, without a pattern the trimmed text is
// the id.
func matchID(pattern *regexp.Regexp, text string) string {
	text = strings.TrimSpace(text)
	if pattern == nil || text == "" {
		return text
	}
	match := pattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	if len(match) > 1 {
		return match[1]
	}
	return match[0]
}

func resolve(base, ref string) string {
	if ref == "" {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil || refURL.IsAbs() {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func splitNames(text string) []string {
	var names []string
	for _, name := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	}) {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
