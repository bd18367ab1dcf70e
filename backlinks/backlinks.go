// Package backlinks renders quote references and inverts them into a
// post -> quoting-posts index for page views.
package backlinks

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Kind selects how an item's content is scanned for references.
type Kind int

const (
	// KindRendered content is markup produced by Render; every quote anchor counts.
	KindRendered Kind = iota
	// KindRaw content is unrendered text; only a leading >>N or #N counts.
	KindRaw
)

// Item is one post to index.
type Item struct {
	ID      int64
	Kind    Kind
	Content string
}

var (
	anchorRe   = regexp.MustCompile(`<a\b[^>]*\bclass="quote"[^>]*\bdata-post="(\d+)"[^>]*>`)
	leadingRe  = regexp.MustCompile(`^(?:>>|#)(\d+)`)
	quoteRefRe = regexp.MustCompile(`&gt;&gt;(\d+)`)
)

// Index maps each referenced post id to the ids of the posts quoting it,
// in first-seen order without duplicates or self references.
func Index(groups ...[]Item) map[int64][]int64 {
	index := make(map[int64][]int64)
	for _, items := range groups {
		for _, item := range items {
			for _, target := range References(item) {
				index[target] = append(index[target], item.ID)
			}
		}
	}
	for target, sources := range index {
		index[target] = lo.Uniq(sources)
	}
	return index
}

// References lists the distinct post ids an item quotes, excluding itself.
func References(item Item) []int64 {
	var refs []int64
	switch item.Kind {
	case KindRaw:
		if m := leadingRe.FindStringSubmatch(strings.TrimSpace(item.Content)); m != nil {
			refs = append(refs, parseID(m[1]))
		}
	default:
		for _, m := range anchorRe.FindAllStringSubmatch(item.Content, -1) {
			refs = append(refs, parseID(m[1]))
		}
	}
	return lo.Uniq(lo.Filter(refs, func(id int64, _ int) bool { return id > 0 && id != item.ID }))
}

// LeadingReference returns the id of a leading >>N or #N token and the text after it.
func LeadingReference(raw string) (int64, string, bool) {
	m := leadingRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, raw, false
	}
	id := parseID(m[1])
	if id <= 0 {
		return 0, raw, false
	}
	return id, strings.TrimLeft(raw[len(m[0]):], " \t\r\n"), true
}

// Render escapes raw post text and adds quote anchors and greentext.
func Render(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		escaped := html.EscapeString(line)
		escaped = quoteRefRe.ReplaceAllString(escaped, `<a href="#p$1" class="quote" data-post="$1">&gt;&gt;$1</a>`)
		if strings.HasPrefix(line, ">") && !leadingQuote(line) {
			escaped = `<span class="greentext">` + escaped + `</span>`
		}
		lines[i] = escaped
	}
	return strings.Join(lines, "<br>")
}

// leadingQuote reports whether the line starts with a post reference rather than greentext.
func leadingQuote(line string) bool {
	return strings.HasPrefix(line, ">>") && len(line) > 2 && line[2] >= '0' && line[2] <= '9'
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
