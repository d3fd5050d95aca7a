package render

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// namePolicy strips every tag from display names; escaping happens later in
// the templates.
var namePolicy = bluemonday.StrictPolicy()

const maxNameLen = 64

// DisplayName removes markup from a sender name and bounds its length.
func DisplayName(name string) string {
	if name == "" {
		return ""
	}
	// bluemonday escapes what it keeps, so decode before handing the text
	// to html/template.
	clean := html.UnescapeString(namePolicy.Sanitize(html.UnescapeString(name)))
	clean = strings.TrimSpace(clean)
	if utf8.RuneCountInString(clean) > maxNameLen {
		clean = string([]rune(clean)[:maxNameLen])
	}
	return clean
}

// Initial returns the first character of a display name, or "?".
func Initial(name string) string {
	name = DisplayName(name)
	if name == "" {
		return "?"
	}
	r, _ := utf8.DecodeRuneInString(name)
	return string(r)
}
