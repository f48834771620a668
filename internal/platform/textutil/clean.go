package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var strictPolicy = bluemonday.StrictPolicy()

// CleanText normalises free-form user input to NFC, strips any markup and collapses whitespace runs.
func CleanText(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = norm.NFC.String(value)
	value = html.UnescapeString(strictPolicy.Sanitize(value))
	return strings.Join(strings.FieldsFunc(value, unicode.IsSpace), " ")
}
