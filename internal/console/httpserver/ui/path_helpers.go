package ui

import (
	"net/url"
	"strings"
)

// joinPath joins the base path with escaped segments.
func joinPath(base string, segments ...string) string {
	base = strings.TrimRight(base, "/")
	var b strings.Builder
	b.WriteString(base)
	for _, segment := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(segment))
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
