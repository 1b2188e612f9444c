// Package rewrite transforms origin responses so they carry resolved metadata:
// a streaming HTML tag rewriter, a page-data JSON patcher and header sanitizing.
package rewrite

import (
	"net/http"
	"strings"
)

// RobotsTagHeader carries the origin's indexing directives, which must never reach clients.
const RobotsTagHeader = "X-Robots-Tag"

// SanitizeHeaders removes every X-Robots-Tag occurrence, whatever its key casing.
// It is a no-op on headers without one.
func SanitizeHeaders(h http.Header) {
	for key := range h {
		if strings.EqualFold(key, RobotsTagHeader) {
			delete(h, key)
		}
	}
}
