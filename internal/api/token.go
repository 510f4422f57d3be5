package api

import "strings"

// SanitizeToken drops every byte outside printable ASCII (32-126) so a token
// persisted with stray control characters or a mangled encoding cannot
// corrupt the Authorization header. Surrounding spaces are trimmed.
func SanitizeToken(token string) string {
	var b strings.Builder
	b.Grow(len(token))
	for i := 0; i < len(token); i++ {
		if c := token[i]; c >= 32 && c <= 126 {
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}
