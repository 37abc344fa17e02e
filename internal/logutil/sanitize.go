package logutil

import "strings"

// SanitizeForLog strips newlines and other control characters from
// client-supplied strings so they cannot forge extra log lines. Output is
// truncated to maxLogField runes.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n >= maxLogField {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}

const maxLogField = 256

// RedactToken keeps only a short prefix of a session token, enough to
// correlate log lines without making the line a usable credential.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "…"
}
