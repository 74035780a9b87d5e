package token

import "strings"

// EncodeWebParam renders pairs as an application/x-www-form-urlencoded body
// using RFC 3986 percent-encoding of reserved characters plus '+' for space,
// the encoding the OAuth2 token endpoint expects.
func EncodeWebParam(pairs [][2]string) string {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(webParamEscape(p[0]))
		b.WriteByte('=')
		b.WriteString(webParamEscape(p[1]))
	}
	return b.String()
}

func webParamEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			b.WriteByte('+')
		case isWebParamUnreserved(c):
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigit(c >> 4))
			b.WriteByte(hexDigit(c & 0x0f))
		}
	}
	return b.String()
}

func isWebParamUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	default:
		return false
	}
}

func hexDigit(b byte) byte {
	const digits = "0123456789ABCDEF"
	return digits[b]
}
