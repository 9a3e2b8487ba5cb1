package signature

import "strings"

// Canonicalizer builds the signed string from the ordered key list.
type Canonicalizer func(keys []string, fields map[string]string) string

// Concat joins the values of keys in order with no delimiter.
func Concat(keys []string, fields map[string]string) string {
	var b strings.Builder
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			b.WriteString(v)
		}
	}
	return b.String()
}

// Query renders key=value pairs in order, values escaped like JavaScript's
// encodeURIComponent, joined with "&".
func Query(keys []string, fields map[string]string) string {
	var b strings.Builder
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(EncodeURIComponent(v))
	}
	return b.String()
}

// EncodeURIComponent percent-encodes every byte outside A-Z a-z 0-9 and -_.!~*'().
func EncodeURIComponent(s string) string {
	const hexUpper = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexUpper[c>>4])
		b.WriteByte(hexUpper[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
