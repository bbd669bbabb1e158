package crawler

import (
	"html"
	"net/url"
	"strings"
)

// NormalizeToken canonicalises a raw case token so that cosmetic variants
// (entity encoding, URL escaping, case, punctuation, whitespace) collapse to
// the same identity. The result contains only A-Z and 0-9.
func NormalizeToken(raw string) string {
	s := html.UnescapeString(raw)
	s = strings.ToUpper(unquotePlus(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unquotePlus decodes '+' and each valid %XX escape on its own. Malformed
// escapes stay literal so one bad sequence does not block the rest.
func unquotePlus(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b = append(b, ' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b = append(b, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		default:
			b = append(b, c)
		}
	}
	return string(b)
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	default:
		return c - '0'
	}
}

// DocumentURLKey canonicalises a resolved document URL so that cosmetic
// variants of the same target claim one in-run slot: scheme and host are
// lowercased, default ports and fragments dropped, and query parameters
// sorted. Unparseable URLs are returned unchanged.
func DocumentURLKey(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String()
}
