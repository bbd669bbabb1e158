package session

import "regexp"

// noncePatterns are tried in order against the rendered listing page.
var noncePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)["'](?:_?nonce|security)["']\s*[:=]\s*["']([a-f0-9]{10})["']`),
	regexp.MustCompile(`(?i)var\s+security\s*=\s*["']([a-f0-9]{10})["']`),
	regexp.MustCompile(`(?i)dl_bfile[^;]*?["']([a-f0-9]{10})["']`),
	regexp.MustCompile(`data-s=["']([A-Za-z0-9]+)["']`),
	regexp.MustCompile(`(?s)dl_bfile.*?security[^A-Za-z0-9]+([A-Za-z0-9]{6,})`),
}

// ExtractNonce finds the AJAX security token in page HTML.
func ExtractNonce(html string) (string, bool) {
	for _, re := range noncePatterns {
		if m := re.FindStringSubmatch(html); len(m) == 2 {
			return m[1], true
		}
	}
	return "", false
}
