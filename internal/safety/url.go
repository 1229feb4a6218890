// Package safety holds input filters applied before untrusted values reach
// rendered alerts.
package safety

import (
	"net/url"
	"strings"
	"unicode"
)

// MaxURLLength bounds accepted URLs.
const MaxURLLength = 2048

// SanitizeURL returns a normalized http(s) URL and true, or "" and false
// when raw is empty, too long, contains whitespace or control characters,
// has another scheme, lacks a host or carries userinfo.
func SanitizeURL(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) > MaxURLLength {
		return "", false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f || unicode.IsSpace(r) {
			return "", false
		}
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if u.Host == "" || u.User != nil {
		return "", false
	}
	u.Scheme = scheme
	return u.String(), true
}

// URL is SanitizeURL without the flag.
func URL(raw string) string {
	s, _ := SanitizeURL(raw)
	return s
}
