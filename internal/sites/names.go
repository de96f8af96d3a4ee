package sites

import (
	"net/url"
	"strings"
)

// MaxNameLen is the longest DNS label.
const MaxNameLen = 63

// ValidName reports whether name is usable as a subdomain: one lowercase DNS
// label.
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameLen {
		return false
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

// NormalizeOrigin returns the canonical form of an allowlist entry: "*" or
// scheme://host[:port] with scheme and host lowercased. ok is false for
// anything else, including values with a path, query or credentials.
func NormalizeOrigin(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "*" {
		return v, true
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	if strings.HasSuffix(u.Host, ":") {
		return "", false
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), true
}
