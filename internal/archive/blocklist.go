package archive

import "strings"

// Blocklist matches hosts against configured domains. An entry blocks the
// domain itself and every subdomain; "*.example.com" and ".example.com" are
// accepted as aliases of "example.com".
type Blocklist struct {
	domains []string
}

// NewBlocklist builds a Blocklist from configured patterns. Empty patterns are ignored.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{}
	seen := make(map[string]struct{}, len(patterns))
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		value = strings.TrimPrefix(value, "*")
		value = strings.Trim(value, ".")
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		b.domains = append(b.domains, value)
	}
	return b
}

// Blocked reports whether host is listed.
func (b *Blocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	for _, domain := range b.domains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// BlockedURL reports whether the host of rawURL is listed.
func (b *Blocklist) BlockedURL(rawURL string) bool {
	return b.Blocked(Domain(rawURL))
}
