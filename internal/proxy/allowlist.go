package proxy

import (
	"net"
	"strings"
)

// AllowList decides which destination hosts a sandbox may reach. Patterns are
// exact hostnames, "*.suffix" (any subdomain of suffix), or "prefix.*" (any
// host whose first label matches). The list is immutable; updates swap the
// whole list.
type AllowList struct {
	exact    map[string]struct{}
	suffixes []string // ".suffix" including leading dot
	prefixes []string // "prefix." including trailing dot
}

// NewAllowList compiles patterns. Empty input yields a list that denies
// everything.
func NewAllowList(patterns []string) *AllowList {
	a := &AllowList{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "":
		case strings.HasPrefix(p, "*."):
			a.suffixes = append(a.suffixes, p[1:]) // keep the dot
		case strings.HasSuffix(p, ".*"):
			a.prefixes = append(a.prefixes, p[:len(p)-1]) // keep the dot
		default:
			a.exact[p] = struct{}{}
		}
	}
	return a
}

// Allows reports whether the host (with or without port) matches the list.
func (a *AllowList) Allows(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if _, ok := a.exact[host]; ok {
		return true
	}
	for _, suffix := range a.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}

// normalizeHost lowercases and strips any port.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// matchesAnyPattern reports whether the host matches one of the raw patterns,
// using the same pattern grammar as the allow-list. Used for the signing
// policy.
func matchesAnyPattern(host string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	return NewAllowList(patterns).Allows(host)
}
