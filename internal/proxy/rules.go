package proxy

import (
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
)

// HeaderRule injects headers into requests whose URL starts with the prefix.
// Used to attach per-request auxiliary headers for agent-driven MCP calls.
type HeaderRule struct {
	URLPrefix string            `json:"url_prefix"`
	Headers   map[string]string `json:"headers"`
}

// RuleStore holds the active header rules as an immutable snapshot behind an
// atomic pointer. Updates replace the whole set; applying the same update
// twice is a no-op behaviorally.
type RuleStore struct {
	snapshot atomic.Pointer[[]HeaderRule]
}

// NewRuleStore returns a store with no rules.
func NewRuleStore() *RuleStore {
	s := &RuleStore{}
	s.Replace(nil)
	return s
}

// Replace atomically swaps in a new rule set, ordered longest-prefix first so
// Apply can take the first match.
func (s *RuleStore) Replace(rules []HeaderRule) {
	sorted := make([]HeaderRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].URLPrefix) > len(sorted[j].URLPrefix)
	})
	s.snapshot.Store(&sorted)
}

// Apply injects the headers of the longest-prefix rule matching the request
// URL. Returns whether a rule matched.
func (s *RuleStore) Apply(req *http.Request) bool {
	rules := *s.snapshot.Load()
	url := req.URL.String()
	for _, rule := range rules {
		if rule.URLPrefix != "" && strings.HasPrefix(url, rule.URLPrefix) {
			for k, v := range rule.Headers {
				req.Header.Set(k, v)
			}
			return true
		}
	}
	return false
}
