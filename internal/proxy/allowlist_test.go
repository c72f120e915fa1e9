package proxy

import "testing"

func TestAllowListPatterns(t *testing.T) {
	a := NewAllowList([]string{"pypi.org", "*.anthropic.com", "bedrock-runtime.*"})

	tests := []struct {
		host string
		want bool
	}{
		{"pypi.org", true},
		{"pypi.org:443", true},
		{"PYPI.ORG", true},
		{"files.pypi.org", false},
		{"api.anthropic.com", true},
		{"x.y.anthropic.com", true},
		{"anthropic.com", false},
		{"bedrock-runtime.us-east-1.amazonaws.com", true},
		{"bedrock-runtime.eu-west-1.amazonaws.com", true},
		{"bedrock.us-east-1.amazonaws.com", false},
		{"evil.example", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := a.Allows(tt.host); got != tt.want {
			t.Errorf("Allows(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestEmptyAllowListDeniesEverything(t *testing.T) {
	a := NewAllowList(nil)
	for _, host := range []string{"pypi.org", "localhost", "127.0.0.1"} {
		if a.Allows(host) {
			t.Errorf("empty allow-list should deny %q", host)
		}
	}
}
