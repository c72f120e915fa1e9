// Package proxy implements the per-sandbox credential injection proxy: the
// sole egress path out of an isolated sandbox. It enforces a host allow-list,
// signs requests to configured endpoints, injects MCP headers, and audits
// traffic. Credential material lives only here, never inside a sandbox.
package proxy

import "sync/atomic"

// Credentials is the signing material held by the control plane. It is
// immutable once published; rotation publishes a fresh snapshot.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// CredentialStore exposes a read-mostly credential snapshot. One writer
// (rotation), many readers (request handlers); readers grab the pointer once
// per request so a rotation mid-request is harmless.
type CredentialStore struct {
	current atomic.Pointer[Credentials]
}

// NewCredentialStore returns an empty store. Current returns nil until the
// first rotation.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// Rotate atomically publishes new signing material.
func (s *CredentialStore) Rotate(c Credentials) {
	s.current.Store(&c)
}

// Current returns the active snapshot, or nil when none is configured.
func (s *CredentialStore) Current() *Credentials {
	return s.current.Load()
}
