package proxy

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/enclaveworks/enclave/internal/common/config"
)

// Audit outcomes.
const (
	OutcomeAllowed       = "allowed"
	OutcomeDenied        = "denied"
	OutcomeSigned        = "signed"
	OutcomeUpstreamError = "upstream_error"
	OutcomeSignerError   = "signer_error"
)

// AuditEntry is one JSON line in the proxy audit log. It carries the
// per-sandbox nonce instead of any credential material.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	Nonce   string    `json:"nonce"`
	Kind    string    `json:"kind"` // forward, connect
	Method  string    `json:"method,omitempty"`
	Host    string    `json:"host"`
	Path    string    `json:"path,omitempty"`
	Outcome string    `json:"outcome"`
	Status  int       `json:"status,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// AuditLogger writes newline-delimited JSON audit entries to a size-rotated
// file. When logAll is false only denials, signing activity, and errors are
// recorded.
type AuditLogger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	logAll bool
}

// NewAuditLogger opens the rotated audit log described by the configuration.
func NewAuditLogger(cfg config.ProxyConfig) *AuditLogger {
	out := &lumberjack.Logger{
		Filename:   cfg.AuditLogPath,
		MaxSize:    cfg.AuditLogMaxSizeMB,
		MaxBackups: cfg.AuditLogMaxBackups,
		Compress:   true,
	}
	return &AuditLogger{
		enc:    json.NewEncoder(out),
		closer: out,
		logAll: cfg.LogAllRequests,
	}
}

// NewAuditLoggerWithWriter writes entries to the given writer. Tests only.
func NewAuditLoggerWithWriter(w io.Writer, logAll bool) *AuditLogger {
	return &AuditLogger{enc: json.NewEncoder(w), logAll: logAll}
}

// Record appends one entry, subject to the verbosity setting.
func (a *AuditLogger) Record(e AuditEntry) {
	if !a.logAll && e.Outcome == OutcomeAllowed {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.enc.Encode(e)
}

// Close flushes and closes the underlying file.
func (a *AuditLogger) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
