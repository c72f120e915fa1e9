package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/enclaveworks/enclave/internal/common/config"
	apperrors "github.com/enclaveworks/enclave/internal/common/errors"
	"github.com/enclaveworks/enclave/internal/common/logger"
	"github.com/enclaveworks/enclave/internal/metrics"
)

// Proxy is one sandbox's egress gateway. Forward HTTP requests pass the
// allow-list, then are either SigV4-signed (signing policy hosts) or get MCP
// headers injected, and are forwarded over a pooled transport. CONNECT
// requests pass the allow-list and become opaque TCP tunnels; TLS stays
// end-to-end, the proxy never inspects tunneled bytes.
type Proxy struct {
	engine    *goproxy.ProxyHttpServer
	creds     *CredentialStore
	rules     *RuleStore
	allow     atomic.Pointer[AllowList]
	signing   atomic.Pointer[[]string] // signing policy host patterns
	signer    *Signer
	dns       *DNSCache
	audit     *AuditLogger
	transport *http.Transport
	nonce     string
	log       *logger.Logger
}

// Config carries the runtime-mutable proxy state pushed by the control plane.
type Config struct {
	Credentials     *Credentials `json:"credentials,omitempty"`
	AllowedHosts    []string     `json:"allowed_hosts"`
	SigningSuffixes []string     `json:"signing_suffixes,omitempty"`
}

// New creates a proxy. The nonce tags audit entries for this sandbox.
func New(cfg config.ProxyConfig, nonce string, audit *AuditLogger, log *logger.Logger) *Proxy {
	dns := NewDNSCache(cfg.DNSCacheTTLDuration(), cfg.DNSNegativeTTLDuration())
	transport := &http.Transport{
		DialContext:         dns.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	p := &Proxy{
		engine:    goproxy.NewProxyHttpServer(),
		creds:     NewCredentialStore(),
		rules:     NewRuleStore(),
		signer:    NewSigner(cfg.SigningService, cfg.SigningRegion),
		dns:       dns,
		audit:     audit,
		transport: transport,
		nonce:     nonce,
		log:       log,
	}
	p.allow.Store(NewAllowList(cfg.DomainWhitelistPatterns()))
	suffixes := cfg.SigningSuffixPatterns()
	p.signing.Store(&suffixes)

	p.engine.Verbose = false
	p.engine.Logger = noopLogger{}

	// Allow-list checks for CONNECT happen in ServeHTTP before the engine
	// sees the request, so here every tunnel is approved. The dialer goes
	// through the DNS cache.
	p.engine.ConnectDial = func(network, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return p.dns.DialContext(ctx, network, addr)
	}
	p.engine.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		metrics.ProxyRequestsTotal.WithLabelValues("connect", "allowed").Inc()
		return goproxy.OkConnect, host
	})

	// Forward requests are handled entirely here; the engine just writes
	// the response we return.
	p.engine.OnRequest().DoFunc(func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return req, p.handleForward(req)
	})

	return p
}

// Configure pushes credentials and the allow-list. Each field updates
// atomically; omitted fields are left unchanged.
func (p *Proxy) Configure(cfg Config) {
	if cfg.Credentials != nil {
		p.creds.Rotate(*cfg.Credentials)
	}
	if cfg.AllowedHosts != nil {
		p.allow.Store(NewAllowList(cfg.AllowedHosts))
	}
	if cfg.SigningSuffixes != nil {
		suffixes := cfg.SigningSuffixes
		p.signing.Store(&suffixes)
	}
}

// UpdateRules atomically swaps the MCP header rules.
func (p *Proxy) UpdateRules(rules []HeaderRule) {
	p.rules.Replace(rules)
}

// Allows reports whether the destination host passes the current allow-list.
func (p *Proxy) Allows(host string) bool {
	return p.allow.Load().Allows(host)
}

// ServeHTTP is the proxy entrypoint. CONNECT denials are answered here with
// the exact failure semantics callers expect; everything else is delegated to
// the engine.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		host := normalizeHost(r.Host)
		if !p.Allows(host) {
			p.deny(w, r, "connect", host)
			return
		}
	}
	p.engine.ServeHTTP(w, r)
}

// handleForward runs the per-request pipeline for absolute-form HTTP
// requests and returns the response to write back into the sandbox.
func (p *Proxy) handleForward(req *http.Request) *http.Response {
	host := normalizeHost(req.URL.Host)

	if !p.Allows(host) {
		metrics.ProxyRequestsTotal.WithLabelValues("forward", "denied").Inc()
		p.audit.Record(AuditEntry{
			Nonce: p.nonce, Kind: "forward", Method: req.Method,
			Host: host, Path: req.URL.Path,
			Outcome: OutcomeDenied, Status: http.StatusForbidden,
			Reason: apperrors.ErrCodeEgressDenied,
		})
		return p.errorResponse(req, apperrors.EgressDenied(host))
	}

	outcome := OutcomeAllowed
	if matchesAnyPattern(host, *p.signing.Load()) {
		creds := p.creds.Current()
		if creds == nil {
			metrics.ProxyRequestsTotal.WithLabelValues("forward", "signer_error").Inc()
			p.audit.Record(AuditEntry{
				Nonce: p.nonce, Kind: "forward", Method: req.Method,
				Host: host, Path: req.URL.Path,
				Outcome: OutcomeSignerError, Status: http.StatusInternalServerError,
				Reason: apperrors.ErrCodeSigningMisconfigured,
			})
			return p.errorResponse(req, apperrors.SigningMisconfigured(host))
		}
		if err := p.signer.Sign(req.Context(), req, creds); err != nil {
			// The error never carries secret material.
			p.log.Error("Request signing failed", zap.String("host", host), zap.Error(err))
			metrics.ProxyRequestsTotal.WithLabelValues("forward", "signer_error").Inc()
			return p.errorResponse(req, apperrors.SigningMisconfigured(host))
		}
		outcome = OutcomeSigned
	} else {
		p.rules.Apply(req)
	}

	// Strip proxy-hop artifacts; nothing we forward should reveal the
	// control plane.
	req.RequestURI = ""
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")

	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		p.dns.Evict(host)
		metrics.ProxyRequestsTotal.WithLabelValues("forward", "upstream_error").Inc()
		p.audit.Record(AuditEntry{
			Nonce: p.nonce, Kind: "forward", Method: req.Method,
			Host: host, Path: req.URL.Path,
			Outcome: OutcomeUpstreamError, Status: http.StatusBadGateway,
			Reason: err.Error(),
		})
		return goproxy.NewResponse(req, "application/json", http.StatusBadGateway,
			errorBody(apperrors.ErrCodeServiceUnavailable, "upstream request failed"))
	}

	metrics.ProxyRequestsTotal.WithLabelValues("forward", outcome).Inc()
	p.audit.Record(AuditEntry{
		Nonce: p.nonce, Kind: "forward", Method: req.Method,
		Host: host, Path: req.URL.Path,
		Outcome: outcome, Status: resp.StatusCode,
	})
	return resp
}

// deny writes the machine-readable 403 for a rejected CONNECT. No bytes are
// ever sent toward the destination.
func (p *Proxy) deny(w http.ResponseWriter, r *http.Request, kind, host string) {
	metrics.ProxyRequestsTotal.WithLabelValues(kind, "denied").Inc()
	p.audit.Record(AuditEntry{
		Nonce: p.nonce, Kind: kind, Method: r.Method, Host: host,
		Outcome: OutcomeDenied, Status: http.StatusForbidden,
		Reason: apperrors.ErrCodeEgressDenied,
	})

	appErr := apperrors.EgressDenied(host)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}

// errorResponse renders an application error as a proxy response.
func (p *Proxy) errorResponse(req *http.Request, appErr *apperrors.AppError) *http.Response {
	return goproxy.NewResponse(req, "application/json", appErr.HTTPStatus,
		errorBody(appErr.Code, appErr.Message))
}

func errorBody(code, message string) string {
	body, _ := json.Marshal(map[string]string{"code": code, "message": message})
	return string(body)
}

// noopLogger silences goproxy's internal logging; the proxy has its own.
type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}
