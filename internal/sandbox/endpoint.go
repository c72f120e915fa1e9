package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Endpoint is a transport descriptor for reaching a per-sandbox service. It is
// either a Unix-domain-socket path on the control host or an HTTP base URL
// (sidecar mode). Callers obtain a uniform HTTP client regardless of kind.
type Endpoint struct {
	raw string
}

// ParseEndpoint parses a transport descriptor of the form
// "unix:///path/to/agent.sock" or "http(s)://host:port".
func ParseEndpoint(raw string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(raw, "unix://"):
		if strings.TrimPrefix(raw, "unix://") == "" {
			return Endpoint{}, fmt.Errorf("empty unix socket path in endpoint %q", raw)
		}
		return Endpoint{raw: raw}, nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return Endpoint{raw: raw}, nil
	case raw == "":
		return Endpoint{}, fmt.Errorf("empty endpoint")
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme in %q", raw)
	}
}

// UnixEndpoint builds an Endpoint for a socket path on the control host.
func UnixEndpoint(socketPath string) Endpoint {
	return Endpoint{raw: "unix://" + socketPath}
}

// HTTPEndpoint builds an Endpoint for a remote HTTP base URL.
func HTTPEndpoint(baseURL string) Endpoint {
	return Endpoint{raw: strings.TrimSuffix(baseURL, "/")}
}

// IsUnix reports whether the endpoint is a Unix-domain socket.
func (e Endpoint) IsUnix() bool {
	return strings.HasPrefix(e.raw, "unix://")
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.raw == ""
}

// String returns the raw descriptor for persistence in the registry.
func (e Endpoint) String() string {
	return e.raw
}

// SocketPath returns the filesystem path for unix endpoints, empty otherwise.
func (e Endpoint) SocketPath() string {
	if !e.IsUnix() {
		return ""
	}
	return strings.TrimPrefix(e.raw, "unix://")
}

// BaseURL returns the URL prefix for requests to this endpoint. For unix
// endpoints the host part is a placeholder; the dialer ignores it.
func (e Endpoint) BaseURL() string {
	if e.IsUnix() {
		return "http://sandbox"
	}
	return e.raw
}

// HTTPClient returns an HTTP client that reaches the endpoint over its
// transport. Unix endpoints get a socket dialer; HTTP endpoints a pooled
// TCP transport.
func (e Endpoint) HTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 10,
	}

	if e.IsUnix() {
		socketPath := e.SocketPath()
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
