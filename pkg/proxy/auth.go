package proxy

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/Polly2014/CopilotX/pkg/apierr"
)

const (
	BindLoopback = "loopback"
	BindAll      = "all-interfaces"
)

var errMissingKey = errors.New("a valid API key is required for non-local requests")

// AccessPolicy decides which requests may use the gateway. Without a secret
// everything is allowed; with one, only loopback peers or callers presenting
// it are.
type AccessPolicy struct {
	secret   []byte
	loopback bool
}

func NewAccessPolicy(listenAddr, secret string) *AccessPolicy {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host = listenAddr
	}
	p := &AccessPolicy{loopback: hostIsLoopback(host)}
	if secret = strings.TrimSpace(secret); secret != "" {
		p.secret = []byte(secret)
	}
	return p
}

func (p *AccessPolicy) BindMode() string {
	if p.loopback {
		return BindLoopback
	}
	return BindAll
}

func (p *AccessPolicy) KeyRequired() bool { return len(p.secret) > 0 }

// WarnIfOpen logs the degraded-trust warning for an exposed bind with no
// secret. Call it once at startup.
func (p *AccessPolicy) WarnIfOpen() {
	if p.loopback || p.KeyRequired() {
		return
	}
	logger.Warn("listening on all interfaces without an API key; anyone who can reach this port can use your Copilot subscription",
		"hint", "set api_key in the config or COPILOTX_API_KEY")
}

func (p *AccessPolicy) Allow(r *http.Request) bool {
	if !p.KeyRequired() || requestIsLoopback(r) {
		return true
	}
	// Anthropic clients may send their own bearer alongside x-api-key, so
	// either header can carry the gateway key.
	allowed := false
	for _, key := range []string{bearerToken(r.Header), strings.TrimSpace(r.Header.Get("x-api-key"))} {
		if key != "" && subtle.ConstantTimeCompare([]byte(key), p.secret) == 1 {
			allowed = true
		}
	}
	return allowed
}

// Middleware rejects disallowed requests in the error shape of the route's
// protocol.
func (p *AccessPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.Allow(r) {
			next.ServeHTTP(w, r)
			return
		}
		logger.Warn("rejected unauthenticated request", "remote", r.RemoteAddr, "path", r.URL.Path)
		writeError(w, protocolFor(r.URL.Path), &apierr.AuthenticationError{Message: errMissingKey.Error()})
	})
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requestIsLoopback judges the TCP peer only. Forwarded headers are ignored
// since any client can set them.
func requestIsLoopback(r *http.Request) bool {
	return hostIsLoopback(remoteHost(r))
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func hostIsLoopback(host string) bool {
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
