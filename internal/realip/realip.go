// Package realip derives the apparent client IP behind trusted proxy
// chains. Forwarding headers are honored only when the immediate peer
// is a trusted proxy; the X-Forwarded-For chain is walked right to
// left and the first untrusted hop wins.
package realip

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey struct{}

// Extractor resolves the client IP for a request.
type Extractor struct {
	trustedNets []*net.IPNet
}

// New creates an Extractor from trusted proxy CIDRs. Bare IPs are
// accepted and widened to /32 or /128.
func New(cidrs []string) (*Extractor, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return &Extractor{trustedNets: nets}, nil
}

// Extract returns the apparent client IP for the request. The direct
// peer is used unless it is a trusted proxy, in which case the
// X-Forwarded-For chain is consulted.
func (e *Extractor) Extract(r *http.Request) string {
	remoteIP := hostOnly(r.RemoteAddr)
	if !e.isTrusted(remoteIP) {
		return remoteIP
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := e.walkXFF(xff); ip != "" {
			return ip
		}
	}
	return remoteIP
}

// walkXFF walks the chain from right to left and returns the first
// untrusted entry. A chain of only trusted proxies yields the leftmost.
func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}
	return strings.TrimSpace(parts[0])
}

func (e *Extractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range e.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware stores the extracted IP in the request context.
func (e *Extractor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), contextKey{}, e.Extract(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves the client IP stored by Middleware.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
