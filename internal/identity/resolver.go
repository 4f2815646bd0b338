package identity

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is the identity of a request that exposes no address at all.
const Unknown = "unknown"

// Resolver derives a best-effort client identity from an HTTP request.
// The identity is used both for rate-limit keying and for audit logging.
type Resolver struct {
	RealIPHeader    string
	ForwardedHeader string
}

func NewResolver() *Resolver {
	return &Resolver{
		RealIPHeader:    "X-Real-Ip",
		ForwardedHeader: "X-Forwarded-For",
	}
}

// Resolve returns a non-empty identity string.
// Precedence: real-IP header, first forwarded-for hop, transport peer
// address, Unknown. Values are opaque keys; no IP syntax validation is
// performed, so malformed values pass through unchanged.
func (r *Resolver) Resolve(req *http.Request) string {
	if req == nil {
		return Unknown
	}

	if v := strings.TrimSpace(req.Header.Get(r.RealIPHeader)); v != "" {
		return v
	}

	if v := firstForwarded(req.Header.Get(r.ForwardedHeader)); v != "" {
		return v
	}

	if v := peerAddr(req.RemoteAddr); v != "" {
		return v
	}

	return Unknown
}

// firstForwarded takes the first element of a comma-separated proxy chain,
// the original client. Trusting the chain is the caller's concern.
func firstForwarded(value string) string {
	if value == "" {
		return ""
	}
	parts := strings.Split(value, ",")
	return strings.TrimSpace(parts[0])
}

func peerAddr(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}
