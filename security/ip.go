package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the address of the client that sent r. Proxy headers are
// only consulted with trustProxy, and then X-Forwarded-For is read from the
// right, skipping trustedProxyCount hops (at least one).
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedFor(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}
	hops := strings.Split(header, ",")
	idx := len(hops) - max(trustedProxyCount, 1) - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(hops[idx])
}

func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
