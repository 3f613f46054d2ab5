package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP is the address rate-limit buckets are keyed by. The RealIP
// middleware has already folded X-Forwarded-For / X-Real-IP into RemoteAddr
// by the time the limiter runs, so only the port needs stripping here.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
