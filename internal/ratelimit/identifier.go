package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// Identify derives the rate-limit identifier and class for a request.
// Authenticated callers are keyed by user id; anonymous callers by client IP
// resolved from forwarded headers in documented order.
func Identify(r *http.Request, userID string, premium bool) (string, UserClass) {
	if userID != "" {
		if premium {
			return "user:" + userID, ClassPremium
		}
		return "user:" + userID, ClassUser
	}
	return "ip:" + ClientIP(r), ClassAnonymous
}

// ClientIP resolves the client address, preferring Cloudflare's header, then
// the first hop of X-Forwarded-For, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
