package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/academy/internal/auth"
	"github.com/dukerupert/academy/internal/ratelimit"
)

// Trusted proxy settings. Each names the one header that proxy sets; with
// ProxyNone only the peer address counts.
const (
	ProxyNone       = "none"
	ProxyCloudflare = "cloudflare"
	ProxyNetlify    = "netlify"
	ProxyForwarded  = "forwarded"
)

// ClientIP returns the address a request is attributed to for rate limiting.
type ClientIP func(r *http.Request) string

// ClientIPFor trusts only the header set by the given proxy and falls back to
// the peer address. Headers from any other source are ignored, since a
// client can set them to anything.
func ClientIPFor(proxy string) ClientIP {
	header := ""
	switch proxy {
	case ProxyCloudflare:
		header = "CF-Connecting-IP"
	case ProxyNetlify:
		header = "X-Nf-Client-Connection-Ip"
	case ProxyForwarded:
		header = "X-Forwarded-For"
	}
	if header == "" {
		return PeerIP
	}
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			// First IP in a forwarded chain is the original client
			if i := strings.IndexByte(v, ','); i > 0 {
				v = v[:i]
			}
			return strings.TrimSpace(v)
		}
		return PeerIP(r)
	}
}

// PeerIP is the host part of RemoteAddr.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit checks every rule in order before calling next. IP rules count
// the client address; user rules count the authenticated user and are skipped
// for anonymous requests, so this belongs behind authentication.
func RateLimit(limiter *ratelimit.Limiter, clientIP ClientIP, logger *slog.Logger, rules ...ratelimit.Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, rule := range rules {
				var subject string
				switch rule.Scope {
				case ratelimit.ScopeIP:
					subject = clientIP(r)
				case ratelimit.ScopeUser:
					subject = auth.UserID(r.Context())
				}
				if subject == "" {
					continue
				}

				res := limiter.Check(r.Context(), rule, subject)
				if res.Permit(rule.OnUnknown) {
					continue
				}
				if res.Decision == ratelimit.Unknown {
					logger.Error("rate limit unavailable, rejecting", "rule", rule.Name, "error", res.Err)
					JSONError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
					return
				}
				writeRateLimited(w, res.ResetAt, time.Now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, resetAt, now time.Time) {
	secs := int64(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	WriteJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":    "Too many requests",
		"reset_at": resetAt.UTC().Format(time.RFC3339),
	})
}
