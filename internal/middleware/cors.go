package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

const corsMaxAge = "600"

// CORSConfig describes which browser origin may call an endpoint.
type CORSConfig struct {
	AllowedOrigin  string
	AllowLocalhost bool
	Methods        []string
}

// CORS gates browser-invoked endpoints. Preflight requests are answered here
// and never reach next: 204 for an allowed origin, 403 otherwise. Other
// requests from an allowed origin get Access-Control-Allow-Origin set.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed, _ := NormalizeOrigin(cfg.AllowedOrigin)
	methods := strings.Join(append(append([]string{}, cfg.Methods...), http.MethodOptions), ", ")

	isAllowed := func(origin string) (string, bool) {
		norm, ok := NormalizeOrigin(origin)
		if !ok {
			return "", false
		}
		if allowed != "" && norm == allowed {
			return origin, true
		}
		if cfg.AllowLocalhost && isLocalhost(norm) {
			return origin, true
		}
		return "", false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			AddVary(w.Header(), "Origin")
			origin, ok := isAllowed(r.Header.Get("Origin"))

			if r.Method == http.MethodOptions {
				if !ok {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			next.ServeHTTP(w, r)
		})
	}
}

var schemeTypos = []struct{ bad, good string }{
	{"https:;//", "https://"},
	{"https;//", "https://"},
	{"http:;//", "http://"},
	{"http;//", "http://"},
}

// NormalizeOrigin reduces raw to scheme://host[:port] in lower case. It
// repairs a few common typos in configured origins (a semicolon for the
// colon, extra slashes after the scheme). Non-http(s) values are rejected.
func NormalizeOrigin(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	lower := strings.ToLower(s)
	for _, t := range schemeTypos {
		if strings.HasPrefix(lower, t.bad) {
			s = t.good + s[len(t.bad):]
			break
		}
	}
	if i := strings.Index(s, "://"); i > 0 {
		s = s[:i+3] + strings.TrimLeft(s[i+3:], "/")
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Host)
	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}
	return scheme + "://" + host, true
}

func isLocalhost(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// AddVary appends token to the Vary header unless it is already listed.
// Comparison is case-insensitive across all existing Vary values.
func AddVary(h http.Header, token string) {
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "*" || strings.EqualFold(part, token) {
				return
			}
		}
	}
	h.Add("Vary", token)
}
