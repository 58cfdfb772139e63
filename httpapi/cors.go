package httpapi

import (
	"net/http"
	"slices"
	"strings"

	"pkt.systems/imagine/internal/relay"
)

type corsPolicy struct {
	origins []string
	any     bool
}

func newCORSPolicy(origins []string) corsPolicy {
	p := corsPolicy{}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
		case "*":
			p.any = true
		default:
			p.origins = append(p.origins, origin)
		}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	return p.any || slices.Contains(p.origins, origin)
}

// checkOrigin gates websocket upgrades: same-host and allow-listed origins
// pass, as do non-browser clients that send no Origin.
func (p corsPolicy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allows(origin) {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return strings.EqualFold(host, r.Host)
}

func withCORS(next http.Handler, policy corsPolicy) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if policy.allows(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", relay.SessionHeader)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
