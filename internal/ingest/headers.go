package ingest

import (
	"fmt"
	"net/http"

	"sentinel-siem/internal/config"
)

// apiCSP forbids every resource type; the API only serves JSON.
const apiCSP = "default-src 'none'; frame-ancestors 'none'"

// securityHeadersMiddleware sets hardening headers on every response.
func securityHeadersMiddleware(next http.Handler, cfg config.SecurityHeadersConfig) http.Handler {
	if !cfg.Enabled {
		return next
	}

	hsts := ""
	if cfg.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d; includeSubDomains", cfg.HSTSMaxAge)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", apiCSP)
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		if hsts != "" {
			h.Set("Strict-Transport-Security", hsts)
		}
		for k, v := range cfg.CustomHeaders {
			h.Set(k, v)
		}

		next.ServeHTTP(w, r)
	})
}
