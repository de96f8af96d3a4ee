package httpmw

import "net/http"

// SecurityPolicy selects the header set for a class of responses.
type SecurityPolicy int

const (
	// PolicyAPI locks JSON responses down completely.
	PolicyAPI SecurityPolicy = iota
	// PolicySite is for tenant pages. Tenants ship their own scripts, styles
	// and cross-origin fetches, so no CSP or cross-origin isolation is forced.
	PolicySite
)

var commonHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
}

var apiHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"},
	{"X-Frame-Options", "DENY"},
	{"Cache-Control", "no-store"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()"},
}

var siteHeaders = [][2]string{
	{"X-Frame-Options", "SAMEORIGIN"},
}

// SecurityHeaders sets the headers for policy before the handler runs, so a
// handler may still override any of them.
func SecurityHeaders(policy SecurityPolicy) Middleware {
	set := append([][2]string{}, commonHeaders...)
	if policy == PolicyAPI {
		set = append(set, apiHeaders...)
	} else {
		set = append(set, siteHeaders...)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range set {
				h.Set(kv[0], kv[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
