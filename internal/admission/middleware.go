package admission

import (
	"net/http"

	"github.com/go-chi/cors"
)

// Middleware answers preflights and sets CORS response headers for tenant
// sites. The allow decision for each request goes through b; an allowed
// origin is echoed back, never "*", so credentialed requests work.
func Middleware(b *Bridge, tenantHeader string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return b.Allow(r.Context(), r.Header.Get(tenantHeader), origin)
		},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
