package httpmw

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
)

// TenantHeader names the tenant a request is for.
const TenantHeader = "X-Subdomain"

// maxTenantLen bounds what is copied into logs and spans; longer values are
// kept in context so handlers can reject them.
const maxTenantLen = 63

type tenantKey struct{}

// NormalizeTenant lowercases and trims a tenant header value.
func NormalizeTenant(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// TenantFromContext returns the normalized tenant name, or "".
func TenantFromContext(ctx context.Context) string {
	s, _ := ctx.Value(tenantKey{}).(string)
	return s
}

// WithTenant stores a normalized tenant name in ctx.
func WithTenant(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, tenantKey{}, NormalizeTenant(name))
}

// Tenant reads the tenant header, stores the normalized name in context and
// annotates the request logger and span with it.
func Tenant(header string) Middleware {
	if header == "" {
		header = TenantHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := NormalizeTenant(r.Header.Get(header))
			ctx := WithTenant(r.Context(), name)

			if name != "" && len(name) <= maxTenantLen {
				ctx = log.WithContext(ctx, log.FromContext(ctx).With("tenant", name))
				if span := trace.SpanFromContext(ctx); span.IsRecording() {
					span.SetAttributes(attribute.String("app.tenant", name))
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
