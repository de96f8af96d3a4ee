package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sites/internal/health"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
)

// APIPrefix is the path prefix that gets the API security policy; every other
// path is a tenant page.
const APIPrefix = "/api"

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// TenantHeader is read by httpmw.Tenant. default: httpmw.TenantHeader
	TenantHeader string

	// CORS wraps the router so preflights are answered before routing.
	CORS func(http.Handler) http.Handler

	// APIRoutes registers the management API.
	APIRoutes func(r chi.Router)

	// SiteHandler answers every request no route matched.
	SiteHandler http.Handler

	// ReadTimeout and WriteTimeout override the server defaults; bundle
	// uploads need more than the default to arrive.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// SiteMaxBodyBytes bounds request bodies sent to tenant pages. default: 1KB
	SiteMaxBodyBytes int64
}
