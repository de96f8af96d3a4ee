// Package httpmw provides HTTP middleware for the public-facing server.
//
// Middleware is composed in a fixed order in httpserver.NewHandler: panic
// recovery, request ID, client IP extraction, tenant annotation, cross-origin
// admission, OTEL tracing, metrics, structured logging and the chi router.
//
// User-supplied data (query params, user-agent, arbitrary headers) is kept
// out of logs; the tenant name is logged only after normalization.
package httpmw
