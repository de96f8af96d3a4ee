// Package resolve maps (tenant, request path) to the stored file that
// answers it and the status to answer with.
package resolve

import (
	"context"
	"errors"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-sites/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sites"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

const (
	NotFoundPage    = "404.html"
	UnavailablePage = "503.html"
)

type Outcome int

const (
	Found Outcome = iota
	NotFound
	Disabled
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Status is the HTTP status a page response carries for this outcome.
func (o Outcome) Status() int {
	switch o {
	case Found:
		return http.StatusOK
	case Disabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusNotFound
	}
}

// Result is the answer for one request. Location is empty when there is no
// body to serve; Path is the user path of the served file.
type Result struct {
	Outcome  Outcome
	Location string
	Path     string
}

func (r Result) HasBody() bool { return r.Location != "" }

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncResolution(outcome string)
}

type Resolver struct {
	q       store.Queries
	metrics Metrics
}

func New(q store.Queries, m Metrics) *Resolver {
	return &Resolver{q: q, metrics: m}
}

// Resolve answers a page request for tenant name. Only live files match.
// An unknown tenant is sites.ErrTenantNotFound.
func (r *Resolver) Resolve(ctx context.Context, name, reqPath string) (Result, error) {
	res, err := r.resolve(ctx, name, reqPath)
	if r.metrics != nil {
		switch {
		case err == nil:
			r.metrics.IncResolution(res.Outcome.String())
		case errors.Is(err, sites.ErrTenantNotFound):
			r.metrics.IncResolution("unknown_tenant")
		default:
			r.metrics.IncResolution("error")
		}
	}
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, name, reqPath string) (Result, error) {
	t, err := r.q.TenantByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, sites.ErrTenantNotFound
	}
	if err != nil {
		return Result{}, xerrors.Wrapf(err, "load tenant %q", name)
	}

	if !t.Enabled {
		return r.fallback(ctx, t.ID, Disabled, UnavailablePage)
	}

	if p, ok := pathutil.RequestPath(reqPath); ok {
		f, err := r.q.LiveFile(ctx, t.ID, p)
		switch {
		case err == nil:
			return Result{Outcome: Found, Location: f.Location, Path: p}, nil
		case !errors.Is(err, store.ErrNotFound):
			return Result{}, xerrors.Wrapf(err, "lookup %s", p)
		}
	}
	return r.fallback(ctx, t.ID, NotFound, NotFoundPage)
}

// fallback serves the tenant's custom error page when it has one.
func (r *Resolver) fallback(ctx context.Context, tenantID int64, o Outcome, page string) (Result, error) {
	f, err := r.q.LiveFile(ctx, tenantID, page)
	switch {
	case err == nil:
		return Result{Outcome: o, Location: f.Location, Path: page}, nil
	case errors.Is(err, store.ErrNotFound):
		return Result{Outcome: o}, nil
	default:
		return Result{}, xerrors.Wrapf(err, "lookup %s", page)
	}
}
