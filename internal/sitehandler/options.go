package sitehandler

import (
	"context"
	"errors"
	"fmt"

	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sites/internal/resolve"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

// Resolver is implemented by *resolve.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, name, reqPath string) (resolve.Result, error)
}

type Options struct {
	Resolver Resolver
	Blobs    blob.Store

	// TenantHeader is read when no tenant was placed in the request context
	// by httpmw.Tenant. default: httpmw.TenantHeader
	TenantHeader string

	// RetryAfter is sent with 503 responses for disabled sites. default: "60"
	RetryAfter string
}

func (o *Options) setDefaults() {
	if o.TenantHeader == "" {
		o.TenantHeader = httpmw.TenantHeader
	}
	if o.RetryAfter == "" {
		o.RetryAfter = "60"
	}
}

func (o *Options) validate() error {
	if o.Resolver == nil {
		return fmt.Errorf("%w: Resolver is nil", ErrInvalidOptions)
	}
	if o.Blobs == nil {
		return fmt.Errorf("%w: Blobs is nil", ErrInvalidOptions)
	}
	return nil
}
