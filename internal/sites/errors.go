package sites

import "errors"

// Domain errors. The HTTP layer maps these with errors.Is; anything else is
// an internal error.
var (
	ErrTenantNotFound              = errors.New("tenant not found")
	ErrTenantOwnedByAnotherAccount = errors.New("tenant is owned by another account")
	ErrOriginNotFound              = errors.New("origin not found")
	ErrOriginForeign               = errors.New("origin belongs to another tenant")
	ErrNoArchive                   = errors.New("site has no archive")
	ErrInvalidName                 = errors.New("invalid site name")
	ErrInvalidOrigin               = errors.New("invalid origin")
	ErrSiteLimit                   = errors.New("site limit reached")
)
