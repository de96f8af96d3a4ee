package managehttp

import (
	"context"
	"errors"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-sites/internal/auth"
	"github.com/keithlinneman/linnemanlabs-sites/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sites"
)

// badRequest carries a message safe to show the client.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

// statusFor maps a handler error to a status and a client-facing message.
func statusFor(err error) (int, string) {
	var (
		br        badRequest
		mbe       *http.MaxBytesError
		malformed *bundle.MalformedArchiveError
	)
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, br.msg
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.As(err, &malformed):
		return http.StatusBadRequest, malformed.Error()
	case errors.Is(err, bundle.ErrEmptyArchive),
		errors.Is(err, sites.ErrInvalidName),
		errors.Is(err, sites.ErrInvalidOrigin),
		errors.Is(err, auth.ErrInvalidLogin),
		errors.Is(err, auth.ErrInvalidPassword):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, sites.ErrTenantOwnedByAnotherAccount),
		errors.Is(err, sites.ErrOriginForeign),
		errors.Is(err, sites.ErrSiteLimit),
		errors.Is(err, auth.ErrUserLimit):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, sites.ErrTenantNotFound),
		errors.Is(err, sites.ErrOriginNotFound),
		errors.Is(err, sites.ErrNoArchive):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, auth.ErrLoginTaken):
		return http.StatusConflict, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
}

// fail writes the JSON error for err. Server-side causes are logged and
// never sent to the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.FromContext(ctx).Error(ctx, err, "api request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
		)
	}
	httpmw.WriteError(ctx, w, status, msg)
}
