package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sites/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
)

const bearerPrefix = "bearer "

type accountKey struct{}

// WithAccount stores the authenticated account id in ctx.
func WithAccount(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, accountKey{}, id)
}

// AccountFromContext returns the id stored by Bearer.
func AccountFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(accountKey{}).(int64)
	return id, ok
}

// AccountChecker confirms a token's account still exists.
type AccountChecker interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(h string) (string, error) {
	if h == "" {
		return "", ErrMissingToken
	}
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMalformedAuthorization
	}
	tok := strings.TrimSpace(h[len(bearerPrefix):])
	if tok == "" || strings.ContainsAny(tok, " \t") {
		return "", ErrMalformedAuthorization
	}
	return tok, nil
}

// Bearer authenticates requests with a JWT bearer token and stores the
// account id in the request context.
func Bearer(tokens *Tokens, accounts AccountChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			L := log.FromContext(ctx)

			raw, err := BearerToken(r.Header.Get("Authorization"))
			switch err {
			case nil:
			case ErrMissingToken:
				w.Header().Set("WWW-Authenticate", "Bearer")
				httpmw.WriteError(ctx, w, http.StatusUnauthorized, err.Error())
				return
			default:
				httpmw.WriteError(ctx, w, http.StatusBadRequest, err.Error())
				return
			}

			id, err := tokens.Verify(raw)
			if err != nil {
				L.Debug(ctx, "bearer token rejected", "err", err)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				httpmw.WriteError(ctx, w, http.StatusUnauthorized, ErrInvalidToken.Error())
				return
			}

			ok, err := accounts.Exists(ctx, id)
			if err != nil {
				L.Error(ctx, err, "account lookup failed")
				httpmw.WriteError(ctx, w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
				return
			}
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				httpmw.WriteError(ctx, w, http.StatusUnauthorized, ErrInvalidToken.Error())
				return
			}

			ctx = WithAccount(ctx, id)
			ctx = log.WithContext(ctx, L.With("account_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
