package auth

import "errors"

var (
	ErrLoginTaken         = errors.New("login already taken")
	ErrUserLimit          = errors.New("user limit reached")
	ErrInvalidCredentials = errors.New("invalid login or password")
	ErrInvalidLogin       = errors.New("login must be 5 to 40 characters")
	ErrInvalidPassword    = errors.New("password must be 12 to 40 characters")

	// ErrInvalidToken covers malformed, forged and expired tokens and tokens
	// for accounts that no longer exist.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMalformedAuthorization means the Authorization header is present
	// but is not a bearer token.
	ErrMalformedAuthorization = errors.New("malformed authorization header")
	ErrMissingToken           = errors.New("missing bearer token")
)
