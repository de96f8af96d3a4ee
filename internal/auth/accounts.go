// Package auth handles accounts and the bearer tokens that authenticate
// management requests.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/keithlinneman/linnemanlabs-sites/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

const (
	MinLoginLen    = 5
	MaxLoginLen    = 40
	MinPasswordLen = 12
	MaxPasswordLen = 40
)

type AccountsOptions struct {
	// MaxUsers caps registrations; 0 is unlimited.
	MaxUsers int
	Argon2   cryptoutil.Argon2Params
}

type Accounts struct {
	store    store.Store
	tokens   *Tokens
	maxUsers int
	params   cryptoutil.Argon2Params

	// dummy is verified against for unknown logins so both failure paths
	// cost one argon2 derivation.
	dummyOnce sync.Once
	dummy     string
}

func NewAccounts(st store.Store, tokens *Tokens, opts AccountsOptions) *Accounts {
	if opts.Argon2 == (cryptoutil.Argon2Params{}) {
		opts.Argon2 = cryptoutil.DefaultArgon2
	}
	return &Accounts{store: st, tokens: tokens, maxUsers: opts.MaxUsers, params: opts.Argon2}
}

func validLogin(login string) bool {
	n := utf8.RuneCountInString(login)
	return n >= MinLoginLen && n <= MaxLoginLen && strings.TrimSpace(login) == login
}

func validPassword(pw string) bool {
	n := utf8.RuneCountInString(pw)
	return n >= MinPasswordLen && n <= MaxPasswordLen
}

// Register creates an account and returns its id.
func (a *Accounts) Register(ctx context.Context, login, password string) (int64, error) {
	if !validLogin(login) {
		return 0, ErrInvalidLogin
	}
	if !validPassword(password) {
		return 0, ErrInvalidPassword
	}
	hash, err := cryptoutil.HashPassword(password, a.params)
	if err != nil {
		return 0, xerrors.Wrap(err, "hash password")
	}

	var id int64
	err = a.store.InTx(ctx, func(q store.Queries) error {
		if a.maxUsers > 0 {
			n, err := q.CountAccounts(ctx)
			if err != nil {
				return xerrors.Wrap(err, "count accounts")
			}
			if n >= int64(a.maxUsers) {
				return ErrUserLimit
			}
		}
		id, err = q.InsertAccount(ctx, login, hash)
		if errors.Is(err, store.ErrConflict) {
			return ErrLoginTaken
		}
		if err != nil {
			return xerrors.Wrap(err, "insert account")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.FromContext(ctx).Info(ctx, "account registered", "account_id", id)
	return id, nil
}

// Login checks credentials and issues a token.
func (a *Accounts) Login(ctx context.Context, login, password string) (string, error) {
	acct, err := a.store.AccountByLogin(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		_, _ = cryptoutil.VerifyPassword(password, a.dummyHash())
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", xerrors.Wrap(err, "load account")
	}

	ok, err := cryptoutil.VerifyPassword(password, acct.PasswordHash)
	if err != nil {
		return "", xerrors.Wrapf(err, "verify password for account %d", acct.ID)
	}
	if !ok {
		log.FromContext(ctx).Debug(ctx, "login rejected", "account_id", acct.ID)
		return "", ErrInvalidCredentials
	}

	token, _, err := a.tokens.Issue(acct.ID)
	if err != nil {
		return "", err
	}
	return token, nil
}

// Exists reports whether the account is still present.
func (a *Accounts) Exists(ctx context.Context, id int64) (bool, error) {
	_, err := a.store.AccountByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(err, "load account")
	}
	return true, nil
}

func (a *Accounts) dummyHash() string {
	a.dummyOnce.Do(func() {
		h, err := cryptoutil.HashPassword("not-a-real-password", a.params)
		if err == nil {
			a.dummy = h
		}
	})
	return a.dummy
}
