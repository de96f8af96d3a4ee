// Package managehttp serves the /api management surface: account
// registration and login, site upload and lifecycle, and the per-site origin
// allowlist.
package managehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/linnemanlabs-sites/internal/auth"
	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/deploy"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
)

// ArchiveField is the multipart field carrying an uploaded bundle.
const ArchiveField = "archive"

const DefaultMaxBodyBytes int64 = 100 << 20

type Accounts interface {
	Register(ctx context.Context, login, password string) (int64, error)
	Login(ctx context.Context, login, password string) (string, error)
	auth.AccountChecker
}

type Deployer interface {
	Upload(ctx context.Context, accountID int64, name string, data []byte) (deploy.Result, error)
}

type Sites interface {
	SetEnabled(ctx context.Context, accountID int64, name string, enabled bool) error
	Teardown(ctx context.Context, accountID int64, name string) error
	Archive(ctx context.Context, accountID int64, name string) (io.ReadCloser, blob.Info, error)
	AddOrigin(ctx context.Context, accountID int64, name, value string) (store.Origin, error)
	Origins(ctx context.Context, accountID int64, name string) ([]store.Origin, error)
	Origin(ctx context.Context, accountID int64, name string, id int64) (store.Origin, error)
	DeleteOrigin(ctx context.Context, accountID int64, name string, id int64) error
	PurgeOrigins(ctx context.Context, accountID int64, name string) (int64, error)
}

type Options struct {
	Logger       log.Logger
	Accounts     Accounts
	Tokens       *auth.Tokens
	Sites        Sites
	Deployer     Deployer
	MaxBodyBytes int64
	TenantHeader string
}

type API struct {
	accounts     Accounts
	tokens       *auth.Tokens
	sites        Sites
	deployer     Deployer
	logger       log.Logger
	validate     *validator.Validate
	maxBody      int64
	tenantHeader string
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.TenantHeader == "" {
		opts.TenantHeader = httpmw.TenantHeader
	}
	return &API{
		accounts:     opts.Accounts,
		tokens:       opts.Tokens,
		sites:        opts.Sites,
		deployer:     opts.Deployer,
		logger:       opts.Logger,
		validate:     newValidator(),
		maxBody:      opts.MaxBodyBytes,
		tenantHeader: opts.TenantHeader,
	}
}

// RegisterRoutes mounts /api on r. mw wraps every /api route, outermost
// first.
func (api *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(mw...)
		r.Use(httpmw.MaxBody(api.maxBody))
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			httpmw.WriteError(r.Context(), w, http.StatusNotFound, "no such endpoint")
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			httpmw.WriteError(r.Context(), w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
		})

		r.Post("/auth/registration", api.handleRegister)
		r.Post("/auth/login", api.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(auth.Bearer(api.tokens, api.accounts))
			r.Use(api.requireSite)

			r.Post("/site", api.handleUpload)
			r.Get("/site", api.handleDownload)
			r.Delete("/site", api.handleTeardown)
			r.Patch("/site/enable", api.handleSetEnabled(true))
			r.Patch("/site/disable", api.handleSetEnabled(false))

			r.Post("/origin", api.handleAddOrigin)
			r.Get("/origin", api.handleListOrigins)
			r.Delete("/origin", api.handlePurgeOrigins)
			r.Get("/origin/{id}", api.handleGetOrigin)
			r.Delete("/origin/{id}", api.handleDeleteOrigin)
		})
	})
}

// requireSite validates the tenant header for site and origin routes.
func (api *API) requireSite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := httpmw.NormalizeTenant(r.Header.Get(api.tenantHeader))
		if name == "" {
			httpmw.WriteError(ctx, w, http.StatusBadRequest, "missing "+api.tenantHeader+" header")
			return
		}
		if err := api.validate.Var(name, "subdomain"); err != nil {
			httpmw.WriteError(ctx, w, http.StatusBadRequest, "invalid "+api.tenantHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(httpmw.WithTenant(ctx, name)))
	})
}

// subject returns the authenticated account and addressed site.
func subject(r *http.Request) (int64, string) {
	id, _ := auth.AccountFromContext(r.Context())
	return id, httpmw.TenantFromContext(r.Context())
}

// ----- auth -----

type credentials struct {
	Login    string `json:"login" validate:"required,min=5,max=40"`
	Password string `json:"password" validate:"required,min=12,max=40"`
}

type loginRequest struct {
	Login    string `json:"login" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type registerResponse struct {
	ID int64 `json:"id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (api *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := api.decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	id, err := api.accounts.Register(r.Context(), req.Login, req.Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	httpmw.WriteJSON(r.Context(), w, http.StatusCreated, registerResponse{ID: id})
}

func (api *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := api.decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	token, err := api.accounts.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	httpmw.WriteJSON(r.Context(), w, http.StatusOK, loginResponse{Token: token})
}

// ----- site -----

func (api *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	account, name := subject(r)
	data, err := readBundle(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if _, err := api.deployer.Upload(r.Context(), account, name, data); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readBundle takes the bundle from a multipart "archive" field, or the raw
// body for any other content type.
func readBundle(r *http.Request) ([]byte, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest{"invalid multipart body"}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, badRequest{"missing " + ArchiveField + " field"}
		}
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return nil, err
			}
			return nil, badRequest{"invalid multipart body"}
		}
		if part.FormName() != ArchiveField {
			_ = part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		return data, err
	}
}

func (api *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	account, name := subject(r)
	rc, info, err := api.sites.Archive(r.Context(), account, name)
	if err != nil {
		fail(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name + ".zip"}))
	w.Header().Set("Cache-Control", "no-store")
	if info.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		api.logger.Warn(r.Context(), "archive download interrupted", "site", name, "err", err)
	}
}

func (api *API) handleTeardown(w http.ResponseWriter, r *http.Request) {
	account, name := subject(r)
	if err := api.sites.Teardown(r.Context(), account, name); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, name := subject(r)
		if err := api.sites.SetEnabled(r.Context(), account, name, enabled); err != nil {
			fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ----- origins -----

type originRequest struct {
	Origin string `json:"origin" validate:"required,origin"`
}

func (api *API) handleAddOrigin(w http.ResponseWriter, r *http.Request) {
	account, name := subject(r)
	var req originRequest
	if err := api.decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	o, err := api.sites.AddOrigin(r.Context(), account, name, req.Origin)
	if err != nil {
		fail(w, r, err)
		return
	}
	httpmw.WriteJSON(r.Context(), w, http.StatusCreated, o)
}

func (api *API) handleListOrigins(w http.ResponseWriter, r *http.Request) {
	account, name := subject(r)
	list, err := api.sites.Origins(r.Context(), account, name)
	if err != nil {
		fail(w, r, err)
		return
	}
	httpmw.WriteJSON(r.Context(), w, http.StatusOK, list)
}

func (api *API) handlePurgeOrigins(w http.ResponseWriter, r *http.Request) {
	account, name := subject(r)
	if _, err := api.sites.PurgeOrigins(r.Context(), account, name); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleGetOrigin(w http.ResponseWriter, r *http.Request) {
	account, name := subject(r)
	id, err := originID(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	o, err := api.sites.Origin(r.Context(), account, name, id)
	if err != nil {
		fail(w, r, err)
		return
	}
	httpmw.WriteJSON(r.Context(), w, http.StatusOK, o)
}

func (api *API) handleDeleteOrigin(w http.ResponseWriter, r *http.Request) {
	account, name := subject(r)
	id, err := originID(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := api.sites.DeleteOrigin(r.Context(), account, name, id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func originID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest{"invalid origin id"}
	}
	return id, nil
}

// ----- decoding -----

// decode reads a JSON body into v and validates it.
func (api *API) decode(r *http.Request, v any) error {
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt != "" && mt != "application/json" {
		return badRequest{"content type must be application/json"}
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return badRequest{"request body is empty"}
		}
		return badRequest{"invalid JSON body"}
	}
	if dec.More() {
		return badRequest{"unexpected data after JSON body"}
	}
	if err := api.validate.Struct(v); err != nil {
		return badRequest{validationMessage(err)}
	}
	return nil
}
