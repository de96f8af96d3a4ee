// Package sitehandler serves tenant pages. The tenant comes from the
// X-Subdomain header set by the fronting proxy; the file is chosen by
// package resolve and streamed from the blob store.
package sitehandler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/resolve"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sites"
)

type Handler struct {
	opts Options
}

func New(opts Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// hardening: only allow GET/HEAD
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	name := httpmw.TenantFromContext(ctx)
	if name == "" {
		name = httpmw.NormalizeTenant(r.Header.Get(h.opts.TenantHeader))
	}
	if name == "" {
		httpmw.WriteError(ctx, w, http.StatusBadRequest, "missing "+h.opts.TenantHeader+" header")
		return
	}

	res, err := h.opts.Resolver.Resolve(ctx, name, r.URL.Path)
	switch {
	case errors.Is(err, sites.ErrTenantNotFound):
		httpmw.WriteError(ctx, w, http.StatusNotFound, "site not found")
		return
	case err != nil:
		log.FromContext(ctx).Error(ctx, err, "resolve page", "path", r.URL.Path)
		httpmw.WriteError(ctx, w, http.StatusInternalServerError, "internal error")
		return
	}

	if res.Outcome == resolve.Disabled {
		w.Header().Set("Retry-After", h.opts.RetryAfter)
	}

	if !res.HasBody() {
		h.writeEmpty(w, res.Outcome.Status())
		return
	}

	// HEAD only needs the size
	var (
		rc   io.ReadCloser
		info blob.Info
	)
	if r.Method == http.MethodHead {
		info, err = h.opts.Blobs.Stat(ctx, res.Location)
	} else {
		rc, info, err = h.opts.Blobs.Open(ctx, res.Location)
	}
	switch {
	case errors.Is(err, blob.ErrNotFound):
		// removed between resolution and open, most likely by a redeploy
		log.FromContext(ctx).Warn(ctx, "resolved file missing from blob store",
			"location", res.Location,
			"path", res.Path,
		)
		h.writeEmpty(w, res.Outcome.Status())
		return
	case err != nil:
		log.FromContext(ctx).Error(ctx, err, "open page blob", "location", res.Location)
		httpmw.WriteError(ctx, w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(res.Path))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(res.Outcome.Status())
	if rc == nil {
		return
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		log.FromContext(ctx).Debug(ctx, "page copy interrupted", "err", err)
	}
}

func (h *Handler) writeEmpty(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
}

// contentTypeFor picks the Content-Type from the user-facing path, never
// from the storage key.
func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
