package httpmw

import "net/http"

// MaxBody limits request body size. A declared Content-Length over the limit
// is refused with 413 up front; otherwise reads past the limit fail and the
// handler reports 413 when it sees *http.MaxBytesError.
func MaxBody(limit int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.ContentLength > limit {
				w.Header().Set("Connection", "close")
				WriteError(r.Context(), w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
