package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
)

// requireNonPublicNetwork refuses peers outside loopback, private and
// link-local ranges. The ops port should never sit behind a public proxy, so
// a request carrying X-Forwarded-For is refused as well.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			deny(w, r, L, "unparsable remote address")
			return
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			deny(w, r, L, "invalid remote ip")
			return
		}
		addr = addr.Unmap()
		if !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()) {
			deny(w, r, L, "public remote ip")
			return
		}
		if r.Header.Get("X-Forwarded-For") != "" {
			deny(w, r, L, "forwarded request")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, r *http.Request, L log.Logger, reason string) {
	L.Warn(r.Context(), "ops request refused",
		"reason", reason,
		"network.peer.address", r.RemoteAddr,
		"url.path", r.URL.Path,
	)
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}
