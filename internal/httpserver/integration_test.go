package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/linnemanlabs-sites/internal/admission"
	"github.com/keithlinneman/linnemanlabs-sites/internal/auth"
	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-sites/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sites/internal/deploy"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sites/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/managehttp"
	"github.com/keithlinneman/linnemanlabs-sites/internal/resolve"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sitehandler"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sites"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store/memstore"
)

type stack struct {
	h http.Handler
}

func newStack(t *testing.T) stack {
	t.Helper()
	st := memstore.New()
	blobs, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	tokens, err := auth.NewTokens([]byte("0123456789abcdef0123456789abcdef"), 0)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	params := cryptoutil.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

	api := managehttp.NewAPI(managehttp.Options{
		Logger:   log.Nop(),
		Accounts: auth.NewAccounts(st, tokens, auth.AccountsOptions{Argon2: params}),
		Tokens:   tokens,
		Sites:    sites.NewService(st, blobs),
		Deployer: deploy.NewPipeline(st, blobs, bundle.NewExtractor(blobs), deploy.Options{}),
	})

	siteH, err := sitehandler.New(sitehandler.Options{
		Resolver: resolve.New(st, nil),
		Blobs:    blobs,
	})
	if err != nil {
		t.Fatalf("sitehandler.New: %v", err)
	}

	bridge := admission.NewBridge(st, admission.Options{Logger: log.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := httpserver.NewHandler(httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		CORS:         admission.Middleware(bridge, httpmw.TenantHeader),
		APIRoutes:    func(r chi.Router) { api.RegisterRoutes(r) },
		SiteHandler:  siteH,
	})
	return stack{h: h}
}

func (s stack) do(t *testing.T, method, target, site, token, ctype string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if site != "" {
		req.Header.Set(httpmw.TenantHeader, site)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func (s stack) token(t *testing.T) string {
	t.Helper()
	creds, _ := json.Marshal(map[string]string{"login": "alice", "password": "correct-horse-battery"})
	if rec := s.do(t, "POST", "/api/auth/registration", "", "", "application/json", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	rec := s.do(t, "POST", "/api/auth/login", "", "", "application/json", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// TestIntegration_FullStack deploys a site through the API and serves it
// through the same handler, covering every middleware layer.
func TestIntegration_FullStack(t *testing.T) {
	s := newStack(t)
	tok := s.token(t)

	bundleZip := zipOf(t, map[string]string{
		"index.html": "<html><body>Hello World</body></html>",
		"about.html": "<html><body>About</body></html>",
		"style.css":  "body { color: red; }",
		"404.html":   "<html><body>Not Found</body></html>",
		"503.html":   "<html><body>Maintenance</body></html>",
	})
	if rec := s.do(t, "POST", "/api/site", "blog", tok, "application/zip", bundleZip); rec.Code != http.StatusNoContent {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}

	t.Run("serves index.html with security headers", func(t *testing.T) {
		rec := s.do(t, "GET", "/", "blog", "", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Hello World") {
			t.Fatalf("body = %q", rec.Body.String())
		}
		for _, hdr := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy", "X-Request-Id"} {
			if rec.Header().Get(hdr) == "" {
				t.Errorf("missing header: %s", hdr)
			}
		}
	})

	t.Run("extension-less path maps to html", func(t *testing.T) {
		rec := s.do(t, "GET", "/about", "blog", "", "", nil)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "About") {
			t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("custom 404", func(t *testing.T) {
		rec := s.do(t, "GET", "/does-not-exist", "blog", "", "", nil)
		if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "Not Found") {
			t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown tenant", func(t *testing.T) {
		rec := s.do(t, "GET", "/", "nosuch", "", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("missing tenant header", func(t *testing.T) {
		rec := s.do(t, "GET", "/", "", "", "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("rejects POST with 405", func(t *testing.T) {
		rec := s.do(t, "POST", "/", "blog", "", "", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("HSTS missing on 405 response")
		}
	})

	t.Run("unknown api path is JSON 404", func(t *testing.T) {
		rec := s.do(t, "GET", "/api/nope", "blog", "", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
			t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
		}
	})

	t.Run("cross-origin admission follows the allowlist", func(t *testing.T) {
		fetch := func(origin string) *httptest.ResponseRecorder {
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set(httpmw.TenantHeader, "blog")
			req.Header.Set("Origin", origin)
			rec := httptest.NewRecorder()
			s.h.ServeHTTP(rec, req)
			return rec
		}

		if got := fetch("https://app.example.com").Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("origin admitted before it was added: %q", got)
		}

		body, _ := json.Marshal(map[string]string{"origin": "https://app.example.com"})
		if rec := s.do(t, "POST", "/api/origin", "blog", tok, "application/json", body); rec.Code != http.StatusCreated {
			t.Fatalf("add origin: %d %s", rec.Code, rec.Body.String())
		}

		if got := fetch("https://app.example.com").Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("Access-Control-Allow-Origin = %q", got)
		}
		if got := fetch("https://evil.example.com").Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("foreign origin admitted: %q", got)
		}
	})

	t.Run("disabled site serves 503 page", func(t *testing.T) {
		if rec := s.do(t, "PATCH", "/api/site/disable", "blog", tok, "", nil); rec.Code != http.StatusNoContent {
			t.Fatalf("disable: %d %s", rec.Code, rec.Body.String())
		}
		rec := s.do(t, "GET", "/", "blog", "", "", nil)
		if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "Maintenance") {
			t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Fatal("Retry-After missing")
		}
	})
}
