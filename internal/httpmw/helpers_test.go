package httpmw

import (
	"context"
	"net/http"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
)

// spyLogger records Info/Error calls and the kv accumulated through With.
type spyLogger struct {
	mu    *sync.Mutex
	base  []any
	infos *[]spyEntry
	errs  *[]spyEntry
}

type spyEntry struct {
	msg string
	err error
	kv  []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{mu: &sync.Mutex{}, infos: &[]spyEntry{}, errs: &[]spyEntry{}}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	cp := *s
	cp.base = append(append([]any{}, s.base...), kv...)
	return &cp
}

func (s *spyLogger) Debug(context.Context, string, ...any) {}
func (s *spyLogger) Warn(context.Context, string, ...any)  {}
func (s *spyLogger) Sync() error                           { return nil }

func (s *spyLogger) Info(_ context.Context, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.infos = append(*s.infos, spyEntry{msg: msg, kv: append(append([]any{}, s.base...), kv...)})
}

func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.errs = append(*s.errs, spyEntry{msg: msg, err: err, kv: append(append([]any{}, s.base...), kv...)})
}

func (s *spyLogger) entries(errs bool) []spyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs {
		return append([]spyEntry{}, *s.errs...)
	}
	return append([]spyEntry{}, *s.infos...)
}

// field returns the value logged for key, and whether it was present.
func (e spyEntry) field(key string) (any, bool) {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if e.kv[i] == key {
			return e.kv[i+1], true
		}
	}
	return nil, false
}

// recordingCtx returns a context carrying a live recording span.
func recordingCtx() (context.Context, *tracetest.SpanRecorder, func()) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ctx, span := tp.Tracer("test").Start(context.Background(), "request")
	return ctx, sr, func() {
		span.End()
		_ = tp.Shutdown(context.Background())
	}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})
