package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	opts.JsonFormat = true
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// lastRecord parses the last JSON line written to buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse log line: %v\nraw: %s", err, buf.String())
	}
	return m
}

// ----- ParseLevel -----

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"  warn ", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"trace", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "valid levels") {
					t.Fatalf("want error listing valid levels, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, %v", tt.in, got, err)
			}
		})
	}
}

// ----- records -----

func TestLogger_BuildAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "sites", Version: "1.2.3", Commit: "abc"})
	l.Info(context.Background(), "hello", "tenant", "blog")

	m := lastRecord(t, &buf)
	for k, want := range map[string]string{"msg": "hello", "app": "sites", "version": "1.2.3", "commit": "abc", "tenant": "blog"} {
		if m[k] != want {
			t.Errorf("%s = %v, want %q", k, m[k], want)
		}
	}
	if _, ok := m["build_id"]; ok {
		t.Error("empty build_id should be omitted")
	}
}

func TestLogger_SourceIsCaller(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})
	l.Info(context.Background(), "where")

	src, _ := lastRecord(t, &buf)["source"].(map[string]any)
	if fn, _ := src["function"].(string); !strings.HasSuffix(fn, "TestLogger_SourceIsCaller") {
		t.Fatalf("source function = %v", src["function"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x", Level: slog.LevelWarn})
	ctx := context.Background()

	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	if buf.Len() != 0 {
		t.Fatalf("below-level records written: %s", buf.String())
	}
	l.Warn(ctx, "w")
	if lastRecord(t, &buf)["msg"] != "w" {
		t.Fatal("warn should pass")
	}
}

func TestLogger_WithIsCopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "x"})
	a := base.With("component", "sweeper")
	_ = base.With("component", "deploy", 42, "dropped", "odd")

	a.Info(context.Background(), "a")
	m := lastRecord(t, &buf)
	if m["component"] != "sweeper" {
		t.Fatalf("component = %v", m["component"])
	}

	buf.Reset()
	base.Info(context.Background(), "base")
	if _, ok := lastRecord(t, &buf)["component"]; ok {
		t.Fatal("With must not mutate the parent")
	}
}

func TestLogger_ErrorEnrichment(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x", IncludeErrorLinks: true})

	root := errors.New("disk full")
	err := xerrors.Wrap(fmt.Errorf("put blob: %w", root), "deploy tenant")
	l.Error(context.Background(), err, "deploy failed", "tenant", "blog")

	m := lastRecord(t, &buf)
	if m["err"] != "deploy tenant: put blob: disk full" {
		t.Errorf("err = %v", m["err"])
	}
	if m["cause_type"] != "*errors.errorString" {
		t.Errorf("cause_type = %v", m["cause_type"])
	}
	if m["error_type"] != "*errors.errorString" {
		t.Errorf("error_type should skip wrappers, got %v", m["error_type"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 3 {
		t.Errorf("error_chain = %v", m["error_chain"])
	}
	links, _ := m["error_links"].([]any)
	if len(links) == 0 {
		t.Fatal("error_links missing")
	}
	first := links[0].(map[string]any)
	if fn, _ := first["func"].(string); !strings.Contains(fn, "TestLogger_ErrorEnrichment") {
		t.Errorf("first link func = %v", first["func"])
	}
	if _, ok := m["stack"]; !ok {
		t.Error("error records should carry a stack")
	}
}

func TestLogger_ErrorLinksDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})
	l.Error(context.Background(), errors.New("e"), "m")
	if _, ok := lastRecord(t, &buf)["error_links"]; ok {
		t.Fatal("error_links should be off by default")
	}
}

func TestLogger_ErrorNil(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})
	l.Error(context.Background(), nil, "nothing")
	m := lastRecord(t, &buf)
	if _, ok := m["err"]; ok {
		t.Fatal("nil error should not add err")
	}
	if m["level"] != "ERROR" {
		t.Fatalf("level = %v", m["level"])
	}
}

func TestLogger_StackFromXerrors(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})
	err := makeStackedError()
	l.Error(context.Background(), err, "boom")

	stack, _ := lastRecord(t, &buf)["stack"].(string)
	if !strings.Contains(stack, "makeStackedError") {
		t.Fatalf("stack should come from the error, got:\n%s", stack)
	}
}

func makeStackedError() error { return xerrors.New("stacked") }

func TestLogger_StacktraceLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x", StacktraceLevel: slog.LevelWarn})
	l.Info(context.Background(), "i")
	if _, ok := lastRecord(t, &buf)["stack"]; ok {
		t.Fatal("info below stacktrace level")
	}
	l.Warn(context.Background(), "w")
	if _, ok := lastRecord(t, &buf)["stack"]; !ok {
		t.Fatal("warn at stacktrace level should carry a stack")
	}
}

func TestLogger_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})

	tid, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	sid, _ := trace.SpanIDFromHex("b7ad6b7169203331")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	m := lastRecord(t, &buf)
	if m["trace_id"] != tid.String() || m["span_id"] != sid.String() {
		t.Fatalf("trace fields = %v / %v", m["trace_id"], m["span_id"])
	}

	l.Info(context.Background(), "untraced")
	if _, ok := lastRecord(t, &buf)["trace_id"]; ok {
		t.Fatal("no span, no trace_id")
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{App: "x", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info(context.Background(), "plain", "k", "v")
	if !strings.Contains(buf.String(), "msg=plain") || !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("text output = %s", buf.String())
	}
}

// ----- error helpers -----

func TestErrorChain(t *testing.T) {
	a := errors.New("a")
	b := errors.New("b")

	if got := errorChain(fmt.Errorf("x: %w", a)); len(got) != 2 || got[1] != "a" {
		t.Fatalf("wrapped chain = %v", got)
	}
	if got := errorChain(xerrors.WithStack(a)); len(got) != 1 {
		t.Fatalf("identical messages should collapse, got %v", got)
	}
	if got := errorChain(errors.Join(a, b)); len(got) != 3 {
		t.Fatalf("joined chain = %v", got)
	}
}

func TestChainLinks_Max(t *testing.T) {
	err := errors.New("root")
	for i := 0; i < 5; i++ {
		err = xerrors.Wrapf(err, "layer %d", i)
	}
	if got := chainLinks(err, 2); len(got) != 2 {
		t.Fatalf("max 2, got %d", len(got))
	}
	if got := chainLinks(err, 0); len(got) != 5 {
		t.Fatalf("unbounded should list the 5 wraps with call sites, got %d", len(got))
	}
}

func TestClassifyTypes(t *testing.T) {
	if s, r := classifyTypes(nil); s != "" || r != "" {
		t.Fatal("nil error")
	}
	type myErr struct{ error }
	err := xerrors.Wrap(fmt.Errorf("x: %w", &myErr{errors.New("in")}), "y")
	s, r := classifyTypes(err)
	if !strings.Contains(s, "myErr") {
		t.Fatalf("surface = %s", s)
	}
	if r != "*errors.errorString" {
		t.Fatalf("root = %s", r)
	}
}

func TestFrameHelpers_Empty(t *testing.T) {
	if _, _, _, ok := frameFromPC(0); ok {
		t.Fatal("zero pc")
	}
	if _, _, _, ok := firstExtFrame(nil); ok {
		t.Fatal("no pcs")
	}
}

// ----- context / nop -----

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should yield Nop")
	}
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("stored logger not returned")
	}
	var nilLogger Logger
	if _, ok := FromContext(WithContext(ctx, nilLogger)).(nopLogger); !ok {
		t.Fatal("nil logger should fall back to Nop")
	}
}

func TestNop(t *testing.T) {
	l := Nop().With("a", 1, "odd")
	ctx := context.Background()
	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	l.Warn(ctx, "w")
	l.Error(ctx, nil, "e")
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
}
