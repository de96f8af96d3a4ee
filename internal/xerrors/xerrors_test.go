package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func framesContain(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			return false
		}
	}
}

func stackOf(t *testing.T, err error) []uintptr {
	t.Helper()
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatalf("%v has no stack", err)
	}
	return hs.StackPCs()
}

// ----- New / Newf -----

func TestNew(t *testing.T) {
	err := New("something broke")
	if err.Error() != "something broke" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !framesContain(stackOf(t, err), "TestNew") {
		t.Fatal("stack should start at the caller")
	}
}

func TestNewf_WrapsWithVerb(t *testing.T) {
	err := Newf("open %s: %w", "site.zip", errSentinel)
	if err.Error() != "open site.zip: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("Newf should keep %w target reachable")
	}
	if !framesContain(stackOf(t, err), "TestNewf_WrapsWithVerb") {
		t.Fatal("stack should contain caller")
	}
}

func TestNew_FirstFrameIsCaller(t *testing.T) {
	pcs := stackOf(t, New("x"))
	fr, _ := runtime.CallersFrames(pcs).Next()
	if !strings.HasSuffix(fr.Function, "TestNew_FirstFrameIsCaller") {
		t.Fatalf("first frame = %s", fr.Function)
	}
}

// ----- WithStack / EnsureTrace -----

func TestWithStack(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
	err := WithStack(errSentinel)
	if err.Error() != "sentinel" || !errors.Is(err, errSentinel) {
		t.Fatalf("WithStack changed identity: %v", err)
	}
	if len(stackOf(t, err)) == 0 {
		t.Fatal("empty stack")
	}
}

func TestEnsureTrace(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}

	plain := fmt.Errorf("ctx: %w", errSentinel)
	traced := EnsureTrace(plain)
	if !HasStack(traced) {
		t.Fatal("plain error should gain a stack")
	}
	if !errors.Is(traced, errSentinel) {
		t.Fatal("chain lost")
	}

	already := New("has one")
	if got := EnsureTrace(already); got != already {
		t.Fatal("EnsureTrace should not restack")
	}

	wrapped := fmt.Errorf("outer: %w", already)
	if got := EnsureTrace(wrapped); got != wrapped {
		t.Fatal("stack deeper in the chain should count")
	}
}

func TestHasStack(t *testing.T) {
	if HasStack(errSentinel) {
		t.Fatal("plain error has no stack")
	}
	if HasStack(Wrap(errSentinel, "x")) {
		t.Fatal("Wrap records a single frame, not a stack")
	}
	if !HasStack(Wrap(New("x"), "y")) {
		t.Fatal("stack under a Wrap should be found")
	}
}

// ----- Wrap / Wrapf -----

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("nil in, nil out")
	}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"wrap", Wrap(errSentinel, "load tenant"), "load tenant: sentinel"},
		{"wrapf", Wrapf(errSentinel, "load tenant %q", "blog"), `load tenant "blog": sentinel`},
		{"chained", Wrap(Wrap(errSentinel, "inner"), "outer"), "outer: inner: sentinel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.want {
				t.Fatalf("Error() = %q, want %q", tt.err.Error(), tt.want)
			}
			if !errors.Is(tt.err, errSentinel) {
				t.Fatal("errors.Is should see through wraps")
			}
		})
	}
}

func TestWrap_PCPointsAtCaller(t *testing.T) {
	err := Wrap(errSentinel, "x")
	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrap should expose PC")
	}
	fn := runtime.FuncForPC(hp.PC())
	if fn == nil || !strings.Contains(fn.Name(), "TestWrap_PCPointsAtCaller") {
		t.Fatalf("PC resolves to %v", fn)
	}
}

func TestChainedWrap_DistinctPCs(t *testing.T) {
	inner := Wrap(errSentinel, "inner")
	outer := Wrap(inner, "outer")

	var pcs []uintptr
	for e := outer; e != nil; e = errors.Unwrap(e) {
		if hp, ok := e.(interface{ PC() uintptr }); ok {
			pcs = append(pcs, hp.PC())
		}
	}
	if len(pcs) != 2 || pcs[0] == pcs[1] {
		t.Fatalf("pcs = %v", pcs)
	}
}

func TestWrappers_AreMarked(t *testing.T) {
	type marker interface{ IsXerrorsWrapper() }
	for _, err := range []error{New("a"), WithStack(errSentinel), Wrap(errSentinel, "b")} {
		if _, ok := err.(marker); !ok {
			t.Fatalf("%T should be marked as an xerrors wrapper", err)
		}
	}
}
