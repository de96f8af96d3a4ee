// Package admission decides whether a cross-origin request may reach a
// tenant's site.
//
// The CORS handler asks synchronously, but the answer needs the tenant's
// allowlist from the store. A single worker goroutine owns those lookups: a
// caller enqueues a task carrying its own reply channel and waits for the
// answer. Every failure path answers false.
package admission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

const (
	DefaultQueueSize     = 100
	DefaultTimeout       = 5 * time.Second
	DefaultLookupTimeout = 2 * time.Second

	// Wildcard in an allowlist admits every origin.
	Wildcard = "*"
)

// Decision results, also used as metric labels.
const (
	resultAllowed   = "allowed"
	resultDenied    = "denied"
	resultBypass    = "bypass"
	resultQueueFull = "queue_full"
	resultTimeout   = "timeout"
	resultStopped   = "stopped"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncAdmission(result string)
	SetAdmissionQueueDepth(n int)
}

// Lookup is the store access the worker needs.
type Lookup interface {
	TenantByName(ctx context.Context, name string) (store.Tenant, error)
	Origins(ctx context.Context, tenantID int64) ([]store.Origin, error)
}

type Options struct {
	Logger  log.Logger
	Metrics Metrics

	// QueueSize bounds pending checks; a full queue denies.
	QueueSize int
	// Timeout bounds how long Allow waits for the worker.
	Timeout time.Duration
	// LookupTimeout bounds the store work for one check.
	LookupTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = DefaultLookupTimeout
	}
}

type task struct {
	tenant string
	origin string
	// reply has capacity 1 so the worker never blocks on an abandoned waiter.
	reply chan bool
}

type Bridge struct {
	lookup  Lookup
	logger  log.Logger
	metrics Metrics
	timeout time.Duration
	lookupT time.Duration

	tasks   chan task
	stopped chan struct{}
	once    sync.Once
}

func NewBridge(lookup Lookup, opts Options) *Bridge {
	opts.setDefaults()
	return &Bridge{
		lookup:  lookup,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.Timeout,
		lookupT: opts.LookupTimeout,
		tasks:   make(chan task, opts.QueueSize),
		stopped: make(chan struct{}),
	}
}

// Allow reports whether origin may access tenant. An empty tenant is a
// management caller, not a hosted site, and is always allowed.
func (b *Bridge) Allow(ctx context.Context, tenant, origin string) bool {
	tenant = strings.ToLower(strings.TrimSpace(tenant))
	if tenant == "" {
		b.observe(resultBypass)
		return true
	}

	t := task{tenant: tenant, origin: origin, reply: make(chan bool, 1)}
	select {
	case <-b.stopped:
		b.observe(resultStopped)
		return false
	default:
	}
	select {
	case b.tasks <- t:
	default:
		b.observe(resultQueueFull)
		b.logger.Warn(ctx, "admission queue full, denying", "tenant", tenant, "origin", origin)
		return false
	}
	b.depth()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case ok := <-t.reply:
		if ok {
			b.observe(resultAllowed)
		} else {
			b.observe(resultDenied)
		}
		return ok
	case <-b.stopped:
		b.observe(resultStopped)
		return false
	case <-timer.C:
		b.observe(resultTimeout)
		b.logger.Warn(ctx, "admission check timed out, denying", "tenant", tenant, "origin", origin)
		return false
	case <-ctx.Done():
		b.observe(resultTimeout)
		return false
	}
}

// Run is the worker loop. It processes tasks in arrival order until ctx is
// cancelled; Allow answers false from then on.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info(ctx, "admission worker starting", "queue_size", cap(b.tasks))
	defer b.once.Do(func() { close(b.stopped) })

	for {
		select {
		case <-ctx.Done():
			b.logger.Info(ctx, "admission worker stopping", "reason", ctx.Err(), "pending", len(b.tasks))
			return ctx.Err()
		case t := <-b.tasks:
			t.reply <- b.decide(ctx, t)
			b.depth()
		}
	}
}

// decide never panics and answers false on any failure.
func (b *Bridge) decide(ctx context.Context, t task) (allowed bool) {
	ctx, cancel := context.WithTimeout(ctx, b.lookupT)
	defer cancel()
	ctx, span := otelx.Tracer("admission").Start(ctx, "admission.check", trace.WithAttributes(
		attribute.String("site.name", t.tenant),
		attribute.String("http.request.header.origin", t.origin),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := xerrors.Newf("admission lookup panic: %v", r)
			b.logger.Error(ctx, err, "admission worker recovered, denying", "tenant", t.tenant)
			otelx.Fail(span, err)
			allowed = false
		}
	}()

	allowed, err := b.check(ctx, t)
	if err != nil {
		b.logger.Error(ctx, err, "admission lookup failed, denying", "tenant", t.tenant, "origin", t.origin)
		otelx.Fail(span, err)
		return false
	}
	span.SetAttributes(attribute.Bool("admission.allowed", allowed))
	return allowed
}

func (b *Bridge) check(ctx context.Context, t task) (bool, error) {
	tn, err := b.lookup.TenantByName(ctx, t.tenant)
	if errors.Is(err, store.ErrNotFound) {
		b.logger.Debug(ctx, "admission check for unknown tenant", "tenant", t.tenant)
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrapf(err, "load tenant %q", t.tenant)
	}
	origins, err := b.lookup.Origins(ctx, tn.ID)
	if err != nil {
		return false, xerrors.Wrapf(err, "load origins for %q", t.tenant)
	}
	return Match(origins, t.origin), nil
}

// Match reports whether origin is admitted by the allowlist.
func Match(allowlist []store.Origin, origin string) bool {
	for _, o := range allowlist {
		if o.Value == Wildcard || strings.EqualFold(o.Value, origin) {
			return true
		}
	}
	return false
}

func (b *Bridge) observe(result string) {
	if b.metrics != nil {
		b.metrics.IncAdmission(result)
	}
}

func (b *Bridge) depth() {
	if b.metrics != nil {
		b.metrics.SetAdmissionQueueDepth(len(b.tasks))
	}
}
