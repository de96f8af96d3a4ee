// Package deploy turns an uploaded bundle into a tenant's live file set.
//
// A deploy runs in one store transaction: the tenant row is locked, the
// previous files are marked obsolete, the origin allowlist is reset, the raw
// bundle is kept as the tenant's archive and every extracted file is indexed.
// Readers see either the old set or the new one. Blobs are written outside
// the transaction and removed again when the deploy does not commit.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strconv"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-sites/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sites/internal/sites"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

const (
	// ArchivePrefix holds raw bundles, one key per deploy.
	ArchivePrefix = "archives"
	// SitePrefix holds extracted files, one directory per tenant id.
	SitePrefix = "sites"

	DefaultClaimAttempts uint = 3

	cleanupTimeout = 30 * time.Second
)

// errClaimRace means another transaction inserted the same name between our
// lookup and insert. The attempt is retried and re-reads the winner.
var errClaimRace = errors.New("tenant claimed concurrently")

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveDeploy(result string, dur time.Duration, files int)
}

type Options struct {
	// MaxSitesPerUser caps how many tenants one account may own; 0 is
	// unlimited.
	MaxSitesPerUser int

	ClaimAttempts uint
	Metrics       Metrics

	// NewName generates archive names; defaults to uuid.
	NewName func() string
}

type Pipeline struct {
	store     store.Store
	blobs     blob.Store
	extractor *bundle.Extractor
	maxSites  int
	attempts  uint
	metrics   Metrics
	newName   func() string
}

// Result describes a committed deploy.
type Result struct {
	TenantID int64
	Name     string
	Claimed  bool // first deploy of this name
	Archive  string
	Digest   string // sha256 of the raw bundle
	Manifest bundle.Manifest
}

func (r Result) Files() int { return len(r.Manifest) }

// locations lists every blob the deploy wrote.
func (r Result) locations() []string {
	out := r.Manifest.Locations()
	if r.Archive != "" {
		out = append(out, r.Archive)
	}
	return out
}

func NewPipeline(st store.Store, blobs blob.Store, ex *bundle.Extractor, opts Options) *Pipeline {
	if opts.ClaimAttempts == 0 {
		opts.ClaimAttempts = DefaultClaimAttempts
	}
	if opts.NewName == nil {
		opts.NewName = uuid.NewString
	}
	return &Pipeline{
		store:     st,
		blobs:     blobs,
		extractor: ex,
		maxSites:  opts.MaxSitesPerUser,
		attempts:  opts.ClaimAttempts,
		metrics:   opts.Metrics,
		newName:   opts.NewName,
	}
}

// Upload deploys data as site name on behalf of accountID, claiming the name
// if nobody owns it yet.
func (p *Pipeline) Upload(ctx context.Context, accountID int64, name string, data []byte) (Result, error) {
	start := time.Now()
	ctx, span := otelx.Tracer("deploy").Start(ctx, "deploy.upload", trace.WithAttributes(
		attribute.String("site.name", name),
		attribute.Int("bundle.bytes", len(data)),
	))
	defer span.End()

	res, err := p.upload(ctx, accountID, name, data)
	if p.metrics != nil {
		p.metrics.ObserveDeploy(resultLabel(err), time.Since(start), res.Files())
	}
	if err != nil {
		otelx.Fail(span, err)
		return Result{}, err
	}

	span.SetAttributes(
		attribute.Int64("site.tenant_id", res.TenantID),
		attribute.Int("bundle.files", res.Files()),
	)
	log.FromContext(ctx).Info(ctx, "site deployed",
		"site", res.Name,
		"tenant_id", res.TenantID,
		"claimed", res.Claimed,
		"files", res.Files(),
		"bytes", len(data),
		"sha256", res.Digest,
		"archive", res.Archive,
		"duration", time.Since(start).String(),
	)
	return res, nil
}

func (p *Pipeline) upload(ctx context.Context, accountID int64, name string, data []byte) (Result, error) {
	if !sites.ValidName(name) {
		return Result{}, sites.ErrInvalidName
	}

	var res Result
	err := retry.Do(func() error {
		r, err := p.attempt(ctx, accountID, name, data)
		if err != nil {
			return err
		}
		res = r
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errClaimRace) }),
		retry.OnRetry(func(n uint, err error) {
			log.FromContext(ctx).Warn(ctx, "site claim raced, retrying", "site", name, "attempt", n+1)
		}),
	)
	return res, err
}

// attempt runs one claim+deploy transaction.
func (p *Pipeline) attempt(ctx context.Context, accountID int64, name string, data []byte) (Result, error) {
	var res Result
	err := p.store.InTx(ctx, func(q store.Queries) error {
		t, claimed, err := p.claim(ctx, q, accountID, name)
		if err != nil {
			return err
		}
		r, err := p.Deploy(ctx, q, t.ID, data)
		if err != nil {
			return err
		}
		r.Claimed = claimed
		res = r
		return nil
	})
	if err != nil {
		// Deploy cleans up after its own failures; this covers a failed commit.
		p.cleanup(ctx, res.locations())
		return Result{}, err
	}
	return res, nil
}

// claim returns the tenant for name, inserting it for accountID when the name
// is free.
func (p *Pipeline) claim(ctx context.Context, q store.Queries, accountID int64, name string) (store.Tenant, bool, error) {
	t, err := q.TenantByName(ctx, name)
	switch {
	case err == nil:
		if t.OwnerID != accountID {
			return store.Tenant{}, false, sites.ErrTenantOwnedByAnotherAccount
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return store.Tenant{}, false, xerrors.Wrapf(err, "load tenant %q", name)
	}

	if p.maxSites > 0 {
		n, err := q.CountTenantsOwnedExcluding(ctx, accountID, name)
		if err != nil {
			return store.Tenant{}, false, xerrors.Wrap(err, "count sites")
		}
		if n >= int64(p.maxSites) {
			return store.Tenant{}, false, sites.ErrSiteLimit
		}
	}

	if t.ID != 0 {
		return t, false, nil
	}
	t, err = q.InsertTenant(ctx, name, accountID)
	if errors.Is(err, store.ErrConflict) {
		return store.Tenant{}, false, errClaimRace
	}
	if err != nil {
		return store.Tenant{}, false, xerrors.Wrapf(err, "claim tenant %q", name)
	}
	return t, true, nil
}

// Deploy replaces the live file set of tenantID with the contents of data
// using the transaction q. Blobs written before a failure are removed before
// returning; the caller owns Result's blobs if its commit fails.
func (p *Pipeline) Deploy(ctx context.Context, q store.Queries, tenantID int64, data []byte) (Result, error) {
	t, err := q.TenantByIDForUpdate(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, sites.ErrTenantNotFound
	}
	if err != nil {
		return Result{}, xerrors.Wrap(err, "lock tenant")
	}

	res := Result{TenantID: t.ID, Name: t.Name, Digest: cryptoutil.SHA256Hex(data)}
	if err := p.deploy(ctx, q, t, data, &res); err != nil {
		p.cleanup(ctx, res.locations())
		return Result{}, err
	}
	return res, nil
}

func (p *Pipeline) deploy(ctx context.Context, q store.Queries, t store.Tenant, data []byte, res *Result) error {
	if _, err := q.MarkTenantFilesObsolete(ctx, t.ID); err != nil {
		return xerrors.Wrap(err, "mark files obsolete")
	}
	if _, err := q.DeleteTenantOrigins(ctx, t.ID); err != nil {
		return xerrors.Wrap(err, "reset origins")
	}

	id := strconv.FormatInt(t.ID, 10)
	archive := path.Join(ArchivePrefix, id, p.newName()+".zip")
	if err := p.blobs.Put(ctx, archive, bytes.NewReader(data), int64(len(data))); err != nil {
		return &bundle.StorageWriteError{Location: archive, Err: err}
	}
	res.Archive = archive
	if err := sites.RetireArchive(ctx, q, t); err != nil {
		return err
	}
	if err := q.SetTenantArchive(ctx, t.ID, archive); err != nil {
		return xerrors.Wrap(err, "set archive")
	}

	manifest, err := p.extractor.Extract(ctx, data, path.Join(SitePrefix, id))
	res.Manifest = manifest
	if err != nil {
		return err
	}

	for _, e := range manifest {
		if _, err := q.InsertFile(ctx, store.FileEntry{
			TenantID: t.ID,
			UserPath: e.UserPath,
			Location: e.Location,
		}); err != nil {
			return xerrors.Wrapf(err, "index %s", e.UserPath)
		}
	}
	return nil
}

// cleanup deletes blobs of a deploy that did not commit. Best effort; a blob
// left behind is unreferenced and never served.
func (p *Pipeline) cleanup(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	L := log.FromContext(ctx)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var failed int
	for _, k := range keys {
		if err := p.blobs.Delete(cctx, k); err != nil && !errors.Is(err, blob.ErrNotFound) {
			failed++
			L.Warn(ctx, "deploy cleanup: blob not removed", "location", k, "err", err)
		}
	}
	L.Debug(ctx, "deploy cleanup done", "blobs", len(keys), "failed", failed)
}

// resultLabel buckets a deploy error for metrics.
func resultLabel(err error) string {
	var malformed *bundle.MalformedArchiveError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, bundle.ErrEmptyArchive), errors.As(err, &malformed), errors.Is(err, sites.ErrInvalidName):
		return "invalid"
	case errors.Is(err, sites.ErrTenantOwnedByAnotherAccount), errors.Is(err, sites.ErrSiteLimit):
		return "forbidden"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
