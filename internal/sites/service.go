// Package sites implements the management operations an account performs on
// the tenants it owns: enable/disable, teardown, archive download and the
// per-tenant origin allowlist.
package sites

import (
	"context"
	"errors"
	"io"

	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

type Service struct {
	store store.Store
	blobs blob.Store
}

func NewService(st store.Store, blobs blob.Store) *Service {
	return &Service{store: st, blobs: blobs}
}

// Owned loads tenant name and checks that accountID owns it.
func Owned(ctx context.Context, q store.Queries, accountID int64, name string) (store.Tenant, error) {
	t, err := q.TenantByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return store.Tenant{}, xerrors.Wrapf(err, "load tenant %q", name)
	}
	if t.OwnerID != accountID {
		return store.Tenant{}, ErrTenantOwnedByAnotherAccount
	}
	return t, nil
}

// RetireArchive indexes the tenant's current archive as an obsolete file so
// the sweeper reclaims it. No-op before the first deploy.
func RetireArchive(ctx context.Context, q store.Queries, t store.Tenant) error {
	if t.ArchivePath == "" {
		return nil
	}
	_, err := q.InsertFile(ctx, store.FileEntry{
		TenantID: t.ID,
		Location: t.ArchivePath,
		Obsolete: true,
	})
	if err != nil {
		return xerrors.Wrapf(err, "retire archive %s", t.ArchivePath)
	}
	return nil
}

func (s *Service) Tenant(ctx context.Context, accountID int64, name string) (store.Tenant, error) {
	return Owned(ctx, s.store, accountID, name)
}

func (s *Service) SetEnabled(ctx context.Context, accountID int64, name string, enabled bool) error {
	t, err := Owned(ctx, s.store, accountID, name)
	if err != nil {
		return err
	}
	if err := s.store.SetTenantEnabled(ctx, t.ID, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTenantNotFound
		}
		return xerrors.Wrap(err, "set tenant enabled")
	}
	log.FromContext(ctx).Info(ctx, "site state changed", "tenant", t.Name, "enabled", enabled)
	return nil
}

// Teardown deletes the tenant. Its files and archive become sweep
// candidates; origins go with the tenant row.
func (s *Service) Teardown(ctx context.Context, accountID int64, name string) error {
	var obsoleted int64
	err := s.store.InTx(ctx, func(q store.Queries) error {
		t, err := Owned(ctx, q, accountID, name)
		if err != nil {
			return err
		}
		if t, err = q.TenantByIDForUpdate(ctx, t.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrTenantNotFound
			}
			return xerrors.Wrap(err, "lock tenant")
		}
		if obsoleted, err = q.MarkTenantFilesObsolete(ctx, t.ID); err != nil {
			return xerrors.Wrap(err, "mark files obsolete")
		}
		if err := RetireArchive(ctx, q, t); err != nil {
			return err
		}
		if err := q.DeleteTenant(ctx, t.ID); err != nil {
			return xerrors.Wrap(err, "delete tenant")
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.FromContext(ctx).Info(ctx, "site torn down", "tenant", name, "files_obsoleted", obsoleted)
	return nil
}

// Archive opens the bundle of the tenant's current deployment.
func (s *Service) Archive(ctx context.Context, accountID int64, name string) (io.ReadCloser, blob.Info, error) {
	t, err := Owned(ctx, s.store, accountID, name)
	if err != nil {
		return nil, blob.Info{}, err
	}
	if t.ArchivePath == "" {
		return nil, blob.Info{}, ErrNoArchive
	}
	rc, info, err := s.blobs.Open(ctx, t.ArchivePath)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, blob.Info{}, ErrNoArchive
	}
	if err != nil {
		return nil, blob.Info{}, xerrors.Wrapf(err, "open archive %s", t.ArchivePath)
	}
	return rc, info, nil
}

func (s *Service) AddOrigin(ctx context.Context, accountID int64, name, value string) (store.Origin, error) {
	v, ok := NormalizeOrigin(value)
	if !ok {
		return store.Origin{}, ErrInvalidOrigin
	}
	t, err := Owned(ctx, s.store, accountID, name)
	if err != nil {
		return store.Origin{}, err
	}
	o, err := s.store.InsertOrigin(ctx, t.ID, v)
	if errors.Is(err, store.ErrNotFound) {
		return store.Origin{}, ErrTenantNotFound
	}
	if err != nil {
		return store.Origin{}, xerrors.Wrap(err, "insert origin")
	}
	return o, nil
}

func (s *Service) Origins(ctx context.Context, accountID int64, name string) ([]store.Origin, error) {
	t, err := Owned(ctx, s.store, accountID, name)
	if err != nil {
		return nil, err
	}
	out, err := s.store.Origins(ctx, t.ID)
	if err != nil {
		return nil, xerrors.Wrap(err, "list origins")
	}
	return out, nil
}

// Origin returns origin id if it belongs to the addressed tenant.
func (s *Service) Origin(ctx context.Context, accountID int64, name string, id int64) (store.Origin, error) {
	t, err := Owned(ctx, s.store, accountID, name)
	if err != nil {
		return store.Origin{}, err
	}
	return s.tenantOrigin(ctx, s.store, t, id)
}

func (s *Service) DeleteOrigin(ctx context.Context, accountID int64, name string, id int64) error {
	return s.store.InTx(ctx, func(q store.Queries) error {
		t, err := Owned(ctx, q, accountID, name)
		if err != nil {
			return err
		}
		if _, err := s.tenantOrigin(ctx, q, t, id); err != nil {
			return err
		}
		if err := q.DeleteOrigin(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrOriginNotFound
			}
			return xerrors.Wrap(err, "delete origin")
		}
		return nil
	})
}

// PurgeOrigins removes the whole allowlist and reports how many entries it
// held.
func (s *Service) PurgeOrigins(ctx context.Context, accountID int64, name string) (int64, error) {
	t, err := Owned(ctx, s.store, accountID, name)
	if err != nil {
		return 0, err
	}
	n, err := s.store.DeleteTenantOrigins(ctx, t.ID)
	if err != nil {
		return 0, xerrors.Wrap(err, "purge origins")
	}
	return n, nil
}

func (s *Service) tenantOrigin(ctx context.Context, q store.Queries, t store.Tenant, id int64) (store.Origin, error) {
	o, err := q.OriginByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Origin{}, ErrOriginNotFound
	}
	if err != nil {
		return store.Origin{}, xerrors.Wrap(err, "load origin")
	}
	if o.TenantID != t.ID {
		return store.Origin{}, ErrOriginForeign
	}
	return o, nil
}
