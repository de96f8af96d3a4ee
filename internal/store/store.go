// Package store is the persistence layer for accounts, tenants, the file
// index and per-tenant allowed origins.
//
// Every write that must be atomic goes through Store.InTx; the Queries handed
// to the callback see the transaction's own writes and nothing is visible to
// other callers until the callback returns nil.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

type Account struct {
	ID           int64
	Login        string
	PasswordHash string
}

type Tenant struct {
	ID      int64
	Name    string
	OwnerID int64
	Enabled bool
	// ArchivePath is the blob key of the current bundle, "" before the first
	// successful deploy.
	ArchivePath string
}

// FileEntry indexes one stored blob.
type FileEntry struct {
	ID int64
	// TenantID is 0 once the owning tenant has been deleted.
	TenantID int64
	// UserPath is tenant relative without a leading slash. Retired archives
	// are indexed with an empty UserPath.
	UserPath string
	// Location is the blob key; unique across all tenants.
	Location string
	Obsolete bool
}

type Origin struct {
	ID       int64  `json:"id"`
	TenantID int64  `json:"tenant_id"`
	Value    string `json:"origin"`
}

// Queries are the operations available both on a Store and inside a
// transaction.
type Queries interface {
	InsertAccount(ctx context.Context, login, passwordHash string) (int64, error)
	AccountByID(ctx context.Context, id int64) (Account, error)
	AccountByLogin(ctx context.Context, login string) (Account, error)
	CountAccounts(ctx context.Context) (int64, error)

	InsertTenant(ctx context.Context, name string, ownerID int64) (Tenant, error)
	TenantByID(ctx context.Context, id int64) (Tenant, error)
	// TenantByIDForUpdate also locks the row until the transaction ends.
	TenantByIDForUpdate(ctx context.Context, id int64) (Tenant, error)
	TenantByName(ctx context.Context, name string) (Tenant, error)
	// CountTenantsOwnedExcluding counts the owner's tenants other than name.
	CountTenantsOwnedExcluding(ctx context.Context, ownerID int64, name string) (int64, error)
	SetTenantEnabled(ctx context.Context, id int64, enabled bool) error
	SetTenantArchive(ctx context.Context, id int64, location string) error
	DeleteTenant(ctx context.Context, id int64) error

	InsertFile(ctx context.Context, f FileEntry) (int64, error)
	// MarkTenantFilesObsolete flips every live file of the tenant.
	MarkTenantFilesObsolete(ctx context.Context, tenantID int64) (int64, error)
	// LiveFile finds the non-obsolete entry for userPath.
	LiveFile(ctx context.Context, tenantID int64, userPath string) (FileEntry, error)
	DeleteFile(ctx context.Context, id int64) error

	InsertOrigin(ctx context.Context, tenantID int64, value string) (Origin, error)
	Origins(ctx context.Context, tenantID int64) ([]Origin, error)
	OriginByID(ctx context.Context, id int64) (Origin, error)
	DeleteOrigin(ctx context.Context, id int64) error
	DeleteTenantOrigins(ctx context.Context, tenantID int64) (int64, error)
}

type Store interface {
	Queries

	// InTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error

	// SweepCandidates streams entries that are obsolete or whose tenant is
	// gone. fn may call DeleteFile on the store while iterating; returning an
	// error from fn stops the iteration and is returned.
	SweepCandidates(ctx context.Context, fn func(FileEntry) error) error

	Ping(ctx context.Context) error
	Close() error
}
