// Package memstore is an in-memory store.Store. Transactions run on a copy
// of the state that replaces the original on commit, so a failed transaction
// leaves nothing behind. Transactions are serialized.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
)

type state struct {
	nextID   int64
	accounts map[int64]store.Account
	tenants  map[int64]store.Tenant
	files    map[int64]store.FileEntry
	origins  map[int64]store.Origin
}

func newState() *state {
	return &state{
		accounts: map[int64]store.Account{},
		tenants:  map[int64]store.Tenant{},
		files:    map[int64]store.FileEntry{},
		origins:  map[int64]store.Origin{},
	}
}

func (s *state) clone() *state {
	c := &state{
		nextID:   s.nextID,
		accounts: make(map[int64]store.Account, len(s.accounts)),
		tenants:  make(map[int64]store.Tenant, len(s.tenants)),
		files:    make(map[int64]store.FileEntry, len(s.files)),
		origins:  make(map[int64]store.Origin, len(s.origins)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.tenants {
		c.tenants[k] = v
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	for k, v := range s.origins {
		c.origins[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is safe for concurrent use.
type Store struct {
	// txMu serializes transactions; mu guards st.
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state

	// FailPing makes Ping return this error, for readiness tests.
	FailPing error
}

var _ store.Store = (*Store)(nil)

func New() *Store { return &Store{st: newState()} }

// view runs fn against the live state under the read lock.
func (m *Store) view(fn func(q *queries) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&queries{st: m.st})
}

// update runs a single autocommit write.
func (m *Store) update(fn func(q *queries) error) error {
	return m.InTx(context.Background(), func(q store.Queries) error {
		return fn(q.(*queries))
	})
}

func (m *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	work := m.st.clone()
	m.mu.RUnlock()

	if err := fn(&queries{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.st = work
	m.mu.Unlock()
	return nil
}

func (m *Store) SweepCandidates(ctx context.Context, fn func(store.FileEntry) error) error {
	var batch []store.FileEntry
	m.mu.RLock()
	for _, f := range m.st.files {
		if f.Obsolete || f.TenantID == 0 {
			batch = append(batch, f)
		}
	}
	m.mu.RUnlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	for _, f := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (m *Store) Ping(ctx context.Context) error {
	if m.FailPing != nil {
		return m.FailPing
	}
	return ctx.Err()
}

func (m *Store) Close() error { return nil }

// Files returns a snapshot of every file entry, for tests and diagnostics.
func (m *Store) Files() []store.FileEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.FileEntry, 0, len(m.st.files))
	for _, f := range m.st.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ----- store.Queries on the live state -----

func (m *Store) InsertAccount(ctx context.Context, login, hash string) (id int64, err error) {
	err = m.update(func(q *queries) error { id, err = q.InsertAccount(ctx, login, hash); return err })
	return id, err
}

func (m *Store) AccountByID(ctx context.Context, id int64) (a store.Account, err error) {
	err = m.view(func(q *queries) error { a, err = q.AccountByID(ctx, id); return err })
	return a, err
}

func (m *Store) AccountByLogin(ctx context.Context, login string) (a store.Account, err error) {
	err = m.view(func(q *queries) error { a, err = q.AccountByLogin(ctx, login); return err })
	return a, err
}

func (m *Store) CountAccounts(ctx context.Context) (n int64, err error) {
	err = m.view(func(q *queries) error { n, err = q.CountAccounts(ctx); return err })
	return n, err
}

func (m *Store) InsertTenant(ctx context.Context, name string, ownerID int64) (t store.Tenant, err error) {
	err = m.update(func(q *queries) error { t, err = q.InsertTenant(ctx, name, ownerID); return err })
	return t, err
}

func (m *Store) TenantByID(ctx context.Context, id int64) (t store.Tenant, err error) {
	err = m.view(func(q *queries) error { t, err = q.TenantByID(ctx, id); return err })
	return t, err
}

func (m *Store) TenantByIDForUpdate(ctx context.Context, id int64) (store.Tenant, error) {
	return m.TenantByID(ctx, id)
}

func (m *Store) TenantByName(ctx context.Context, name string) (t store.Tenant, err error) {
	err = m.view(func(q *queries) error { t, err = q.TenantByName(ctx, name); return err })
	return t, err
}

func (m *Store) CountTenantsOwnedExcluding(ctx context.Context, ownerID int64, name string) (n int64, err error) {
	err = m.view(func(q *queries) error { n, err = q.CountTenantsOwnedExcluding(ctx, ownerID, name); return err })
	return n, err
}

func (m *Store) SetTenantEnabled(ctx context.Context, id int64, enabled bool) error {
	return m.update(func(q *queries) error { return q.SetTenantEnabled(ctx, id, enabled) })
}

func (m *Store) SetTenantArchive(ctx context.Context, id int64, location string) error {
	return m.update(func(q *queries) error { return q.SetTenantArchive(ctx, id, location) })
}

func (m *Store) DeleteTenant(ctx context.Context, id int64) error {
	return m.update(func(q *queries) error { return q.DeleteTenant(ctx, id) })
}

func (m *Store) InsertFile(ctx context.Context, f store.FileEntry) (id int64, err error) {
	err = m.update(func(q *queries) error { id, err = q.InsertFile(ctx, f); return err })
	return id, err
}

func (m *Store) MarkTenantFilesObsolete(ctx context.Context, tenantID int64) (n int64, err error) {
	err = m.update(func(q *queries) error { n, err = q.MarkTenantFilesObsolete(ctx, tenantID); return err })
	return n, err
}

func (m *Store) LiveFile(ctx context.Context, tenantID int64, userPath string) (f store.FileEntry, err error) {
	err = m.view(func(q *queries) error { f, err = q.LiveFile(ctx, tenantID, userPath); return err })
	return f, err
}

func (m *Store) DeleteFile(ctx context.Context, id int64) error {
	return m.update(func(q *queries) error { return q.DeleteFile(ctx, id) })
}

func (m *Store) InsertOrigin(ctx context.Context, tenantID int64, value string) (o store.Origin, err error) {
	err = m.update(func(q *queries) error { o, err = q.InsertOrigin(ctx, tenantID, value); return err })
	return o, err
}

func (m *Store) Origins(ctx context.Context, tenantID int64) (out []store.Origin, err error) {
	err = m.view(func(q *queries) error { out, err = q.Origins(ctx, tenantID); return err })
	return out, err
}

func (m *Store) OriginByID(ctx context.Context, id int64) (o store.Origin, err error) {
	err = m.view(func(q *queries) error { o, err = q.OriginByID(ctx, id); return err })
	return o, err
}

func (m *Store) DeleteOrigin(ctx context.Context, id int64) error {
	return m.update(func(q *queries) error { return q.DeleteOrigin(ctx, id) })
}

func (m *Store) DeleteTenantOrigins(ctx context.Context, tenantID int64) (n int64, err error) {
	err = m.update(func(q *queries) error { n, err = q.DeleteTenantOrigins(ctx, tenantID); return err })
	return n, err
}
