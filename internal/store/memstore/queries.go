package memstore

import (
	"context"
	"sort"

	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
)

// queries operates on one state; the caller holds whatever lock applies.
type queries struct {
	st *state
}

var _ store.Queries = (*queries)(nil)

func (q *queries) InsertAccount(_ context.Context, login, hash string) (int64, error) {
	for _, a := range q.st.accounts {
		if a.Login == login {
			return 0, store.ErrConflict
		}
	}
	id := q.st.id()
	q.st.accounts[id] = store.Account{ID: id, Login: login, PasswordHash: hash}
	return id, nil
}

func (q *queries) AccountByID(_ context.Context, id int64) (store.Account, error) {
	a, ok := q.st.accounts[id]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (q *queries) AccountByLogin(_ context.Context, login string) (store.Account, error) {
	for _, a := range q.st.accounts {
		if a.Login == login {
			return a, nil
		}
	}
	return store.Account{}, store.ErrNotFound
}

func (q *queries) CountAccounts(context.Context) (int64, error) {
	return int64(len(q.st.accounts)), nil
}

func (q *queries) InsertTenant(_ context.Context, name string, ownerID int64) (store.Tenant, error) {
	if _, ok := q.st.accounts[ownerID]; !ok {
		return store.Tenant{}, store.ErrNotFound
	}
	for _, t := range q.st.tenants {
		if t.Name == name {
			return store.Tenant{}, store.ErrConflict
		}
	}
	t := store.Tenant{ID: q.st.id(), Name: name, OwnerID: ownerID, Enabled: true}
	q.st.tenants[t.ID] = t
	return t, nil
}

func (q *queries) TenantByID(_ context.Context, id int64) (store.Tenant, error) {
	t, ok := q.st.tenants[id]
	if !ok {
		return store.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

// TenantByIDForUpdate needs no row lock: transactions are serialized.
func (q *queries) TenantByIDForUpdate(ctx context.Context, id int64) (store.Tenant, error) {
	return q.TenantByID(ctx, id)
}

func (q *queries) TenantByName(_ context.Context, name string) (store.Tenant, error) {
	for _, t := range q.st.tenants {
		if t.Name == name {
			return t, nil
		}
	}
	return store.Tenant{}, store.ErrNotFound
}

func (q *queries) CountTenantsOwnedExcluding(_ context.Context, ownerID int64, name string) (int64, error) {
	var n int64
	for _, t := range q.st.tenants {
		if t.OwnerID == ownerID && t.Name != name {
			n++
		}
	}
	return n, nil
}

func (q *queries) SetTenantEnabled(_ context.Context, id int64, enabled bool) error {
	t, ok := q.st.tenants[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Enabled = enabled
	q.st.tenants[id] = t
	return nil
}

func (q *queries) SetTenantArchive(_ context.Context, id int64, location string) error {
	t, ok := q.st.tenants[id]
	if !ok {
		return store.ErrNotFound
	}
	t.ArchivePath = location
	q.st.tenants[id] = t
	return nil
}

// DeleteTenant cascades origins and orphans files, matching the schema.
func (q *queries) DeleteTenant(_ context.Context, id int64) error {
	if _, ok := q.st.tenants[id]; !ok {
		return store.ErrNotFound
	}
	delete(q.st.tenants, id)
	for oid, o := range q.st.origins {
		if o.TenantID == id {
			delete(q.st.origins, oid)
		}
	}
	for fid, f := range q.st.files {
		if f.TenantID == id {
			f.TenantID = 0
			q.st.files[fid] = f
		}
	}
	return nil
}

func (q *queries) InsertFile(_ context.Context, f store.FileEntry) (int64, error) {
	for _, e := range q.st.files {
		if e.Location == f.Location {
			return 0, store.ErrConflict
		}
	}
	f.ID = q.st.id()
	q.st.files[f.ID] = f
	return f.ID, nil
}

func (q *queries) MarkTenantFilesObsolete(_ context.Context, tenantID int64) (int64, error) {
	var n int64
	for id, f := range q.st.files {
		if f.TenantID == tenantID && !f.Obsolete {
			f.Obsolete = true
			q.st.files[id] = f
			n++
		}
	}
	return n, nil
}

func (q *queries) LiveFile(_ context.Context, tenantID int64, userPath string) (store.FileEntry, error) {
	var best store.FileEntry
	for _, f := range q.st.files {
		if f.TenantID == tenantID && f.UserPath == userPath && !f.Obsolete && f.ID > best.ID {
			best = f
		}
	}
	if best.ID == 0 {
		return store.FileEntry{}, store.ErrNotFound
	}
	return best, nil
}

func (q *queries) DeleteFile(_ context.Context, id int64) error {
	if _, ok := q.st.files[id]; !ok {
		return store.ErrNotFound
	}
	delete(q.st.files, id)
	return nil
}

func (q *queries) InsertOrigin(_ context.Context, tenantID int64, value string) (store.Origin, error) {
	if _, ok := q.st.tenants[tenantID]; !ok {
		return store.Origin{}, store.ErrNotFound
	}
	o := store.Origin{ID: q.st.id(), TenantID: tenantID, Value: value}
	q.st.origins[o.ID] = o
	return o, nil
}

func (q *queries) Origins(_ context.Context, tenantID int64) ([]store.Origin, error) {
	out := []store.Origin{}
	for _, o := range q.st.origins {
		if o.TenantID == tenantID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *queries) OriginByID(_ context.Context, id int64) (store.Origin, error) {
	o, ok := q.st.origins[id]
	if !ok {
		return store.Origin{}, store.ErrNotFound
	}
	return o, nil
}

func (q *queries) DeleteOrigin(_ context.Context, id int64) error {
	if _, ok := q.st.origins[id]; !ok {
		return store.ErrNotFound
	}
	delete(q.st.origins, id)
	return nil
}

func (q *queries) DeleteTenantOrigins(_ context.Context, tenantID int64) (int64, error) {
	var n int64
	for id, o := range q.st.origins {
		if o.TenantID == tenantID {
			delete(q.st.origins, id)
			n++
		}
	}
	return n, nil
}
