package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
)

func seed(t *testing.T) (*Store, store.Account, store.Tenant) {
	t.Helper()
	ctx := context.Background()
	m := New()
	id, err := m.InsertAccount(ctx, "alice", "hash")
	require.NoError(t, err)
	a, err := m.AccountByID(ctx, id)
	require.NoError(t, err)
	tn, err := m.InsertTenant(ctx, "blog", a.ID)
	require.NoError(t, err)
	return m, a, tn
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	m, a, _ := seed(t)

	_, err := m.InsertAccount(ctx, "alice", "other")
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := m.AccountByLogin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = m.AccountByLogin(ctx, "bob")
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err := m.CountAccounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTenants(t *testing.T) {
	ctx := context.Background()
	m, a, tn := seed(t)

	assert.True(t, tn.Enabled, "tenants start enabled")
	assert.Empty(t, tn.ArchivePath)

	_, err := m.InsertTenant(ctx, "blog", a.ID)
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = m.InsertTenant(ctx, "orphan", 9999)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.InsertTenant(ctx, "shop", a.ID)
	require.NoError(t, err)
	n, err := m.CountTenantsOwnedExcluding(ctx, a.ID, "blog")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, m.SetTenantEnabled(ctx, tn.ID, false))
	require.NoError(t, m.SetTenantArchive(ctx, tn.ID, "archives/1/x.zip"))
	got, err := m.TenantByName(ctx, "blog")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "archives/1/x.zip", got.ArchivePath)

	require.ErrorIs(t, m.SetTenantEnabled(ctx, 424242, true), store.ErrNotFound)
}

func TestDeleteTenant_CascadesOriginsOrphansFiles(t *testing.T) {
	ctx := context.Background()
	m, _, tn := seed(t)

	_, err := m.InsertOrigin(ctx, tn.ID, "*")
	require.NoError(t, err)
	fid, err := m.InsertFile(ctx, store.FileEntry{TenantID: tn.ID, UserPath: "index.html", Location: "sites/blog/a.html"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteTenant(ctx, tn.ID))

	origins, err := m.Origins(ctx, tn.ID)
	require.NoError(t, err)
	assert.Empty(t, origins)

	var swept []store.FileEntry
	require.NoError(t, m.SweepCandidates(ctx, func(f store.FileEntry) error {
		swept = append(swept, f)
		return nil
	}))
	require.Len(t, swept, 1)
	assert.Equal(t, fid, swept[0].ID)
	assert.Zero(t, swept[0].TenantID)
}

func TestFiles_LiveAndObsolete(t *testing.T) {
	ctx := context.Background()
	m, _, tn := seed(t)

	_, err := m.InsertFile(ctx, store.FileEntry{TenantID: tn.ID, UserPath: "index.html", Location: "loc-1"})
	require.NoError(t, err)
	_, err = m.InsertFile(ctx, store.FileEntry{TenantID: tn.ID, UserPath: "x", Location: "loc-1"})
	require.ErrorIs(t, err, store.ErrConflict, "locations are unique")

	f, err := m.LiveFile(ctx, tn.ID, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "loc-1", f.Location)

	n, err := m.MarkTenantFilesObsolete(ctx, tn.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = m.LiveFile(ctx, tn.ID, "index.html")
	require.ErrorIs(t, err, store.ErrNotFound, "obsolete rows are invisible")

	n, err = m.MarkTenantFilesObsolete(ctx, tn.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrigins(t *testing.T) {
	ctx := context.Background()
	m, _, tn := seed(t)

	o1, err := m.InsertOrigin(ctx, tn.ID, "https://a.example")
	require.NoError(t, err)
	_, err = m.InsertOrigin(ctx, tn.ID, "*")
	require.NoError(t, err)

	list, err := m.Origins(ctx, tn.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, o1, list[0])

	got, err := m.OriginByID(ctx, o1.ID)
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.TenantID)

	require.NoError(t, m.DeleteOrigin(ctx, o1.ID))
	require.ErrorIs(t, m.DeleteOrigin(ctx, o1.ID), store.ErrNotFound)

	n, err := m.DeleteTenantOrigins(ctx, tn.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestInTx_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m, _, tn := seed(t)
	boom := errors.New("boom")

	err := m.InTx(ctx, func(q store.Queries) error {
		if _, err := q.InsertFile(ctx, store.FileEntry{TenantID: tn.ID, UserPath: "a.html", Location: "l1"}); err != nil {
			return err
		}
		if err := q.SetTenantArchive(ctx, tn.ID, "archives/new.zip"); err != nil {
			return err
		}
		// the transaction sees its own writes
		if _, err := q.LiveFile(ctx, tn.ID, "a.html"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = m.LiveFile(ctx, tn.ID, "a.html")
	require.ErrorIs(t, err, store.ErrNotFound)
	got, _ := m.TenantByID(ctx, tn.ID)
	assert.Empty(t, got.ArchivePath)
}

func TestInTx_Commit(t *testing.T) {
	ctx := context.Background()
	m, _, tn := seed(t)

	require.NoError(t, m.InTx(ctx, func(q store.Queries) error {
		_, err := q.InsertFile(ctx, store.FileEntry{TenantID: tn.ID, UserPath: "a.html", Location: "l1"})
		return err
	}))
	_, err := m.LiveFile(ctx, tn.ID, "a.html")
	require.NoError(t, err)
}

func TestInTx_CancelledContextRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, _, tn := seed(t)

	err := m.InTx(ctx, func(q store.Queries) error {
		_, err := q.InsertFile(ctx, store.FileEntry{TenantID: tn.ID, UserPath: "a.html", Location: "l1"})
		cancel()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Files())
}

func TestSweepCandidates_DeleteWhileIterating(t *testing.T) {
	ctx := context.Background()
	m, _, tn := seed(t)

	for _, loc := range []string{"a", "b", "c"} {
		_, err := m.InsertFile(ctx, store.FileEntry{TenantID: tn.ID, UserPath: loc, Location: loc, Obsolete: loc != "b"})
		require.NoError(t, err)
	}

	var seen []string
	require.NoError(t, m.SweepCandidates(ctx, func(f store.FileEntry) error {
		seen = append(seen, f.Location)
		return m.DeleteFile(ctx, f.ID)
	}))
	assert.Equal(t, []string{"a", "c"}, seen)
	require.Len(t, m.Files(), 1)
	assert.Equal(t, "b", m.Files()[0].Location)
}

func TestSweepCandidates_StopsOnError(t *testing.T) {
	ctx := context.Background()
	m, _, tn := seed(t)
	for _, loc := range []string{"a", "b"} {
		_, err := m.InsertFile(ctx, store.FileEntry{TenantID: tn.ID, UserPath: loc, Location: loc, Obsolete: true})
		require.NoError(t, err)
	}
	stop := errors.New("stop")
	calls := 0
	err := m.SweepCandidates(ctx, func(store.FileEntry) error { calls++; return stop })
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	m, _, tn := seed(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.InTx(ctx, func(q store.Queries) error {
				_, err := q.InsertOrigin(ctx, tn.ID, "*")
				return err
			})
		}(i)
	}
	wg.Wait()

	list, err := m.Origins(ctx, tn.ID)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

func TestPing(t *testing.T) {
	m := New()
	require.NoError(t, m.Ping(context.Background()))
	m.FailPing = errors.New("down")
	require.Error(t, m.Ping(context.Background()))
}
