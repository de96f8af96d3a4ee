package sweeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store/memstore"
)

type stubMetrics struct {
	mu          sync.Mutex
	runs        int
	swept       int
	errs        map[string]int
	lastSuccess time.Time
}

func newStubMetrics() *stubMetrics { return &stubMetrics{errs: map[string]int{}} }

func (m *stubMetrics) IncSweepRuns() { m.mu.Lock(); m.runs++; m.mu.Unlock() }
func (m *stubMetrics) AddSweptFiles(n int) {
	m.mu.Lock()
	m.swept += n
	m.mu.Unlock()
}
func (m *stubMetrics) IncSweepError(t string) { m.mu.Lock(); m.errs[t]++; m.mu.Unlock() }
func (m *stubMetrics) SetSweepLastSuccess(t time.Time) {
	m.mu.Lock()
	m.lastSuccess = t
	m.mu.Unlock()
}

func (m *stubMetrics) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

type fixture struct {
	st     *memstore.Store
	blobs  *blob.Local
	tenant store.Tenant
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	acct, err := st.InsertAccount(ctx, "alice", "h")
	require.NoError(t, err)
	tn, err := st.InsertTenant(ctx, "blog", acct)
	require.NoError(t, err)
	return fixture{st: st, blobs: blobs, tenant: tn}
}

// add stores a blob at loc and indexes it.
func (f fixture) add(t *testing.T, tenantID int64, userPath, loc string, obsolete bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.blobs.Put(ctx, loc, strings.NewReader("x"), 1))
	_, err := f.st.InsertFile(ctx, store.FileEntry{TenantID: tenantID, UserPath: userPath, Location: loc, Obsolete: obsolete})
	require.NoError(t, err)
}

func (f fixture) exists(t *testing.T, loc string) bool {
	t.Helper()
	_, err := f.blobs.Stat(context.Background(), loc)
	if errors.Is(err, blob.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func locations(st *memstore.Store) []string {
	var out []string
	for _, f := range st.Files() {
		out = append(out, f.Location)
	}
	return out
}

// ----- single pass -----

func TestSweepOnce_RemovesObsoleteOnly(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.tenant.ID, "index.html", "sites/1/live.html", false)
	f.add(t, f.tenant.ID, "index.html", "sites/1/old.html", true)
	f.add(t, f.tenant.ID, "", "archives/1/old.zip", true)

	m := newStubMetrics()
	s := New(Options{Store: f.st, Blobs: f.blobs, Metrics: m})
	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Candidates: 2, Removed: 2}, stats)
	assert.Equal(t, []string{"sites/1/live.html"}, locations(f.st))
	assert.True(t, f.exists(t, "sites/1/live.html"))
	assert.False(t, f.exists(t, "sites/1/old.html"))
	assert.False(t, f.exists(t, "archives/1/old.zip"))

	assert.Equal(t, 1, m.runs)
	assert.Equal(t, 2, m.swept)
	assert.False(t, m.lastSuccess.IsZero())
}

func TestSweepOnce_OrphansOfDeletedTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, f.tenant.ID, "index.html", "sites/1/a.html", false)
	require.NoError(t, f.st.DeleteTenant(ctx, f.tenant.ID))

	stats, err := New(Options{Store: f.st, Blobs: f.blobs}).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	assert.Empty(t, locations(f.st))
	assert.False(t, f.exists(t, "sites/1/a.html"))
}

func TestSweepOnce_MissingBlobCountsAsRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.st.InsertFile(ctx, store.FileEntry{TenantID: f.tenant.ID, UserPath: "a.html", Location: "sites/1/gone.html", Obsolete: true})
	require.NoError(t, err)

	stats, err := New(Options{Store: f.st, Blobs: f.blobs}).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Candidates: 1, Removed: 1}, stats)
	assert.Empty(t, locations(f.st))
}

func TestSweepOnce_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.tenant.ID, "a.html", "sites/1/a.html", true)
	s := New(Options{Store: f.st, Blobs: f.blobs})

	_, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

// flakyBlobs fails Delete for keys containing "bad".
type flakyBlobs struct {
	blob.Store
}

func (b flakyBlobs) Delete(ctx context.Context, key string) error {
	if strings.Contains(key, "bad") {
		return errors.New("permission denied")
	}
	return b.Store.Delete(ctx, key)
}

func TestSweepOnce_BlobErrorKeepsRowAndContinues(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.tenant.ID, "a.html", "sites/1/bad.html", true)
	f.add(t, f.tenant.ID, "b.html", "sites/1/ok.html", true)

	m := newStubMetrics()
	stats, err := New(Options{Store: f.st, Blobs: flakyBlobs{f.blobs}, Metrics: m}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Candidates: 2, Removed: 1, BlobErrors: 1}, stats)
	assert.Equal(t, []string{"sites/1/bad.html"}, locations(f.st))
	assert.True(t, f.exists(t, "sites/1/bad.html"))
	assert.Equal(t, 1, m.errs["blob"])
}

// flakyRows fails DeleteFile once per id.
type flakyRows struct {
	*memstore.Store
	failed map[int64]bool
}

func (r *flakyRows) DeleteFile(ctx context.Context, id int64) error {
	if !r.failed[id] {
		r.failed[id] = true
		return errors.New("deadlock detected")
	}
	return r.Store.DeleteFile(ctx, id)
}

func TestSweepOnce_RowErrorRetriedNextPass(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.tenant.ID, "a.html", "sites/1/a.html", true)
	src := &flakyRows{Store: f.st, failed: map[int64]bool{}}
	m := newStubMetrics()
	s := New(Options{Store: src, Blobs: f.blobs, Metrics: m})

	stats, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Candidates: 1, RowErrors: 1}, stats)
	assert.Len(t, locations(f.st), 1)
	assert.Equal(t, 1, m.errs["row"])

	stats, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Candidates: 1, Removed: 1}, stats)
	assert.Empty(t, locations(f.st))
}

type failingSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failingSource) SweepCandidates(context.Context, func(store.FileEntry) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *failingSource) DeleteFile(context.Context, int64) error { return nil }

func TestSweepOnce_ListError(t *testing.T) {
	m := newStubMetrics()
	src := &failingSource{err: errors.New("db down")}
	_, err := New(Options{Store: src, Blobs: nil, Metrics: m}).SweepOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, m.errs["list"])
	assert.True(t, m.lastSuccess.IsZero())
}

// ----- loop -----

func TestBackoffDuration(t *testing.T) {
	s := New(Options{Interval: time.Minute})
	tests := []struct {
		errs int
		want time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, maxBackoff},
		{10, maxBackoff},
	}
	for _, tt := range tests {
		s.consecutiveErrs = tt.errs
		assert.Equal(t, tt.want, s.backoffDuration(), "errs=%d", tt.errs)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(Options{})
	assert.Equal(t, DefaultInterval, s.interval)
	assert.NotNil(t, s.logger)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.add(t, f.tenant.ID, "a.html", "sites/1/a.html", true)
	m := newStubMetrics()
	s := New(Options{Store: f.st, Blobs: f.blobs, Interval: 10 * time.Millisecond, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.runCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Empty(t, locations(f.st))
}

func TestRun_BacksOffOnListErrors(t *testing.T) {
	src := &failingSource{err: errors.New("db down")}
	s := New(Options{Store: src, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// 10ms, then 20ms, 40ms, 80ms...: far fewer calls than a fixed cadence
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
	assert.Less(t, calls, 10)
}
