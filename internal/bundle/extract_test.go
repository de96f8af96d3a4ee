package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
)

type zipEntry struct {
	name string
	body string
	mode fs.FileMode
}

func makeZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		h := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.mode != 0 {
			h.SetMode(e.mode)
		}
		w, err := zw.CreateHeader(h)
		require.NoError(t, err)
		_, err = io.WriteString(w, e.body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func seqNames() func() string {
	n := 0
	return func() string { n++; return fmt.Sprintf("n%d", n) }
}

func newTestExtractor(t *testing.T, opts ...Option) (*Extractor, *blob.Local) {
	t.Helper()
	l, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewExtractor(l, append([]Option{WithNameFunc(seqNames())}, opts...)...), l
}

func readBlob(t *testing.T, b blob.Store, key string) string {
	t.Helper()
	rc, _, err := b.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}

// ----- success -----

func TestExtract(t *testing.T) {
	ex, store := newTestExtractor(t)
	data := makeZip(t,
		zipEntry{name: "assets/"},
		zipEntry{name: "index.html", body: "<h1>home</h1>"},
		zipEntry{name: "assets/app.js", body: "alert(1)"},
		zipEntry{name: "site.toml", body: "title = 'x'"},
		zipEntry{name: "LICENSE", body: "MIT"},
	)

	m, err := ex.Extract(context.Background(), data, "sites/7")
	require.NoError(t, err)

	require.Len(t, m, 3)
	assert.Equal(t, Entry{Location: "sites/7/n1.html", UserPath: "index.html", Size: 13}, m[0])
	assert.Equal(t, Entry{Location: "sites/7/n2.js", UserPath: "assets/app.js", Size: 8}, m[1])
	assert.Equal(t, Entry{Location: "sites/7/n3", UserPath: "LICENSE", Size: 3}, m[2])

	assert.Equal(t, "<h1>home</h1>", readBlob(t, store, "sites/7/n1.html"))
	assert.Equal(t, "alert(1)", readBlob(t, store, "sites/7/n2.js"))
	assert.Equal(t, []string{"sites/7/n1.html", "sites/7/n2.js", "sites/7/n3"}, m.Locations())
}

func TestExtract_NestedConfigNameIsAFile(t *testing.T) {
	ex, _ := newTestExtractor(t)
	m, err := ex.Extract(context.Background(), makeZip(t, zipEntry{name: "docs/site.toml", body: "x"}), "p")
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "docs/site.toml", m[0].UserPath)
}

func TestExtract_UUIDNames(t *testing.T) {
	l, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	ex := NewExtractor(l)

	data := makeZip(t, zipEntry{name: "a.html", body: "a"}, zipEntry{name: "b.html", body: "b"})
	m1, err := ex.Extract(context.Background(), data, "p")
	require.NoError(t, err)
	m2, err := ex.Extract(context.Background(), data, "p")
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, e := range append(m1, m2...) {
		assert.False(t, seen[e.Location], "location reused: %s", e.Location)
		seen[e.Location] = true
		assert.True(t, strings.HasSuffix(e.Location, ".html"))
		assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(e.Location, "p/"), ".html"), 36)
	}
}

// ----- empty / malformed -----

func TestExtract_Empty(t *testing.T) {
	tests := []struct {
		name    string
		entries []zipEntry
	}{
		{"no entries", nil},
		{"only directories", []zipEntry{{name: "a/"}, {name: "a/b/"}}},
		{"only config", []zipEntry{{name: "site.toml", body: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, _ := newTestExtractor(t)
			m, err := ex.Extract(context.Background(), makeZip(t, tt.entries...), "p")
			require.ErrorIs(t, err, ErrEmptyArchive)
			assert.Empty(t, m)
		})
	}
}

func TestExtract_Malformed(t *testing.T) {
	small := WithLimits(Limits{MaxFileBytes: 10, MaxTotalBytes: 15, MaxFiles: 3})
	tests := []struct {
		name    string
		data    func(t *testing.T) []byte
		reason  string
		partial int
	}{
		{"not a zip", func(t *testing.T) []byte { return []byte("definitely not a zip") }, "not a zip archive", 0},
		{"truncated", func(t *testing.T) []byte {
			z := makeZip(t, zipEntry{name: "a.html", body: "hello"})
			return z[:len(z)/2]
		}, "not a zip archive", 0},
		{"traversal", func(t *testing.T) []byte {
			return makeZip(t, zipEntry{name: "ok.html", body: "x"}, zipEntry{name: "../evil.html", body: "x"})
		}, "", -1},
		{"absolute", func(t *testing.T) []byte { return makeZip(t, zipEntry{name: "/etc/passwd", body: "x"}) }, "", -1},
		{"symlink", func(t *testing.T) []byte {
			return makeZip(t, zipEntry{name: "link", body: "/etc/passwd", mode: fs.ModeSymlink | 0o777})
		}, "not a regular file", 0},
		{"duplicate", func(t *testing.T) []byte {
			return makeZip(t, zipEntry{name: "a.html", body: "1"}, zipEntry{name: "a.html", body: "2"})
		}, "duplicate entry", 1},
		{"file too large", func(t *testing.T) []byte {
			return makeZip(t, zipEntry{name: "a.html", body: "1"}, zipEntry{name: "big.bin", body: strings.Repeat("x", 11)})
		}, "file too large", 1},
		{"total too large", func(t *testing.T) []byte {
			return makeZip(t, zipEntry{name: "a", body: strings.Repeat("x", 8)}, zipEntry{name: "b", body: strings.Repeat("x", 8)})
		}, "archive expands beyond the size limit", 1},
		{"too many files", func(t *testing.T) []byte {
			return makeZip(t, zipEntry{name: "1", body: "x"}, zipEntry{name: "2", body: "x"},
				zipEntry{name: "3", body: "x"}, zipEntry{name: "4", body: "x"})
		}, "too many files", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, _ := newTestExtractor(t, small)
			m, err := ex.Extract(context.Background(), tt.data(t), "p")

			var mal *MalformedArchiveError
			require.True(t, errors.As(err, &mal), "err = %v", err)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, mal.Reason)
			}
			// -1: the zip reader may reject insecure names before any write
			if tt.partial >= 0 {
				assert.Len(t, m, tt.partial, "manifest lists what was written")
			}
		})
	}
}

// ----- storage failures -----

type failAfter struct {
	blob.Store
	n   int
	err error
}

func (f *failAfter) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if f.n == 0 {
		return f.err
	}
	f.n--
	return f.Store.Put(ctx, key, r, size)
}

func TestExtract_StorageWriteError(t *testing.T) {
	l, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	disk := errors.New("no space left on device")
	ex := NewExtractor(&failAfter{Store: l, n: 1, err: disk}, WithNameFunc(seqNames()))

	m, err := ex.Extract(context.Background(),
		makeZip(t, zipEntry{name: "a.html", body: "a"}, zipEntry{name: "b.html", body: "b"}), "p")

	var swe *StorageWriteError
	require.True(t, errors.As(err, &swe), "err = %v", err)
	assert.Equal(t, "p/n2.html", swe.Location)
	assert.ErrorIs(t, err, disk)
	require.Len(t, m, 1)
	assert.Equal(t, "p/n1.html", m[0].Location)
}

func TestExtract_ContextCancelled(t *testing.T) {
	ex, _ := newTestExtractor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ex.Extract(ctx, makeZip(t, zipEntry{name: "a.html", body: "a"}), "p")
	require.ErrorIs(t, err, context.Canceled)
}

func TestErrorMessages(t *testing.T) {
	e := &MalformedArchiveError{Entry: "x", Reason: "corrupt entry", Err: errors.New("checksum")}
	assert.Equal(t, `malformed archive entry "x": corrupt entry: checksum`, e.Error())
	assert.Equal(t, "malformed archive: too many files", (&MalformedArchiveError{Reason: "too many files"}).Error())
}
