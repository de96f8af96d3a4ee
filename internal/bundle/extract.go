// Package bundle unpacks an uploaded zip into blob storage under random,
// collision-resistant names and reports where each file went.
package bundle

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/pathutil"
)

// ConfigFile is the reserved per-site config name at the bundle root. It is
// never extracted or served.
const ConfigFile = "site.toml"

const (
	DefaultMaxFileBytes  int64 = 10 << 20
	DefaultMaxTotalBytes int64 = 200 << 20
	DefaultMaxFiles            = 10000
)

type Limits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
	MaxFiles      int
}

func (l *Limits) setDefaults() {
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = DefaultMaxFileBytes
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultMaxFiles
	}
}

// Entry records one extracted file.
type Entry struct {
	Location string // blob key
	UserPath string // path inside the bundle
	Size     int64
}

type Manifest []Entry

// Locations lists every blob key in the manifest.
func (m Manifest) Locations() []string {
	out := make([]string, len(m))
	for i, e := range m {
		out[i] = e.Location
	}
	return out
}

type Extractor struct {
	blobs   blob.Store
	limits  Limits
	newName func() string
}

type Option func(*Extractor)

func WithLimits(l Limits) Option {
	return func(e *Extractor) { e.limits = l }
}

// WithNameFunc replaces the uuid generator, for deterministic tests.
func WithNameFunc(fn func() string) Option {
	return func(e *Extractor) { e.newName = fn }
}

func NewExtractor(blobs blob.Store, opts ...Option) *Extractor {
	e := &Extractor{blobs: blobs, newName: uuid.NewString}
	for _, o := range opts {
		o(e)
	}
	e.limits.setDefaults()
	return e
}

// Extract writes every file entry of the zip in data to prefix/<uuid><ext>.
// On error the returned manifest still lists the blobs written so far so the
// caller can remove them; nothing else references them.
func (e *Extractor) Extract(ctx context.Context, data []byte, prefix string) (Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &MalformedArchiveError{Reason: "not a zip archive", Err: err}
	}

	var (
		manifest Manifest
		total    int64
		seen     = make(map[string]struct{}, len(zr.File))
	)
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return manifest, err
		}
		if f.FileInfo().IsDir() || (len(f.Name) > 0 && f.Name[len(f.Name)-1] == '/') {
			continue
		}
		if f.Name == ConfigFile {
			continue
		}

		name, err := pathutil.ArchivePath(f.Name)
		if err != nil {
			return manifest, &MalformedArchiveError{Entry: f.Name, Reason: "unsafe path"}
		}
		if !f.Mode().IsRegular() {
			return manifest, &MalformedArchiveError{Entry: name, Reason: "not a regular file"}
		}
		if _, dup := seen[name]; dup {
			return manifest, &MalformedArchiveError{Entry: name, Reason: "duplicate entry"}
		}
		seen[name] = struct{}{}
		if len(seen) > e.limits.MaxFiles {
			return manifest, &MalformedArchiveError{Reason: "too many files"}
		}
		if f.UncompressedSize64 > uint64(e.limits.MaxFileBytes) {
			return manifest, &MalformedArchiveError{Entry: name, Reason: "file too large"}
		}

		content, err := readEntry(f, e.limits.MaxFileBytes)
		if err != nil {
			return manifest, err
		}
		total += int64(len(content))
		if total > e.limits.MaxTotalBytes {
			return manifest, &MalformedArchiveError{Reason: "archive expands beyond the size limit"}
		}

		loc := path.Join(prefix, e.newName()+path.Ext(name))
		if err := e.blobs.Put(ctx, loc, bytes.NewReader(content), int64(len(content))); err != nil {
			if ctx.Err() != nil {
				return manifest, ctx.Err()
			}
			return manifest, &StorageWriteError{Location: loc, Err: err}
		}
		manifest = append(manifest, Entry{Location: loc, UserPath: name, Size: int64(len(content))})
	}

	if len(manifest) == 0 {
		return nil, ErrEmptyArchive
	}
	return manifest, nil
}

// readEntry decompresses one entry, bounded by max whatever the header says.
func readEntry(f *zip.File, max int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, &MalformedArchiveError{Entry: f.Name, Reason: "cannot open entry", Err: err}
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, max+1))
	if err != nil {
		return nil, &MalformedArchiveError{Entry: f.Name, Reason: "corrupt entry", Err: err}
	}
	if int64(len(content)) > max {
		return nil, &MalformedArchiveError{Entry: f.Name, Reason: "file too large"}
	}
	return content, nil
}
