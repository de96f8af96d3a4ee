package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

// Local stores objects as files under a root directory.
type Local struct {
	root string
}

var _ Store = (*Local)(nil)

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, xerrors.New("blob root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(err, "resolve blob root")
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, xerrors.Wrapf(err, "create blob root %s", abs)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Root() string { return l.root }

func (l *Local) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

// Put writes to a temp file in the target directory and renames it into
// place.
func (l *Local) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return xerrors.Wrapf(err, "create directory for %s", key)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return xerrors.Wrapf(err, "create temp for %s", key)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return xerrors.Wrapf(err, "write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		return xerrors.Wrapf(err, "sync %s", key)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrapf(err, "close %s", key)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return xerrors.Wrapf(err, "rename into %s", key)
	}
	ok = true
	return nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, Info, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, Info{}, localErr(err, key)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, localErr(err, key)
	}
	if st.IsDir() {
		f.Close()
		return nil, Info{}, ErrNotFound
	}
	return f, Info{Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (l *Local) Stat(_ context.Context, key string) (Info, error) {
	p, err := l.path(key)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return Info{}, localErr(err, key)
	}
	if st.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return localErr(err, key)
	}
	return nil
}

func localErr(err error, key string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return xerrors.Wrapf(err, "blob %s", key)
}
