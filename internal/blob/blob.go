// Package blob stores opaque byte objects by slash-separated key. Keys are
// produced by this service, never by clients, but are still validated so a
// bug cannot write outside the configured root.
package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/keithlinneman/linnemanlabs-sites/internal/pathutil"
)

var (
	ErrNotFound   = errors.New("blob: not found")
	ErrInvalidKey = errors.New("blob: invalid key")
)

type Info struct {
	Size    int64
	ModTime time.Time
}

type Store interface {
	// Put writes the object in full; readers never observe a partial object.
	// size is the exact length of r, or -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, Info, error)
	Stat(ctx context.Context, key string) (Info, error)
	// Delete returns ErrNotFound when the object does not exist, where the
	// backend can tell.
	Delete(ctx context.Context, key string) error
}

func checkKey(key string) error {
	if _, err := pathutil.ArchivePath(key); err != nil {
		return ErrInvalidKey
	}
	return nil
}
