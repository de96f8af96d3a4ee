package bundle

import (
	"errors"
	"fmt"
)

// ErrEmptyArchive means the archive holds no file entries. An archive of
// only directories, or only the reserved config file, is empty too.
var ErrEmptyArchive = errors.New("archive contains no files")

// MalformedArchiveError means the upload cannot be used as a bundle: it is
// not a zip, an entry is corrupt or unsafe, or a limit was exceeded.
type MalformedArchiveError struct {
	Entry  string
	Reason string
	Err    error
}

func (e *MalformedArchiveError) Error() string {
	msg := "malformed archive"
	if e.Entry != "" {
		msg += fmt.Sprintf(" entry %q", e.Entry)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedArchiveError) Unwrap() error { return e.Err }

// StorageWriteError means durable storage refused a write.
type StorageWriteError struct {
	Location string
	Err      error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Location, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }
