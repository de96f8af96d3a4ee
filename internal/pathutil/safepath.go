// Package pathutil normalizes tenant-relative file paths. Stored paths are
// relative, slash separated, and never contain dot segments.
package pathutil

import (
	"errors"
	"path"
	"strings"
)

// IndexFile is served for the site root.
const IndexFile = "index.html"

var ErrUnsafePath = errors.New("unsafe path")

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func hasEmptySegment(p string) bool {
	return strings.Contains(p, "//")
}

func hasBadBytes(p string) bool {
	return strings.ContainsAny(p, "\x00\\")
}

// RequestPath maps a URL path to the stored path it should be looked up as.
// ok is false for paths that can never match a stored file.
//
//	/          -> index.html
//	/about     -> about.html
//	/docs/     -> docs.html
//	/app.js    -> app.js
func RequestPath(p string) (string, bool) {
	if hasBadBytes(p) {
		return "", false
	}
	p = strings.TrimLeft(p, "/")
	switch {
	case p == "":
		return IndexFile, true
	case HasDotSegments(p), hasEmptySegment(p):
		return "", false
	}
	// a trailing slash names the same file as the bare segment
	p = strings.TrimSuffix(p, "/")
	if path.Ext(p) == "" {
		return p + ".html", true
	}
	return p, true
}

// ArchivePath validates a bundle entry name and returns it as a stored path.
// Absolute names, dot segments, backslashes and NUL bytes are rejected rather
// than cleaned so a crafted archive fails loudly.
func ArchivePath(name string) (string, error) {
	switch {
	case name == "", hasBadBytes(name):
		return "", ErrUnsafePath
	case strings.HasPrefix(name, "/"), HasDotSegments(name), hasEmptySegment(name):
		return "", ErrUnsafePath
	}
	// windows drive letters survive the slash checks
	if len(name) >= 2 && name[1] == ':' {
		return "", ErrUnsafePath
	}
	return name, nil
}
