package vfs

import (
	"errors"
	"mime"
	"path"
	"strings"
)

// ErrDirectoryTraversal indicates an attempt to access resources outside
// the provider root.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// CleanPath normalizes a slash separated resource path to an absolute form
// such as "/docs/report.pdf". It rejects paths that climb above the root.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return path.Clean("/" + p), nil
}

// ParentPath returns the folder path of a cleaned resource path.
func ParentPath(p string) string {
	return path.Dir(p)
}

// BaseName returns the last element of a cleaned resource path.
func BaseName(p string) string {
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// ContentTypeFor guesses a content type from the file extension.
func ContentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
