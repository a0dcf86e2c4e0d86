// Package vfs defines the resource model shared by all storage backends and
// consumed by the transfer engine.
//
// A Provider resolves paths into FileItem and FolderItem values, reports
// the caller's claims on them and performs block-level reads and writes.
// Sub-packages memory, local and zipfs contain concrete providers.
package vfs

import (
	"context"
	"io"
	"time"
)

// ResourceInfo describes a file.
type ResourceInfo struct {
	Name          string
	FullName      string
	ContentType   string
	Length        int64
	IsReadOnly    bool
	LastWriteTime time.Time
}

// FolderInfo describes a folder.
type FolderInfo struct {
	Name     string
	FullName string
	IsRoot   bool
}

// FileItem is a resolved file reference. It may point at a file that does
// not exist yet (upload targets).
type FileItem interface {
	Exists() bool
	ResourceInfo() ResourceInfo
	// QualifiedIdentifier is the backend-unique id used for locking.
	QualifiedIdentifier() string
}

// FolderItem is a resolved folder reference.
type FolderItem interface {
	Exists() bool
	FolderInfo() FolderInfo
	QualifiedIdentifier() string
}

// FileClaims are the caller's permissions on a file.
type FileClaims struct {
	AllowReadData  bool
	AllowOverwrite bool
}

// FolderClaims are the caller's permissions on a folder.
type FolderClaims struct {
	AllowAddFiles bool
}

// Resolver maps paths to items.
type Resolver interface {
	// ResolveFile returns the file at path. With mustExist set, a missing
	// file yields ErrResourceNotFound.
	ResolveFile(ctx context.Context, path string, mustExist bool) (FileItem, error)
	// ResolveFolder returns the folder at path. With mustExist set, a
	// missing folder yields ErrResourceNotFound.
	ResolveFolder(ctx context.Context, path string, mustExist bool) (FolderItem, error)
	// ParentFolder returns the folder containing file.
	ParentFolder(ctx context.Context, file FileItem) (FolderItem, error)
}

// Authorizer reports claims.
type Authorizer interface {
	FileClaims(ctx context.Context, file FileItem) (FileClaims, error)
	FolderClaims(ctx context.Context, folder FolderItem) (FolderClaims, error)
}

// BlockReader reads byte ranges.
type BlockReader interface {
	// ReadBytes returns up to length bytes starting at offset.
	ReadBytes(ctx context.Context, file FileItem, offset int64, length int) ([]byte, error)
	// OpenRange streams length bytes starting at offset. The caller closes
	// the returned reader.
	OpenRange(ctx context.Context, file FileItem, offset, length int64) (io.ReadCloser, error)
}

// BlockWriter writes byte ranges.
type BlockWriter interface {
	// DeleteOrReplace removes any existing content and creates an empty
	// resource ready to receive blocks.
	DeleteOrReplace(ctx context.Context, file FileItem, contentType string) error
	// WriteBytes copies r into the file starting at offset and returns the
	// number of bytes written. Previously written bytes in the range are
	// overwritten.
	WriteBytes(ctx context.Context, file FileItem, offset int64, r io.Reader) (int64, error)
}

// Provider is a storage backend.
type Provider interface {
	Resolver
	Authorizer
	BlockReader
	BlockWriter
	// ComputeHash returns the content hash of file as produced by HashReader.
	ComputeHash(ctx context.Context, file FileItem) (string, error)
	// Identity returns the security principal acting in ctx.
	Identity(ctx context.Context) string
}

// IdentityResolver resolves the principal acting in ctx.
type IdentityResolver interface {
	Identity(ctx context.Context) string
}

// IdentityFunc adapts a function to IdentityResolver.
type IdentityFunc func(ctx context.Context) string

// Identity implements IdentityResolver.
func (f IdentityFunc) Identity(ctx context.Context) string { return f(ctx) }

// Anonymous is the identity reported when no principal is known.
const Anonymous = "anonymous"

// StaticIdentity always resolves to the same principal.
type StaticIdentity string

// Identity implements IdentityResolver.
func (s StaticIdentity) Identity(context.Context) string {
	if s == "" {
		return Anonymous
	}
	return string(s)
}
