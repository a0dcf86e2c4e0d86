// Package local implements a vfs.Provider over a directory of the local
// file system. Resource paths are slash separated and relative to the root
// directory; attempts to escape the root are rejected.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/vfs"
	"github.com/sirupsen/logrus"
)

var _ vfs.Provider = (*Provider)(nil)

// Provider is a local disk storage backend.
type Provider struct {
	root     string
	readOnly bool
	identity vfs.IdentityResolver
}

// New creates a provider rooted at root, which must be an existing directory.
func New(root string) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return &Provider{
		root:     abs,
		identity: vfs.StaticIdentity(vfs.Anonymous),
	}, nil
}

// SetReadOnly denies overwrites and new files when readOnly is true.
func (p *Provider) SetReadOnly(readOnly bool) { p.readOnly = readOnly }

// SetIdentity sets the resolver reporting the acting principal.
func (p *Provider) SetIdentity(resolver vfs.IdentityResolver) {
	if resolver == nil {
		resolver = vfs.StaticIdentity(vfs.Anonymous)
	}
	p.identity = resolver
}

// Root returns the absolute root directory.
func (p *Provider) Root() string { return p.root }

func (p *Provider) osPath(clean string) string {
	return filepath.Join(p.root, filepath.FromSlash(clean))
}

func cleanOrDeny(path string) (string, error) {
	clean, err := vfs.CleanPath(path)
	if err != nil {
		return "", vfs.WrapError(vfs.KindResourceAccess, audit.EventAccessDenied, err, "invalid path %q", path)
	}
	return clean, nil
}

// ResolveFile implements vfs.Resolver.
func (p *Provider) ResolveFile(_ context.Context, path string, mustExist bool) (vfs.FileItem, error) {
	clean, err := cleanOrDeny(path)
	if err != nil {
		return nil, err
	}
	item := fileItem{path: clean, info: vfs.ResourceInfo{
		Name:        vfs.BaseName(clean),
		FullName:    clean,
		ContentType: vfs.ContentTypeFor(clean),
	}}

	stat, err := os.Stat(p.osPath(clean))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mustExist {
			return nil, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "file %s not found", clean)
		}
		return item, nil
	case err != nil:
		return nil, vfs.Classify(err, "stat %s", clean)
	case stat.IsDir():
		return nil, vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied, "%s is a folder", clean)
	}

	item.exists = true
	item.info.Length = stat.Size()
	item.info.LastWriteTime = stat.ModTime()
	item.info.IsReadOnly = p.readOnly || stat.Mode().Perm()&0o200 == 0
	return item, nil
}

// ResolveFolder implements vfs.Resolver.
func (p *Provider) ResolveFolder(_ context.Context, path string, mustExist bool) (vfs.FolderItem, error) {
	clean, err := cleanOrDeny(path)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(p.osPath(clean))
	exists := err == nil && stat.IsDir()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, vfs.Classify(err, "stat %s", clean)
	}
	if !exists && mustExist {
		return nil, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "folder %s not found", clean)
	}
	return folderItem{path: clean, exists: exists}, nil
}

// ParentFolder implements vfs.Resolver.
func (p *Provider) ParentFolder(ctx context.Context, file vfs.FileItem) (vfs.FolderItem, error) {
	return p.ResolveFolder(ctx, vfs.ParentPath(file.QualifiedIdentifier()), false)
}

// FileClaims implements vfs.Authorizer.
func (p *Provider) FileClaims(_ context.Context, file vfs.FileItem) (vfs.FileClaims, error) {
	return vfs.FileClaims{
		AllowReadData:  true,
		AllowOverwrite: !p.readOnly && !file.ResourceInfo().IsReadOnly,
	}, nil
}

// FolderClaims implements vfs.Authorizer.
func (p *Provider) FolderClaims(context.Context, vfs.FolderItem) (vfs.FolderClaims, error) {
	return vfs.FolderClaims{AllowAddFiles: !p.readOnly}, nil
}

// ReadBytes implements vfs.BlockReader.
func (p *Provider) ReadBytes(ctx context.Context, file vfs.FileItem, offset int64, length int) ([]byte, error) {
	rc, err := p.OpenRange(ctx, file, offset, int64(length))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s sectionReadCloser) Close() error { return s.f.Close() }

// OpenRange implements vfs.BlockReader.
func (p *Provider) OpenRange(_ context.Context, file vfs.FileItem, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	f, err := os.Open(p.osPath(file.QualifiedIdentifier()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "file %s not found", file.QualifiedIdentifier())
		}
		return nil, err
	}
	return sectionReadCloser{SectionReader: io.NewSectionReader(f, offset, length), f: f}, nil
}

// DeleteOrReplace implements vfs.BlockWriter.
func (p *Provider) DeleteOrReplace(_ context.Context, file vfs.FileItem, _ string) error {
	if p.readOnly {
		return vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied, "provider is read-only")
	}
	f, err := os.Create(p.osPath(file.QualifiedIdentifier()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "folder %s not found", vfs.ParentPath(file.QualifiedIdentifier()))
		}
		return err
	}
	return f.Close()
}

// WriteBytes implements vfs.BlockWriter.
func (p *Provider) WriteBytes(_ context.Context, file vfs.FileItem, offset int64, r io.Reader) (int64, error) {
	if p.readOnly {
		return 0, vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied, "provider is read-only")
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	f, err := os.OpenFile(p.osPath(file.QualifiedIdentifier()), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(io.NewOffsetWriter(f, offset), r)
	if closeErr := f.Close(); closeErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "WriteBytes",
			"path":     file.QualifiedIdentifier(),
			"error":    closeErr.Error(),
		}).Warn("Failed to close file after block write")
		if err == nil {
			err = closeErr
		}
	}
	return n, err
}

// ComputeHash implements vfs.Provider.
func (p *Provider) ComputeHash(_ context.Context, file vfs.FileItem) (string, error) {
	f, err := os.Open(p.osPath(file.QualifiedIdentifier()))
	if err != nil {
		return "", err
	}
	defer f.Close()
	return vfs.HashReader(f)
}

// Identity implements vfs.Provider.
func (p *Provider) Identity(ctx context.Context) string {
	return p.identity.Identity(ctx)
}

type fileItem struct {
	path   string
	exists bool
	info   vfs.ResourceInfo
}

func (f fileItem) Exists() bool                   { return f.exists }
func (f fileItem) ResourceInfo() vfs.ResourceInfo { return f.info }
func (f fileItem) QualifiedIdentifier() string    { return f.path }

type folderItem struct {
	path   string
	exists bool
}

func (f folderItem) Exists() bool { return f.exists }

func (f folderItem) FolderInfo() vfs.FolderInfo {
	return vfs.FolderInfo{Name: vfs.BaseName(f.path), FullName: f.path, IsRoot: f.path == "/"}
}

func (f folderItem) QualifiedIdentifier() string { return f.path }
