// Package zipfs exposes the contents of a ZIP archive as a read-only
// vfs.Provider. Entries are decompressed on demand, so block reads at an
// offset skip over the preceding bytes of the entry.
package zipfs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/vfs"
)

var _ vfs.Provider = (*Provider)(nil)

// Provider is a read-only ZIP archive backend.
type Provider struct {
	files    map[string]*zip.File
	folders  map[string]struct{}
	closer   io.Closer
	identity vfs.IdentityResolver
}

// Open opens the archive at path.
func Open(path string) (*Provider, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	p, err := newProvider(&rc.Reader)
	if err != nil {
		rc.Close()
		return nil, err
	}
	p.closer = rc
	return p, nil
}

// NewFromReader indexes an archive of the given size read from r.
func NewFromReader(r io.ReaderAt, size int64) (*Provider, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	return newProvider(zr)
}

func newProvider(zr *zip.Reader) (*Provider, error) {
	p := &Provider{
		files:    make(map[string]*zip.File),
		folders:  map[string]struct{}{"/": {}},
		identity: vfs.StaticIdentity(vfs.Anonymous),
	}
	for _, f := range zr.File {
		clean, err := vfs.CleanPath(f.Name)
		if err != nil {
			return nil, fmt.Errorf("archive entry %q: %w", f.Name, err)
		}
		if strings.HasSuffix(f.Name, "/") {
			p.addFolder(clean)
			continue
		}
		p.addFolder(vfs.ParentPath(clean))
		p.files[clean] = f
	}
	return p, nil
}

func (p *Provider) addFolder(clean string) {
	for dir := clean; ; dir = vfs.ParentPath(dir) {
		p.folders[dir] = struct{}{}
		if dir == "/" {
			return
		}
	}
}

// SetIdentity sets the resolver reporting the acting principal.
func (p *Provider) SetIdentity(resolver vfs.IdentityResolver) {
	if resolver == nil {
		resolver = vfs.StaticIdentity(vfs.Anonymous)
	}
	p.identity = resolver
}

// Close releases the archive file when the provider was created with Open.
func (p *Provider) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func readOnly() error {
	return vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied, "zip archive is read-only")
}

// ResolveFile implements vfs.Resolver.
func (p *Provider) ResolveFile(_ context.Context, path string, mustExist bool) (vfs.FileItem, error) {
	clean, err := vfs.CleanPath(path)
	if err != nil {
		return nil, vfs.WrapError(vfs.KindResourceAccess, audit.EventAccessDenied, err, "invalid path %q", path)
	}
	if _, isFolder := p.folders[clean]; isFolder {
		return nil, vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied, "%s is a folder", clean)
	}
	f, ok := p.files[clean]
	if !ok && mustExist {
		return nil, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "entry %s not found", clean)
	}
	item := fileItem{path: clean, info: vfs.ResourceInfo{
		Name:        vfs.BaseName(clean),
		FullName:    clean,
		ContentType: vfs.ContentTypeFor(clean),
		IsReadOnly:  true,
	}}
	if ok {
		item.exists = true
		item.info.Length = int64(f.UncompressedSize64)
		item.info.LastWriteTime = f.Modified
	}
	return item, nil
}

// ResolveFolder implements vfs.Resolver.
func (p *Provider) ResolveFolder(_ context.Context, path string, mustExist bool) (vfs.FolderItem, error) {
	clean, err := vfs.CleanPath(path)
	if err != nil {
		return nil, vfs.WrapError(vfs.KindResourceAccess, audit.EventAccessDenied, err, "invalid path %q", path)
	}
	_, ok := p.folders[clean]
	if !ok && mustExist {
		return nil, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "folder %s not found", clean)
	}
	return folderItem{path: clean, exists: ok}, nil
}

// ParentFolder implements vfs.Resolver.
func (p *Provider) ParentFolder(ctx context.Context, file vfs.FileItem) (vfs.FolderItem, error) {
	return p.ResolveFolder(ctx, vfs.ParentPath(file.QualifiedIdentifier()), false)
}

// FileClaims implements vfs.Authorizer.
func (p *Provider) FileClaims(context.Context, vfs.FileItem) (vfs.FileClaims, error) {
	return vfs.FileClaims{AllowReadData: true}, nil
}

// FolderClaims implements vfs.Authorizer.
func (p *Provider) FolderClaims(context.Context, vfs.FolderItem) (vfs.FolderClaims, error) {
	return vfs.FolderClaims{}, nil
}

type entryReader struct {
	io.Reader
	io.Closer
}

// OpenRange implements vfs.BlockReader.
func (p *Provider) OpenRange(_ context.Context, file vfs.FileItem, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	f, ok := p.files[file.QualifiedIdentifier()]
	if !ok {
		return nil, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "entry %s not found", file.QualifiedIdentifier())
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, rc, offset); err != nil && err != io.EOF {
		rc.Close()
		return nil, err
	}
	return entryReader{Reader: io.LimitReader(rc, length), Closer: rc}, nil
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

// DeleteOrReplace implements vfs.BlockWriter; archives are read-only.
func (p *Provider) DeleteOrReplace(context.Context, vfs.FileItem, string) error {
	return readOnly()
}

// WriteBytes implements vfs.BlockWriter; archives are read-only.
func (p *Provider) WriteBytes(context.Context, vfs.FileItem, int64, io.Reader) (int64, error) {
	return 0, readOnly()
}

// ComputeHash implements vfs.Provider.
func (p *Provider) ComputeHash(_ context.Context, file vfs.FileItem) (string, error) {
	f, ok := p.files[file.QualifiedIdentifier()]
	if !ok {
		return "", vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "entry %s not found", file.QualifiedIdentifier())
	}
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return vfs.HashReader(rc)
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
