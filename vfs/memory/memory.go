// Package memory implements an in-memory vfs.Provider.
//
// Folders are explicit; files live in a flat map keyed by cleaned path.
// Every item handed out is a snapshot, so a FileItem resolved before an
// upload still reports the old length until it is resolved again.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/vfstransfer/audit"
	"github.com/opd-ai/vfstransfer/clock"
	"github.com/opd-ai/vfstransfer/vfs"
)

var _ vfs.Provider = (*Provider)(nil)

type entry struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Provider is a thread-safe in-memory storage backend.
type Provider struct {
	mu           sync.RWMutex
	files        map[string]*entry
	folders      map[string]struct{}
	fileClaims   map[string]vfs.FileClaims
	folderClaims map[string]vfs.FolderClaims
	identity     vfs.IdentityResolver
	timeProvider clock.TimeProvider
	writeFault   error
}

// New creates an empty provider containing only the root folder.
func New() *Provider {
	return &Provider{
		files:        make(map[string]*entry),
		folders:      map[string]struct{}{"/": {}},
		fileClaims:   make(map[string]vfs.FileClaims),
		folderClaims: make(map[string]vfs.FolderClaims),
		identity:     vfs.StaticIdentity(vfs.Anonymous),
		timeProvider: clock.DefaultTimeProvider{},
	}
}

// SetIdentity sets the resolver reporting the acting principal.
func (p *Provider) SetIdentity(resolver vfs.IdentityResolver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resolver == nil {
		resolver = vfs.StaticIdentity(vfs.Anonymous)
	}
	p.identity = resolver
}

// SetTimeProvider sets the clock used for modification times.
func (p *Provider) SetTimeProvider(tp clock.TimeProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeProvider = clock.OrDefault(tp)
}

// SetFileClaims overrides the claims reported for the file at path.
func (p *Provider) SetFileClaims(path string, claims vfs.FileClaims) {
	clean := mustClean(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fileClaims[clean] = claims
}

// SetFolderClaims overrides the claims reported for the folder at path.
func (p *Provider) SetFolderClaims(path string, claims vfs.FolderClaims) {
	clean := mustClean(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.folderClaims[clean] = claims
}

// FailWrites makes every subsequent WriteBytes call fail with err. Pass nil
// to restore normal behaviour.
func (p *Provider) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeFault = err
}

// AddFolder creates the folder at path and any missing ancestors.
func (p *Provider) AddFolder(path string) error {
	clean, err := vfs.CleanPath(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addFolderLocked(clean)
	return nil
}

func (p *Provider) addFolderLocked(clean string) {
	for dir := clean; ; dir = vfs.ParentPath(dir) {
		p.folders[dir] = struct{}{}
		if dir == "/" {
			return
		}
	}
}

// PutFile stores data at path, creating missing folders.
func (p *Provider) PutFile(path string, data []byte, contentType string) error {
	clean, err := vfs.CleanPath(path)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = vfs.ContentTypeFor(clean)
	}
	copied := make([]byte, len(data))
	copy(copied, data)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.addFolderLocked(vfs.ParentPath(clean))
	p.files[clean] = &entry{data: copied, contentType: contentType, modified: p.timeProvider.Now()}
	return nil
}

// Content returns a copy of the file stored at path.
func (p *Provider) Content(path string) ([]byte, bool) {
	clean := mustClean(path)
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.files[clean]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true
}

// Remove deletes the file at path.
func (p *Provider) Remove(path string) {
	clean := mustClean(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, clean)
}

// Files lists all file paths in sorted order.
func (p *Provider) Files() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.files))
	for name := range p.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveFile implements vfs.Resolver.
func (p *Provider) ResolveFile(_ context.Context, path string, mustExist bool) (vfs.FileItem, error) {
	clean, err := vfs.CleanPath(path)
	if err != nil {
		return nil, vfs.WrapError(vfs.KindResourceAccess, audit.EventAccessDenied, err, "invalid path %q", path)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, isFolder := p.folders[clean]; isFolder {
		return nil, vfs.NewError(vfs.KindResourceAccess, audit.EventAccessDenied, "%s is a folder", clean)
	}
	e, ok := p.files[clean]
	if !ok {
		if mustExist {
			return nil, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "file %s not found", clean)
		}
		return newFileItem(clean, nil), nil
	}
	return newFileItem(clean, e), nil
}

// ResolveFolder implements vfs.Resolver.
func (p *Provider) ResolveFolder(_ context.Context, path string, mustExist bool) (vfs.FolderItem, error) {
	clean, err := vfs.CleanPath(path)
	if err != nil {
		return nil, vfs.WrapError(vfs.KindResourceAccess, audit.EventAccessDenied, err, "invalid path %q", path)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

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
func (p *Provider) FileClaims(_ context.Context, file vfs.FileItem) (vfs.FileClaims, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if claims, ok := p.fileClaims[file.QualifiedIdentifier()]; ok {
		return claims, nil
	}
	return vfs.FileClaims{AllowReadData: true, AllowOverwrite: true}, nil
}

// FolderClaims implements vfs.Authorizer.
func (p *Provider) FolderClaims(_ context.Context, folder vfs.FolderItem) (vfs.FolderClaims, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if claims, ok := p.folderClaims[folder.QualifiedIdentifier()]; ok {
		return claims, nil
	}
	return vfs.FolderClaims{AllowAddFiles: true}, nil
}

// ReadBytes implements vfs.BlockReader.
func (p *Provider) ReadBytes(_ context.Context, file vfs.FileItem, offset int64, length int) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, err := p.lookupLocked(file)
	if err != nil {
		return nil, err
	}
	start, end, err := clampRange(int64(len(e.data)), offset, int64(length))
	if err != nil {
		return nil, err
	}
	out := make([]byte, end-start)
	copy(out, e.data[start:end])
	return out, nil
}

// OpenRange implements vfs.BlockReader.
func (p *Provider) OpenRange(ctx context.Context, file vfs.FileItem, offset, length int64) (io.ReadCloser, error) {
	data, err := p.ReadBytes(ctx, file, offset, int(length))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeleteOrReplace implements vfs.BlockWriter.
func (p *Provider) DeleteOrReplace(_ context.Context, file vfs.FileItem, contentType string) error {
	path := file.QualifiedIdentifier()
	if contentType == "" {
		contentType = vfs.ContentTypeFor(path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.folders[vfs.ParentPath(path)]; !ok {
		return vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "folder %s not found", vfs.ParentPath(path))
	}
	p.files[path] = &entry{contentType: contentType, modified: p.timeProvider.Now()}
	return nil
}

// WriteBytes implements vfs.BlockWriter.
func (p *Provider) WriteBytes(_ context.Context, file vfs.FileItem, offset int64, r io.Reader) (int64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	// Read before taking the lock; r may block on the caller.
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writeFault != nil {
		return 0, p.writeFault
	}
	e, err := p.lookupLocked(file)
	if err != nil {
		return 0, err
	}
	if offset > math.MaxInt64-int64(len(data)) {
		return 0, vfs.NewError(vfs.KindDataBlock, audit.EventInvalidBlock,
			"%d bytes at offset %d overflow the file size", len(data), offset)
	}
	end := offset + int64(len(data))
	if end > int64(len(e.data)) {
		if end > int64(cap(e.data)) {
			grown := make([]byte, len(e.data), 2*end)
			copy(grown, e.data)
			e.data = grown
		}
		e.data = e.data[:end]
	}
	copy(e.data[offset:end], data)
	e.modified = p.timeProvider.Now()
	return int64(len(data)), nil
}

// ComputeHash implements vfs.Provider.
func (p *Provider) ComputeHash(_ context.Context, file vfs.FileItem) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, err := p.lookupLocked(file)
	if err != nil {
		return "", err
	}
	return vfs.HashBytes(e.data), nil
}

// Identity implements vfs.Provider.
func (p *Provider) Identity(ctx context.Context) string {
	p.mu.RLock()
	resolver := p.identity
	p.mu.RUnlock()
	return resolver.Identity(ctx)
}

func (p *Provider) lookupLocked(file vfs.FileItem) (*entry, error) {
	e, ok := p.files[file.QualifiedIdentifier()]
	if !ok {
		return nil, vfs.NewError(vfs.KindResourceNotFound, audit.EventResourceNotFound, "file %s not found", file.QualifiedIdentifier())
	}
	return e, nil
}

func clampRange(size, offset, length int64) (int64, int64, error) {
	if offset < 0 || length < 0 {
		return 0, 0, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	if offset > size {
		return 0, 0, fmt.Errorf("offset %d beyond end of file (%d bytes)", offset, size)
	}
	end := offset + length
	if end > size {
		end = size
	}
	return offset, end, nil
}

func mustClean(path string) string {
	clean, err := vfs.CleanPath(path)
	if err != nil {
		return strings.TrimSpace(path)
	}
	return clean
}

type fileItem struct {
	path   string
	exists bool
	info   vfs.ResourceInfo
}

func newFileItem(path string, e *entry) fileItem {
	item := fileItem{
		path: path,
		info: vfs.ResourceInfo{
			Name:     vfs.BaseName(path),
			FullName: path,
		},
	}
	if e != nil {
		item.exists = true
		item.info.Length = int64(len(e.data))
		item.info.ContentType = e.contentType
		item.info.LastWriteTime = e.modified
	}
	return item
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
