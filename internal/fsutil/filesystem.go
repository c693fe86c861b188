// Package fsutil is the filesystem seam under every worker that stages,
// validates, or purges an artifact: conversion's tmpfs trees, the mosaic
// builder's staging/publish moves, the imaging worker's product checks,
// and the retention sweeper. Workers hold a FileSystem and never touch
// the os package directly, so each of them runs against MemoryFileSystem
// in tests and OSFileSystem in production without branching on which.
// MemoryFileSystem keeps honest per-node modification times because the
// coordinate-system caches key on (path, mtime) and must observe a
// rewrite as a change.
package fsutil

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSystem is the operation set the pipeline workers use.
type FileSystem interface {
	// Open opens the named file for reading.
	Open(name string) (fs.File, error)

	// Create creates or truncates the named file for writing; the data
	// becomes visible in full when the returned writer is closed.
	Create(name string) (io.WriteCloser, error)

	// ReadFile returns the named file's contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile writes data to the named file, creating it (and any
	// missing parent directories) as needed.
	WriteFile(name string, data []byte, perm os.FileMode) error

	// Stat describes the named file or directory.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// Remove removes a file or an empty directory.
	Remove(name string) error

	// RemoveAll removes path and everything under it; absent paths are
	// not an error.
	RemoveAll(path string) error

	// Exists reports whether the named file or directory is present.
	Exists(name string) bool
}

// VerifiedRemover is satisfied by a FileSystem that can confirm a
// directory's absence after removal rather than trusting RemoveAll's
// return value alone. tmpfs unlinks can lag briefly under memory
// pressure, so the workers that stage into tmpfs or a staging root call
// RemoveAllVerified instead of RemoveAll directly.
type VerifiedRemover interface {
	// RemoveAllVerified removes path and re-checks its absence up to
	// attempts times, sleeping delay between attempts and honoring ctx.
	// It returns nil once the path is confirmed gone (or never existed),
	// regardless of what the individual removal calls reported.
	RemoveAllVerified(ctx context.Context, path string, attempts int, delay time.Duration) error
}

// verifyRemoval backs RemoveAllVerified for both implementations: what
// matters to a caller cleaning a per-group staging tree is whether the
// path is gone afterwards, not whether any single syscall succeeded, so
// each attempt re-issues the removal and then re-checks.
func verifyRemoval(ctx context.Context, fsys FileSystem, path string, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; ; i++ {
		_ = fsys.RemoveAll(path)
		if !fsys.Exists(path) {
			return nil
		}
		if i+1 >= attempts {
			return &fs.PathError{Op: "removeallverified", Path: path, Err: fs.ErrExist}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// OSFileSystem is the production FileSystem over the os package.
type OSFileSystem struct{}

func (OSFileSystem) Open(name string) (fs.File, error)          { return os.Open(name) }
func (OSFileSystem) ReadFile(name string) ([]byte, error)       { return os.ReadFile(name) }
func (OSFileSystem) Stat(name string) (fs.FileInfo, error)      { return os.Stat(name) }
func (OSFileSystem) Remove(name string) error                   { return os.Remove(name) }
func (OSFileSystem) RemoveAll(path string) error                { return os.RemoveAll(path) }
func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (OSFileSystem) Create(name string) (io.WriteCloser, error) {
	return os.Create(name)
}

// WriteFile materializes missing parents first: staging paths like
// {tmpfs_root}/{stem}_{uuid}/part_{k}/table.dat are written in one call
// by the conversion strategies without a separate MkdirAll.
func (OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(name, data, perm)
}

func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// RemoveAllVerified removes path and confirms its absence; a tmpfs
// directory can briefly still stat as present right after unlink.
func (fsys OSFileSystem) RemoveAllVerified(ctx context.Context, path string, attempts int, delay time.Duration) error {
	return verifyRemoval(ctx, fsys, path, attempts, delay)
}

// MemoryFileSystem is the in-memory FileSystem tests inject. One flat
// map of cleaned path -> node; directories are real nodes, materialized
// implicitly whenever something is written beneath them. Modification
// times are a logical counter, not wall clock, so tests observing
// (path, mtime) cache invalidation are deterministic.
type MemoryFileSystem struct {
	mu    sync.RWMutex
	nodes map[string]*memNode
	seq   int64
}

type memNode struct {
	dir   bool
	data  []byte
	mode  os.FileMode
	mtime time.Time
}

// NewMemoryFileSystem creates an empty MemoryFileSystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{nodes: make(map[string]*memNode)}
}

// tick returns the next logical modification time. Callers hold mu.
func (m *MemoryFileSystem) tick() time.Time {
	m.seq++
	return time.Unix(0, m.seq)
}

// materializeParents creates directory nodes for every ancestor of
// name. Callers hold mu.
func (m *MemoryFileSystem) materializeParents(name string) {
	for dir := filepath.Dir(name); ; dir = filepath.Dir(dir) {
		if dir == "." || dir == string(filepath.Separator) {
			return
		}
		if n, ok := m.nodes[dir]; ok && n.dir {
			return
		}
		m.nodes[dir] = &memNode{dir: true, mode: 0o755 | os.ModeDir, mtime: m.tick()}
	}
}

// WriteFile installs (or replaces) a file node, materializing parents.
func (m *MemoryFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = filepath.Clean(name)
	if n, ok := m.nodes[name]; ok && n.dir {
		return &fs.PathError{Op: "write", Path: name, Err: fs.ErrInvalid}
	}
	m.materializeParents(name)
	m.nodes[name] = &memNode{data: append([]byte(nil), data...), mode: perm, mtime: m.tick()}
	return nil
}

// ReadFile returns a copy of a file node's contents.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	n, ok := m.nodes[name]
	if !ok || n.dir {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), n.data...), nil
}

// Open returns a reader over a snapshot of the file's current contents;
// later writes to the same path do not leak into an open handle.
func (m *MemoryFileSystem) Open(name string) (fs.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	n, ok := m.nodes[name]
	if !ok || n.dir {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &memHandle{
		Reader: bytes.NewReader(append([]byte(nil), n.data...)),
		info:   n.infoFor(name),
	}, nil
}

// Create returns a writer whose accumulated bytes become the file's
// contents at Close, the all-or-nothing visibility the conversion
// strategies' concat step relies on.
func (m *MemoryFileSystem) Create(name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = filepath.Clean(name)
	if n, ok := m.nodes[name]; ok && n.dir {
		return nil, &fs.PathError{Op: "create", Path: name, Err: fs.ErrInvalid}
	}
	m.materializeParents(name)
	m.nodes[name] = &memNode{mode: 0o644, mtime: m.tick()}
	return &memWriter{fs: m, name: name}, nil
}

// Stat describes a node.
func (m *MemoryFileSystem) Stat(name string) (fs.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	n, ok := m.nodes[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return n.infoFor(name), nil
}

// MkdirAll materializes a directory node and its parents.
func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	m.materializeParents(path)
	if _, ok := m.nodes[path]; !ok {
		m.nodes[path] = &memNode{dir: true, mode: perm | os.ModeDir, mtime: m.tick()}
	}
	return nil
}

// Remove removes a file or an empty directory, matching os.Remove: a
// directory that still has children is refused.
func (m *MemoryFileSystem) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = filepath.Clean(name)
	n, ok := m.nodes[name]
	if !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	if n.dir {
		prefix := name + string(filepath.Separator)
		for other := range m.nodes {
			if len(other) > len(prefix) && other[:len(prefix)] == prefix {
				return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrInvalid}
			}
		}
	}
	delete(m.nodes, name)
	return nil
}

// RemoveAll deletes a node and its whole subtree; absent paths are fine.
func (m *MemoryFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	prefix := path + string(filepath.Separator)
	for name := range m.nodes {
		if name == path || (len(name) > len(prefix) && name[:len(prefix)] == prefix) {
			delete(m.nodes, name)
		}
	}
	return nil
}

// Exists reports node presence.
func (m *MemoryFileSystem) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[filepath.Clean(name)]
	return ok
}

// RemoveAllVerified matches OSFileSystem's contract so worker tests
// exercise the same retry path production does.
func (m *MemoryFileSystem) RemoveAllVerified(ctx context.Context, path string, attempts int, delay time.Duration) error {
	return verifyRemoval(ctx, m, path, attempts, delay)
}

func (n *memNode) infoFor(name string) *memInfo {
	return &memInfo{
		name:  filepath.Base(name),
		size:  int64(len(n.data)),
		mode:  n.mode,
		mtime: n.mtime,
		dir:   n.dir,
	}
}

// memHandle is an open read handle: a snapshot reader plus the node's
// stat info at open time.
type memHandle struct {
	*bytes.Reader
	info *memInfo
}

func (h *memHandle) Close() error               { return nil }
func (h *memHandle) Stat() (fs.FileInfo, error) { return h.info, nil }

// memWriter accumulates bytes and installs them as the file's contents
// at Close.
type memWriter struct {
	fs   *MemoryFileSystem
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.nodes[w.name] = &memNode{data: w.buf.Bytes(), mode: 0o644, mtime: w.fs.tick()}
	return nil
}

// memInfo is the fs.FileInfo for a node.
type memInfo struct {
	name  string
	size  int64
	mode  os.FileMode
	mtime time.Time
	dir   bool
}

func (i *memInfo) Name() string       { return i.name }
func (i *memInfo) Size() int64        { return i.size }
func (i *memInfo) Mode() os.FileMode  { return i.mode }
func (i *memInfo) ModTime() time.Time { return i.mtime }
func (i *memInfo) IsDir() bool        { return i.dir }
func (i *memInfo) Sys() any           { return nil }
