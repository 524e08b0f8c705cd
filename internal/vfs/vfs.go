// Package vfs is the kernel's file-namespace layer: it maps canonical
// paths to the objects fd.Fd_t wraps (the console device, or an
// in-memory file), the minimal stand-in spec.md's Non-goals leave room
// for in place of a real on-disk filesystem (spec.md §4.6, §6 "Backing
// store" — which names the swap file/disk, handled separately by the
// swap package, not through this namespace).
package vfs

import (
	"bytes"
	"sync"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/fdops"
	"github.com/biscuit-teach/miniswap/internal/ustr"
)

/// VFS is a flat, in-memory namespace of named files plus the one
/// console device, shared by every process in the kernel.
type VFS struct {
	mu      sync.Mutex
	files   map[string]*inode
	console *Console
	statdev *StatDevice
}

/// New creates a namespace with its console device wired to in/out.
func New(console *Console) *VFS {
	return &VFS{files: make(map[string]*inode), console: console}
}

// consolePath is the well-known name execv's loader and the boot
// sequence use to reach the console device (spec.md §4.6 "con:").
const consolePath = "con:"

// statPath is the well-known name of the coremap/process debug device
// (SPEC_FULL.md §3's D_STAT), opened read-only for diagnostics.
const statPath = "stat:"

// InstallStatDevice wires the D_STAT debug device into the namespace.
// It is set after boot, once the process table the device reports on
// has been constructed (vfs cannot import proc directly without an
// import cycle, since proc already imports vfs).
func (v *VFS) InstallStatDevice(sd *StatDevice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statdev = sd
}

/// Open resolves path under flags, returning an Fdops_i the caller
/// installs into a file descriptor (spec.md §4.6 "open").
func (v *VFS) Open(path string, flags int) (fdops.Fdops_i, defs.Err_t) {
	if path == "" {
		return nil, -defs.EINVAL
	}
	if path == consolePath {
		v.console.Reopen()
		return v.console, 0
	}
	if path == statPath {
		v.mu.Lock()
		sd := v.statdev
		v.mu.Unlock()
		if sd == nil {
			return nil, -defs.EINVAL
		}
		sd.Reopen()
		return sd, 0
	}

	v.mu.Lock()
	ino, ok := v.files[path]
	if !ok {
		if flags&defs.O_CREAT == 0 {
			v.mu.Unlock()
			return nil, -defs.EINVAL
		}
		ino = newInode(nil)
		v.files[path] = ino
	} else {
		ino.mu.Lock()
		ino.refs++
		ino.mu.Unlock()
		if flags&defs.O_TRUNC != 0 {
			ino.mu.Lock()
			ino.data = nil
			ino.mu.Unlock()
		}
	}
	v.mu.Unlock()

	return &MemFile{ino: ino}, 0
}

/// Stat fills st with metadata for path, without opening it. Nothing in
/// the kernel calls it at present: open's O_APPEND handling (spec.md
/// §4.6 step 4) uses the opened object's Fstat.
func (v *VFS) Stat(path string, st *fdops.Stat_t) defs.Err_t {
	if path == consolePath {
		return v.console.Fstat(st)
	}
	v.mu.Lock()
	ino, ok := v.files[path]
	v.mu.Unlock()
	if !ok {
		return -defs.EINVAL
	}
	ino.mu.Lock()
	st.Size = uint(len(ino.data))
	ino.mu.Unlock()
	return 0
}

/// Remove deletes a named file from the namespace.
func (v *VFS) Remove(path string) defs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.files[path]; !ok {
		return -defs.EINVAL
	}
	delete(v.files, path)
	return 0
}

/// WriteProgram installs data as a loadable program image named path,
/// the test and bootstrap harness's way of populating the namespace
/// without a real filesystem underneath it.
func (v *VFS) WriteProgram(path string, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[path] = newInode(append([]byte(nil), data...))
}

/// RootPath is the canonical root every Cwd_t starts from.
var RootPath = ustr.MkUstrRoot()

// OpenELF returns a snapshot of path's bytes as an io.ReaderAt, the form
// the program loader needs to parse an ELF header and seek between
// segments (spec.md §4.5 "execv" step 3, §4.8). The snapshot is taken
// under the namespace lock so a concurrent write to the same name can't
// tear a load in progress.
func (v *VFS) OpenELF(path string) (*bytes.Reader, defs.Err_t) {
	v.mu.Lock()
	ino, ok := v.files[path]
	v.mu.Unlock()
	if !ok {
		return nil, -defs.EINVAL
	}
	ino.mu.Lock()
	snap := append([]byte(nil), ino.data...)
	ino.mu.Unlock()
	return bytes.NewReader(snap), 0
}
